package storage

import (
	"fmt"
	"time"
)

// KeyPrefix namespaces every key kwentura writes.
const KeyPrefix = "kwentura"

// Op is a single write in an atomic batch.
type Op struct {
	Key    string
	Value  string
	Delete bool
}

// SetOp returns an Op that stores value under key.
func SetOp(key, value string) Op {
	return Op{Key: key, Value: value}
}

// DeleteOp returns an Op that removes key.
func DeleteOp(key string) Op {
	return Op{Key: key, Delete: true}
}

// GateEventKind identifies what changed in the persisted gate state.
type GateEventKind string

const (
	// GateEventRest means a rest marker was written.
	GateEventRest GateEventKind = "rest"
	// GateEventReset means a stale rest marker was cleared for a new day.
	GateEventReset GateEventKind = "reset"
)

// GateEvent is published to other instances sharing the same store.
type GateEvent struct {
	Instance string        `json:"instance"`
	Profile  string        `json:"profile"`
	Kind     GateEventKind `json:"kind"`
	At       time.Time     `json:"at"`
}

// UsageWindowKey is the key holding the start of today's usage window.
func UsageWindowKey(profile string) string {
	return fmt.Sprintf("%s:%s:usage_window_start", KeyPrefix, profile)
}

// RestMarkerKey is the key holding the rest marker.
func RestMarkerKey(profile string) string {
	return fmt.Sprintf("%s:%s:rest_until", KeyPrefix, profile)
}
