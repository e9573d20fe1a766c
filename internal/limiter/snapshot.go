package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kwentura/kwentura/internal/storage"
)

// timestampLayout matches ISO-8601 with millisecond precision in UTC,
// e.g. 2026-10-19T08:30:00.000Z.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Phase classifies a Snapshot.
type Phase int

const (
	// PhaseFresh means nothing is stored for the profile.
	PhaseFresh Phase = iota
	// PhaseActiveSince means a usage window is stored without a rest marker.
	PhaseActiveSince
	// PhaseRestingSince means a rest marker is stored.
	PhaseRestingSince
)

func (p Phase) String() string {
	switch p {
	case PhaseActiveSince:
		return "active_since"
	case PhaseRestingSince:
		return "resting_since"
	default:
		return "fresh"
	}
}

// Snapshot is the persisted state of one profile. A zero time means the key
// is unset. The Invalid flags mark keys that are present but unparseable.
type Snapshot struct {
	WindowStart   time.Time
	RestMarker    time.Time
	WindowInvalid bool
	MarkerInvalid bool
}

func (s Snapshot) hasMarker() bool {
	return !s.RestMarker.IsZero() || s.MarkerInvalid
}

func (s Snapshot) hasWindow() bool {
	return !s.WindowStart.IsZero() || s.WindowInvalid
}

// Phase classifies the snapshot. A rest marker wins over a usage window.
func (s Snapshot) Phase() Phase {
	switch {
	case s.hasMarker():
		return PhaseRestingSince
	case s.hasWindow():
		return PhaseActiveSince
	default:
		return PhaseFresh
	}
}

// Since returns the timestamp the phase is anchored on.
func (s Snapshot) Since() time.Time {
	switch s.Phase() {
	case PhaseRestingSince:
		return s.RestMarker
	case PhaseActiveSince:
		return s.WindowStart
	default:
		return time.Time{}
	}
}

// FormatTimestamp renders t the way it is persisted.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a persisted timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Ops returns the writes that turn prev into next in storage.
// A key still flagged invalid in next is left as it is.
func Ops(profile string, prev, next Snapshot) []storage.Op {
	var ops []storage.Op
	if !next.WindowInvalid {
		ops = appendKeyOp(ops, storage.UsageWindowKey(profile), prev.WindowStart, prev.WindowInvalid, next.WindowStart)
	}
	if !next.MarkerInvalid {
		ops = appendKeyOp(ops, storage.RestMarkerKey(profile), prev.RestMarker, prev.MarkerInvalid, next.RestMarker)
	}
	return ops
}

func appendKeyOp(ops []storage.Op, key string, prev time.Time, prevInvalid bool, next time.Time) []storage.Op {
	prevSet := !prev.IsZero() || prevInvalid
	switch {
	case next.IsZero() && prevSet:
		return append(ops, storage.DeleteOp(key))
	case next.IsZero():
		return ops
	case prevInvalid || !prev.Equal(next):
		return append(ops, storage.SetOp(key, FormatTimestamp(next)))
	default:
		return ops
	}
}

// ReadSnapshot reads the persisted keys of profile without modifying them.
// A present but unparseable value is flagged invalid rather than returned
// as an error.
func ReadSnapshot(ctx context.Context, kv storage.KVStore, profile string) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)

	snap.RestMarker, snap.MarkerInvalid, err = readTimestamp(ctx, kv, storage.RestMarkerKey(profile))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read rest marker: %w", err)
	}

	snap.WindowStart, snap.WindowInvalid, err = readTimestamp(ctx, kv, storage.UsageWindowKey(profile))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read usage window: %w", err)
	}

	return snap, nil
}

func readTimestamp(ctx context.Context, kv storage.KVStore, key string) (time.Time, bool, error) {
	raw, err := kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	t, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, true, nil
	}
	return t, false, nil
}
