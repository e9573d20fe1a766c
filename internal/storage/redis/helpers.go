package redis

import (
	"encoding/json"
	"fmt"

	"github.com/kwentura/kwentura/internal/storage"
)

// encodeGateEvent converts a GateEvent to its wire form
func encodeGateEvent(event storage.GateEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode gate event: %w", err)
	}
	return string(data), nil
}

// decodeGateEvent parses a pub/sub payload into a GateEvent
func decodeGateEvent(payload string) (storage.GateEvent, error) {
	var event storage.GateEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return storage.GateEvent{}, fmt.Errorf("failed to decode gate event: %w", err)
	}
	if event.Profile == "" {
		return storage.GateEvent{}, fmt.Errorf("gate event without profile")
	}
	return event, nil
}
