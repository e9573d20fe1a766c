package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	KV() KVStore
}

// KVStore holds the per-profile gate keys as plain strings.
type KVStore interface {
	// Get returns ErrNotFound when the key is unset.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes the keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Apply performs every operation or none of them.
	Apply(ctx context.Context, ops []Op) error
}

// Broadcaster is implemented by stores shared between kwentura instances.
// It fans gate events out so other instances can re-run their load sequence.
type Broadcaster interface {
	Publish(ctx context.Context, event GateEvent) error
	// Subscribe delivers events until the returned close function is called
	// or ctx is done.
	Subscribe(ctx context.Context) (<-chan GateEvent, func() error, error)
}
