package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kwentura/kwentura/internal/config"
	"github.com/kwentura/kwentura/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port is left at zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestKVStore_SetGetDelete(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	kv := store.KV()
	key := storage.RestMarkerKey("default")

	if _, err := kv.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
	}

	if err := kv.Set(ctx, key, "2026-10-19T08:00:00.000Z"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "2026-10-19T08:00:00.000Z" {
		t.Errorf("Expected stored marker, got %q", got)
	}

	if ttl := mr.TTL(key); ttl != staleKeyTTL {
		t.Errorf("Expected TTL %v, got %v", staleKeyTTL, ttl)
	}

	if err := kv.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mr.Exists(key) {
		t.Error("Expected key to be deleted")
	}

	// Deleting nothing is a no-op
	if err := kv.Delete(ctx); err != nil {
		t.Errorf("Delete with no keys failed: %v", err)
	}
}

func TestKVStore_Apply(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	kv := store.KV()

	windowKey := storage.UsageWindowKey("kid")
	restKey := storage.RestMarkerKey("kid")

	if err := kv.Set(ctx, windowKey, "2026-10-19T07:00:00.000Z"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ops := []storage.Op{
		storage.DeleteOp(windowKey),
		storage.SetOp(restKey, "2026-10-19T08:30:00.000Z"),
	}
	if err := kv.Apply(ctx, ops); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if mr.Exists(windowKey) {
		t.Error("Expected window key to be deleted")
	}
	value, err := mr.Get(restKey)
	if err != nil {
		t.Fatalf("Expected rest key to exist: %v", err)
	}
	if value != "2026-10-19T08:30:00.000Z" {
		t.Errorf("Expected rest marker value, got %q", value)
	}
	if ttl := mr.TTL(restKey); ttl != staleKeyTTL {
		t.Errorf("Expected TTL %v, got %v", staleKeyTTL, ttl)
	}

	if err := kv.Apply(ctx, nil); err != nil {
		t.Errorf("Apply with no ops failed: %v", err)
	}
}

func TestKVStore_Unavailable(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.Close()

	ctx := context.Background()
	if _, err := store.KV().Get(ctx, storage.RestMarkerKey("kid")); err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected connection error, got %v", err)
	}
}

func TestStore_PublishSubscribe(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, closeFn, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = closeFn() }()

	sent := storage.GateEvent{
		Instance: "instance-a",
		Profile:  "kid",
		Kind:     storage.GateEventRest,
		At:       time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC),
	}
	if err := store.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-events:
		if got.Instance != sent.Instance || got.Profile != sent.Profile || got.Kind != sent.Kind {
			t.Errorf("Expected %+v, got %+v", sent, got)
		}
		if !got.At.Equal(sent.At) {
			t.Errorf("Expected At %v, got %v", sent.At, got.At)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for gate event")
	}
}
