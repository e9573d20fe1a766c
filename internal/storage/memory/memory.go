// Package memory provides a process-local storage backend.
// Gate state is lost on restart; it is intended for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/kwentura/kwentura/internal/storage"
)

// Store implements storage.Store and storage.Broadcaster in memory.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool

	subMu sync.Mutex
	subs  map[int]chan storage.GateEvent
	next  int
}

// Open creates an empty in-memory store.
func Open() *Store {
	return &Store{
		values: make(map[string]string),
		subs:   make(map[int]chan storage.GateEvent),
	}
}

// Close drops all values and subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.values = make(map[string]string)
	s.mu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return nil
}

// KV returns the store itself.
func (s *Store) KV() storage.KVStore {
	return s
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", errClosed
	}
	value, ok := s.values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.Apply(ctx, []storage.Op{storage.SetOp(key, value)})
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	ops := make([]storage.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, storage.DeleteOp(key))
	}
	return s.Apply(ctx, ops)
}

func (s *Store) Apply(ctx context.Context, ops []storage.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	for _, op := range ops {
		if op.Delete {
			delete(s.values, op.Key)
			continue
		}
		s.values[op.Key] = op.Value
	}
	return nil
}

// Publish delivers the event to every current subscriber.
// Slow subscribers miss events rather than blocking the publisher.
func (s *Store) Publish(ctx context.Context, event storage.GateEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber.
func (s *Store) Subscribe(ctx context.Context) (<-chan storage.GateEvent, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan storage.GateEvent, 16)

	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() error {
		once.Do(func() {
			s.subMu.Lock()
			if existing, ok := s.subs[id]; ok {
				close(existing)
				delete(s.subs, id)
			}
			s.subMu.Unlock()
		})
		return nil
	}

	go func() {
		<-ctx.Done()
		_ = unsubscribe()
	}()

	return ch, unsubscribe, nil
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.KVStore     = (*Store)(nil)
	_ storage.Broadcaster = (*Store)(nil)
)
