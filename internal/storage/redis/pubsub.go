package redis

import (
	"context"
	"fmt"

	"github.com/kwentura/kwentura/internal/storage"
)

// Publish broadcasts a gate event to every subscribed instance
func (s *Store) Publish(ctx context.Context, event storage.GateEvent) error {
	payload, err := encodeGateEvent(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, eventsChannel, payload).Err()
}

// Subscribe listens for gate events published by any instance
func (s *Store) Subscribe(ctx context.Context) (<-chan storage.GateEvent, func() error, error) {
	pubsub := s.client.Subscribe(ctx, eventsChannel)

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", eventsChannel, err)
	}

	events := make(chan storage.GateEvent, 16)
	messages := pubsub.Channel()

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, err := decodeGateEvent(msg.Payload)
				if err != nil {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, pubsub.Close, nil
}
