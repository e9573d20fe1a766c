package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/kwentura/kwentura/internal/metrics"
	"github.com/kwentura/kwentura/internal/storage"
)

const publishTimeout = 2 * time.Second

// Start subscribes to gate events from other instances. Each event for a
// held profile re-runs that profile's load sequence, so a rest entered
// elsewhere is picked up without waiting for the next host load.
// Start is a no-op without a broadcaster.
func (r *Registry) Start(ctx context.Context) error {
	if r.broadcaster == nil {
		r.logger.Info().Msg("No broadcaster configured, shared state is last-write-wins")
		return nil
	}

	events, closeFn, err := r.broadcaster.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to gate events: %w", err)
	}

	done := make(chan struct{})
	r.watchMu.Lock()
	r.stopWatch = closeFn
	r.watchDone = done
	r.watchMu.Unlock()

	go r.watch(ctx, events, done)

	r.logger.Info().Str("instance", r.instance).Msg("Watching gate events")
	return nil
}

func (r *Registry) watch(ctx context.Context, events <-chan storage.GateEvent, done chan struct{}) {
	defer close(done)

	for event := range events {
		if event.Instance == r.instance {
			continue
		}
		metrics.BroadcastEventsTotal.WithLabelValues("in", string(event.Kind)).Inc()

		l, ok := r.Peek(event.Profile)
		if !ok {
			continue
		}

		status, err := l.OnApplicationLoad(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("profile", event.Profile).Msg("Reload after gate event failed")
			continue
		}

		r.logger.Debug().
			Str("profile", event.Profile).
			Str("from_instance", event.Instance).
			Str("kind", string(event.Kind)).
			Str("state", status.State.String()).
			Msg("Reloaded after gate event")
	}
}

func (r *Registry) stopWatching() error {
	r.watchMu.Lock()
	stop, done := r.stopWatch, r.watchDone
	r.stopWatch, r.watchDone = nil, nil
	r.watchMu.Unlock()

	if stop == nil {
		return nil
	}
	err := stop()
	<-done
	return err
}

// observe publishes rest entries and stale-day resets for profile.
func (r *Registry) observe(profile string) limiter.Observer {
	return func(tr limiter.Transition) {
		if r.broadcaster == nil {
			return
		}

		var kind storage.GateEventKind
		switch {
		case tr.EnteredRest():
			kind = storage.GateEventRest
		case tr.ClearedStale:
			kind = storage.GateEventReset
		default:
			return
		}

		event := storage.GateEvent{
			Instance: r.instance,
			Profile:  profile,
			Kind:     kind,
			At:       time.Now().UTC(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := r.broadcaster.Publish(ctx, event); err != nil {
			r.logger.Warn().Err(err).Str("profile", profile).Msg("Failed to publish gate event")
			return
		}
		metrics.BroadcastEventsTotal.WithLabelValues("out", string(kind)).Inc()
	}
}
