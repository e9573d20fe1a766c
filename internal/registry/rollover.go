package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// rolloverGrace delays the midnight reload so every clock involved agrees
// the day has changed.
const rolloverGrace = time.Second

// RolloverScheduler reloads every held profile shortly after local midnight,
// so profiles resting since yesterday reopen without waiting for the host.
type RolloverScheduler struct {
	registry *Registry
	loc      *time.Location
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewRolloverScheduler creates a new rollover scheduler
func NewRolloverScheduler(registry *Registry, loc *time.Location, logger zerolog.Logger) *RolloverScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &RolloverScheduler{
		registry: registry,
		loc:      loc,
		logger:   logger.With().Str("component", "rollover-scheduler").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the rollover scheduler
func (rs *RolloverScheduler) Start() {
	go rs.run()
	rs.logger.Info().Str("timezone", rs.loc.String()).Msg("Midnight rollover scheduler started")
}

// Stop stops the rollover scheduler and waits for a running reload to finish
func (rs *RolloverScheduler) Stop() {
	close(rs.stopChan)
	<-rs.done
	rs.logger.Info().Msg("Midnight rollover scheduler stopped")
}

// run is the main scheduler loop
func (rs *RolloverScheduler) run() {
	defer close(rs.done)

	for {
		next := nextRollover(time.Now(), rs.loc)
		wait := time.Until(next)

		rs.logger.Info().
			Time("next_rollover", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next rollover")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			rs.performRollover()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextRollover returns the first instant of the next calendar day in loc,
// plus the grace period.
func nextRollover(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return midnight.Add(rolloverGrace)
}

func (rs *RolloverScheduler) performRollover() {
	rs.logger.Info().Int("profiles", rs.registry.Len()).Msg("Performing midnight rollover")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rs.registry.ReloadAll(ctx)
}
