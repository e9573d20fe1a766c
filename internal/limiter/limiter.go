// Package limiter gates application use against a daily reading budget.
//
// A Limiter owns one device profile's gate: it reads the two persisted keys,
// decides between active and resting with Decide, persists the result and
// arms at most one expiration timer. Rest is only left by a later load that
// observes a new calendar day.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kwentura/kwentura/internal/metrics"
	"github.com/kwentura/kwentura/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultProfile is used when no profile id is configured.
	DefaultProfile = "default"
	// DefaultDailyBudget is the reading time allowed per calendar day.
	DefaultDailyBudget = 90 * time.Minute

	defaultWriteTimeout = 5 * time.Second
)

// BudgetSource resolves the daily budget for a profile at load time.
type BudgetSource interface {
	Budget(ctx context.Context, profile string, now time.Time) (time.Duration, error)
}

// Config configures a Limiter. Zero values select defaults.
type Config struct {
	Profile       string
	DailyBudget   time.Duration
	Location      *time.Location
	FailurePolicy FailurePolicy
	Clock         Clock
	// Budget overrides DailyBudget per load when set.
	Budget BudgetSource
	// WriteTimeout bounds storage writes made from the expiration timer.
	WriteTimeout time.Duration
}

// Limiter is the gate for one device profile. It is safe for concurrent use.
type Limiter struct {
	profile      string
	dailyBudget  time.Duration
	loc          *time.Location
	policy       FailurePolicy
	clock        Clock
	source       BudgetSource
	writeTimeout time.Duration
	kv           storage.KVStore
	logger       zerolog.Logger

	mu         sync.Mutex
	state      State
	reason     RestReason
	message    string
	snapshot   Snapshot
	budget     time.Duration
	expiresAt  time.Time
	loadedAt   time.Time
	timer      Timer
	generation uint64
	closed     bool

	obsMu        sync.RWMutex
	observers    map[int]Observer
	nextObserver int
}

// New creates a limiter in StateUnknown. Call OnApplicationLoad to settle it.
func New(kv storage.KVStore, cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if cfg.DailyBudget <= 0 {
		cfg.DailyBudget = DefaultDailyBudget
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailClosed
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Limiter{
		profile:      cfg.Profile,
		dailyBudget:  cfg.DailyBudget,
		loc:          cfg.Location,
		policy:       cfg.FailurePolicy,
		clock:        cfg.Clock,
		source:       cfg.Budget,
		writeTimeout: cfg.WriteTimeout,
		kv:           kv,
		logger:       logger.With().Str("component", "limiter").Str("profile", cfg.Profile).Logger(),
		budget:       cfg.DailyBudget,
		observers:    make(map[int]Observer),
	}
}

// Profile returns the profile id this limiter gates.
func (l *Limiter) Profile() string {
	return l.profile
}

// OnApplicationLoad runs the load sequence. The limiter is always left
// active with one expiration armed, or resting with none, even when an
// error is returned.
func (l *Limiter) OnApplicationLoad(ctx context.Context) (Status, error) {
	started := time.Now()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Status{}, ErrClosed
	}

	from := l.state
	now := l.now()

	snap, err := l.readSnapshot(ctx)
	if err != nil && isContextErr(err) {
		// The caller gave up. Keep the current state and timer.
		status := l.statusLocked(now)
		l.mu.Unlock()
		metrics.LoadsTotal.WithLabelValues("cancelled").Inc()
		l.logger.Debug().Err(err).Msg("Load abandoned by caller")
		return status, err
	}

	l.cancelTimerLocked()
	l.budget = l.resolveBudget(ctx, now)

	var (
		loadErr error
		cleared bool
	)

	if err != nil {
		loadErr = err
		metrics.StorageErrorsTotal.WithLabelValues("read").Inc()
		l.applyFailurePolicyLocked(now, err)
	} else {
		plan := Decide(now, snap, l.budget, l.loc)
		loadErr = l.persistLocked(ctx, snap, plan.Next)
		l.snapshot = plan.Next
		l.settleLocked(now, plan)
		cleared = plan.ClearedStale
	}

	l.loadedAt = now
	tr := Transition{From: from, Status: l.statusLocked(now), ClearedStale: cleared}
	l.mu.Unlock()

	outcome := tr.Status.State.String()
	metrics.LoadsTotal.WithLabelValues(outcome).Inc()
	metrics.LoadDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())

	l.notify(tr)
	return tr.Status, loadErr
}

// EnterRestMode cancels any pending expiration and persists a rest marker
// for now. Calling it while resting rewrites the marker.
func (l *Limiter) EnterRestMode(ctx context.Context) (Status, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Status{}, ErrClosed
	}

	from := l.state
	now := l.now()
	err := l.enterRestLocked(ctx, now, ReasonRequested)
	tr := Transition{From: from, Status: l.statusLocked(now)}
	l.mu.Unlock()

	l.notify(tr)
	return tr.Status, err
}

// ScheduleExpiration arms the single expiration timer for remaining and
// marks the limiter active. A non-positive remaining enters rest instead.
// It returns ErrResting while resting.
func (l *Limiter) ScheduleExpiration(ctx context.Context, remaining time.Duration) (Status, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Status{}, ErrClosed
	}
	if l.state == StateResting {
		status := l.statusLocked(l.now())
		l.mu.Unlock()
		return status, ErrResting
	}

	from := l.state
	now := l.now()

	var err error
	if remaining <= 0 {
		err = l.enterRestLocked(ctx, now, ReasonBudget)
	} else {
		l.armLocked(now, remaining)
	}

	tr := Transition{From: from, Status: l.statusLocked(now)}
	l.mu.Unlock()

	l.notify(tr)
	return tr.Status, err
}

// Status returns the current gate state.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(l.now())
}

// Subscribe registers an observer and returns a function removing it.
func (l *Limiter) Subscribe(fn Observer) func() {
	l.obsMu.Lock()
	id := l.nextObserver
	l.nextObserver++
	l.observers[id] = fn
	l.obsMu.Unlock()

	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

// Close cancels the pending expiration. Later operations return ErrClosed.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cancelTimerLocked()
	l.mu.Unlock()

	metrics.RemainingBudgetSeconds.DeleteLabelValues(l.profile)
	return nil
}

// expire is the timer callback. Callbacks from replaced timers carry an old
// generation and are dropped.
func (l *Limiter) expire(generation uint64) {
	l.mu.Lock()
	if l.closed || generation != l.generation || l.state != StateActive {
		l.mu.Unlock()
		l.logger.Debug().Uint64("generation", generation).Msg("Ignoring stale expiration")
		return
	}
	l.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	from := l.state
	now := l.now()
	_ = l.enterRestLocked(ctx, now, ReasonTimer)
	tr := Transition{From: from, Status: l.statusLocked(now)}
	l.mu.Unlock()
	cancel()

	l.notify(tr)
}

func (l *Limiter) settleLocked(now time.Time, plan Plan) {
	switch plan.State {
	case StateActive:
		l.armLocked(now, plan.Remaining)
	default:
		l.state = StateResting
		l.reason = plan.Reason
		l.message = plan.Message
		l.expiresAt = time.Time{}
		if plan.Reason == ReasonBudget {
			metrics.RestEntriesTotal.WithLabelValues(string(ReasonBudget)).Inc()
		}
	}

	l.logger.Info().
		Str("state", l.state.String()).
		Str("reason", string(l.reason)).
		Str("phase", plan.Next.Phase().String()).
		Dur("elapsed", plan.Elapsed).
		Dur("remaining", plan.Remaining).
		Bool("cleared_stale", plan.ClearedStale).
		Msg("Gate settled")
}

func (l *Limiter) applyFailurePolicyLocked(now time.Time, cause error) {
	switch l.policy {
	case FailOpen:
		l.snapshot = Snapshot{WindowStart: now}
		l.armLocked(now, l.budget)
		l.logger.Error().Err(cause).Msg("Gate storage unreadable, failing open with a fresh window")
	default:
		l.snapshot = Snapshot{}
		l.state = StateResting
		l.reason = ReasonStorage
		l.message = MessageStorageUnavailable
		l.expiresAt = time.Time{}
		metrics.RestEntriesTotal.WithLabelValues(string(ReasonStorage)).Inc()
		l.logger.Error().Err(cause).Msg("Gate storage unreadable, failing closed")
	}
}

func (l *Limiter) enterRestLocked(ctx context.Context, now time.Time, reason RestReason) error {
	l.cancelTimerLocked()

	prev := l.snapshot
	next := prev
	next.RestMarker = now
	next.MarkerInvalid = false

	err := l.persistLocked(ctx, prev, next)
	l.snapshot = next
	l.state = StateResting
	l.reason = reason
	l.message = MessageRestStarted
	l.expiresAt = time.Time{}

	metrics.RestEntriesTotal.WithLabelValues(string(reason)).Inc()
	l.logger.Info().Str("reason", string(reason)).Time("rest_marker", now).Msg("Entered rest mode")
	return err
}

func (l *Limiter) armLocked(now time.Time, d time.Duration) {
	l.cancelTimerLocked()

	generation := l.generation
	l.timer = l.clock.AfterFunc(d, func() { l.expire(generation) })
	l.state = StateActive
	l.reason = ReasonNone
	l.message = ""
	l.expiresAt = now.Add(d)
}

func (l *Limiter) cancelTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.generation++
}

func (l *Limiter) persistLocked(ctx context.Context, prev, next Snapshot) error {
	ops := Ops(l.profile, prev, next)
	if len(ops) == 0 {
		return nil
	}
	if err := l.kv.Apply(ctx, ops); err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("write").Inc()
		l.logger.Error().Err(err).Int("ops", len(ops)).Msg("Failed to persist gate state")
		return fmt.Errorf("persist gate state: %w", err)
	}
	return nil
}

func (l *Limiter) readSnapshot(ctx context.Context) (Snapshot, error) {
	snap, err := ReadSnapshot(ctx, l.kv, l.profile)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.MarkerInvalid {
		l.logger.Warn().Str("key", storage.RestMarkerKey(l.profile)).Msg("Ignoring unparseable gate timestamp")
	}
	if snap.WindowInvalid {
		l.logger.Warn().Str("key", storage.UsageWindowKey(l.profile)).Msg("Ignoring unparseable gate timestamp")
	}
	return snap, nil
}

func (l *Limiter) resolveBudget(ctx context.Context, now time.Time) time.Duration {
	d, err := ResolveBudget(ctx, l.source, l.profile, now, l.dailyBudget)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Budget lookup failed, using configured daily budget")
	}
	return d
}

// ResolveBudget returns the budget source reports for profile at now. It
// returns fallback when source is nil, fails, or reports a negative budget.
// A zero budget is valid and means no reading that day.
func ResolveBudget(ctx context.Context, source BudgetSource, profile string, now time.Time, fallback time.Duration) (time.Duration, error) {
	if source == nil {
		return fallback, nil
	}
	d, err := source.Budget(ctx, profile, now)
	if err != nil {
		return fallback, err
	}
	if d < 0 {
		return fallback, fmt.Errorf("negative budget %s for profile %s", d, profile)
	}
	return d, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (l *Limiter) statusLocked(now time.Time) Status {
	s := Status{
		Profile:     l.profile,
		State:       l.state,
		Reason:      l.reason,
		Message:     l.message,
		WindowStart: l.snapshot.WindowStart,
		RestMarker:  l.snapshot.RestMarker,
		Budget:      l.budget,
		ExpiresAt:   l.expiresAt,
		LoadedAt:    l.loadedAt,
	}

	switch l.state {
	case StateActive:
		if remaining := l.expiresAt.Sub(now); remaining > 0 {
			s.Remaining = remaining
		}
	case StateUnknown:
		s.Message = MessagePending
	}
	return s
}

func (l *Limiter) notify(tr Transition) {
	metrics.RemainingBudgetSeconds.WithLabelValues(l.profile).Set(tr.Status.Remaining.Seconds())

	l.obsMu.RLock()
	observers := make([]Observer, 0, len(l.observers))
	for _, fn := range l.observers {
		observers = append(observers, fn)
	}
	l.obsMu.RUnlock()

	for _, fn := range observers {
		fn(tr)
	}
}

// now truncates to the persisted precision so in-memory and stored
// timestamps compare equal.
func (l *Limiter) now() time.Time {
	return l.clock.Now().Truncate(time.Millisecond)
}
