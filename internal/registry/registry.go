// Package registry holds one limiter per device profile.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/kwentura/kwentura/internal/metrics"
	"github.com/kwentura/kwentura/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultMaxProfiles bounds the registry when Options.MaxProfiles is unset.
const DefaultMaxProfiles = 1024

// Options configures a Registry.
type Options struct {
	MaxProfiles int
	// Limiter is the template for every profile's limiter. Profile is ignored.
	Limiter limiter.Config
	// Broadcaster shares gate events with other instances. Optional.
	Broadcaster storage.Broadcaster
}

// Registry creates limiters on demand and evicts the least recently used
// ones beyond MaxProfiles. Evicted limiters are closed.
type Registry struct {
	kv          storage.KVStore
	template    limiter.Config
	broadcaster storage.Broadcaster
	instance    string
	logger      zerolog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *limiter.Limiter]

	watchMu   sync.Mutex
	stopWatch func() error
	watchDone chan struct{}
}

// New creates a registry over kv.
func New(kv storage.KVStore, opts Options, logger zerolog.Logger) (*Registry, error) {
	if opts.MaxProfiles <= 0 {
		opts.MaxProfiles = DefaultMaxProfiles
	}

	r := &Registry{
		kv:          kv,
		template:    opts.Limiter,
		broadcaster: opts.Broadcaster,
		instance:    uuid.NewString(),
		logger:      logger.With().Str("component", "registry").Logger(),
	}

	cache, err := lru.NewWithEvict(opts.MaxProfiles, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache

	return r, nil
}

// Instance returns the id this registry publishes gate events under.
func (r *Registry) Instance() string {
	return r.instance
}

// Get returns the limiter for profile, creating it if needed.
func (r *Registry) Get(profile string) (*limiter.Limiter, error) {
	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.cache.Get(profile); ok {
		return l, nil
	}

	cfg := r.template
	cfg.Profile = profile
	l := limiter.New(r.kv, cfg, r.logger)
	l.Subscribe(r.observe(profile))

	r.cache.Add(profile, l)
	metrics.ProfilesActive.Set(float64(r.cache.Len()))
	r.logger.Debug().Str("profile", profile).Msg("Created limiter")

	return l, nil
}

// Peek returns the limiter for profile without creating it or touching
// its recency.
func (r *Registry) Peek(profile string) (*limiter.Limiter, bool) {
	return r.cache.Peek(profile)
}

// Load runs the load sequence for profile.
func (r *Registry) Load(ctx context.Context, profile string) (limiter.Status, error) {
	for attempt := 0; ; attempt++ {
		l, err := r.Get(profile)
		if err != nil {
			return limiter.Status{}, err
		}

		status, err := l.OnApplicationLoad(ctx)
		// The limiter may have been evicted between Get and the load
		if errors.Is(err, limiter.ErrClosed) && attempt == 0 {
			continue
		}
		return status, err
	}
}

// EnterRestMode puts profile into rest immediately.
func (r *Registry) EnterRestMode(ctx context.Context, profile string) (limiter.Status, error) {
	l, err := r.Get(profile)
	if err != nil {
		return limiter.Status{}, err
	}
	return l.EnterRestMode(ctx)
}

// Status returns the gate state of profile. Profiles that have not been
// loaded by this instance report StateUnknown.
func (r *Registry) Status(profile string) (limiter.Status, error) {
	if err := ValidateProfile(profile); err != nil {
		return limiter.Status{}, err
	}
	if l, ok := r.Peek(profile); ok {
		return l.Status(), nil
	}
	return limiter.Status{
		Profile: profile,
		State:   limiter.StateUnknown,
		Message: limiter.MessagePending,
	}, nil
}

// Profiles returns the held profile ids in sorted order.
func (r *Registry) Profiles() []string {
	profiles := r.cache.Keys()
	sort.Strings(profiles)
	return profiles
}

// Len returns the number of held limiters.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// ReloadAll re-runs the load sequence for every held profile and returns
// how many loads succeeded.
func (r *Registry) ReloadAll(ctx context.Context) int {
	reloaded := 0
	for _, profile := range r.Profiles() {
		l, ok := r.Peek(profile)
		if !ok {
			continue
		}
		if _, err := l.OnApplicationLoad(ctx); err != nil {
			r.logger.Warn().Err(err).Str("profile", profile).Msg("Reload failed")
			continue
		}
		reloaded++
	}

	r.logger.Info().Int("reloaded", reloaded).Int("profiles", r.Len()).Msg("Reloaded profiles")
	return reloaded
}

// Close stops watching for gate events and closes every limiter.
func (r *Registry) Close() error {
	err := r.stopWatching()

	r.mu.Lock()
	r.cache.Purge()
	r.mu.Unlock()

	metrics.ProfilesActive.Set(0)
	return err
}

func (r *Registry) onEvict(profile string, l *limiter.Limiter) {
	_ = l.Close()
	r.logger.Debug().Str("profile", profile).Msg("Evicted limiter")
}
