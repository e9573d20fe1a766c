// Package budget resolves the daily reading budget for a profile.
package budget

import (
	"context"
	"time"

	"github.com/kwentura/kwentura/internal/config"
	"github.com/rs/zerolog"
)

// Resolver returns the budget that applies to a profile at a given time.
type Resolver interface {
	Budget(ctx context.Context, profile string, now time.Time) (time.Duration, error)
	// Reload re-reads any backing definitions.
	Reload() error
}

// Static applies the same budget to every profile.
type Static struct {
	Daily time.Duration
}

// Budget returns the configured daily budget.
func (s Static) Budget(context.Context, string, time.Time) (time.Duration, error) {
	return s.Daily, nil
}

// Reload is a no-op for a static budget.
func (Static) Reload() error {
	return nil
}

// FromConfig returns a Policy when a policy directory is configured and a
// Static budget otherwise.
func FromConfig(cfg config.LimiterConfig, logger zerolog.Logger) (Resolver, error) {
	if cfg.BudgetPolicyDir == "" {
		return Static{Daily: cfg.Budget()}, nil
	}
	return NewPolicy(cfg.BudgetPolicyDir, cfg.Budget(), cfg.Location(), logger)
}
