package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwentura/kwentura/internal/budget"
	"github.com/kwentura/kwentura/internal/config"
	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/kwentura/kwentura/internal/storage"
	"github.com/rs/zerolog"
)

func TestOpenStorage(t *testing.T) {
	tests := []struct {
		name          string
		cfg           config.StorageConfig
		wantBroadcast bool
		wantErr       bool
	}{
		{"memory", config.StorageConfig{Type: "memory"}, true, false},
		{"bolt", config.StorageConfig{Type: "bolt", Path: filepath.Join(t.TempDir(), "kwentura.bolt")}, false, false},
		{"unsupported", config.StorageConfig{Type: "floppy"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, broadcaster, err := openStorage(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("openStorage() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openStorage() error = %v", err)
			}
			defer store.Close()

			if got := broadcaster != nil; got != tt.wantBroadcast {
				t.Errorf("broadcaster present = %v, want %v", got, tt.wantBroadcast)
			}
		})
	}
}

func TestLimiterConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Limiter.DailyBudget = "45m"
	cfg.Limiter.FailurePolicy = "open"
	cfg.Limiter.Timezone = "UTC"
	cfg.Limiter.WriteTimeout = "2s"
	cfg.Storage.Redis.WriteTimeout = "9s"

	lc, err := limiterConfig(cfg, budget.Static{Daily: time.Hour})
	if err != nil {
		t.Fatalf("limiterConfig() error = %v", err)
	}
	if lc.DailyBudget != 45*time.Minute {
		t.Errorf("DailyBudget = %v, want 45m", lc.DailyBudget)
	}
	if lc.FailurePolicy != limiter.FailOpen {
		t.Errorf("FailurePolicy = %q, want open", lc.FailurePolicy)
	}
	if lc.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", lc.Location)
	}
	if lc.WriteTimeout != 2*time.Second {
		t.Errorf("WriteTimeout = %v, want 2s from limiter.write_timeout", lc.WriteTimeout)
	}
	if lc.Budget == nil {
		t.Error("Budget source not set")
	}

	cfg.Limiter.FailurePolicy = "sometimes"
	if _, err := limiterConfig(cfg, nil); err == nil {
		t.Error("limiterConfig() expected error for unknown failure policy")
	}
}

func TestDryRunDoesNotWrite(t *testing.T) {
	store, _, err := openStorage(config.StorageConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("openStorage() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	kv := store.KV()
	window := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	if err := kv.Set(ctx, storage.UsageWindowKey("tablet"), limiter.FormatTimestamp(window)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := kv.Set(ctx, storage.RestMarkerKey("tablet"), "yesterday-ish"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	lc := limiter.Config{Profile: "tablet", DailyBudget: 90 * time.Minute, Location: time.UTC}
	snap, daily, plan, err := dryRun(ctx, kv, lc, window.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("dryRun() error = %v", err)
	}
	if !snap.MarkerInvalid {
		t.Error("MarkerInvalid = false, want true")
	}
	if daily != 90*time.Minute {
		t.Errorf("daily = %v, want 90m", daily)
	}
	if plan.State != limiter.StateActive || !plan.ClearedStale {
		t.Errorf("plan = %v cleared=%v, want active with stale marker cleared", plan.State, plan.ClearedStale)
	}

	raw, err := kv.Get(ctx, storage.RestMarkerKey("tablet"))
	if err != nil || raw != "yesterday-ish" {
		t.Errorf("rest marker = %q, %v; want untouched", raw, err)
	}
}

func TestDryRunMatchesLoadForZeroBudget(t *testing.T) {
	store, _, err := openStorage(config.StorageConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("openStorage() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2026, 10, 19, 19, 0, 0, 0, time.UTC)
	clock := limiter.NewFakeClock(now)
	lc := limiter.Config{
		Profile:     "tablet",
		DailyBudget: 90 * time.Minute,
		Location:    time.UTC,
		Budget:      budget.Static{Daily: 0},
		Clock:       clock,
	}

	_, daily, plan, err := dryRun(ctx, store.KV(), lc, now)
	if err != nil {
		t.Fatalf("dryRun() error = %v", err)
	}
	if daily != 0 {
		t.Errorf("daily = %v, want 0", daily)
	}

	l := limiter.New(store.KV(), lc, zerolog.Nop())
	defer l.Close()
	status, err := l.OnApplicationLoad(ctx)
	if err != nil {
		t.Fatalf("OnApplicationLoad() error = %v", err)
	}

	if plan.State != status.State || plan.State != limiter.StateResting {
		t.Errorf("dry run = %v, load = %v, want both resting", plan.State, status.State)
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "limiter:\n  daily_budget: 30m\n  daily_budgett: 40m\nstorage:\n  type: memory\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys() error = %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "limiter.daily_budgett" {
		t.Errorf("findUnknownKeys() = %v, want [limiter.daily_budgett]", unknown)
	}
}
