package main

import (
	"fmt"
	"os"

	"github.com/kwentura/kwentura/internal/budget"
	"github.com/kwentura/kwentura/internal/config"
	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/kwentura/kwentura/internal/storage"
	"github.com/kwentura/kwentura/internal/storage/bolt"
	"github.com/kwentura/kwentura/internal/storage/memory"
	"github.com/kwentura/kwentura/internal/storage/redis"
	"github.com/rs/zerolog"
)

// openStorage opens the configured backend. The broadcaster is nil when the
// backend cannot share gate events between instances.
func openStorage(cfg config.StorageConfig) (storage.Store, storage.Broadcaster, error) {
	switch cfg.Type {
	case "redis":
		store, err := redis.Open(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "memory":
		store := memory.Open()
		return store, store, nil
	case "bolt", "":
		store, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// limiterConfig builds the per-profile limiter template.
func limiterConfig(cfg *config.Config, resolver budget.Resolver) (limiter.Config, error) {
	policy, err := limiter.ParseFailurePolicy(cfg.Limiter.FailurePolicy)
	if err != nil {
		return limiter.Config{}, err
	}

	lc := limiter.Config{
		DailyBudget:   cfg.Limiter.Budget(),
		Location:      cfg.Limiter.Location(),
		FailurePolicy: policy,
		WriteTimeout:  cfg.Limiter.StoreTimeout(),
	}
	if resolver != nil {
		lc.Budget = resolver
	}
	return lc, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
