package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kwentura/kwentura/internal/config"
	"github.com/kwentura/kwentura/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	// eventsChannel carries storage.GateEvent messages between instances
	eventsChannel = "kwentura:events"

	// staleKeyTTL bounds how long gate keys survive without being rewritten.
	// A key older than a day is already treated as stale by the limiter.
	staleKeyTTL = 7 * 24 * time.Hour
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client  *redis.Client
	kvStore *kvStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:  client,
		kvStore: &kvStore{client: client, ttl: staleKeyTTL},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// KV returns the KVStore implementation
func (s *Store) KV() storage.KVStore {
	return s.kvStore
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.Broadcaster = (*Store)(nil)
)
