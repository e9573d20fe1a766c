package redis

import (
	"context"
	"errors"
	"time"

	"github.com/kwentura/kwentura/internal/storage"
	"github.com/redis/go-redis/v9"
)

var applyOps = redis.NewScript(applyOpsScript)

type kvStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Get retrieves a gate key
func (s *kvStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores a gate key with the stale-key TTL
func (s *kvStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

// Delete removes gate keys
func (s *kvStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Apply atomically runs a batch of sets and deletes
func (s *kvStore) Apply(ctx context.Context, ops []storage.Op) error {
	if len(ops) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*2+1)
	args = append(args, int64(s.ttl/time.Second))

	for _, op := range ops {
		keys = append(keys, op.Key)
		if op.Delete {
			args = append(args, "del", "")
		} else {
			args = append(args, "set", op.Value)
		}
	}

	return applyOps.Run(ctx, s.client, keys, args...).Err()
}
