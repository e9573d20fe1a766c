package bolt

import (
	"context"

	"github.com/kwentura/kwentura/internal/storage"
	"go.etcd.io/bbolt"
)

type kvStore struct {
	db *bbolt.DB
}

func (s *kvStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := gateBucket(tx)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		// raw is only valid for the life of the transaction
		value = string(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *kvStore) Set(ctx context.Context, key, value string) error {
	return s.Apply(ctx, []storage.Op{storage.SetOp(key, value)})
}

func (s *kvStore) Delete(ctx context.Context, keys ...string) error {
	ops := make([]storage.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, storage.DeleteOp(key))
	}
	return s.Apply(ctx, ops)
}

func (s *kvStore) Apply(ctx context.Context, ops []storage.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := gateBucket(tx)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(op.Key), []byte(op.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}
