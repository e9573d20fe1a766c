package bolt

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kwentura/kwentura/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketGateKeys = "gate_keys"

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketGateKeys)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketGateKeys, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// KV returns the key-value store.
func (s *Store) KV() storage.KVStore { return &kvStore{db: s.db} }

func gateBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(bucketGateKeys))
	if b == nil {
		return nil, fmt.Errorf("bucket missing: %s", bucketGateKeys)
	}
	return b, nil
}
