package webstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	// Bucket holds the stored pairs. Default: "tiercache"
	Bucket string

	// QuotaBytes bounds the summed key and value sizes. Zero is unlimited.
	QuotaBytes int64

	// Timeout bounds waiting for the file lock. Default: 1 second
	Timeout time.Duration
}

// BoltStorage is a file-backed Storage on bbolt.
type BoltStorage struct {
	db     *bolt.DB
	bucket []byte
	quota  int64

	mu   sync.Mutex
	used int64
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, opts BoltOptions) (*BoltStorage, error) {
	if opts.Bucket == "" {
		opts.Bucket = "tiercache"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("webstore: open bolt %s: %w", path, err)
	}
	s := &BoltStorage{db: db, bucket: []byte(opts.Bucket), quota: opts.QuotaBytes}
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			s.used += int64(len(k) + len(v))
			return nil
		})
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("webstore: init bolt bucket: %w", err)
	}
	return s, nil
}

// Get returns the value for key.
func (s *BoltStorage) Get(_ context.Context, key string) (string, bool, error) {
	var (
		out   string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); v != nil {
			out, found = string(v), true
		}
		return nil
	})
	return out, found, err
}

// Set stores value under key.
func (s *BoltStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var delta int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		delta = itemSize(key, value)
		if old := b.Get([]byte(key)); old != nil {
			delta -= int64(len(key) + len(old))
		}
		if s.quota > 0 && s.used+delta > s.quota {
			return ErrQuotaExceeded
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return err
	}
	s.used += delta
	return nil
}

// Remove deletes key.
func (s *BoltStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if old := b.Get([]byte(key)); old != nil {
			freed = int64(len(key) + len(old))
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	s.used -= freed
	return nil
}

// Keys returns the keys starting with prefix using a cursor seek.
func (s *BoltStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Ping verifies the bucket is readable.
func (s *BoltStorage) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return fmt.Errorf("webstore: bucket %q missing", s.bucket)
		}
		return nil
	})
}

// Close closes the database file.
func (s *BoltStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Storage = (*BoltStorage)(nil)
