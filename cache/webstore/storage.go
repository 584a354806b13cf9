package webstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrQuotaExceeded is returned by a Storage when a write would exceed its
// byte quota.
var ErrQuotaExceeded = errors.New("webstore: storage quota exceeded")

// Storage is a flat string key-value store.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Quota: Set returns an error wrapping ErrQuotaExceeded when the write
//     does not fit; the previous value, if any, is left in place.
//   - Remove of a missing key is not an error.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error

	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// itemSize is the quota cost of one stored pair.
func itemSize(key, value string) int64 {
	return int64(len(key) + len(value))
}

// MemoryStorage is a process-local Storage. It is the default backing for
// session tiers.
type MemoryStorage struct {
	quota int64

	mu    sync.RWMutex
	items map[string]string
	used  int64
}

// NewMemoryStorage creates an empty storage. quotaBytes <= 0 means
// unlimited.
func NewMemoryStorage(quotaBytes int64) *MemoryStorage {
	return &MemoryStorage{quota: quotaBytes, items: make(map[string]string)}
}

// Get returns the value for key.
func (s *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *MemoryStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := itemSize(key, value)
	if old, ok := s.items[key]; ok {
		delta -= itemSize(key, old)
	}
	if s.quota > 0 && s.used+delta > s.quota {
		return ErrQuotaExceeded
	}
	s.items[key] = value
	s.used += delta
	return nil
}

// Remove deletes key.
func (s *MemoryStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.used -= itemSize(key, old)
		delete(s.items, key)
	}
	return nil
}

// Keys returns the keys starting with prefix.
func (s *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the bytes currently charged against the quota.
func (s *MemoryStorage) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }

var _ Storage = (*MemoryStorage)(nil)
