package cache

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMemoryMaxItems bounds the memory tier when MemoryConfig.MaxItems is unset.
const DefaultMemoryMaxItems = 1000

// MemoryConfig configures a MemoryAdapter.
type MemoryConfig struct {
	// Name identifies the tier. Default: "memory"
	Name string

	// MaxItems bounds the number of entries; the least recently used entry
	// is evicted when a write would exceed it. Default: 1000
	MaxItems int

	// Now overrides the clock used for timestamps and expiry.
	Now Clock
}

// MemoryAdapter is an in-process, recency-bounded cache tier.
// Expiry is checked on read; there is no background sweep.
type MemoryAdapter struct {
	name string
	now  Clock

	mu      sync.Mutex
	entries *simplelru.LRU[string, *Entry]
	tags    *TagIndex
}

// NewMemoryAdapter creates a memory tier.
func NewMemoryAdapter(cfg MemoryConfig) *MemoryAdapter {
	if cfg.Name == "" {
		cfg.Name = "memory"
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMemoryMaxItems
	}

	a := &MemoryAdapter{
		name: cfg.Name,
		now:  cfg.Now.orNow(),
		tags: NewTagIndex(),
	}
	// simplelru only errors on a non-positive size, which is ruled out above.
	a.entries, _ = simplelru.NewLRU[string, *Entry](cfg.MaxItems, a.onEvict)
	return a
}

// onEvict runs inside simplelru calls, which always happen under a.mu.
func (a *MemoryAdapter) onEvict(key string, _ *Entry) {
	a.tags.Remove(key)
}

// Name returns the tier name.
func (a *MemoryAdapter) Name() string { return a.name }

// Get returns the entry for key, evicting it if expired.
func (a *MemoryAdapter) Get(_ context.Context, key string) (*Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getLocked(key)
}

func (a *MemoryAdapter) getLocked(key string) (*Entry, bool) {
	e, ok := a.entries.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(a.now()) {
		a.entries.Remove(key)
		return nil, false
	}
	return e, true
}

// Set stores value under key, replacing the previous entry and its tags.
func (a *MemoryAdapter) Set(_ context.Context, key string, value any, opts SetOptions) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	e := &Entry{
		Value:       value,
		Timestamp:   a.now().UnixMilli(),
		TTL:         max(opts.TTL, 0),
		StaleWindow: max(opts.StaleWindow, 0),
		Tags:        append([]string(nil), opts.Tags...),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries.Add(key, e)
	a.tags.Set(key, e.Tags)
	return nil
}

// Delete removes key. Idempotent.
func (a *MemoryAdapter) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries.Remove(key)
	a.tags.Remove(key)
	return nil
}

// Clear removes every entry.
func (a *MemoryAdapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries.Purge()
	a.tags.Reset()
	return nil
}

// Has reports whether a live entry exists for key.
func (a *MemoryAdapter) Has(_ context.Context, key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.getLocked(key)
	return ok
}

// InvalidateByTags removes every entry tagged with any of tags.
func (a *MemoryAdapter) InvalidateByTags(_ context.Context, tags []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.tags.Collect(tags) {
		a.entries.Remove(key)
		a.tags.Remove(key)
	}
	return nil
}

// GetMany returns the live entries among keys.
func (a *MemoryAdapter) GetMany(ctx context.Context, keys []string) map[string]*Entry {
	return BatchGet(ctx, a, keys)
}

// SetMany stores every item.
func (a *MemoryAdapter) SetMany(ctx context.Context, items []Item) error {
	return BatchSet(ctx, a, items)
}

// DeleteMany removes every key.
func (a *MemoryAdapter) DeleteMany(ctx context.Context, keys []string) error {
	return BatchDelete(ctx, a, keys)
}

// Len returns the number of stored entries, including expired ones not yet
// read.
func (a *MemoryAdapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries.Len()
}

// Ping always succeeds; the memory tier has no backend.
func (a *MemoryAdapter) Ping(context.Context) error { return nil }

var (
	_ Adapter = (*MemoryAdapter)(nil)
	_ Pinger  = (*MemoryAdapter)(nil)
)
