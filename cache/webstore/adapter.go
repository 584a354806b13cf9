package webstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/observe"
)

// Defaults for the two tier kinds.
const (
	DefaultLocalName       = "local"
	DefaultSessionName     = "session"
	DefaultPrefix          = "tiercache:"
	DefaultLocalMaxItems   = 1000
	DefaultLocalMaxBytes   = 5 << 20
	DefaultSessionMaxItems = 500
)

// Config configures a tier.
type Config struct {
	// Name identifies the tier. Default: "local" or "session"
	Name string

	// Prefix namespaces the tier's keys in the storage. Clear and Rebuild
	// only see keys under it. Default: "tiercache:"
	Prefix string

	// MaxItems bounds the entry count. Default: 1000 (local), 500 (session)
	MaxItems int

	// MaxBytes bounds the summed size of stored keys and encoded entries.
	// Ignored by session tiers. Default: 5 MiB
	MaxBytes int64

	// Logger receives storage failures. Default: no-op
	Logger observe.Logger

	// Now overrides the clock used for timestamps and expiry.
	Now cache.Clock
}

type itemMeta struct {
	timestamp int64
	size      int64
}

// Adapter is a cache tier over a Storage. Use NewLocal or NewSession.
//
// Every stored entry is tracked in memory with its timestamp and size so
// budgets can be enforced by evicting the oldest entries first.
type Adapter struct {
	name     string
	prefix   string
	maxItems int
	maxBytes int64
	storage  Storage
	logger   observe.Logger
	now      cache.Clock

	mu    sync.RWMutex
	items map[string]itemMeta
	bytes int64
	tags  *cache.TagIndex
}

// NewLocal creates a long-lived tier bounded by item count and bytes.
func NewLocal(ctx context.Context, storage Storage, cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = DefaultLocalName
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultLocalMaxItems
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultLocalMaxBytes
	}
	return newAdapter(ctx, storage, cfg)
}

// NewSession creates a tier bounded by item count only. A nil storage uses
// a fresh MemoryStorage.
func NewSession(ctx context.Context, storage Storage, cfg Config) *Adapter {
	if storage == nil {
		storage = NewMemoryStorage(0)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultSessionName
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultSessionMaxItems
	}
	cfg.MaxBytes = 0
	return newAdapter(ctx, storage, cfg)
}

func newAdapter(ctx context.Context, storage Storage, cfg Config) *Adapter {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	a := &Adapter{
		name:     cfg.Name,
		prefix:   cfg.Prefix,
		maxItems: cfg.MaxItems,
		maxBytes: cfg.MaxBytes,
		storage:  storage,
		logger:   cfg.Logger.With(observe.F("cache.tier", cfg.Name)),
		now:      cfg.Now,
		items:    make(map[string]itemMeta),
		tags:     cache.NewTagIndex(),
	}
	if a.now == nil {
		a.now = time.Now
	}
	// A failed rebuild leaves an empty index; Rebuild logs the cause.
	_ = a.Rebuild(ctx)
	return a
}

// Name returns the tier name.
func (a *Adapter) Name() string { return a.name }

// Storage returns the underlying storage.
func (a *Adapter) Storage() Storage { return a.storage }

func (a *Adapter) fullKey(key string) string { return a.prefix + key }

func (a *Adapter) warn(ctx context.Context, msg, key string, err error) {
	a.logger.Warn(ctx, msg, observe.F("cache.key", key), observe.F("error", err))
}

// Rebuild replaces the in-memory bookkeeping with a scan of the storage
// under the tier's prefix. Undecodable and expired entries are removed
// during the scan. Rebuild is idempotent; on a storage error the index is
// left empty and the error returned.
func (a *Adapter) Rebuild(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resetLocked()
	fulls, err := a.storage.Keys(ctx, a.prefix)
	if err != nil {
		a.warn(ctx, "webstore rebuild failed", "", err)
		return err
	}
	now := a.now()
	for _, full := range fulls {
		key := full[len(a.prefix):]
		raw, ok, err := a.storage.Get(ctx, full)
		if err != nil {
			a.resetLocked()
			a.warn(ctx, "webstore rebuild failed", key, err)
			return err
		}
		if !ok {
			continue
		}
		e, ok := cache.Decode(raw)
		if !ok || e.Expired(now) {
			_ = a.storage.Remove(ctx, full)
			continue
		}
		a.trackLocked(key, e.Timestamp, itemSize(full, raw), e.Tags)
	}
	return nil
}

func (a *Adapter) resetLocked() {
	a.items = make(map[string]itemMeta)
	a.bytes = 0
	a.tags.Reset()
}

func (a *Adapter) trackLocked(key string, timestamp, size int64, tags []string) {
	a.items[key] = itemMeta{timestamp: timestamp, size: size}
	a.bytes += size
	a.tags.Set(key, tags)
}

func (a *Adapter) untrackLocked(key string) {
	if m, ok := a.items[key]; ok {
		a.bytes -= m.size
		delete(a.items, key)
	}
	a.tags.Remove(key)
}

// removeLocked deletes key from storage and bookkeeping.
func (a *Adapter) removeLocked(ctx context.Context, key string) {
	if err := a.storage.Remove(ctx, a.fullKey(key)); err != nil {
		a.warn(ctx, "webstore remove failed", key, err)
	}
	a.untrackLocked(key)
}

// Get returns the entry for key, removing it if expired or undecodable.
func (a *Adapter) Get(ctx context.Context, key string) (*cache.Entry, bool) {
	if cache.ValidateKey(key) != nil {
		return nil, false
	}
	a.mu.RLock()
	raw, ok, err := a.storage.Get(ctx, a.fullKey(key))
	a.mu.RUnlock()
	if err != nil {
		a.warn(ctx, "webstore read failed", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	e, ok := cache.Decode(raw)
	if !ok || e.Expired(a.now()) {
		a.dropIfUnchanged(ctx, key, raw)
		return nil, false
	}
	return e, true
}

// dropIfUnchanged removes key only if storage still holds raw, so a write
// that landed after the read survives.
func (a *Adapter) dropIfUnchanged(ctx context.Context, key, raw string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok, err := a.storage.Get(ctx, a.fullKey(key))
	if err != nil {
		a.warn(ctx, "webstore read failed", key, err)
		return
	}
	if ok && cur != raw {
		return
	}
	a.removeLocked(ctx, key)
}

// Set stores value under key, evicting the oldest entries to stay within
// budget. A storage quota error triggers one sweep of expired entries and a
// retry; if that also fails the write is dropped.
func (a *Adapter) Set(ctx context.Context, key string, value any, opts cache.SetOptions) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	ts := a.now().UnixMilli()
	raw, err := cache.Encode(cache.Entry{
		Value:       value,
		Timestamp:   ts,
		TTL:         max(opts.TTL, 0),
		StaleWindow: max(opts.StaleWindow, 0),
		Tags:        opts.Tags,
	})
	if err != nil {
		a.warn(ctx, "webstore entry unencodable", key, err)
		return nil
	}
	full := a.fullKey(key)
	size := itemSize(full, raw)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.untrackLocked(key)
	if a.maxBytes > 0 && size > a.maxBytes {
		a.removeLocked(ctx, key)
		a.logger.Warn(ctx, "webstore entry exceeds byte budget",
			observe.F("cache.key", key),
			observe.F("size", size),
		)
		return nil
	}
	for len(a.items) > 0 && (len(a.items) >= a.maxItems || (a.maxBytes > 0 && a.bytes+size > a.maxBytes)) {
		a.evictOldestLocked(ctx)
	}

	err = a.storage.Set(ctx, full, raw)
	if errors.Is(err, ErrQuotaExceeded) {
		removed := a.sweepLocked(ctx)
		a.logger.Debug(ctx, "webstore quota sweep", observe.F("cache.key", key), observe.F("removed", removed))
		err = a.storage.Set(ctx, full, raw)
	}
	if err != nil {
		a.removeLocked(ctx, key)
		a.warn(ctx, "webstore write failed", key, err)
		return nil
	}
	a.trackLocked(key, ts, size, opts.Tags)
	return nil
}

func (a *Adapter) evictOldestLocked(ctx context.Context) {
	var (
		oldest string
		ts     int64
		found  bool
	)
	for k, m := range a.items {
		if !found || m.timestamp < ts || (m.timestamp == ts && k < oldest) {
			oldest, ts, found = k, m.timestamp, true
		}
	}
	if found {
		a.removeLocked(ctx, oldest)
	}
}

// sweepLocked removes every expired entry and returns how many it removed.
func (a *Adapter) sweepLocked(ctx context.Context) int {
	now := a.now()
	removed := 0
	for key := range a.items {
		raw, ok, err := a.storage.Get(ctx, a.fullKey(key))
		if err != nil {
			continue
		}
		if ok {
			if e, decoded := cache.Decode(raw); decoded && !e.Expired(now) {
				continue
			}
		}
		a.removeLocked(ctx, key)
		removed++
	}
	return removed
}

// Delete removes key. Idempotent.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(ctx, key)
	return nil
}

// Clear removes every key under the tier's prefix, including keys written
// by earlier processes that were never indexed.
func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	fulls, err := a.storage.Keys(ctx, a.prefix)
	if err != nil {
		a.warn(ctx, "webstore clear failed", "", err)
	}
	for _, full := range fulls {
		if err := a.storage.Remove(ctx, full); err != nil {
			a.warn(ctx, "webstore remove failed", full[len(a.prefix):], err)
		}
	}
	a.resetLocked()
	return nil
}

// Has reports whether a live entry exists for key.
func (a *Adapter) Has(ctx context.Context, key string) bool {
	_, ok := a.Get(ctx, key)
	return ok
}

// InvalidateByTags removes every entry tagged with any of tags.
func (a *Adapter) InvalidateByTags(ctx context.Context, tags []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.tags.Collect(tags) {
		a.removeLocked(ctx, key)
	}
	return nil
}

// GetMany returns the live entries among keys.
func (a *Adapter) GetMany(ctx context.Context, keys []string) map[string]*cache.Entry {
	return cache.BatchGet(ctx, a, keys)
}

// SetMany stores every item.
func (a *Adapter) SetMany(ctx context.Context, items []cache.Item) error {
	return cache.BatchSet(ctx, a, items)
}

// DeleteMany removes every key.
func (a *Adapter) DeleteMany(ctx context.Context, keys []string) error {
	return cache.BatchDelete(ctx, a, keys)
}

// Len returns the number of tracked entries.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

// Bytes returns the tracked size of stored keys and entries.
func (a *Adapter) Bytes() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bytes
}

// Ping checks the storage when it supports it.
func (a *Adapter) Ping(ctx context.Context) error {
	if p, ok := a.storage.(cache.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

var (
	_ cache.Adapter = (*Adapter)(nil)
	_ cache.Pinger  = (*Adapter)(nil)
)
