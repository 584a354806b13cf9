package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrNoTiers    = errors.New("cache: at least one tier is required")
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// Entry is a stored cache value plus its bookkeeping.
//
// Timestamp is set by the adapter at write time (unix milliseconds). A zero
// TTL means the entry never goes stale or expires by age; capacity eviction
// may still remove it. StaleWindow keeps the entry stored past its TTL so it
// can be served while a refresh runs.
type Entry struct {
	Value       any
	Timestamp   int64
	TTL         time.Duration
	StaleWindow time.Duration
	Tags        []string
}

// Age returns how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// Stale reports whether the entry is older than its TTL.
func (e *Entry) Stale(now time.Time) bool {
	return e.TTL > 0 && e.Age(now) > e.TTL
}

// Expired reports whether the entry has outlived its TTL and stale window.
// Adapters drop expired entries.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && e.Age(now) > e.TTL+e.StaleWindow
}

// SetOptions configures a single write.
type SetOptions struct {
	// TTL is the logical freshness lifetime. Zero means no expiry.
	TTL time.Duration

	// StaleWindow is how long past TTL the entry is retained for
	// stale-while-revalidate. Ignored when TTL is zero.
	StaleWindow time.Duration

	Tags []string
}

// StorageTTL is how long a backend should retain the entry: TTL plus the
// stale window, or zero for no expiry.
func (o SetOptions) StorageTTL() time.Duration {
	if o.TTL <= 0 {
		return 0
	}
	return o.TTL + max(o.StaleWindow, 0)
}

// Item is one element of a batch write.
type Item struct {
	Key     string
	Value   any
	Options SetOptions
}

// Adapter is the storage contract implemented by every cache tier.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Expiry: Get and Has apply the TTL check; an expired entry is deleted and
//     reported as a miss.
//   - Tags: Set replaces the key's previous tag memberships.
//   - Namespace: Clear only removes keys owned by the adapter.
//   - Errors: Get never errors. Writes return only key validation errors;
//     storage failures are logged and swallowed.
//   - Batches: GetMany/SetMany/DeleteMany behave like sequential single-key
//     calls, and one failing key does not abort the rest.
type Adapter interface {
	// Name identifies the tier in logs and metrics.
	Name() string

	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, value any, opts SetOptions) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Has(ctx context.Context, key string) bool

	// InvalidateByTags deletes every key indexed under any of tags.
	// Unknown tags are ignored.
	InvalidateByTags(ctx context.Context, tags []string) error

	GetMany(ctx context.Context, keys []string) map[string]*Entry
	SetMany(ctx context.Context, items []Item) error
	DeleteMany(ctx context.Context, keys []string) error
}

// Pinger is implemented by adapters that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// Clock returns the current time. Adapters and the manager accept one so
// tests can control expiry.
type Clock func() time.Time

func (c Clock) orNow() Clock {
	if c == nil {
		return time.Now
	}
	return c
}
