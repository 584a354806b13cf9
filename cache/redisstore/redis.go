package redisstore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/resilience"
)

// Defaults applied by DefaultConfig and New.
const (
	DefaultName         = "redis"
	DefaultPrefix       = "tiercache:"
	DefaultTagTTLFactor = 2
	scanCount           = 100
)

// Config configures an Adapter.
type Config struct {
	// Name identifies the tier. Default: "redis"
	Name string

	// Prefix namespaces every key the adapter writes. Clear only removes
	// keys under it. Default: "tiercache:"
	Prefix string

	// TagTTLFactor multiplies the entry TTL to get the tag set TTL.
	// Zero leaves tag sets without expiry. DefaultConfig sets 2.
	TagTTLFactor int

	// Breaker guards Redis calls. Default: a breaker named after the tier
	// with resilience defaults.
	Breaker *resilience.CircuitBreaker

	// Logger receives Redis failures. Default: no-op
	Logger observe.Logger

	// Now overrides the clock used for timestamps and expiry.
	Now cache.Clock
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Name:         DefaultName,
		Prefix:       DefaultPrefix,
		TagTTLFactor: DefaultTagTTLFactor,
	}
}

// Adapter is a cache tier backed by Redis.
type Adapter struct {
	client    redis.UniversalClient
	name      string
	prefix    string
	tagFactor int
	breaker   *resilience.CircuitBreaker
	logger    observe.Logger
	now       cache.Clock
}

// New creates a Redis tier on client. The client is owned by the caller.
func New(client redis.UniversalClient, cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TagTTLFactor < 0 {
		cfg.TagTTLFactor = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: cfg.Name})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		client:    client,
		name:      cfg.Name,
		prefix:    cfg.Prefix,
		tagFactor: cfg.TagTTLFactor,
		breaker:   cfg.Breaker,
		logger:    cfg.Logger.With(observe.F("cache.tier", cfg.Name)),
		now:       cfg.Now,
	}
}

// Name returns the tier name.
func (a *Adapter) Name() string { return a.name }

// Breaker returns the circuit breaker guarding Redis calls.
func (a *Adapter) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Keys live in three disjoint namespaces under the prefix: entries under
// "e:", tag sets under "tag:", and per-entry reverse sets under "keytags:".
const (
	entrySegment = "e:"
	tagSegment   = "tag:"
	revSegment   = "keytags:"
)

func (a *Adapter) fullKey(key string) string { return a.prefix + entrySegment + key }

func (a *Adapter) tagKey(tag string) string { return a.prefix + tagSegment + tag }

func (a *Adapter) revKey(full string) string {
	return a.prefix + revSegment + strings.TrimPrefix(full, a.prefix+entrySegment)
}

// call runs fn unless the breaker is open and reports the outcome to it.
// Failures are logged here; callers only use the error to stop early.
func (a *Adapter) call(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	if err := a.breaker.Allow(); err != nil {
		a.logger.Debug(ctx, "redis call skipped", observe.F("cache.op", op), observe.F("cache.key", key), observe.F("error", err))
		return err
	}
	err := fn(ctx)
	a.breaker.Record(err)
	if err != nil {
		a.logger.Warn(ctx, "redis call failed", observe.F("cache.op", op), observe.F("cache.key", key), observe.F("error", err))
	}
	return err
}

// Get returns the entry for key. Expired, undecodable, or unreachable
// entries are misses.
func (a *Adapter) Get(ctx context.Context, key string) (*cache.Entry, bool) {
	if cache.ValidateKey(key) != nil {
		return nil, false
	}
	full := a.fullKey(key)
	var raw string
	var found bool
	err := a.call(ctx, "get", key, func(ctx context.Context) error {
		s, err := a.client.Get(ctx, full).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = s, true
		return nil
	})
	if err != nil || !found {
		return nil, false
	}
	return a.decode(ctx, key, raw)
}

func (a *Adapter) decode(ctx context.Context, key, raw string) (*cache.Entry, bool) {
	e, ok := cache.Decode(raw)
	if !ok {
		a.logger.Warn(ctx, "redis entry undecodable", observe.F("cache.key", key))
		a.dropIfUnchanged(ctx, key, raw)
		return nil, false
	}
	if e.Expired(a.now()) {
		a.dropIfUnchanged(ctx, key, raw)
		return nil, false
	}
	return e, true
}

// dropIfUnchanged deletes key only while it still holds raw. A write that
// lands between the read and the delete aborts the transaction and wins.
func (a *Adapter) dropIfUnchanged(ctx context.Context, key, raw string) {
	full := a.fullKey(key)
	rev := a.revKey(full)
	_ = a.call(ctx, "delete", key, func(ctx context.Context) error {
		err := a.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, full).Result()
			if errors.Is(err, redis.Nil) || (err == nil && cur != raw) {
				return nil
			}
			if err != nil {
				return err
			}
			tags, err := tx.SMembers(ctx, rev).Result()
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, t := range tags {
					p.SRem(ctx, a.tagKey(t), full)
				}
				p.Del(ctx, full, rev)
				return nil
			})
			return err
		}, full, rev)
		if errors.Is(err, redis.TxFailedErr) {
			return nil
		}
		return err
	})
}

// Set stores value under key, replacing its previous tag memberships.
func (a *Adapter) Set(ctx context.Context, key string, value any, opts cache.SetOptions) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	raw, err := cache.Encode(cache.Entry{
		Value:       value,
		Timestamp:   a.now().UnixMilli(),
		TTL:         max(opts.TTL, 0),
		StaleWindow: max(opts.StaleWindow, 0),
		Tags:        opts.Tags,
	})
	if err != nil {
		a.logger.Warn(ctx, "redis entry unencodable", observe.F("cache.key", key), observe.F("error", err))
		return nil
	}

	full := a.fullKey(key)
	rev := a.revKey(full)
	tags := uniqueTags(opts.Tags)
	ttl := opts.StorageTTL()
	_ = a.call(ctx, "set", key, func(ctx context.Context) error {
		old, err := a.client.SMembers(ctx, rev).Result()
		if err != nil {
			return err
		}
		_, err = a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, full, raw, ttl)
			for _, t := range old {
				if !slices.Contains(tags, t) {
					p.SRem(ctx, a.tagKey(t), full)
				}
			}
			p.Del(ctx, rev)
			if len(tags) == 0 {
				return nil
			}
			members := make([]any, len(tags))
			for i, t := range tags {
				members[i] = t
				tk := a.tagKey(t)
				p.SAdd(ctx, tk, full)
				if tagTTL := time.Duration(a.tagFactor) * ttl; tagTTL > 0 {
					p.Expire(ctx, tk, tagTTL)
				} else {
					p.Persist(ctx, tk)
				}
			}
			p.SAdd(ctx, rev, members...)
			if ttl > 0 {
				p.Expire(ctx, rev, ttl)
			}
			return nil
		})
		return err
	})
	return nil
}

// Delete removes key and its tag memberships.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	full := a.fullKey(key)
	_ = a.call(ctx, "delete", key, func(ctx context.Context) error {
		return a.deleteFull(ctx, []string{full})
	})
	return nil
}

// deleteFull removes entries by full key, unlinking them from their tags.
func (a *Adapter) deleteFull(ctx context.Context, fulls []string) error {
	if len(fulls) == 0 {
		return nil
	}
	tagCmds := make([]*redis.StringSliceCmd, len(fulls))
	if _, err := a.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, full := range fulls {
			tagCmds[i] = p.SMembers(ctx, a.revKey(full))
		}
		return nil
	}); err != nil {
		return err
	}
	_, err := a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, full := range fulls {
			for _, t := range tagCmds[i].Val() {
				p.SRem(ctx, a.tagKey(t), full)
			}
			p.Del(ctx, full, a.revKey(full))
		}
		return nil
	})
	return err
}

// Clear removes every key under the adapter's prefix.
func (a *Adapter) Clear(ctx context.Context) error {
	_ = a.call(ctx, "clear", "", func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := a.client.Scan(ctx, cursor, a.prefix+"*", scanCount).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := a.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return nil
}

// Has reports whether key holds an unexpired entry.
func (a *Adapter) Has(ctx context.Context, key string) bool {
	_, ok := a.Get(ctx, key)
	return ok
}

// InvalidateByTags deletes every entry in any of the tag sets, then the
// sets themselves.
func (a *Adapter) InvalidateByTags(ctx context.Context, tags []string) error {
	tags = uniqueTags(tags)
	if len(tags) == 0 {
		return nil
	}
	_ = a.call(ctx, "invalidate", "", func(ctx context.Context) error {
		var fulls []string
		seen := make(map[string]bool)
		for _, t := range tags {
			members, err := a.client.SMembers(ctx, a.tagKey(t)).Result()
			if err != nil {
				return err
			}
			for _, m := range members {
				if !seen[m] {
					seen[m] = true
					fulls = append(fulls, m)
				}
			}
		}
		if err := a.deleteFull(ctx, fulls); err != nil {
			return err
		}
		tagKeys := make([]string, len(tags))
		for i, t := range tags {
			tagKeys[i] = a.tagKey(t)
		}
		return a.client.Del(ctx, tagKeys...).Err()
	})
	return nil
}

// GetMany reads keys with a single MGET. Invalid keys are skipped.
func (a *Adapter) GetMany(ctx context.Context, keys []string) map[string]*cache.Entry {
	out := make(map[string]*cache.Entry, len(keys))
	valid := make([]string, 0, len(keys))
	fulls := make([]string, 0, len(keys))
	for _, key := range keys {
		if cache.ValidateKey(key) == nil {
			valid = append(valid, key)
			fulls = append(fulls, a.fullKey(key))
		}
	}
	if len(fulls) == 0 {
		return out
	}
	var values []any
	err := a.call(ctx, "get_many", "", func(ctx context.Context) error {
		var err error
		values, err = a.client.MGet(ctx, fulls...).Result()
		return err
	})
	if err != nil {
		return out
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if e, ok := a.decode(ctx, valid[i], s); ok {
			out[valid[i]] = e
		}
	}
	return out
}

// SetMany writes items one by one.
func (a *Adapter) SetMany(ctx context.Context, items []cache.Item) error {
	return cache.BatchSet(ctx, a, items)
}

// DeleteMany deletes keys one by one.
func (a *Adapter) DeleteMany(ctx context.Context, keys []string) error {
	return cache.BatchDelete(ctx, a, keys)
}

// Ping checks Redis reachability, bypassing the breaker.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func uniqueTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

var (
	_ cache.Adapter = (*Adapter)(nil)
	_ cache.Pinger  = (*Adapter)(nil)
)
