package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/resilience"
)

// FetchFunc loads a value on a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Manager composes adapters into ordered tiers.
//
// Reads check tiers in order and return the first live entry. Writes fan
// out to every tier; a tier failing does not roll back the others.
// Concurrent fetches for the same key are collapsed into one call, shared
// by the synchronous miss path and background stale refreshes.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Context: Get stops waiting when ctx is done, but a started fetch always
//     runs to completion and its result is still cached.
//   - Errors: only key validation and fetch errors are returned.
type Manager struct {
	tiers   []Adapter
	policy  Policy
	keyOpts KeyOptions
	now     Clock

	inst         *observe.Instrumentation
	fetchTimeout *resilience.Timeout
	refresher    *resilience.Executor

	group      singleflight.Group
	mu         sync.Mutex
	refreshing map[string]struct{}
	background sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInstrumentation sets the tracing, metrics, and logging sink.
func WithInstrumentation(inst *observe.Instrumentation) ManagerOption {
	return func(m *Manager) {
		if inst != nil {
			m.inst = inst
		}
	}
}

// WithClock overrides the clock used for staleness decisions.
func WithClock(now Clock) ManagerOption {
	return func(m *Manager) {
		m.now = now.orNow()
	}
}

// WithFetchTimeout bounds every fetch. A fetch exceeding it fails with
// resilience.ErrTimeout, which releases the key for the next caller.
func WithFetchTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.fetchTimeout = resilience.NewTimeout(resilience.TimeoutConfig{Timeout: d})
		}
	}
}

// WithRefreshExecutor runs background refreshes through e. Refreshes that e
// rejects (bulkhead full, rate limited) are skipped.
func WithRefreshExecutor(e *resilience.Executor) ManagerOption {
	return func(m *Manager) {
		m.refresher = e
	}
}

// WithKeyOptions sets the options used by GetParams and Key. The policy
// prefix always replaces KeyOptions.Prefix.
func WithKeyOptions(opts KeyOptions) ManagerOption {
	return func(m *Manager) {
		m.keyOpts = opts
	}
}

// NewManager creates a manager over tiers, checked in the given order.
func NewManager(policy Policy, tiers []Adapter, opts ...ManagerOption) (*Manager, error) {
	live := make([]Adapter, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoTiers
	}

	m := &Manager{
		tiers:      live,
		policy:     policy,
		keyOpts:    DefaultKeyOptions(),
		now:        time.Now,
		inst:       observe.NopInstrumentation(),
		refreshing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.keyOpts.Prefix = policy.Prefix
	return m, nil
}

// Policy returns the manager's policy.
func (m *Manager) Policy() Policy { return m.policy }

// Tiers returns the configured tiers in lookup order.
func (m *Manager) Tiers() []Adapter {
	return append([]Adapter(nil), m.tiers...)
}

// Key builds the full key for params.
func (m *Manager) Key(params Params) (string, error) {
	return NewDefaultKeyer(m.keyOpts).Key(params)
}

func (m *Manager) fullKey(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	full := m.policy.Prefix + key
	if len(full) > MaxKeyLength {
		return "", ErrKeyTooLong
	}
	return full, nil
}

// Get returns the cached value for key. On a miss, fetch (if non-nil) is
// called once per key across concurrent callers and its result is written
// to every tier. The boolean reports whether a value was returned.
func (m *Manager) Get(ctx context.Context, key string, fetch FetchFunc, opts ...CallOption) (any, bool, error) {
	full, err := m.fullKey(key)
	if err != nil {
		return nil, false, err
	}
	return m.get(ctx, full, fetch, newCallOptions(opts))
}

// GetParams is Get with the key built from params.
func (m *Manager) GetParams(ctx context.Context, params Params, fetch FetchFunc, opts ...CallOption) (any, bool, error) {
	key, err := m.Key(params)
	if err != nil {
		return nil, false, err
	}
	return m.get(ctx, key, fetch, newCallOptions(opts))
}

func (m *Manager) get(ctx context.Context, key string, fetch FetchFunc, o callOptions) (any, bool, error) {
	ctx, finish := m.inst.Begin(ctx, observe.OpMeta{Op: "get", Key: key})

	if o.skipCache && fetch != nil {
		v, err := m.callFetch(ctx, fetch)
		finish(observe.ResultMiss, err)
		return v, err == nil, err
	}

	if !o.forceRefresh {
		v, result, stale, ok := m.lookup(ctx, key, fetch, o)
		if ok {
			finish(result, nil)
			return v, true, nil
		}
		o = o.inherit(stale)
	}

	if fetch == nil {
		finish(observe.ResultMiss, nil)
		return nil, false, nil
	}

	v, err := m.fetchAndCache(ctx, key, fetch, o)
	finish(observe.ResultMiss, err)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// lookup checks tiers in order and judges the first hit against the TTL and
// stale window it was written with. It returns ok=false on a miss or when
// that hit cannot be served; the unservable entry is returned so a refetch
// can keep its TTL and tags.
func (m *Manager) lookup(ctx context.Context, key string, fetch FetchFunc, o callOptions) (any, string, *Entry, bool) {
	for _, tier := range m.tiers {
		e, ok := tier.Get(ctx, key)
		if !ok {
			continue
		}

		ttl, window := o.readTTL(m.policy, e)
		age := e.Age(m.now())
		if ttl <= 0 || age <= ttl {
			return e.Value, observe.ResultHit, nil, true
		}

		if window > 0 && age <= ttl+window && fetch != nil {
			m.scheduleRefresh(ctx, key, fetch, o.inherit(e))
			return e.Value, observe.ResultStale, nil, true
		}
		return nil, "", e, false
	}
	return nil, "", nil, false
}

// fetchAndCache runs fetch at most once per key at a time and writes the
// result to every tier. Callers joining an in-flight fetch share its result.
func (m *Manager) fetchAndCache(ctx context.Context, key string, fetch FetchFunc, o callOptions) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		fctx, finish := m.inst.Begin(detached, observe.OpMeta{Op: "fetch", Key: key})
		v, err := m.callFetch(fctx, fetch)
		if err != nil {
			finish(observe.ResultError, err)
			return nil, err
		}
		finish(observe.ResultOK, nil)
		m.writeAll(fctx, key, v, o)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) callFetch(ctx context.Context, fetch FetchFunc) (any, error) {
	if m.fetchTimeout == nil {
		return fetch(ctx)
	}
	return resilience.Call[any](ctx, m.fetchTimeout, fetch)
}

// scheduleRefresh starts one background refresh for key unless one is
// already running.
func (m *Manager) scheduleRefresh(ctx context.Context, key string, fetch FetchFunc, o callOptions) {
	m.mu.Lock()
	if _, busy := m.refreshing[key]; busy {
		m.mu.Unlock()
		return
	}
	m.refreshing[key] = struct{}{}
	m.background.Add(1)
	m.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer m.background.Done()
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, key)
			m.mu.Unlock()
		}()

		rctx, finish := m.inst.Begin(detached, observe.OpMeta{Op: "refresh", Key: key})
		refresh := func(ctx context.Context) error {
			_, err := m.fetchAndCache(ctx, key, fetch, o)
			return err
		}
		var err error
		if m.refresher != nil {
			err = m.refresher.Execute(rctx, refresh)
		} else {
			err = refresh(rctx)
		}
		if err != nil {
			finish(observe.ResultError, err)
			return
		}
		finish(observe.ResultOK, nil)
	}()
}

// Wait blocks until all background refreshes started so far have finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

// Close waits for background refreshes or until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeAll stores v in every tier, logging per-tier failures.
func (m *Manager) writeAll(ctx context.Context, key string, v any, o callOptions) error {
	opts := SetOptions{
		TTL:         o.writeTTL(m.policy),
		StaleWindow: o.writeWindow(m.policy),
		Tags:        o.tags,
	}
	return m.fanOut(ctx, "set", key, func(t Adapter) error {
		return t.Set(ctx, key, v, opts)
	})
}

func (m *Manager) fanOut(ctx context.Context, op, key string, fn func(Adapter) error) error {
	var errs []error
	for _, tier := range m.tiers {
		if err := fn(tier); err != nil {
			m.inst.Logger().Warn(ctx, "cache tier operation failed",
				observe.F("cache.op", op),
				observe.F("cache.tier", tier.Name()),
				observe.F("cache.key", key),
				observe.F("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Set writes value to every tier.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...CallOption) error {
	full, err := m.fullKey(key)
	if err != nil {
		return err
	}
	ctx, finish := m.inst.Begin(ctx, observe.OpMeta{Op: "set", Key: full})
	err = m.writeAll(ctx, full, value, newCallOptions(opts))
	finish(observe.ResultOK, err)
	return err
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) error {
	full, err := m.fullKey(key)
	if err != nil {
		return err
	}
	return m.fanOut(ctx, "delete", full, func(t Adapter) error {
		return t.Delete(ctx, full)
	})
}

// Has reports whether any tier holds a live entry for key.
func (m *Manager) Has(ctx context.Context, key string) bool {
	full, err := m.fullKey(key)
	if err != nil {
		return false
	}
	for _, tier := range m.tiers {
		if tier.Has(ctx, full) {
			return true
		}
	}
	return false
}

// Clear empties every tier.
func (m *Manager) Clear(ctx context.Context) error {
	ctx, finish := m.inst.Begin(ctx, observe.OpMeta{Op: "clear"})
	err := m.fanOut(ctx, "clear", "", func(t Adapter) error {
		return t.Clear(ctx)
	})
	finish(observe.ResultOK, err)
	return err
}

// InvalidateByTags removes every entry carrying any of tags from every tier.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, finish := m.inst.Begin(ctx, observe.OpMeta{Op: "invalidate"})
	err := m.fanOut(ctx, "invalidate", "", func(t Adapter) error {
		return t.InvalidateByTags(ctx, tags)
	})
	finish(observe.ResultOK, err)
	return err
}

// GetMany returns cached values for keys without fetching. Missing and
// stale-beyond-window keys are absent from the result.
func (m *Manager) GetMany(ctx context.Context, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if v, ok, err := m.Get(ctx, key, nil); err == nil && ok {
			out[key] = v
		}
	}
	return out
}

// SetMany writes every item. Items are independent; failures are joined.
// A zero TTL or stale window in an item's options uses the policy default.
func (m *Manager) SetMany(ctx context.Context, items []Item) error {
	var errs []error
	for _, it := range items {
		opts := []CallOption{WithTags(it.Options.Tags...)}
		if it.Options.TTL != 0 {
			opts = append(opts, WithTTL(it.Options.TTL))
		}
		if it.Options.StaleWindow != 0 {
			opts = append(opts, WithStaleWhileRevalidate(it.Options.StaleWindow))
		}
		if err := m.Set(ctx, it.Key, it.Value, opts...); err != nil {
			errs = append(errs, fmt.Errorf("set %q: %w", it.Key, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteMany removes every key. Failures are joined.
func (m *Manager) DeleteMany(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
