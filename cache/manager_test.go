package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/resilience"
)

func newTestManager(t *testing.T, policy Policy, opts ...ManagerOption) (*Manager, *MemoryAdapter, *testClock) {
	t.Helper()
	clock := newTestClock()
	mem := NewMemoryAdapter(MemoryConfig{Now: clock.Now})
	m, err := NewManager(policy, []Adapter{mem}, append([]ManagerOption{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, mem, clock
}

func counting(n *atomic.Int64, value any) FetchFunc {
	return func(context.Context) (any, error) {
		n.Add(1)
		return value, nil
	}
}

func TestNewManager_RequiresTier(t *testing.T) {
	if _, err := NewManager(DefaultPolicy(), nil); !errors.Is(err, ErrNoTiers) {
		t.Errorf("NewManager(nil) error = %v, want ErrNoTiers", err)
	}
	if _, err := NewManager(DefaultPolicy(), []Adapter{nil}); !errors.Is(err, ErrNoTiers) {
		t.Errorf("NewManager([nil]) error = %v, want ErrNoTiers", err)
	}
}

func TestManager_MissFetchesAndCaches(t *testing.T) {
	m, mem, _ := newTestManager(t, DefaultPolicy())
	ctx := context.Background()
	var calls atomic.Int64

	v, ok, err := m.Get(ctx, "user:1", counting(&calls, "ada"))
	if err != nil || !ok || v != "ada" {
		t.Fatalf("Get() = %v, %v, %v", v, ok, err)
	}
	v, ok, _ = m.Get(ctx, "user:1", counting(&calls, "other"))
	if !ok || v != "ada" {
		t.Errorf("second Get() = %v, %v, want cached ada", v, ok)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", calls.Load())
	}

	e, _ := mem.Get(ctx, "user:1")
	if e.TTL != 5*time.Minute || e.StaleWindow != time.Minute {
		t.Errorf("stored TTL = %v, StaleWindow = %v, want 5m and 1m", e.TTL, e.StaleWindow)
	}
}

func TestManager_MissWithoutFetch(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	v, ok, err := m.Get(context.Background(), "nope", nil)
	if v != nil || ok || err != nil {
		t.Errorf("Get() = %v, %v, %v, want absent", v, ok, err)
	}
}

func TestManager_InvalidKey(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	if _, _, err := m.Get(context.Background(), "", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Get(\"\") error = %v, want ErrInvalidKey", err)
	}
	if err := m.Set(context.Background(), " ", 1); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Set(\" \") error = %v, want ErrInvalidKey", err)
	}
}

func TestManager_Prefix(t *testing.T) {
	p := DefaultPolicy()
	p.Prefix = "app:"
	m, mem, _ := newTestManager(t, p)
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !mem.Has(ctx, "app:k") {
		t.Error("tier should hold the prefixed key")
	}
	if !m.Has(ctx, "k") {
		t.Error("Has(k) = false, want true")
	}

	key, err := m.Key(Params{"id": 1})
	if err != nil || key != "app:id=1" {
		t.Errorf("Key() = %q, %v, want app:id=1", key, err)
	}
}

func TestManager_SingleFlight(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	release := make(chan struct{})
	var calls atomic.Int64
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := m.Get(context.Background(), "hot", fetch)
			if err != nil {
				t.Errorf("Get() error = %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", calls.Load())
	}
	for i, v := range results {
		if v != "value" {
			t.Errorf("caller %d got %v, want value", i, v)
		}
	}
}

func TestManager_FetchErrorPropagatesAndIsNotCached(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	ctx := context.Background()
	errOrigin := errors.New("origin down")

	_, ok, err := m.Get(ctx, "k", func(context.Context) (any, error) { return nil, errOrigin })
	if !errors.Is(err, errOrigin) || ok {
		t.Fatalf("Get() = %v, %v, want origin error", ok, err)
	}
	if m.Has(ctx, "k") {
		t.Fatal("failed fetch was cached")
	}

	var calls atomic.Int64
	v, ok, err := m.Get(ctx, "k", counting(&calls, "recovered"))
	if err != nil || !ok || v != "recovered" || calls.Load() != 1 {
		t.Errorf("retry Get() = %v, %v, %v (calls %d)", v, ok, err, calls.Load())
	}
}

func TestManager_ExpiryWithoutStaleServing(t *testing.T) {
	m, _, clock := newTestManager(t, Policy{DefaultTTL: time.Second})
	ctx := context.Background()
	var calls atomic.Int64

	_, _, _ = m.Get(ctx, "k", counting(&calls, "v1"))

	clock.Advance(500 * time.Millisecond)
	if v, _, _ := m.Get(ctx, "k", counting(&calls, "v2")); v != "v1" {
		t.Errorf("Get() at 0.5s = %v, want v1", v)
	}

	clock.Advance(time.Second)
	if v, _, _ := m.Get(ctx, "k", counting(&calls, "v2")); v != "v2" {
		t.Errorf("Get() at 1.5s = %v, want v2", v)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", calls.Load())
	}
}

func TestManager_StaleWhileRevalidate(t *testing.T) {
	m, _, clock := newTestManager(t, Policy{
		DefaultTTL:                  time.Second,
		EnableStaleWhileRevalidate:  true,
		DefaultStaleWhileRevalidate: time.Second,
	})
	ctx := context.Background()

	var calls atomic.Int64
	_, _, _ = m.Get(ctx, "k", counting(&calls, "v1"))
	clock.Advance(1500 * time.Millisecond)

	release := make(chan struct{})
	var refreshes atomic.Int64
	refresh := func(context.Context) (any, error) {
		refreshes.Add(1)
		<-release
		return "v2", nil
	}

	for i := 0; i < 5; i++ {
		v, ok, err := m.Get(ctx, "k", refresh)
		if err != nil || !ok || v != "v1" {
			t.Fatalf("stale Get() #%d = %v, %v, %v, want v1", i, v, ok, err)
		}
	}
	close(release)
	m.Wait()

	if refreshes.Load() != 1 {
		t.Errorf("background refreshes = %d, want 1", refreshes.Load())
	}
	v, _, _ := m.Get(ctx, "k", refresh)
	if v != "v2" {
		t.Errorf("Get() after refresh = %v, want v2", v)
	}
}

func TestManager_BeyondStaleWindowRefetches(t *testing.T) {
	m, _, clock := newTestManager(t, Policy{
		DefaultTTL:                  time.Second,
		EnableStaleWhileRevalidate:  true,
		DefaultStaleWhileRevalidate: time.Second,
	})
	ctx := context.Background()
	var calls atomic.Int64

	_, _, _ = m.Get(ctx, "k", counting(&calls, "v1"))
	clock.Advance(2500 * time.Millisecond)

	v, _, _ := m.Get(ctx, "k", counting(&calls, "v2"))
	if v != "v2" {
		t.Errorf("Get() beyond window = %v, want v2", v)
	}
}

func TestManager_StaleWithoutFetchIsMiss(t *testing.T) {
	m, _, clock := newTestManager(t, Policy{
		DefaultTTL:                  time.Second,
		EnableStaleWhileRevalidate:  true,
		DefaultStaleWhileRevalidate: time.Second,
	})
	ctx := context.Background()
	_ = m.Set(ctx, "k", "v1")
	clock.Advance(1500 * time.Millisecond)

	if _, ok, _ := m.Get(ctx, "k", nil); ok {
		t.Error("stale Get() without fetch should miss")
	}
	if got := m.GetMany(ctx, []string{"k"}); len(got) != 0 {
		t.Errorf("GetMany() = %v, want empty", got)
	}
}

func TestManager_RefreshSkippedWhenRejected(t *testing.T) {
	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{Rate: 0.001, Burst: 1})
	limiter.Allow()
	var logs bytes.Buffer
	inst := observe.NewInstrumentation(nil, nil, observe.NewLoggerWithWriter("debug", &logs))

	m, _, clock := newTestManager(t, Policy{
		DefaultTTL:                  time.Second,
		EnableStaleWhileRevalidate:  true,
		DefaultStaleWhileRevalidate: time.Second,
	}, WithRefreshExecutor(resilience.NewExecutor(resilience.WithRateLimiter(limiter))), WithInstrumentation(inst))
	ctx := context.Background()
	var calls atomic.Int64

	_, _, _ = m.Get(ctx, "k", counting(&calls, "v1"))
	clock.Advance(1500 * time.Millisecond)
	v, _, _ := m.Get(ctx, "k", counting(&calls, "v2"))
	m.Wait()

	if v != "v1" {
		t.Errorf("stale Get() = %v, want v1", v)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1 (refresh skipped)", calls.Load())
	}
	if !strings.Contains(logs.String(), "rate limit exceeded") {
		t.Errorf("skipped refresh not logged: %s", logs.String())
	}
}

func TestManager_CallOptions(t *testing.T) {
	ctx := context.Background()

	t.Run("skip cache", func(t *testing.T) {
		m, mem, _ := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "cached")
		var calls atomic.Int64
		v, ok, err := m.Get(ctx, "k", counting(&calls, "direct"), WithSkipCache())
		if err != nil || !ok || v != "direct" {
			t.Errorf("Get(skip) = %v, %v, %v", v, ok, err)
		}
		if e, _ := mem.Get(ctx, "k"); e.Value != "cached" {
			t.Error("skip-cache result was stored")
		}
	})

	t.Run("force refresh", func(t *testing.T) {
		m, _, _ := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "old")
		var calls atomic.Int64
		v, _, _ := m.Get(ctx, "k", counting(&calls, "new"), WithForceRefresh())
		if v != "new" {
			t.Errorf("Get(force) = %v, want new", v)
		}
		if v, _, _ := m.Get(ctx, "k", nil); v != "new" {
			t.Errorf("Get() after force = %v, want new", v)
		}
	})

	t.Run("ttl override clamped", func(t *testing.T) {
		m, mem, _ := newTestManager(t, Policy{DefaultTTL: time.Minute, MaxTTL: time.Hour})
		_ = m.Set(ctx, "k", 1, WithTTL(48*time.Hour))
		if e, _ := mem.Get(ctx, "k"); e.TTL != time.Hour {
			t.Errorf("stored TTL = %v, want 1h", e.TTL)
		}
	})

	t.Run("stale window override", func(t *testing.T) {
		m, mem, _ := newTestManager(t, Policy{DefaultTTL: time.Minute, EnableStaleWhileRevalidate: true, DefaultStaleWhileRevalidate: time.Minute})
		_ = m.Set(ctx, "k", 1, WithStaleWhileRevalidate(10*time.Second))
		if e, _ := mem.Get(ctx, "k"); e.TTL != time.Minute || e.StaleWindow != 10*time.Second {
			t.Errorf("stored TTL = %v, StaleWindow = %v, want 1m and 10s", e.TTL, e.StaleWindow)
		}
	})

	t.Run("explicit zero ttl never goes stale", func(t *testing.T) {
		m, mem, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "v", WithTTL(0))
		if e, _ := mem.Get(ctx, "k"); e.TTL != 0 {
			t.Errorf("stored TTL = %v, want 0", e.TTL)
		}
		clock.Advance(48 * time.Hour)
		var calls atomic.Int64
		if v, ok, _ := m.Get(ctx, "k", counting(&calls, "new")); !ok || v != "v" || calls.Load() != 0 {
			t.Errorf("Get() after 48h = %v, %v (calls %d), want v", v, ok, calls.Load())
		}
	})

	t.Run("explicit zero stale window on write", func(t *testing.T) {
		m, mem, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "v1", WithTTL(time.Second), WithStaleWhileRevalidate(0))
		if e, _ := mem.Get(ctx, "k"); e.StaleWindow != 0 {
			t.Errorf("stored StaleWindow = %v, want 0", e.StaleWindow)
		}
		clock.Advance(1500 * time.Millisecond)
		var calls atomic.Int64
		if v, _, _ := m.Get(ctx, "k", counting(&calls, "v2")); v != "v2" {
			t.Errorf("Get() = %v, want synchronous v2", v)
		}
	})

	t.Run("explicit zero stale window on read", func(t *testing.T) {
		m, _, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "v1", WithTTL(time.Second))
		clock.Advance(1500 * time.Millisecond)
		var calls atomic.Int64
		v, _, _ := m.Get(ctx, "k", counting(&calls, "v2"), WithStaleWhileRevalidate(0))
		m.Wait()
		if v != "v2" || calls.Load() != 1 {
			t.Errorf("Get() = %v (calls %d), want synchronous v2", v, calls.Load())
		}
	})
}

func TestManager_EntryKeepsWriteTTL(t *testing.T) {
	ctx := context.Background()

	t.Run("longer than default", func(t *testing.T) {
		m, _, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "user:1", "Ann", WithTTL(time.Hour))
		clock.Advance(10 * time.Minute)
		if v, ok, _ := m.Get(ctx, "user:1", nil); !ok || v != "Ann" {
			t.Errorf("Get() after 10m = %v, %v, want Ann", v, ok)
		}
	})

	t.Run("shorter than default", func(t *testing.T) {
		m, _, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "old", WithTTL(time.Second))
		clock.Advance(30 * time.Second)
		if v, ok, _ := m.Get(ctx, "k", nil); ok {
			t.Errorf("Get() after 30s = %v, want stale miss", v)
		}
		var calls atomic.Int64
		v, _, _ := m.Get(ctx, "k", counting(&calls, "new"))
		m.Wait()
		if v != "old" || calls.Load() != 1 {
			t.Errorf("Get(fetch) = %v (calls %d), want stale old and one refresh", v, calls.Load())
		}
	})

	t.Run("read ttl overrides entry", func(t *testing.T) {
		m, _, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "v", WithTTL(time.Hour))
		clock.Advance(2 * time.Minute)
		if _, ok, _ := m.Get(ctx, "k", nil, WithTTL(time.Minute)); ok {
			t.Error("Get(WithTTL(1m)) at 2m should treat the entry as stale")
		}
		if _, ok, _ := m.Get(ctx, "k", nil); !ok {
			t.Error("Get() without override should use the entry TTL")
		}
	})

	t.Run("refresh keeps ttl and tags", func(t *testing.T) {
		m, mem, clock := newTestManager(t, DefaultPolicy())
		_ = m.Set(ctx, "k", "v1", WithTTL(time.Second), WithTags("users"))
		clock.Advance(1500 * time.Millisecond)
		var calls atomic.Int64
		if v, _, _ := m.Get(ctx, "k", counting(&calls, "v2")); v != "v1" {
			t.Fatalf("Get() = %v, want stale v1", v)
		}
		m.Wait()
		e, ok := mem.Get(ctx, "k")
		if !ok || e.Value != "v2" || e.TTL != time.Second || len(e.Tags) != 1 || e.Tags[0] != "users" {
			t.Fatalf("refreshed entry = %+v, %v", e, ok)
		}
		_ = m.InvalidateByTags(ctx, []string{"users"})
		if m.Has(ctx, "k") {
			t.Error("refreshed entry lost its tag")
		}
	})
}

func TestManager_InvalidateByTags(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	ctx := context.Background()
	var calls atomic.Int64

	_, _, _ = m.Get(ctx, "user:1", counting(&calls, "ada"), WithTags("users"))
	_ = m.Set(ctx, "a", 1, WithTags("T"))
	_ = m.Set(ctx, "b", 2, WithTags("T"))
	_ = m.Set(ctx, "c", 3)

	if err := m.InvalidateByTags(ctx, []string{"users", "T"}); err != nil {
		t.Fatalf("InvalidateByTags() error = %v", err)
	}
	for _, k := range []string{"user:1", "a", "b"} {
		if m.Has(ctx, k) {
			t.Errorf("Has(%s) = true after invalidation", k)
		}
	}
	if !m.Has(ctx, "c") {
		t.Error("untagged c should remain")
	}
}

func TestManager_TierOrderAndFailOpen(t *testing.T) {
	clock := newTestClock()
	l1 := NewMemoryAdapter(MemoryConfig{Name: "l1", Now: clock.Now})
	l2 := NewMemoryAdapter(MemoryConfig{Name: "l2", Now: clock.Now})
	var logs bytes.Buffer
	inst := observe.NewInstrumentation(nil, nil, observe.NewLoggerWithWriter("warn", &logs))

	m, err := NewManager(DefaultPolicy(), []Adapter{brokenAdapter{}, l1, l2}, WithClock(clock.Now), WithInstrumentation(inst))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_ = l2.Set(ctx, "only-l2", "deep", SetOptions{})
	if v, ok, _ := m.Get(ctx, "only-l2", nil); !ok || v != "deep" {
		t.Errorf("Get() from l2 = %v, %v", v, ok)
	}

	var calls atomic.Int64
	v, ok, err := m.Get(ctx, "k", counting(&calls, "v"))
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get() with broken tier = %v, %v, %v", v, ok, err)
	}
	if !l1.Has(ctx, "k") || !l2.Has(ctx, "k") {
		t.Error("healthy tiers should hold the fetched value")
	}
	if !strings.Contains(logs.String(), `"cache.tier":"broken"`) {
		t.Errorf("tier failure not logged: %s", logs.String())
	}

	if err := m.Set(ctx, "x", 1); !errors.Is(err, errBackend) {
		t.Errorf("Set() error = %v, want joined tier error", err)
	}
	if !l1.Has(ctx, "x") {
		t.Error("Set() should still reach healthy tiers")
	}
}

func TestManager_CallerCancelDoesNotCancelFetch(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, _, err := m.Get(ctx, "k", func(fctx context.Context) (any, error) {
			close(started)
			<-release
			if fctx.Err() != nil {
				return nil, fctx.Err()
			}
			return "late", nil
		})
		done <- err
	}()

	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for !m.Has(context.Background(), "k") {
		if time.Now().After(deadline) {
			t.Fatal("fetch result was not cached after caller cancelled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_FetchTimeout(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy(), WithFetchTimeout(10*time.Millisecond))

	_, _, err := m.Get(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, resilience.ErrTimeout) {
		t.Errorf("Get() error = %v, want ErrTimeout", err)
	}
	if m.Has(context.Background(), "slow") {
		t.Error("timed out fetch was cached")
	}
}

func TestManager_Batch(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	ctx := context.Background()

	err := m.SetMany(ctx, []Item{
		{Key: "a", Value: 1, Options: SetOptions{Tags: []string{"T"}}},
		{Key: "b", Value: 2},
		{Key: "", Value: 3},
	})
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("SetMany() error = %v, want ErrInvalidKey for the bad item", err)
	}

	got := m.GetMany(ctx, []string{"a", "b", "missing"})
	if len(got) != 2 || got["a"] != 1 || got["b"] != 2 {
		t.Errorf("GetMany() = %v", got)
	}

	if err := m.DeleteMany(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("DeleteMany() error = %v", err)
	}
	if m.Has(ctx, "a") || m.Has(ctx, "b") {
		t.Error("DeleteMany() left entries")
	}
}

func TestManager_DeleteAndClear(t *testing.T) {
	m, mem, _ := newTestManager(t, DefaultPolicy())
	ctx := context.Background()
	_ = m.Set(ctx, "a", 1)
	_ = m.Set(ctx, "b", 2)

	if err := m.Delete(ctx, "a"); err != nil || m.Has(ctx, "a") {
		t.Errorf("Delete() = %v, Has = %v", err, m.Has(ctx, "a"))
	}
	if err := m.Clear(ctx); err != nil || mem.Len() != 0 {
		t.Errorf("Clear() = %v, Len = %d", err, mem.Len())
	}
}

func TestManager_Close(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultPolicy())
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
