package webstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/observe"
)

const t0 = 1_700_000_000_000

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.UnixMilli(t0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// encodedSize is the budget cost of key holding value written at ts.
func encodedSize(t *testing.T, key string, value any, ts int64, ttl time.Duration) int64 {
	t.Helper()
	raw, err := cache.Encode(cache.Entry{Value: value, Timestamp: ts, TTL: ttl})
	if err != nil {
		t.Fatal(err)
	}
	return itemSize(DefaultPrefix+key, raw)
}

func TestAdapter_Defaults(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(ctx, NewMemoryStorage(0), Config{})
	if local.Name() != "local" || local.maxItems != DefaultLocalMaxItems || local.maxBytes != DefaultLocalMaxBytes {
		t.Errorf("local defaults = %q %d %d", local.Name(), local.maxItems, local.maxBytes)
	}
	session := NewSession(ctx, nil, Config{MaxBytes: 10})
	if session.Name() != "session" || session.maxItems != DefaultSessionMaxItems || session.maxBytes != 0 {
		t.Errorf("session defaults = %q %d %d", session.Name(), session.maxItems, session.maxBytes)
	}
}

func TestAdapter_RoundTripAcrossStorages(t *testing.T) {
	for _, f := range storageFactories() {
		t.Run(f.name, func(t *testing.T) {
			clock := newTestClock()
			ctx := context.Background()
			a := NewLocal(ctx, f.open(t, 0), Config{Now: clock.Now})

			value := map[string]any{"name": "ada", "tags": []any{"x"}}
			if err := a.Set(ctx, "user:1", value, cache.SetOptions{TTL: time.Second, Tags: []string{"users"}}); err != nil {
				t.Fatal(err)
			}
			e, ok := a.Get(ctx, "user:1")
			if !ok {
				t.Fatal("Get() miss")
			}
			if m, _ := e.Value.(map[string]any); m["name"] != "ada" {
				t.Errorf("Value = %#v", e.Value)
			}
			if e.Timestamp != t0 || e.TTL != time.Second {
				t.Errorf("Timestamp = %d, TTL = %v", e.Timestamp, e.TTL)
			}

			clock.Advance(500 * time.Millisecond)
			if !a.Has(ctx, "user:1") {
				t.Error("entry should be live at 0.5s")
			}
			clock.Advance(time.Second)
			if a.Has(ctx, "user:1") {
				t.Error("entry should be expired at 1.5s")
			}
			if a.Len() != 0 {
				t.Errorf("Len() = %d after expiry", a.Len())
			}
			if keys, _ := a.Storage().Keys(ctx, DefaultPrefix); len(keys) != 0 {
				t.Errorf("expired entry left in storage: %v", keys)
			}
		})
	}
}

func TestAdapter_Tags(t *testing.T) {
	ctx := context.Background()
	a := NewSession(ctx, nil, Config{})

	_ = a.Set(ctx, "a", 1, cache.SetOptions{Tags: []string{"T"}})
	_ = a.Set(ctx, "b", 2, cache.SetOptions{Tags: []string{"T"}})
	_ = a.Set(ctx, "c", 3, cache.SetOptions{})
	_ = a.InvalidateByTags(ctx, []string{"T", "unknown"})
	if a.Has(ctx, "a") || a.Has(ctx, "b") || !a.Has(ctx, "c") {
		t.Error("InvalidateByTags() should remove a and b only")
	}

	_ = a.Set(ctx, "k", 1, cache.SetOptions{Tags: []string{"old"}})
	_ = a.Set(ctx, "k", 2, cache.SetOptions{})
	_ = a.InvalidateByTags(ctx, []string{"old"})
	if !a.Has(ctx, "k") {
		t.Error("overwrite should drop the previous tags")
	}
}

func TestAdapter_ItemBudgetEvictsOldest(t *testing.T) {
	clock := newTestClock()
	ctx := context.Background()
	a := NewSession(ctx, nil, Config{MaxItems: 2, Now: clock.Now})

	_ = a.Set(ctx, "a", 1, cache.SetOptions{Tags: []string{"T"}})
	clock.Advance(time.Millisecond)
	_ = a.Set(ctx, "b", 2, cache.SetOptions{})
	clock.Advance(time.Millisecond)
	_ = a.Set(ctx, "a", 3, cache.SetOptions{})
	clock.Advance(time.Millisecond)
	_ = a.Set(ctx, "c", 4, cache.SetOptions{})

	if a.Has(ctx, "b") {
		t.Error("oldest entry b should have been evicted")
	}
	if !a.Has(ctx, "a") || !a.Has(ctx, "c") {
		t.Error("newer entries should remain")
	}
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
	if got := a.tags.TagCount(); got != 0 {
		t.Errorf("tag index holds %d tags after overwrite without tags", got)
	}
}

func TestAdapter_ByteBudget(t *testing.T) {
	clock := newTestClock()
	ctx := context.Background()
	size := encodedSize(t, "a", "v1", t0, 0)
	a := NewLocal(ctx, NewMemoryStorage(0), Config{MaxBytes: 2*size + 1, Now: clock.Now})

	for _, key := range []string{"a", "b", "c"} {
		_ = a.Set(ctx, key, "v1", cache.SetOptions{})
		clock.Advance(time.Millisecond)
	}
	if a.Has(ctx, "a") {
		t.Error("oldest entry should be evicted for bytes")
	}
	if a.Bytes() != 2*size {
		t.Errorf("Bytes() = %d, want %d", a.Bytes(), 2*size)
	}

	var buf bytes.Buffer
	small := NewLocal(ctx, NewMemoryStorage(0), Config{MaxBytes: 8, Logger: observe.NewLoggerWithWriter("warn", &buf)})
	_ = small.Set(ctx, "k", "v", cache.SetOptions{})
	if err := small.Set(ctx, "k", strings.Repeat("x", 64), cache.SetOptions{}); err != nil {
		t.Errorf("oversized Set() error = %v", err)
	}
	if small.Has(ctx, "k") || !strings.Contains(buf.String(), "exceeds byte budget") {
		t.Errorf("oversized entry stored or not logged: %s", buf.String())
	}
}

func TestAdapter_QuotaSweepAndRetry(t *testing.T) {
	clock := newTestClock()
	ctx := context.Background()
	expiring := encodedSize(t, "old", "x", t0, time.Second)
	fresh := encodedSize(t, "new", "y", t0+2000, 0)
	storage := NewMemoryStorage(expiring + fresh - 1)
	a := NewLocal(ctx, storage, Config{Now: clock.Now})

	_ = a.Set(ctx, "old", "x", cache.SetOptions{TTL: time.Second})
	clock.Advance(2 * time.Second)
	if err := a.Set(ctx, "new", "y", cache.SetOptions{}); err != nil {
		t.Fatal(err)
	}
	if !a.Has(ctx, "new") {
		t.Error("write should succeed after sweeping expired entries")
	}
	if a.Len() != 1 || storage.Used() != fresh {
		t.Errorf("Len() = %d, Used() = %d, want 1, %d", a.Len(), storage.Used(), fresh)
	}

	// Nothing expired: the retry fails and the write is dropped.
	var buf bytes.Buffer
	a = NewLocal(ctx, NewMemoryStorage(fresh), Config{Now: clock.Now, Logger: observe.NewLoggerWithWriter("warn", &buf)})
	_ = a.Set(ctx, "new", "y", cache.SetOptions{})
	if err := a.Set(ctx, "other", "z", cache.SetOptions{}); err != nil {
		t.Errorf("Set() over quota error = %v, want nil", err)
	}
	if a.Has(ctx, "other") || !a.Has(ctx, "new") {
		t.Error("over-quota write should be dropped without disturbing others")
	}
	if !strings.Contains(buf.String(), "webstore write failed") {
		t.Errorf("quota failure not logged: %s", buf.String())
	}
}

func TestAdapter_RebuildFromBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := newTestClock()
	ctx := context.Background()

	s, err := OpenBolt(path, BoltOptions{})
	if err != nil {
		t.Fatal(err)
	}
	a := NewLocal(ctx, s, Config{Now: clock.Now})
	_ = a.Set(ctx, "a", 1, cache.SetOptions{Tags: []string{"T"}})
	_ = a.Set(ctx, "b", 2, cache.SetOptions{TTL: time.Second})
	_ = a.Set(ctx, "c", 3, cache.SetOptions{})
	_ = s.Set(ctx, DefaultPrefix+"corrupt", "{not json")
	_ = s.Set(ctx, "other:x", "foreign")
	_ = s.Close()

	clock.Advance(2 * time.Second)
	s, err = OpenBolt(path, BoltOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	a = NewLocal(ctx, s, Config{Now: clock.Now})

	if a.Len() != 2 {
		t.Errorf("Len() after rebuild = %d, want 2 (a, c)", a.Len())
	}
	if _, ok, _ := s.Get(ctx, DefaultPrefix+"corrupt"); ok {
		t.Error("rebuild should drop undecodable entries")
	}
	_ = a.InvalidateByTags(ctx, []string{"T"})
	if a.Has(ctx, "a") || !a.Has(ctx, "c") {
		t.Error("rebuilt tag index should invalidate a only")
	}

	if err := a.Rebuild(ctx); err != nil || a.Len() != 1 {
		t.Errorf("second Rebuild() = %v, Len() = %d", err, a.Len())
	}

	_ = a.Clear(ctx)
	if v, ok, _ := s.Get(ctx, "other:x"); !ok || v != "foreign" {
		t.Error("Clear() touched a key outside the prefix")
	}
	if a.Len() != 0 {
		t.Errorf("Len() after Clear = %d", a.Len())
	}
}

// rewriteOnRead returns the stored value for key once, then replaces it with
// next, as if a writer ran between a reader's Get and its cleanup.
type rewriteOnRead struct {
	*MemoryStorage
	key  string
	next string
	done bool
}

func (s *rewriteOnRead) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.MemoryStorage.Get(ctx, key)
	if key == s.key && !s.done {
		s.done = true
		_ = s.MemoryStorage.Set(ctx, key, s.next)
	}
	return raw, ok, err
}

func TestAdapter_ExpiredCleanupKeepsNewerWrite(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()

	t.Run("write between read and cleanup", func(t *testing.T) {
		inner := NewMemoryStorage(0)
		fresh, err := cache.Encode(cache.Entry{Value: "fresh", Timestamp: t0 + 2000, TTL: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
		a := NewLocal(ctx, inner, Config{Now: clock.Now})
		_ = a.Set(ctx, "k", "old", cache.SetOptions{TTL: time.Second})
		clock.Advance(2 * time.Second)

		a.storage = &rewriteOnRead{MemoryStorage: inner, key: DefaultPrefix + "k", next: fresh}
		if _, ok := a.Get(ctx, "k"); ok {
			t.Fatal("expired read should miss")
		}
		e, ok := a.Get(ctx, "k")
		if !ok || e.Value != "fresh" {
			t.Errorf("Get() = %v, %v, want the newer write", e, ok)
		}
	})

	t.Run("index follows the newer write", func(t *testing.T) {
		a := NewLocal(ctx, NewMemoryStorage(0), Config{Now: clock.Now})
		_ = a.Set(ctx, "k", "old", cache.SetOptions{TTL: time.Second, Tags: []string{"t"}})
		oldRaw, _, _ := a.storage.Get(ctx, DefaultPrefix+"k")
		clock.Advance(2 * time.Second)
		_ = a.Set(ctx, "k", "fresh", cache.SetOptions{TTL: time.Hour, Tags: []string{"t"}})

		a.dropIfUnchanged(ctx, "k", oldRaw)
		if a.Len() != 1 || !a.Has(ctx, "k") {
			t.Fatalf("newer write dropped: Len() = %d", a.Len())
		}
		_ = a.InvalidateByTags(ctx, []string{"t"})
		if a.Has(ctx, "k") || a.Len() != 0 {
			t.Error("tag index lost the newer write")
		}
	})
}

func TestAdapter_StaleWindowRetention(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	a := NewLocal(ctx, NewMemoryStorage(0), Config{Now: clock.Now})

	_ = a.Set(ctx, "k", "v", cache.SetOptions{TTL: time.Second, StaleWindow: 2 * time.Second})
	clock.Advance(2 * time.Second)
	e, ok := a.Get(ctx, "k")
	if !ok || e.TTL != time.Second || e.StaleWindow != 2*time.Second {
		t.Fatalf("Get() inside stale window = %+v, %v", e, ok)
	}
	clock.Advance(2 * time.Second)
	if a.Has(ctx, "k") {
		t.Error("entry past its stale window should expire")
	}
}

type failingStorage struct{ *MemoryStorage }

var errStorage = errors.New("storage down")

func (failingStorage) Keys(context.Context, string) ([]string, error) { return nil, errStorage }

func (failingStorage) Get(context.Context, string) (string, bool, error) {
	return "", false, errStorage
}

func TestAdapter_FailOpen(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	a := NewLocal(ctx, failingStorage{NewMemoryStorage(0)}, Config{Logger: observe.NewLoggerWithWriter("warn", &buf)})

	if a.Len() != 0 {
		t.Errorf("Len() = %d after failed rebuild", a.Len())
	}
	if _, ok := a.Get(ctx, "k"); ok {
		t.Error("Get() should miss when storage fails")
	}
	if err := a.Clear(ctx); err != nil {
		t.Errorf("Clear() error = %v", err)
	}
	if !strings.Contains(buf.String(), "webstore rebuild failed") || !strings.Contains(buf.String(), "webstore read failed") {
		t.Errorf("failures not logged: %s", buf.String())
	}
	if err := a.Set(ctx, "", 1, cache.SetOptions{}); !errors.Is(err, cache.ErrInvalidKey) {
		t.Errorf("Set(\"\") error = %v", err)
	}
}

func TestAdapter_ManagerTier(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"), SQLiteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	local := NewLocal(ctx, s, Config{})
	session := NewSession(ctx, nil, Config{})

	m, err := cache.NewManager(cache.DefaultPolicy(), []cache.Adapter{session, local})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Set(ctx, "k", "v", cache.WithTags("T")); err != nil {
		t.Fatal(err)
	}
	_ = session.Clear(ctx)
	if v, ok, _ := m.Get(ctx, "k", nil); !ok || v != "v" {
		t.Errorf("Get() = %v, %v, want local hit", v, ok)
	}
	if err := local.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
