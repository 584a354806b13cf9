package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// testClock is a manually advanced clock shared by adapters and managers.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

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

var errBackend = errors.New("backend unavailable")

// brokenAdapter misses every read and fails every write, like a tier whose
// backend is down.
type brokenAdapter struct{}

func (brokenAdapter) Name() string                                     { return "broken" }
func (brokenAdapter) Get(context.Context, string) (*Entry, bool)        { return nil, false }
func (brokenAdapter) Set(context.Context, string, any, SetOptions) error { return errBackend }
func (brokenAdapter) Delete(context.Context, string) error              { return errBackend }
func (brokenAdapter) Clear(context.Context) error                       { return errBackend }
func (brokenAdapter) Has(context.Context, string) bool                  { return false }
func (brokenAdapter) InvalidateByTags(context.Context, []string) error  { return errBackend }
func (brokenAdapter) GetMany(context.Context, []string) map[string]*Entry {
	return map[string]*Entry{}
}
func (brokenAdapter) SetMany(context.Context, []Item) error      { return errBackend }
func (brokenAdapter) DeleteMany(context.Context, []string) error { return errBackend }

var _ Adapter = brokenAdapter{}
