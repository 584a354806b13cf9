package cache

import "time"

// CallOption adjusts a single manager call.
type CallOption func(*callOptions)

type callOptions struct {
	ttl          time.Duration
	ttlSet       bool
	tags         []string
	skipCache    bool
	forceRefresh bool
	staleWindow  time.Duration
	staleSet     bool
}

func newCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithTTL overrides Policy.DefaultTTL for this call. It is still clamped by
// Policy.MaxTTL. Zero means the value never goes stale. On reads it replaces
// the TTL the entry was written with.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) { o.ttl, o.ttlSet = ttl, true }
}

// WithTags attaches tags to the value written by this call.
func WithTags(tags ...string) CallOption {
	return func(o *callOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithSkipCache bypasses every tier: the fetch result is returned and not
// stored.
func WithSkipCache() CallOption {
	return func(o *callOptions) { o.skipCache = true }
}

// WithForceRefresh ignores cached entries and fetches, then stores the
// result.
func WithForceRefresh() CallOption {
	return func(o *callOptions) { o.forceRefresh = true }
}

// WithStaleWhileRevalidate overrides the policy's stale window for this call.
// Zero disables stale serving for the call. It has no effect when the policy
// disables stale serving.
func WithStaleWhileRevalidate(window time.Duration) CallOption {
	return func(o *callOptions) { o.staleWindow, o.staleSet = window, true }
}

// writeTTL is the logical TTL for a write.
func (o callOptions) writeTTL(p Policy) time.Duration {
	if o.ttlSet {
		return p.ClampTTL(o.ttl)
	}
	return p.EffectiveTTL(0)
}

// writeWindow is the stale window stored with a write.
func (o callOptions) writeWindow(p Policy) time.Duration {
	if o.staleSet && p.EnableStaleWhileRevalidate {
		return max(o.staleWindow, 0)
	}
	return p.StaleWindow(0)
}

// readTTL returns the TTL and stale window used to judge e. Call options
// win over what the entry was written with.
func (o callOptions) readTTL(p Policy, e *Entry) (ttl, window time.Duration) {
	ttl, window = e.TTL, e.StaleWindow
	if o.ttlSet {
		ttl = p.ClampTTL(o.ttl)
	}
	if o.staleSet {
		window = max(o.staleWindow, 0)
	}
	if !p.EnableStaleWhileRevalidate {
		window = 0
	}
	return ttl, window
}

// inherit fills options the caller left unset from a stale entry, so a
// refresh keeps the entry's TTL, window, and tags.
func (o callOptions) inherit(e *Entry) callOptions {
	if e == nil {
		return o
	}
	if !o.ttlSet {
		o.ttl, o.ttlSet = e.TTL, true
	}
	if !o.staleSet {
		o.staleWindow, o.staleSet = e.StaleWindow, true
	}
	if len(o.tags) == 0 {
		o.tags = append([]string(nil), e.Tags...)
	}
	return o
}
