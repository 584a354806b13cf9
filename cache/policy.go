package cache

import "time"

// Policy configures manager-level caching behavior.
type Policy struct {
	// DefaultTTL is the TTL to use when none is specified.
	// Zero means entries never go stale and are written without expiry.
	DefaultTTL time.Duration

	// MaxTTL is the maximum allowed TTL. Override TTLs are clamped to this.
	// If zero, no maximum is enforced.
	MaxTTL time.Duration

	// EnableStaleWhileRevalidate serves stale entries inside the stale window
	// while refreshing them in the background.
	EnableStaleWhileRevalidate bool

	// DefaultStaleWhileRevalidate is the stale window used when a call does
	// not specify one. Zero disables stale serving.
	DefaultStaleWhileRevalidate time.Duration

	// Prefix is prepended to every key the manager handles.
	Prefix string
}

// DefaultPolicy returns the default caching policy.
// DefaultTTL: 5 minutes, MaxTTL: 24 hours, stale-while-revalidate: 1 minute.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:                  5 * time.Minute,
		MaxTTL:                      24 * time.Hour,
		EnableStaleWhileRevalidate:  true,
		DefaultStaleWhileRevalidate: time.Minute,
	}
}

// EffectiveTTL returns the TTL to use, applying defaults and clamping.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}

// StaleWindow returns the stale-while-revalidate window for a call.
// It is zero when stale serving is disabled.
func (p Policy) StaleWindow(override time.Duration) time.Duration {
	if !p.EnableStaleWhileRevalidate {
		return 0
	}
	if override > 0 {
		return override
	}
	return p.DefaultStaleWhileRevalidate
}

// ClampTTL applies MaxTTL to an explicitly requested TTL. Zero and
// negative values mean no expiry and are returned as zero.
func (p Policy) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		return p.MaxTTL
	}
	return ttl
}
