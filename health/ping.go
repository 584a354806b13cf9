package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is implemented by cache tiers that can reach their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingConfig configures a PingChecker.
type PingConfig struct {
	// Timeout bounds one ping.
	// Default: 2 seconds
	Timeout time.Duration

	// SlowThreshold marks a successful ping slower than this as degraded.
	// Zero disables the latency check.
	SlowThreshold time.Duration
}

// PingChecker reports a tier's health from its Ping.
type PingChecker struct {
	name   string
	pinger Pinger
	config PingConfig
}

// NewPingChecker wraps p as a Checker.
func NewPingChecker(name string, p Pinger, config PingConfig) *PingChecker {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &PingChecker{name: name, pinger: p, config: config}
}

// Name returns the tier name.
func (c *PingChecker) Name() string { return c.name }

// Check pings the tier.
func (c *PingChecker) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	err := c.pinger.Ping(ctx)
	latency := time.Since(start)
	details := map[string]any{"latency": latency.String()}

	switch {
	case err != nil:
		return Unhealthy(fmt.Sprintf("%s unreachable", c.name), fmt.Errorf("%w: %v", ErrCheckFailed, err)).WithDetails(details)
	case c.config.SlowThreshold > 0 && latency > c.config.SlowThreshold:
		return Degraded(fmt.Sprintf("%s slow: %s", c.name, latency)).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%s reachable", c.name)).WithDetails(details)
	}
}

var _ Checker = (*PingChecker)(nil)
