package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout is the maximum time to wait for all checks.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxParallel bounds concurrently running checks. Zero runs them all at
	// once; 1 runs them sequentially.
	MaxParallel int
}

type registration struct {
	checker  Checker
	optional bool
}

// Aggregator combines multiple health checkers into a single composite check.
type Aggregator struct {
	config AggregatorConfig

	mu    sync.RWMutex
	regs  map[string]registration
	order []string
}

// NewAggregator creates a new health aggregator.
func NewAggregator(config ...AggregatorConfig) *Aggregator {
	var cfg AggregatorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Aggregator{config: cfg, regs: make(map[string]registration)}
}

// Register adds a required checker. Its failure makes the aggregate
// unhealthy.
func (a *Aggregator) Register(name string, checker Checker) {
	a.register(name, registration{checker: checker})
}

// RegisterOptional adds a checker whose failure only degrades the aggregate.
func (a *Aggregator) RegisterOptional(name string, checker Checker) {
	a.register(name, registration{checker: checker, optional: true})
}

func (a *Aggregator) register(name string, reg registration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.regs[name]; !exists {
		a.order = append(a.order, name)
	}
	a.regs[name] = reg
}

// Unregister removes a health checker from the aggregator.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.regs, name)
	a.order = slices.DeleteFunc(a.order, func(n string) bool { return n == name })
}

// CheckerNames returns checker names in registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.order)
}

// Check runs a single named health check.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	reg, ok := a.regs[name]
	a.mu.RUnlock()
	if !ok {
		return Result{}, ErrCheckerNotFound
	}
	return a.runCheck(ctx, reg.checker), nil
}

// CheckAll runs every registered check and returns results by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	regs := make(map[string]registration, len(a.regs))
	for name, reg := range a.regs {
		regs[name] = reg
	}
	a.mu.RUnlock()

	results := make(map[string]Result, len(regs))
	if len(regs) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	if a.config.MaxParallel > 0 {
		g.SetLimit(a.config.MaxParallel)
	}
	for name, reg := range regs {
		g.Go(func() error {
			result := a.runCheck(ctx, reg.checker)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// OverallStatus folds results into one status. A failed optional checker
// counts as degraded.
func (a *Aggregator) OverallStatus(results map[string]Result) Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	overall := StatusHealthy
	for name, result := range results {
		status := result.Status
		if status == StatusUnhealthy && a.regs[name].optional {
			status = StatusDegraded
		}
		if status > overall {
			overall = status
		}
	}
	return overall
}

func (a *Aggregator) runCheck(ctx context.Context, checker Checker) Result {
	start := time.Now()
	resultCh := make(chan Result, 1)
	go func() {
		result := checker.Check(ctx)
		result.Duration = time.Since(start)
		if result.Timestamp.IsZero() {
			result.Timestamp = start
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return Result{
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Error:     ErrCheckTimeout,
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}
}
