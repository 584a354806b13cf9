package resilience

import (
	"context"
	"time"
)

// Stage wraps an operation with one resilience pattern.
type Stage func(ctx context.Context, op func(context.Context) error) error

// Executor composes resilience patterns into a fixed order, outermost
// first: rate limiter, bulkhead, circuit breaker, retry, timeout.
//
// The limiter and bulkhead sit outside so a rejected operation costs nothing
// and never counts as a backend failure.
type Executor struct {
	circuitBreaker *CircuitBreaker
	retry          *Retry
	rateLimiter    *RateLimiter
	bulkhead       *Bulkhead
	timeout        *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCircuitBreaker adds a circuit breaker to the executor.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.circuitBreaker = cb }
}

// WithRetry adds retry logic to the executor.
func WithRetry(r *Retry) ExecutorOption {
	return func(e *Executor) { e.retry = r }
}

// WithRateLimiter adds rate limiting to the executor.
func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) { e.rateLimiter = rl }
}

// WithBulkhead adds bulkhead isolation to the executor.
func WithBulkhead(b *Bulkhead) ExecutorOption {
	return func(e *Executor) { e.bulkhead = b }
}

// WithTimeout bounds each attempt.
func WithTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = NewTimeout(TimeoutConfig{Timeout: timeout}) }
}

// Stages returns the configured stages, outermost first.
func (e *Executor) Stages() []Stage {
	var stages []Stage
	if e.rateLimiter != nil {
		stages = append(stages, e.rateLimiter.Execute)
	}
	if e.bulkhead != nil {
		stages = append(stages, e.bulkhead.Execute)
	}
	if e.circuitBreaker != nil {
		stages = append(stages, e.circuitBreaker.Execute)
	}
	if e.retry != nil {
		stages = append(stages, e.retry.Execute)
	}
	if e.timeout != nil {
		stages = append(stages, e.timeout.Execute)
	}
	return stages
}

// Execute runs op through every configured stage.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	run := op
	stages := e.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		stage, inner := stages[i], run
		run = func(ctx context.Context) error {
			return stage(ctx, inner)
		}
	}
	return run(ctx)
}
