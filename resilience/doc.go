// Package resilience guards calls to cache backends and origin fetches.
//
// The cache manager and its durable tiers use these patterns to stay
// fail-open:
//
//   - Timeout bounds an origin fetch so a hung upstream releases its key.
//   - CircuitBreaker stops a failing backend from being hit on every read;
//     while open, tier operations degrade to a miss or no-op.
//   - Bulkhead and RateLimiter cap background refresh work. Both reject
//     instead of queueing by default, so a skipped refresh leaves the stale
//     value in place for a later read to retry.
//   - Retry backs off on startup connectivity checks.
//
// Executor composes them:
//
//	refresher := resilience.NewExecutor(
//	    resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{Rate: 50, Burst: 10})),
//	    resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 8})),
//	    resilience.WithTimeout(5*time.Second),
//	)
//
//	err := refresher.Execute(ctx, func(ctx context.Context) error {
//	    return refresh(ctx)
//	})
package resilience
