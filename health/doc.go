// Package health reports whether cache tiers are reachable.
//
// Tiers that can ping their backend (Redis, bbolt, SQLite) are wrapped in a
// PingChecker and registered with an Aggregator. Because the cache is
// fail-open, a tier can be registered as optional: its outage degrades the
// service instead of failing readiness.
//
//	agg := health.NewAggregator()
//	agg.Register("memory", health.NewPingChecker("memory", memoryTier, health.PingConfig{}))
//	agg.RegisterOptional("redis", health.NewPingChecker("redis", redisTier, health.PingConfig{}))
//
//	mux := http.NewServeMux()
//	health.RegisterHandlers(mux, agg)
//
// RegisterHandlers serves /healthz (liveness), /readyz (readiness), /health
// (JSON detail), and /health/{name} (a single check).
package health
