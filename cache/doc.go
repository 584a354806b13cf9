// Package cache provides a multi-tier caching layer.
//
// Adapter is the storage contract shared by every backend. This package
// ships the in-process MemoryAdapter; the redisstore and webstore
// subpackages provide a durable Redis tier and Web-Storage-style persisted
// tiers. Manager composes adapters into ordered tiers and adds TTL policy,
// stale-while-revalidate refresh, tag invalidation, deterministic key
// construction (BuildKey), and single-flight deduplication of concurrent
// fetches. HTTPMiddleware serves cached HTTP responses through a Manager.
//
// Caching is fail-open: backend failures degrade to misses and no-ops and
// are logged, never returned. Only errors from caller-supplied fetch
// functions and key validation reach the caller.
package cache
