// Package observe provides observability primitives for cache operations.
//
// It is a pure instrumentation library: no caching, no transport, no I/O
// beyond exporter setup. The cache manager, adapters, and HTTP middleware
// accept the Logger, Metrics, and Tracer types defined here and default to
// no-op implementations when none are supplied.
package observe
