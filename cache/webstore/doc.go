// Package webstore implements cache tiers over flat string key-value
// storage: a long-lived local tier bounded by item count and bytes, and a
// session tier bounded by item count.
//
// The storage only knows strings, so each tier keeps its bookkeeping in
// process: per-key timestamps and sizes for eviction and a reverse tag
// index. Both are rebuilt from a prefix scan of the storage at
// construction; see Adapter.Rebuild.
//
// Three storages are provided: BoltStorage and SQLiteStorage persist to a
// file and suit the local tier, MemoryStorage lives only as long as the
// process and suits the session tier.
package webstore
