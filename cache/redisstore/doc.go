// Package redisstore implements the durable cache tier on Redis.
//
// Entries are stored as serialized strings under <prefix>e:<key>, expiring
// natively after their TTL plus stale window. Tags are server-side sets:
//
//	<prefix>tag:<tag>      -> set of full entry keys
//	<prefix>keytags:<key>  -> set of tags the entry was written with
//
// The three namespaces are disjoint, so no caller key can overwrite a tag
// set.
//
// The reverse set lets an overwrite or delete remove the entry from the tag
// sets it no longer belongs to. Tag sets expire after TagTTLFactor times the
// entry TTL of the latest write that touched them.
//
// The adapter is fail-open: Redis errors are logged and reported as misses
// or no-ops, and a circuit breaker stops calling Redis after repeated
// failures.
package redisstore
