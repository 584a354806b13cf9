// Package config loads the tiercache server configuration from
// TIERCACHE_-prefixed environment variables.
//
// String fields that may hold credentials (the Redis URL and password, the
// admin signing secret) accept secret references such as
// secretref:env:NAME or secretref:file:/run/secrets/name, resolved with the
// secret package after parsing.
package config
