// Package admin exposes an HTTP API for inspecting and mutating a cache
// manager, protected by HS256 bearer tokens.
//
// Routes:
//
//	GET    /v1/cache/{key}        read an entry          (cache:read)
//	PUT    /v1/cache/{key}        write an entry         (cache:write)
//	DELETE /v1/cache/{key}        delete an entry        (cache:write)
//	POST   /v1/cache/invalidate   invalidate by tags     (cache:write)
//	POST   /v1/cache/clear        clear every tier       (cache:write)
//	POST   /v1/keys               build a canonical key  (cache:read)
//
// Tokens carry their scopes in a space-separated "scope" claim.
package admin
