// Package secret resolves credentials referenced from configuration.
//
// Configuration values may embed references with the prefix "secretref:":
//   - Full value:  secretref:env:TIERCACHE_REDIS_PASSWORD
//   - Inline use:  redis://:secretref:file:/run/secrets/redis@cache:6379/0
//
// Built-in providers read environment variables (EnvProvider, "env") and
// mounted secret files (FileProvider, "file"). Values are also expanded with
// ExpandEnvStrict, so ${VAR} fails loudly when VAR is unset.
package secret
