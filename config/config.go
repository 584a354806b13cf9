package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/secret"
)

// EnvPrefix prefixes every variable read by Load.
const EnvPrefix = "TIERCACHE_"

// Local storage drivers.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverNone   = "none"
)

const exporterNone = "none"

// Sentinel errors for configuration validation.
var (
	ErrInvalidDriver = errors.New("config: invalid local storage driver")
	ErrInvalidTTL    = errors.New("config: invalid ttl")
	ErrInvalidLevel  = errors.New("config: invalid log level")
	ErrAdminSecret   = errors.New("config: admin secret is too short")
)

// Config is the server configuration.
type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"tiercache"`
	Version     string `env:"VERSION" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Cache     CacheConfig     `envPrefix:"CACHE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Local     LocalConfig     `envPrefix:"LOCAL_"`
	Session   SessionConfig   `envPrefix:"SESSION_"`
	Refresh   RefreshConfig   `envPrefix:"REFRESH_"`
	Admin     AdminConfig     `envPrefix:"ADMIN_"`
	Upstream  UpstreamConfig  `envPrefix:"UPSTREAM_"`
	Telemetry TelemetryConfig `envPrefix:"OTEL_"`
}

// CacheConfig holds the manager policy.
type CacheConfig struct {
	Prefix               string        `env:"PREFIX"`
	DefaultTTL           time.Duration `env:"DEFAULT_TTL" envDefault:"5m"`
	MaxTTL               time.Duration `env:"MAX_TTL" envDefault:"24h"`
	StaleWhileRevalidate time.Duration `env:"STALE_WHILE_REVALIDATE" envDefault:"1m"`
	FetchTimeout         time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	MemoryMaxItems       int           `env:"MEMORY_MAX_ITEMS" envDefault:"1000"`
}

// RedisConfig configures the durable tier. An empty URL disables it.
type RedisConfig struct {
	URL          string        `env:"URL"`
	Password     string        `env:"PASSWORD"`
	Prefix       string        `env:"PREFIX" envDefault:"tiercache:"`
	TagTTLFactor int           `env:"TAG_TTL_FACTOR" envDefault:"2"`
	PingAttempts int           `env:"PING_ATTEMPTS" envDefault:"5"`
	PingTimeout  time.Duration `env:"PING_TIMEOUT" envDefault:"2s"`
}

// Enabled reports whether the Redis tier is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// LocalConfig configures the long-lived webstore tier.
type LocalConfig struct {
	Driver     string `env:"DRIVER" envDefault:"bolt"`
	Path       string `env:"PATH" envDefault:"tiercache.db"`
	MaxItems   int    `env:"MAX_ITEMS" envDefault:"1000"`
	MaxBytes   int64  `env:"MAX_BYTES" envDefault:"5242880"`
	QuotaBytes int64  `env:"QUOTA_BYTES"`
}

// SessionConfig configures the process-scoped webstore tier. Zero
// MaxItems disables it.
type SessionConfig struct {
	MaxItems int `env:"MAX_ITEMS"`
}

// RefreshConfig bounds background refreshes.
type RefreshConfig struct {
	Concurrency   int     `env:"CONCURRENCY" envDefault:"8"`
	RatePerSecond float64 `env:"RATE" envDefault:"50"`
	Burst         int     `env:"BURST" envDefault:"10"`
}

// AdminConfig configures the admin API. An empty secret disables it.
type AdminConfig struct {
	Secret   string `env:"SECRET"`
	Issuer   string `env:"ISSUER" envDefault:"tiercache"`
	Audience string `env:"AUDIENCE" envDefault:"tiercache-admin"`
}

// Enabled reports whether the admin API is configured.
func (c AdminConfig) Enabled() bool { return c.Secret != "" }

// UpstreamConfig configures the cached reverse proxy. An empty URL
// disables it.
type UpstreamConfig struct {
	URL           string        `env:"URL"`
	TTL           time.Duration `env:"TTL" envDefault:"30s"`
	Tags          []string      `env:"TAGS" envSeparator:","`
	ExcludeRoutes []string      `env:"EXCLUDE_ROUTES" envSeparator:","`
	VaryByHeaders []string      `env:"VARY_HEADERS" envSeparator:","`
}

// TelemetryConfig selects OpenTelemetry exporters. "none" disables a
// signal.
type TelemetryConfig struct {
	TracesExporter  string  `env:"TRACES_EXPORTER" envDefault:"none"`
	MetricsExporter string  `env:"METRICS_EXPORTER" envDefault:"prometheus"`
	SamplePct       float64 `env:"SAMPLE_PCT" envDefault:"0.1"`
}

// Load parses the process environment and resolves secret references.
func Load(ctx context.Context, resolver *secret.Resolver) (Config, error) {
	return load(ctx, resolver, env.Options{Prefix: EnvPrefix})
}

// LoadFrom is Load over an explicit variable map, for tests and tooling.
func LoadFrom(ctx context.Context, resolver *secret.Resolver, vars map[string]string) (Config, error) {
	return load(ctx, resolver, env.Options{Prefix: EnvPrefix, Environment: vars})
}

func load(ctx context.Context, resolver *secret.Resolver, opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if resolver == nil {
		resolver = secret.NewDefaultResolver()
	}
	if err := resolver.ResolveFields(ctx, map[string]*string{
		EnvPrefix + "REDIS_URL":      &cfg.Redis.URL,
		EnvPrefix + "REDIS_PASSWORD": &cfg.Redis.Password,
		EnvPrefix + "ADMIN_SECRET":   &cfg.Admin.Secret,
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Local.Driver {
	case DriverBolt, DriverSQLite, DriverNone:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Local.Driver)
	}
	for name, d := range map[string]time.Duration{
		"default": c.Cache.DefaultTTL,
		"max":     c.Cache.MaxTTL,
		"stale":   c.Cache.StaleWhileRevalidate,
		"fetch":   c.Cache.FetchTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidTTL, name)
		}
	}
	if c.Cache.MaxTTL > 0 && c.Cache.DefaultTTL > c.Cache.MaxTTL {
		return fmt.Errorf("%w: default exceeds max", ErrInvalidTTL)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLevel, c.LogLevel)
	}
	if c.Admin.Enabled() && len(c.Admin.Secret) < 16 {
		return ErrAdminSecret
	}
	o := c.Observe()
	if err := o.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Policy returns the manager policy.
func (c *Config) Policy() cache.Policy {
	return cache.Policy{
		DefaultTTL:                  c.Cache.DefaultTTL,
		MaxTTL:                      c.Cache.MaxTTL,
		EnableStaleWhileRevalidate:  c.Cache.StaleWhileRevalidate > 0,
		DefaultStaleWhileRevalidate: c.Cache.StaleWhileRevalidate,
		Prefix:                      c.Cache.Prefix,
	}
}

// Observe returns the telemetry configuration.
func (c *Config) Observe() observe.Config {
	return observe.Config{
		ServiceName: c.ServiceName,
		Version:     c.Version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Telemetry.TracesExporter != exporterNone,
			Exporter:  c.Telemetry.TracesExporter,
			SamplePct: c.Telemetry.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Telemetry.MetricsExporter != exporterNone,
			Exporter: c.Telemetry.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.LogLevel,
		},
	}
}
