package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/cache/redisstore"
	"github.com/jonwraymond/tiercache/cache/webstore"
	"github.com/jonwraymond/tiercache/config"
	"github.com/jonwraymond/tiercache/health"
	"github.com/jonwraymond/tiercache/observe"
	"github.com/jonwraymond/tiercache/resilience"
)

// stack is everything serve wires together from a Config.
type stack struct {
	logger  observe.Logger
	manager *cache.Manager
	health  *health.Aggregator
	closers []io.Closer
}

// Close releases storage handles in reverse order of opening.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// buildStack assembles tiers in lookup order: memory, session, local,
// Redis. Only the memory tier is required to be healthy; the others
// degrade the service when unreachable.
func buildStack(ctx context.Context, cfg config.Config, inst *observe.Instrumentation) (_ *stack, err error) {
	logger := inst.Logger()
	s := &stack{logger: logger, health: health.NewAggregator()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	mem := cache.NewMemoryAdapter(cache.MemoryConfig{MaxItems: cfg.Cache.MemoryMaxItems})
	tiers := []cache.Adapter{mem}
	s.health.Register(mem.Name(), health.NewPingChecker(mem.Name(), mem, health.PingConfig{}))

	if cfg.Session.MaxItems > 0 {
		session := webstore.NewSession(ctx, nil, webstore.Config{
			Prefix:   cfg.Cache.Prefix,
			MaxItems: cfg.Session.MaxItems,
			Logger:   logger,
		})
		tiers = append(tiers, session)
	}

	storage, err := openLocalStorage(cfg.Local)
	if err != nil {
		return nil, err
	}
	if storage != nil {
		s.closers = append(s.closers, storage)
		local := webstore.NewLocal(ctx, storage, webstore.Config{
			Prefix:   cfg.Cache.Prefix,
			MaxItems: cfg.Local.MaxItems,
			MaxBytes: cfg.Local.MaxBytes,
			Logger:   logger,
		})
		tiers = append(tiers, local)
		s.health.RegisterOptional(local.Name(), health.NewPingChecker(local.Name(), local, health.PingConfig{}))
	}

	if cfg.Redis.Enabled() {
		tier, client, err := openRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client)
		tiers = append(tiers, tier)
		s.health.RegisterOptional(tier.Name(), health.NewPingChecker(tier.Name(), tier, health.PingConfig{
			Timeout:       cfg.Redis.PingTimeout,
			SlowThreshold: 100 * time.Millisecond,
		}))
	}

	refresher := resilience.NewExecutor(
		resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Rate:  cfg.Refresh.RatePerSecond,
			Burst: cfg.Refresh.Burst,
		})),
		resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: cfg.Refresh.Concurrency,
		})),
	)
	s.manager, err = cache.NewManager(cfg.Policy(), tiers,
		cache.WithInstrumentation(inst),
		cache.WithFetchTimeout(cfg.Cache.FetchTimeout),
		cache.WithRefreshExecutor(refresher),
	)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Name()
	}
	logger.Info(ctx, "cache tiers ready", observe.F("tiers", names))
	return s, nil
}

func openLocalStorage(cfg config.LocalConfig) (webstore.Storage, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		return webstore.OpenBolt(cfg.Path, webstore.BoltOptions{QuotaBytes: cfg.QuotaBytes})
	case config.DriverSQLite:
		return webstore.OpenSQLite(cfg.Path, webstore.SQLiteOptions{QuotaBytes: cfg.QuotaBytes})
	default:
		return nil, nil
	}
}

// openRedis connects and pings with backoff. A Redis that stays
// unreachable is logged and kept: the tier fails open and its breaker
// probes for recovery.
func openRedis(ctx context.Context, cfg config.RedisConfig, logger observe.Logger) (*redisstore.Adapter, *redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)

	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts:  cfg.PingAttempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn(ctx, "redis ping failed, retrying",
				observe.F("attempt", attempt),
				observe.F("delay", delay.String()),
				observe.F("error", err),
			)
		},
	})
	if err := retry.Execute(ctx, func(ctx context.Context) error {
		return resilience.ExecuteWithTimeout(ctx, cfg.PingTimeout, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}); err != nil {
		if ctx.Err() != nil {
			_ = client.Close()
			return nil, nil, ctx.Err()
		}
		logger.Error(ctx, "redis unreachable, starting with tier failing open", observe.F("error", err))
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: redisstore.DefaultName,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn(context.Background(), "circuit breaker state changed",
				observe.F("cache.tier", name),
				observe.F("from", from.String()),
				observe.F("to", to.String()),
			)
		},
	})
	tier := redisstore.New(client, redisstore.Config{
		Prefix:       cfg.Prefix,
		TagTTLFactor: cfg.TagTTLFactor,
		Breaker:      breaker,
		Logger:       logger,
	})
	return tier, client, nil
}
