package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/events/rabbitmq"
	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/internal/server"
	"github.com/mihaimyh/subsync/pkg/billing"
	billingprom "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/revenuecat"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zlogadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	subsyncprom "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	"github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/tiered"
)

const metricsNamespace = "subsync"

// runtime is the assembled service: store, reconciler and provider plus
// everything that must be closed on exit.
type runtime struct {
	store    subsync.Storage
	provider *revenuecat.Provider
	registry *prometheus.Registry
	ready    []server.Check
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (c *cli) openPostgres(ctx context.Context) (*postgres.Storage, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = c.cfg.DatabaseURL
	return postgres.New(ctx, pgCfg)
}

// build wires the configured store, ledger and publisher into a provider.
// Optional backends that cannot be reached are skipped in development and
// fatal elsewhere.
func (c *cli) build(ctx context.Context) (_ *runtime, err error) {
	rt := &runtime{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := zlogadapter.NewLogger(c.logger)
	metrics := subsyncprom.NewMetrics(rt.registry, metricsNamespace)

	var base subsync.Storage
	switch c.cfg.Store {
	case config.StoreMemory:
		c.logger.Warn().Msg("using in-memory store; records are lost on exit")
		base = memory.New(memory.WithoutUserCheck())
	default:
		pg, err := c.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pg.Close)
		rt.ready = append(rt.ready, server.Check{Name: "postgres", Check: pg.Ping})
		base = pg
	}

	rt.store = subsync.NewCircuitBreakerStorage(base, subsync.CircuitBreakerConfig{
		FailureThreshold: uint32(max(c.cfg.BreakerFailureThreshold, 1)),
		Timeout:          c.cfg.BreakerTimeout,
		MaxRequests:      1,
	}, metrics)

	recCfg := subsync.Config{
		Logger:           logger,
		Metrics:          metrics,
		LedgerTTL:        c.cfg.LedgerTTL,
		MaxWriteAttempts: c.cfg.MaxWriteAttempts,
	}

	// Without Redis each instance still remembers what it processed.
	recCfg.Ledger = memory.NewLedger(nil)
	if c.cfg.RedisURL != "" {
		shared, err := c.openLedger(ctx)
		if err != nil {
			if !c.cfg.IsDevelopment() {
				return nil, err
			}
			c.logger.Warn().Err(err).Msg("redis not available, using per-process event ledger")
		} else {
			rt.closers = append(rt.closers, func() { _ = shared.Close() })
			rt.ready = append(rt.ready, server.Check{Name: "redis", Check: shared.Ping})

			ledger, err := tiered.New(tiered.Config{
				Hot:       recCfg.Ledger,
				Cold:      shared,
				AsyncMark: c.cfg.LedgerAsyncMark,
				AsyncErrorHandler: func(err error) {
					c.logger.Warn().Err(err).Msg("event ledger sync failed")
				},
			})
			if err != nil {
				return nil, err
			}
			rt.closers = append(rt.closers, func() { _ = ledger.Close() })
			recCfg.Ledger = ledger
		}
	}

	if c.cfg.RabbitMQURL != "" {
		pub, err := rabbitmq.Dial(c.cfg.RabbitMQURL, rabbitmq.Config{
			Exchange: c.cfg.RabbitMQExchange,
			Logger:   logger,
		})
		if err != nil {
			if !c.cfg.IsDevelopment() {
				return nil, err
			}
			c.logger.Warn().Err(err).Msg("RabbitMQ not available, change notifications disabled")
		} else {
			rt.closers = append(rt.closers, func() { _ = pub.Close() })
			recCfg.OnChange = pub.Notify
		}
	}

	reconciler, err := subsync.NewReconciler(rt.store, recCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	rt.provider, err = revenuecat.NewProvider(billing.Config{
		Reconciler:            reconciler,
		WebhookSecret:         c.cfg.WebhookSecret,
		EnableHMAC:            c.cfg.EnableHMAC,
		LegacySecretTransport: c.cfg.LegacySecretTransport,
		APIKey:                c.cfg.ProviderAPIKey,
		APIBaseURL:            c.cfg.ProviderAPIBase,
		AllowedOrigins:        c.cfg.CORSOrigins,
		RateLimit:             c.cfg.RateLimit,
		RateBurst:             c.cfg.RateBurst,
		Logger:                logger,
		Metrics:               billingprom.NewMetrics(rt.registry, metricsNamespace),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return rt, nil
}

func (c *cli) openLedger(ctx context.Context) (*redis.Ledger, error) {
	opts, err := goredis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)

	ledgerCfg := redis.DefaultConfig()
	ledgerCfg.DefaultTTL = c.cfg.LedgerTTL
	ledger, err := redis.New(client, ledgerCfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := ledger.Ping(ctx); err != nil {
		_ = ledger.Close()
		return nil, errors.Join(errors.New("redis ping failed"), err)
	}
	return ledger, nil
}
