// Package bootstrap wires the allocation engine from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/bsm/redislock"
	allocationapp "github.com/erp/stockalloc/internal/application/allocation"
	"github.com/erp/stockalloc/internal/application/transaction"
	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/costing"
	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/erp/stockalloc/internal/infrastructure/cache"
	"github.com/erp/stockalloc/internal/infrastructure/config"
	"github.com/erp/stockalloc/internal/infrastructure/lock"
	"github.com/erp/stockalloc/internal/infrastructure/logger"
	"github.com/erp/stockalloc/internal/infrastructure/persistence"
	"github.com/erp/stockalloc/internal/infrastructure/strategy"
	"github.com/erp/stockalloc/internal/infrastructure/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/erp/stockalloc"

// Dependencies are the connections the engine is built on
type Dependencies struct {
	Database *persistence.Database
	// Redis is required when item locks or the redis tax cache are enabled
	Redis *redis.Client
	// Meter enables allocation metrics when set
	Meter  metric.Meter
	Logger *zap.Logger
}

// Engine exposes the allocation service, the transaction builder and the
// adapters an operator needs to maintain lots and tax rates
type Engine struct {
	Allocation   *allocationapp.Service
	Transactions *transaction.Builder
	Lots         *persistence.GormLotCatalog
	Commits      *persistence.GormCommitter
	TaxRates     *persistence.GormTaxRateRepository
	Policies     *strategy.PolicyRegistry

	taxLookup pricing.TaxRateLookup
	logger    *zap.Logger
	closers   []func(context.Context) error
}

// NeedsRedis reports whether cfg enables a feature backed by Redis
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Allocation.LockEnabled || (cfg.TaxCache.Enabled && cfg.TaxCache.Backend == cache.BackendRedis)
}

// Build assembles an Engine on existing connections. Closing the engine does
// not close them.
func Build(cfg *config.Config, deps Dependencies) (*Engine, error) {
	if deps.Database == nil {
		return nil, errors.New("bootstrap: database is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if NeedsRedis(cfg) && deps.Redis == nil {
		return nil, errors.New("bootstrap: redis is required for item locks or the redis tax cache")
	}

	policies, err := strategy.NewRegistryWithDefaults(allocation.PolicyType(cfg.Allocation.DefaultPolicy))
	if err != nil {
		return nil, fmt.Errorf("policy registry: %w", err)
	}

	opts := []allocationapp.ServiceOption{
		allocationapp.WithLogger(log.Named("allocation")),
		allocationapp.WithConfig(cfg.Allocation),
	}
	if deps.Meter != nil {
		metrics, err := telemetry.NewAllocationMetrics(deps.Meter)
		if err != nil {
			return nil, fmt.Errorf("allocation metrics: %w", err)
		}
		opts = append(opts, allocationapp.WithMetrics(metrics))
	}
	if cfg.Allocation.LockEnabled {
		locker := lock.NewRedisItemLocker(redislock.New(deps.Redis),
			lock.WithTTL(cfg.Allocation.LockTTL),
			lock.WithLogger(log.Named("lock")),
		)
		opts = append(opts, allocationapp.WithItemLocker(locker))
	}

	db := deps.Database
	cacheOpts := []cache.TaxRateLookupFactoryOption{cache.WithLogger(log.Named("tax_cache"))}
	if deps.Redis != nil {
		cacheOpts = append(cacheOpts, cache.WithRedisClient(deps.Redis))
	}
	taxLookup, err := cache.NewTaxRateLookup(cfg.TaxCache, db.TaxRates(), cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("tax rate lookup: %w", err)
	}

	builder := transaction.NewBuilder(pricing.NewResolver(taxLookup),
		transaction.WithDistributor(costing.NewDistributor(
			costing.WithDefaultWeightPerUnit(cfg.Costing.DefaultWeightPerUnit),
		)),
		transaction.WithLogger(log.Named("transaction")),
	)

	committer := db.Committer()
	return &Engine{
		Allocation:   allocationapp.NewService(db.LotCatalog(), policies, committer, opts...),
		Transactions: builder,
		Lots:         db.LotCatalog(),
		Commits:      committer,
		TaxRates:     db.TaxRates(),
		Policies:     policies,
		taxLookup:    taxLookup,
		logger:       log,
	}, nil
}

// Open connects to telemetry, PostgreSQL and, when needed, Redis, then builds
// the Engine. Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Engine, error) {
	var closers []func(context.Context) error
	fail := func(err error) (*Engine, error) {
		closeAll(ctx, log, closers)
		return nil, err
	}

	telemetryCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}
	tp, err := telemetry.NewTracerProvider(ctx, telemetryCfg, log)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, tp.Shutdown)

	mp, err := telemetry.NewMeterProvider(ctx, telemetryCfg, log)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, mp.Shutdown)

	lp, err := telemetry.NewLoggerProvider(ctx, telemetryCfg, log)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, lp.Shutdown)
	log = lp.Bridge(log, logger.ParseLevel(cfg.Log.Level))

	db, err := persistence.NewDatabase(&cfg.Database, log.Named("gorm"))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func(context.Context) error { return db.Close() })

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:               cfg.Telemetry.Enabled,
		IncludeQueryVariables: cfg.Telemetry.TraceSQLVariables,
		SlowQueryThreshold:    cfg.Telemetry.SlowQueryThreshold,
		DBName:                cfg.Database.DBName,
	}, log); err != nil {
		return fail(fmt.Errorf("database tracing: %w", err))
	}
	log.Info("Database connected",
		zap.String("host", cfg.Database.Host),
		zap.String("dbname", cfg.Database.DBName),
	)

	deps := Dependencies{Database: db, Logger: log}
	if cfg.Telemetry.Enabled {
		deps.Meter = mp.Meter(meterName)
		sqlDB, err := db.DB.DB()
		if err != nil {
			return fail(fmt.Errorf("database pool metrics: %w", err))
		}
		pool, err := telemetry.RegisterDBPoolMetrics(deps.Meter, sqlDB, log)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return pool.Stop() })
	}

	if NeedsRedis(cfg) {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return client.Close() })
		deps.Redis = client
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))
	}

	engine, err := Build(cfg, deps)
	if err != nil {
		return fail(err)
	}
	engine.closers = closers

	log.Info("Allocation engine ready",
		zap.String("default_policy", cfg.Allocation.DefaultPolicy),
		zap.Int("max_conflict_retries", cfg.Allocation.MaxConflictRetries),
		zap.Bool("item_locks", cfg.Allocation.LockEnabled),
		zap.Bool("tax_cache", cfg.TaxCache.Enabled),
	)
	return engine, nil
}

// SetTaxRate stores the rate for itemID and drops any cached value
func (e *Engine) SetTaxRate(ctx context.Context, itemID string, ratePercent decimal.Decimal) error {
	if err := e.TaxRates.SetRate(ctx, itemID, ratePercent); err != nil {
		return err
	}
	return e.invalidateTaxRate(ctx, itemID)
}

// DeleteTaxRate removes the rate for itemID and drops any cached value
func (e *Engine) DeleteTaxRate(ctx context.Context, itemID string) error {
	if err := e.TaxRates.DeleteRate(ctx, itemID); err != nil {
		return err
	}
	return e.invalidateTaxRate(ctx, itemID)
}

func (e *Engine) invalidateTaxRate(ctx context.Context, itemID string) error {
	switch c := e.taxLookup.(type) {
	case *cache.InMemoryTaxRateCache:
		c.Invalidate(itemID)
	case *cache.RedisTaxRateCache:
		if err := c.Invalidate(ctx, itemID); err != nil {
			e.logger.Warn("Failed to invalidate cached tax rate",
				zap.String("item_id", itemID),
				zap.Error(err),
			)
			return fmt.Errorf("invalidate cached tax rate for %s: %w", itemID, err)
		}
	}
	return nil
}

// Close releases the connections opened by Open in reverse order
func (e *Engine) Close(ctx context.Context) error {
	err := closeAll(ctx, e.logger, e.closers)
	e.closers = nil
	return err
}

func closeAll(ctx context.Context, log *zap.Logger, closers []func(context.Context) error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			log.Error("Error during shutdown", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
