package cache

import (
	"fmt"

	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/erp/stockalloc/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Tax cache backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// TaxRateLookupFactory wraps a tax rate source in the cache named by configuration
type TaxRateLookupFactory struct {
	cfg    config.TaxCacheConfig
	client RedisCommands
	logger *zap.Logger
}

// TaxRateLookupFactoryOption is a functional option for configuring the factory
type TaxRateLookupFactoryOption func(*TaxRateLookupFactory)

// WithLogger sets the logger for the factory and the caches it builds
func WithLogger(logger *zap.Logger) TaxRateLookupFactoryOption {
	return func(f *TaxRateLookupFactory) {
		f.logger = logger
	}
}

// WithRedisClient supplies the client used by the redis backend
func WithRedisClient(client RedisCommands) TaxRateLookupFactoryOption {
	return func(f *TaxRateLookupFactory) {
		f.client = client
	}
}

// NewTaxRateLookupFactory creates a new factory
func NewTaxRateLookupFactory(cfg config.TaxCacheConfig, opts ...TaxRateLookupFactoryOption) *TaxRateLookupFactory {
	f := &TaxRateLookupFactory{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Wrap returns source unchanged when caching is disabled, otherwise source behind the configured cache
func (f *TaxRateLookupFactory) Wrap(source pricing.TaxRateLookup) (pricing.TaxRateLookup, error) {
	if !f.cfg.Enabled {
		return source, nil
	}

	switch f.cfg.Backend {
	case BackendMemory, "":
		f.logger.Info("using in-memory tax rate cache", zap.Duration("ttl", f.cfg.TTL))
		return NewInMemoryTaxRateCache(source,
			WithInMemoryTTL(f.cfg.TTL),
			WithInMemoryLogger(f.logger),
		), nil
	case BackendRedis:
		if f.client == nil {
			return nil, fmt.Errorf("tax cache backend %q requires a Redis client", BackendRedis)
		}
		f.logger.Info("using Redis tax rate cache", zap.Duration("ttl", f.cfg.TTL))
		return NewRedisTaxRateCache(f.client, source,
			WithRedisTTL(f.cfg.TTL),
			WithRedisLogger(f.logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown tax cache backend %q", f.cfg.Backend)
	}
}

// NewTaxRateLookup is shorthand for building a factory and wrapping source
func NewTaxRateLookup(cfg config.TaxCacheConfig, source pricing.TaxRateLookup, opts ...TaxRateLookupFactoryOption) (pricing.TaxRateLookup, error) {
	return NewTaxRateLookupFactory(cfg, opts...).Wrap(source)
}
