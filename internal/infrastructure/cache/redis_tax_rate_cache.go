package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const taxRateKeyPrefix = "stockalloc:tax_rate:"

// RedisCommands is the subset of the go-redis client used by the cache
type RedisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisTaxRateCache decorates a TaxRateLookup with a Redis cache shared across instances.
// Redis failures degrade to the wrapped lookup. Missing rates are never cached.
type RedisTaxRateCache struct {
	client RedisCommands
	next   pricing.TaxRateLookup
	ttl    time.Duration
	logger *zap.Logger
}

// RedisTaxRateCacheOption is a functional option for configuring the cache
type RedisTaxRateCacheOption func(*RedisTaxRateCache)

// WithRedisTTL sets how long a rate stays cached
func WithRedisTTL(ttl time.Duration) RedisTaxRateCacheOption {
	return func(c *RedisTaxRateCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRedisLogger sets the logger for the cache
func WithRedisLogger(logger *zap.Logger) RedisTaxRateCacheOption {
	return func(c *RedisTaxRateCache) {
		c.logger = logger
	}
}

// NewRedisTaxRateCache creates a Redis-backed cache in front of next.
// The caller retains ownership of the client.
func NewRedisTaxRateCache(client RedisCommands, next pricing.TaxRateLookup, opts ...RedisTaxRateCacheOption) *RedisTaxRateCache {
	c := &RedisTaxRateCache{
		client: client,
		next:   next,
		ttl:    DefaultTaxRateTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func taxRateKey(itemID string) string {
	return taxRateKeyPrefix + itemID
}

// GetRate returns the cached rate or loads it from the wrapped lookup
func (c *RedisTaxRateCache) GetRate(ctx context.Context, itemID string) (decimal.Decimal, bool, error) {
	key := taxRateKey(itemID)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		rate, perr := decimal.NewFromString(val)
		if perr == nil {
			return rate, true, nil
		}
		c.logger.Warn("Dropping corrupt cached tax rate",
			zap.String("item_id", itemID),
			zap.String("value", val),
			zap.Error(perr))
		_ = c.client.Del(ctx, key).Err()
	case errors.Is(err, redis.Nil):
		c.logger.Debug("Tax rate cache miss", zap.String("item_id", itemID))
	default:
		c.logger.Warn("Tax rate cache unavailable, reading through",
			zap.String("item_id", itemID),
			zap.Error(err))
	}

	rate, found, err := c.next.GetRate(ctx, itemID)
	if err != nil || !found {
		return rate, found, err
	}

	if err := c.client.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache tax rate",
			zap.String("item_id", itemID),
			zap.Error(err))
	}
	return rate, true, nil
}

// Invalidate drops the cached rate for an item
func (c *RedisTaxRateCache) Invalidate(ctx context.Context, itemID string) error {
	if err := c.client.Del(ctx, taxRateKey(itemID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate tax rate for %s: %w", itemID, err)
	}
	return nil
}

var _ pricing.TaxRateLookup = (*RedisTaxRateCache)(nil)
