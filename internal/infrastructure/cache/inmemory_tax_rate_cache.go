package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultTaxRateTTL is used when no TTL is configured
const DefaultTaxRateTTL = 5 * time.Minute

// rateEntry wraps a cached rate with its expiration time
type rateEntry struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

// InMemoryTaxRateCache decorates a TaxRateLookup with a process-local TTL cache.
// Only configured rates are cached; a missing rate is looked up again on every call.
type InMemoryTaxRateCache struct {
	next    pricing.TaxRateLookup
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]rateEntry

	hits   int64
	misses int64
}

// InMemoryTaxRateCacheOption is a functional option for configuring the cache
type InMemoryTaxRateCacheOption func(*InMemoryTaxRateCache)

// WithInMemoryTTL sets how long a rate stays cached
func WithInMemoryTTL(ttl time.Duration) InMemoryTaxRateCacheOption {
	return func(c *InMemoryTaxRateCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithInMemoryLogger sets the logger for the cache
func WithInMemoryLogger(logger *zap.Logger) InMemoryTaxRateCacheOption {
	return func(c *InMemoryTaxRateCache) {
		c.logger = logger
	}
}

// NewInMemoryTaxRateCache creates a new in-memory tax rate cache in front of next
func NewInMemoryTaxRateCache(next pricing.TaxRateLookup, opts ...InMemoryTaxRateCacheOption) *InMemoryTaxRateCache {
	c := &InMemoryTaxRateCache{
		next:    next,
		ttl:     DefaultTaxRateTTL,
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]rateEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRate returns the cached rate or loads it from the wrapped lookup
func (c *InMemoryTaxRateCache) GetRate(ctx context.Context, itemID string) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[itemID]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		atomic.AddInt64(&c.hits, 1)
		return entry.rate, true, nil
	}

	atomic.AddInt64(&c.misses, 1)
	c.logger.Debug("Tax rate cache miss", zap.String("item_id", itemID))

	rate, found, err := c.next.GetRate(ctx, itemID)
	if err != nil || !found {
		if ok {
			c.Invalidate(itemID)
		}
		return rate, found, err
	}

	c.mu.Lock()
	c.entries[itemID] = rateEntry{rate: rate, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return rate, true, nil
}

// Invalidate drops the cached rate for an item
func (c *InMemoryTaxRateCache) Invalidate(itemID string) {
	c.mu.Lock()
	delete(c.entries, itemID)
	c.mu.Unlock()
}

// Clear drops every cached rate
func (c *InMemoryTaxRateCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]rateEntry)
	c.mu.Unlock()
}

// CacheStats holds hit/miss counters
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Stats returns cache statistics
func (c *InMemoryTaxRateCache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:    atomic.LoadInt64(&c.hits),
		Misses:  atomic.LoadInt64(&c.misses),
		Entries: n,
	}
}

var _ pricing.TaxRateLookup = (*InMemoryTaxRateCache)(nil)
