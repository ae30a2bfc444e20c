// Package lock provides a distributed per-item lock used to serialise
// plan-and-commit for the same item and location across instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix = "stockalloc:lock:"

	// DefaultTTL bounds how long a crashed holder can block others
	DefaultTTL = 10 * time.Second
	// DefaultRetryBackoff is the wait between attempts while the lock is held elsewhere
	DefaultRetryBackoff = 100 * time.Millisecond
	// DefaultRetryLimit is how many extra attempts are made before giving up
	DefaultRetryLimit = 20
)

type releaser interface {
	Release(ctx context.Context) error
}

type obtainFunc func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (releaser, error)

// RedisItemLocker implements allocation.ItemLocker with Redis locks
type RedisItemLocker struct {
	obtain  obtainFunc
	ttl     time.Duration
	backoff time.Duration
	retries int
	logger  *zap.Logger
}

// Option configures a RedisItemLocker
type Option func(*RedisItemLocker)

// WithTTL sets the lock expiry
func WithTTL(ttl time.Duration) Option {
	return func(l *RedisItemLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetry sets the retry backoff and limit while waiting for a held lock
func WithRetry(backoff time.Duration, limit int) Option {
	return func(l *RedisItemLocker) {
		l.backoff = backoff
		l.retries = limit
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *RedisItemLocker) {
		l.logger = logger
	}
}

// NewRedisItemLocker creates a locker on top of a redislock client
func NewRedisItemLocker(client *redislock.Client, opts ...Option) *RedisItemLocker {
	return newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (releaser, error) {
		return client.Obtain(ctx, key, ttl, opt)
	}, opts...)
}

func newLocker(obtain obtainFunc, opts ...Option) *RedisItemLocker {
	l := &RedisItemLocker{
		obtain:  obtain,
		ttl:     DefaultTTL,
		backoff: DefaultRetryBackoff,
		retries: DefaultRetryLimit,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the Redis key guarding an item at a location
func Key(itemID, locationID string) string {
	return lockKeyPrefix + itemID + ":" + locationID
}

// Lock obtains the lock for an item at a location. The returned function releases it.
// If the lock stays held elsewhere, the error matches shared.ErrConcurrencyConflict.
func (l *RedisItemLocker) Lock(ctx context.Context, itemID, locationID string) (func(context.Context) error, error) {
	key := Key(itemID, locationID)

	opt := &redislock.Options{}
	if l.retries > 0 && l.backoff > 0 {
		opt.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries)
	}

	held, err := l.obtain(ctx, key, l.ttl, opt)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.Warn("Item lock is held by another process",
			zap.String("item_id", itemID),
			zap.String("location_id", locationID))
		return nil, fmt.Errorf("lock %s: %w", key, shared.ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	l.logger.Debug("Item lock obtained", zap.String("key", key))

	return func(ctx context.Context) error {
		if err := held.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}, nil
}

var _ allocation.ItemLocker = (*RedisItemLocker)(nil)
