package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps the fallback cache Redis client with a circuit breaker
type RedisWrapper struct {
	client redis.UniversalClient
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client redis.UniversalClient, config Config, logger *zap.Logger, opts ...Option) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := Instrument(NewCircuitBreaker("redis", config, logger, opts...), cacheService)
	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

func (rw *RedisWrapper) record(err error) {
	observeRequest("redis", cacheService, rw.cb.State(), err == nil)
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
	rw.record(err)
	return err
}

// Get returns the raw value at key. A missing key returns redis.Nil and does
// not count as a breaker failure.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	var missing bool
	err := rw.cb.Execute(ctx, func() error {
		b, err := rw.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		val = b
		return err
	})
	rw.record(err)
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, redis.Nil
	}
	return val, nil
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
	rw.record(err)
	return err
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := rw.cb.Execute(ctx, func() error {
		var err error
		n, err = rw.client.Del(ctx, keys...).Result()
		return err
	})
	rw.record(err)
	return n, err
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
