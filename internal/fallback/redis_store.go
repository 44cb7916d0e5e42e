package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
)

// RedisStore keeps fallback entries in Redis behind a circuit breaker so a
// dead cache degrades to misses instead of stalling fallback production.
type RedisStore struct {
	cli    *circuitbreaker.RedisWrapper
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a store over wrapper. Keys are prefixed with prefix.
func NewRedisStore(wrapper *circuitbreaker.RedisWrapper, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{cli: wrapper, prefix: prefix, logger: logger}
}

// DialRedisStore connects to addr and verifies it with a ping
func DialRedisStore(ctx context.Context, addr, password string, db int, prefix string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	wrapper := circuitbreaker.NewRedisWrapper(client, circuitbreaker.CacheConfig(), logger)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisStore(wrapper, prefix, logger), nil
}

// Wrapper exposes the breaker-wrapped client for health checks
func (r *RedisStore) Wrapper() *circuitbreaker.RedisWrapper { return r.cli }

func (r *RedisStore) Get(ctx context.Context, key string) (*Entry, bool) {
	b, err := r.cli.Get(ctx, r.prefix+key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Fallback cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		r.logger.Warn("Discarding undecodable fallback entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &e, true
}

func (r *RedisStore) Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.cli.Set(ctx, r.prefix+key, b, ttl)
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := r.cli.Del(ctx, r.prefix+key)
	return err
}

// Close closes the underlying client
func (r *RedisStore) Close() error { return r.cli.Close() }
