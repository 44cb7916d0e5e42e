package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, CacheConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx))
	require.NoError(t, wrapper.Set(ctx, "fallback:script", "hello", time.Minute))

	val, err := wrapper.Get(ctx, "fallback:script")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(val))

	_, err = wrapper.Get(ctx, "fallback:missing")
	assert.ErrorIs(t, err, redis.Nil)
	assert.False(t, wrapper.IsCircuitBreakerOpen(), "redis.Nil must not trip the breaker")

	n, err := wrapper.Del(ctx, "fallback:script")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisWrapper_OpensOnDeadServer(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cfg := CacheConfig()
	cfg.FailureThreshold = 3
	wrapper := NewRedisWrapper(client, cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, wrapper.Ping(ctx))
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.Get(ctx, "any:key")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}
