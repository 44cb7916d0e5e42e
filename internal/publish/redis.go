package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/assembly"
)

const (
	LatestKey     = "briefing:latest"
	UpdateChannel = "briefing:updates"
)

// RedisConfig locates the frontend cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RedisPublisher stores the latest briefing where the frontend reads it and
// announces new runs on a pub/sub channel.
type RedisPublisher struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPublisher creates a publisher over client
func NewRedisPublisher(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisPublisher{client: client, ttl: ttl, logger: logger}
}

// DialRedisPublisher connects to addr and verifies the connection.
func DialRedisPublisher(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisPublisher(client, cfg.TTL, logger), nil
}

func (p *RedisPublisher) Name() string { return "redis" }

// RunKey is the key holding the document of runID
func RunKey(runID string) string { return "briefing:" + runID }

func (p *RedisPublisher) Publish(ctx context.Context, runID string, doc *assembly.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode briefing: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, RunKey(runID), body, p.ttl)
	pipe.Set(ctx, LatestKey, body, p.ttl)
	pipe.Publish(ctx, UpdateChannel, runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store briefing %s: %w", runID, err)
	}
	return nil
}

// Latest returns the most recently published document
func (p *RedisPublisher) Latest(ctx context.Context) ([]byte, error) {
	return p.client.Get(ctx, LatestKey).Bytes()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
