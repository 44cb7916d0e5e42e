package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("run store closed")

// Config holds run store configuration
type Config struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// Client persists finished runs. Writes go through a circuit breaker and,
// when workers are configured, an async write queue.
type Client struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	config  Config

	writeQueue chan *orchestrator.RunOutput
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool
}

// Open connects to the configured database and returns a client
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	rawDB, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rawDB.PingContext(pingCtx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewClient(rawDB, config, logger), nil
}

// NewClient wraps an open database
func NewClient(db *sqlx.DB, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	breaker := circuitbreaker.NewCircuitBreaker("run-store", circuitbreaker.StoreConfig(), logger)
	c := &Client{
		db:      db,
		breaker: circuitbreaker.Instrument(breaker, "run-store"),
		logger:  logger,
		config:  config,
		stopCh:  make(chan struct{}),
	}
	if config.Workers > 0 {
		c.writeQueue = make(chan *orchestrator.RunOutput, config.QueueSize)
		for i := 0; i < config.Workers; i++ {
			c.workerWg.Add(1)
			go c.writeWorker(i)
		}
	}

	logger.Info("Run store initialized",
		zap.String("driver", db.DriverName()),
		zap.Int("workers", config.Workers),
	)
	return c
}

// Record stores out. With workers configured the write is queued and a
// full queue falls back to a synchronous write.
func (c *Client) Record(ctx context.Context, out *orchestrator.RunOutput) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.writeQueue == nil {
		return c.SaveRun(ctx, out)
	}
	select {
	case c.writeQueue <- out:
		return nil
	default:
		c.logger.Warn("Run store queue full, writing synchronously", zap.String("run_id", out.RunID))
		return c.SaveRun(ctx, out)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))
	for {
		select {
		case out := <-c.writeQueue:
			c.write(out)
		case <-c.stopCh:
			// drain what is left
			for {
				select {
				case out := <-c.writeQueue:
					c.write(out)
				default:
					c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (c *Client) write(out *orchestrator.RunOutput) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.SaveRun(ctx, out); err != nil {
		c.logger.Error("Failed to persist run", zap.String("run_id", out.RunID), zap.Error(err))
	}
}

// Ping checks the database through the breaker
func (c *Client) Ping(ctx context.Context) error {
	return c.breaker.Execute(ctx, func() error { return c.db.PingContext(ctx) })
}

// BreakerState reports the state of the store's circuit breaker
func (c *Client) BreakerState() circuitbreaker.State { return c.breaker.State() }

// Close stops the workers after draining the queue and closes the database.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopCh)
		c.workerWg.Wait()
		err = c.db.Close()
	})
	return err
}
