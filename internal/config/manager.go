package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/metrics"
)

// ChangeHandler is called with the new config after a successful reload.
type ChangeHandler func(old, updated *Config)

// Manager holds the current configuration and reloads it when the file
// changes. Each run should read Current once and use that snapshot.
type Manager struct {
	v        *viper.Viper
	path     string
	current  atomic.Pointer[Config]
	handlers []ChangeHandler
	mu       sync.Mutex
	reloads  atomic.Int64
	logger   *zap.Logger
}

// NewManager loads path and returns a manager serving it
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	m := &Manager{v: v, path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active configuration snapshot
func (m *Manager) Current() *Config { return m.current.Load() }

// Reloads reports how many reloads have been applied
func (m *Manager) Reloads() int64 { return m.reloads.Load() }

// OnChange registers h for future reloads.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Watch starts watching the config file. Invalid edits are logged and the
// previous configuration stays active.
func (m *Manager) Watch() {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.reload(e)
	})
	m.v.WatchConfig()
	m.logger.Info("Watching configuration", zap.String("path", m.path))
}

func (m *Manager) reload(e fsnotify.Event) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.v.ReadInConfig(); err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		m.logger.Error("Failed to re-read configuration", zap.String("file", e.Name), zap.Error(err))
		return
	}
	cfg, err := decode(m.v)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		m.logger.Error("Rejected configuration change", zap.String("file", e.Name), zap.Error(err))
		return
	}
	old := m.current.Swap(cfg)
	m.reloads.Add(1)
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	for _, h := range m.handlers {
		h(old, cfg)
	}
	m.logger.Info("Configuration reloaded",
		zap.String("file", e.Name),
		zap.String("op", e.Op.String()),
		zap.Duration("duration", time.Since(start)),
	)
}
