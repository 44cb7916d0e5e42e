package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// DefaultCheckTimeout bounds checkers that report no timeout of their own.
const DefaultCheckTimeout = 5 * time.Second

// Manager runs registered checkers and aggregates their results.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	logger      *zap.Logger
	now         func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       conc.WaitGroup
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		logger:      logger,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// RegisterChecker adds a checker; names must be unique.
func (m *Manager) RegisterChecker(checker Checker) error {
	if checker == nil {
		return fmt.Errorf("checker cannot be nil")
	}
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("name", name),
		zap.Bool("critical", checker.IsCritical()),
	)
	return nil
}

// Names lists registered checkers in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for n := range m.checkers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetOverallHealth runs every checker and returns the aggregate status.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// GetDetailedHealth runs every checker concurrently.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	start := m.now()

	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	var (
		mu         sync.Mutex
		components = make(map[string]CheckResult, len(checkers))
		wg         conc.WaitGroup
	)
	for _, c := range checkers {
		c := c
		wg.Go(func() {
			res := m.runSingleCheck(ctx, c)
			mu.Lock()
			components[c.Name()] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	m.mu.Lock()
	for name, res := range components {
		m.lastResults[name] = res
	}
	m.mu.Unlock()

	overall := calculateOverallStatus(components)
	overall.Timestamp = start
	overall.Duration = m.now().Sub(start)
	return DetailedHealth{
		Overall:    overall,
		Components: components,
		Summary:    summarize(components),
		Timestamp:  start,
	}
}

// LastResults returns the results of the most recent checks.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

func (m *Manager) runSingleCheck(ctx context.Context, checker Checker) CheckResult {
	timeout := checker.Timeout()
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.now()
	res := checker.Check(checkCtx)
	if res.Component == "" {
		res.Component = checker.Name()
	}
	res.Critical = checker.IsCritical()
	if res.Timestamp.IsZero() {
		res.Timestamp = start
	}
	if res.Duration == 0 {
		res.Duration = m.now().Sub(start)
	}
	if res.Status != StatusHealthy {
		m.logger.Warn("Health check not healthy",
			zap.String("checker", checker.Name()),
			zap.String("status", res.Status.String()),
			zap.String("error", res.Error),
		)
	}
	return res
}

func summarize(components map[string]CheckResult) Summary {
	s := Summary{Total: len(components)}
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusUnhealthy:
			s.Unhealthy++
		}
		if r.Critical {
			s.Critical++
		} else {
			s.NonCritical++
		}
	}
	return s
}

func calculateOverallStatus(components map[string]CheckResult) OverallHealth {
	if len(components) == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Live: true}
	}

	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	out := OverallHealth{Ready: true, Live: true}
	switch {
	case criticalFailures > 0:
		out.Status = StatusUnhealthy
		out.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		out.Ready = false
	case degraded > 0:
		out.Status = StatusDegraded
		out.Message = fmt.Sprintf("%d component(s) degraded", degraded)
	case nonCriticalFailures > 0:
		out.Status = StatusDegraded
		out.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
	default:
		out.Status = StatusHealthy
		out.Message = fmt.Sprintf("All %d components healthy", len(components))
	}
	out.Degraded = out.Status == StatusDegraded
	return out
}

// IsReady reports whether no critical component is failing.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the process is alive.
func (m *Manager) IsLive(context.Context) bool { return true }

// Start refreshes LastResults every interval until Stop.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.GetDetailedHealth(ctx)
			}
		}
	})
	m.logger.Info("Health manager started", zap.Duration("interval", interval))
}

// Stop ends background checking.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
