package health

import (
	"context"
	"strings"
	"time"

	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

const slowPing = 100 * time.Millisecond

// RedisHealthChecker pings the fallback cache through its breaker wrapper.
// The cache is optional: a failure degrades the service.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, timeout: 2 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "fallback_cache" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:    StatusUnhealthy,
			Error:     "circuit breaker open",
			Message:   "Fallback cache circuit breaker is open",
			Timestamp: start,
		}
	}
	err := r.wrapper.Ping(ctx)
	res := CheckResult{Timestamp: start, Duration: time.Since(start)}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = "Fallback cache ping failed"
	case res.Duration > slowPing:
		res.Status = StatusDegraded
		res.Message = "Fallback cache responding with high latency"
	default:
		res.Status = StatusHealthy
		res.Message = "Fallback cache healthy"
	}
	res.Details = map[string]any{"latency_ms": res.Duration.Milliseconds()}
	return res
}

// Pinger is satisfied by the run store client.
type Pinger interface {
	Ping(ctx context.Context) error
	BreakerState() circuitbreaker.State
}

// DatabaseHealthChecker checks the run store.
type DatabaseHealthChecker struct {
	db      Pinger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a run store checker
func NewDatabaseHealthChecker(db Pinger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, timeout: 3 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "run_store" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := d.db.BreakerState()
	res := CheckResult{Timestamp: start, Details: map[string]any{"breaker": state.String()}}
	if state == circuitbreaker.StateOpen {
		res.Status = StatusUnhealthy
		res.Error = "circuit breaker open"
		res.Message = "Run store writes are being rejected"
		return res
	}
	if err := d.db.Ping(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = "Run store ping failed"
		res.Duration = time.Since(start)
		return res
	}
	res.Duration = time.Since(start)
	res.Status = StatusHealthy
	res.Message = "Run store healthy"
	return res
}

// BreakerHealthChecker reports tasks whose circuit is open. Open circuits
// mean those sections are served from fallback content.
type BreakerHealthChecker struct {
	registry *circuitbreaker.Registry
}

// NewBreakerHealthChecker creates a task breaker checker
func NewBreakerHealthChecker(registry *circuitbreaker.Registry) *BreakerHealthChecker {
	return &BreakerHealthChecker{registry: registry}
}

func (b *BreakerHealthChecker) Name() string           { return "task_breakers" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(context.Context) CheckResult {
	open := b.registry.OpenTasks()
	res := CheckResult{Timestamp: time.Now(), Details: map[string]any{"open": open}}
	if len(open) == 0 {
		res.Status = StatusHealthy
		res.Message = "All task circuits closed"
		return res
	}
	res.Status = StatusDegraded
	res.Message = "Open circuits: " + strings.Join(open, ", ")
	return res
}

// LastRunSource returns the summary of the most recent run, or nil.
type LastRunSource func() *orchestrator.Summary

// LastRunHealthChecker degrades the service when the latest run fell
// below its success threshold.
type LastRunHealthChecker struct {
	last LastRunSource
}

// NewLastRunHealthChecker creates a last run checker
func NewLastRunHealthChecker(last LastRunSource) *LastRunHealthChecker {
	return &LastRunHealthChecker{last: last}
}

func (l *LastRunHealthChecker) Name() string           { return "last_run" }
func (l *LastRunHealthChecker) IsCritical() bool       { return false }
func (l *LastRunHealthChecker) Timeout() time.Duration { return time.Second }

func (l *LastRunHealthChecker) Check(context.Context) CheckResult {
	s := l.last()
	res := CheckResult{Timestamp: time.Now()}
	if s == nil {
		res.Status = StatusHealthy
		res.Message = "No run yet"
		return res
	}
	res.Details = map[string]any{
		"run_id":         s.RunID,
		"success_rate":   s.SuccessRate,
		"quality_impact": string(s.QualityImpact),
		"failed_tasks":   s.Failed(),
	}
	if s.Success {
		res.Status = StatusHealthy
		res.Message = "Last run succeeded"
		return res
	}
	res.Status = StatusDegraded
	res.Message = "Last run fell below the success threshold"
	return res
}

// CustomHealthChecker adapts a function to Checker.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a function-backed checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
