package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/errclass"
	"github.com/Kocoro-lab/briefing/internal/retry"
)

var (
	// ErrAttemptTimeout is returned when a single attempt outlives its timeout.
	ErrAttemptTimeout = fmt.Errorf("attempt %w", errclass.ErrTimeout)
	// ErrPanic wraps a panic raised by a task operation.
	ErrPanic = errors.New("panic in task operation")
	// ErrUpstreamUnavailable marks a failure caused by a dependency that
	// produced no output. Such failures end the task after one attempt and
	// are not charged to its circuit breaker.
	ErrUpstreamUnavailable = errors.New("upstream input")
)

// DefaultAttemptTimeout bounds a single attempt when no timeout is configured.
const DefaultAttemptTimeout = 60 * time.Second

// Operation is one attempt of a task.
type Operation func(ctx context.Context) (any, error)

// FinalRecovery is consulted once after all attempts failed.
type FinalRecovery interface {
	Recover(ctx context.Context, task string, cause error) (any, bool)
}

// Config tunes the executor
type Config struct {
	AttemptTimeout time.Duration
	TaskTimeouts   map[string]time.Duration
}

// Option customizes an Executor
type Option func(*Executor)

// WithFinalRecovery installs the post-exhaustion hook
func WithFinalRecovery(fr FinalRecovery) Option {
	return func(e *Executor) { e.final = fr }
}

// WithTimer replaces the sleep timer used between attempts
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(e *Executor) { e.newTimer = newTimer }
}

// WithClock replaces time.Now for elapsed-time accounting
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs task operations with circuit breaking, bounded retries,
// recovery methods between attempts and a final recovery on exhaustion.
// It never panics and never returns an error: every outcome is a Result.
type Executor struct {
	breakers *circuitbreaker.Registry
	policies *retry.Policies
	methods  *Methods
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	final    FinalRecovery
	newTimer func() backoff.Timer
	now      func() time.Time
}

// NewExecutor creates a new recovery executor
func NewExecutor(breakers *circuitbreaker.Registry, policies *retry.Policies, methods *Methods, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultRegistryConfig(), logger)
	}
	if policies == nil {
		policies = retry.NewPolicies(retry.DefaultPolicy(), nil)
	}
	if methods == nil {
		methods = NewMethods(nil)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	e := &Executor{
		breakers: breakers,
		policies: policies,
		methods:  methods,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/Kocoro-lab/briefing/internal/recovery"),
		newTimer: func() backoff.Timer { return &realTimer{} },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers returns the circuit breaker registry shared by this executor
func (e *Executor) Breakers() *circuitbreaker.Registry { return e.breakers }

// Methods returns the recovery method registry
func (e *Executor) Methods() *Methods { return e.methods }

// AttemptTimeout returns the per-attempt timeout for task
func (e *Executor) AttemptTimeout(task string) time.Duration {
	if d, ok := e.cfg.TaskTimeouts[task]; ok && d > 0 {
		return d
	}
	return e.cfg.AttemptTimeout
}

// Execute runs op for the task described by ec.
func (e *Executor) Execute(ctx context.Context, ec ErrorContext, op Operation) Result {
	start := e.now()
	if ec.StartTime.IsZero() {
		ec.StartTime = start
	}
	if ec.OperationName == "" {
		ec.OperationName = ec.TaskName
	}
	policy := e.policies.For(ec.TaskName)
	if ec.MaxAttempts <= 0 {
		ec.MaxAttempts = policy.MaxAttempts
	}
	policy.MaxAttempts = ec.MaxAttempts

	ctx, span := e.tracer.Start(ctx, "recovery.execute", trace.WithAttributes(
		attribute.String("task.name", ec.TaskName),
		attribute.String("run.id", ec.RunID),
		attribute.Int("max_attempts", ec.MaxAttempts),
	))
	defer span.End()

	logger := e.logger.With(
		zap.String("run_id", ec.RunID),
		zap.String("task_name", ec.TaskName),
		zap.String("operation", ec.OperationName),
	)

	if e.breakers.IsOpen(ec.TaskName) {
		msg := fmt.Sprintf("circuit breaker open for %s", ec.TaskName)
		logger.Warn("Task blocked by circuit breaker")
		span.SetStatus(codes.Error, msg)
		elapsed := e.now().Sub(start)
		recordOutcome(ec.TaskName, MethodCircuitBlocked, elapsed.Seconds())
		return Result{
			Success:        false,
			Error:          msg,
			RecoveryMethod: MethodCircuitBlocked,
			AttemptsMade:   0,
			TotalTime:      elapsed,
			Metadata:       map[string]any{"circuit_state": circuitbreaker.StateOpen.String()},
		}
	}

	hints := NewHints()
	attemptCtx := WithHints(ctx, hints)
	timeout := e.AttemptTimeout(ec.TaskName)

	var (
		value     any
		lastErr   error
		category  errclass.Category
		severity  errclass.Severity
		attempts  int
		recovered []MethodOutcome
	)

	attempt := func() error {
		ec.Attempt = attempts
		attempts++

		v, err := e.runAttempt(attemptCtx, op, timeout)
		if err == nil {
			value = v
			e.breakers.RecordSuccess(ec.TaskName)
			return nil
		}

		lastErr = err
		category, severity = errclass.Classify(err)
		if errors.Is(err, ErrUpstreamUnavailable) {
			logger.Warn("Task input unavailable, skipping retries",
				zap.String("category", string(category)),
				zap.Error(err),
			)
			return backoff.Permanent(err)
		}
		e.breakers.RecordFailure(ec.TaskName)
		attemptFailures.WithLabelValues(ec.TaskName, string(category), string(severity)).Inc()

		logger.Warn("Task attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", ec.MaxAttempts),
			zap.String("category", string(category)),
			zap.String("severity", string(severity)),
			zap.Duration("elapsed", e.now().Sub(start)),
			zap.Error(err),
		)
		span.AddEvent("attempt_failed", trace.WithAttributes(
			attribute.Int("attempt", attempts),
			attribute.String("category", string(category)),
			attribute.String("severity", string(severity)),
		))

		if !errclass.ShouldRetry(category, severity, attempts, ec.MaxAttempts) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(_ error, wait time.Duration) {
		outcomes := e.methods.Run(attemptCtx, ec, category, hints)
		recordMethods(outcomes)
		recovered = append(recovered, outcomes...)
		logger.Debug("Retrying task",
			zap.Int("next_attempt", attempts+1),
			zap.Duration("wait", wait),
			zap.Stringers("recovery_methods", outcomes),
		)
	}

	err := backoff.RetryNotifyWithTimer(attempt, backoff.WithContext(policy.BackOff(), ctx), notify, e.newTimer())
	elapsed := e.now().Sub(start)

	if err == nil {
		method := ""
		if attempts > 1 {
			method = MethodRetry
		}
		span.SetStatus(codes.Ok, "")
		recordOutcome(ec.TaskName, "success", elapsed.Seconds())
		logger.Info("Task succeeded", zap.Int("attempts", attempts), zap.Duration("elapsed", elapsed))
		return Result{
			Success:        true,
			Value:          value,
			RecoveryMethod: method,
			AttemptsMade:   attempts,
			TotalTime:      elapsed,
			Metadata:       map[string]any{"recovery_methods": recovered, "hints": hints.Snapshot()},
		}
	}

	if lastErr == nil {
		// context ended before the first attempt
		lastErr = err
		category, severity = errclass.Classify(err)
	}

	res := Result{
		Success:      false,
		AttemptsMade: attempts,
		Category:     category,
		Severity:     severity,
		Metadata:     map[string]any{"recovery_methods": recovered},
	}

	finalNote := "none"
	if e.final != nil {
		if v, ok := e.final.Recover(ctx, ec.TaskName, lastErr); ok {
			res.Value = v
			res.RecoveryMethod = MethodLastKnownGood
			finalNote = MethodLastKnownGood + "=ok"
		} else {
			finalNote = MethodLastKnownGood + "=miss"
		}
	}
	res.Error = diagnose(ec, attempts, category, severity, lastErr, recovered, finalNote)
	res.TotalTime = e.now().Sub(start)

	span.SetStatus(codes.Error, lastErr.Error())
	recordOutcome(ec.TaskName, "failure", res.TotalTime.Seconds())
	logger.Error("Task failed after recovery",
		zap.Int("attempts", attempts),
		zap.String("category", string(category)),
		zap.String("severity", string(severity)),
		zap.String("final_recovery", finalNote),
		zap.Duration("elapsed", res.TotalTime),
		zap.Error(lastErr),
	)
	return res
}

// Wrap returns an operation that runs op through the executor. A failed
// Result surfaces as a *Failure error.
func (e *Executor) Wrap(ec ErrorContext, op Operation) Operation {
	return func(ctx context.Context) (any, error) {
		res := e.Execute(ctx, ec, op)
		if res.Success {
			return res.Value, nil
		}
		return nil, &Failure{Result: res}
	}
}

func (e *Executor) runAttempt(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := op(ctx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func diagnose(ec ErrorContext, attempts int, c errclass.Category, s errclass.Severity, cause error, methods []MethodOutcome, final string) string {
	ran := "none"
	if len(methods) > 0 {
		parts := make([]string, len(methods))
		for i, m := range methods {
			parts[i] = m.String()
		}
		ran = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s failed after %d/%d attempts [category=%s severity=%s]: %v; recovery methods: %s; final recovery: %s",
		ec.TaskName, attempts, ec.MaxAttempts, c, s, cause, ran, final)
}

// realTimer mirrors backoff's default timer
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *realTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
	} else {
		t.timer.Reset(d)
	}
}

func (t *realTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
