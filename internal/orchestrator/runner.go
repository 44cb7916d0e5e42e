package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/errclass"
	"github.com/Kocoro-lab/briefing/internal/recovery"
)

// ErrRunDeadline marks tasks that were still outstanding when the run deadline passed.
var ErrRunDeadline = fmt.Errorf("run deadline exceeded: %w", errclass.ErrTimeout)

const (
	DefaultPoolSize         = 4
	DefaultSuccessThreshold = 0.5
)

// Config controls scheduling of a run.
type Config struct {
	PoolSize         int           `mapstructure:"pool_size"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	OverallDeadline  time.Duration `mapstructure:"overall_deadline"`
	SuccessThreshold float64       `mapstructure:"success_threshold"`
}

// DefaultConfig returns the stock scheduling settings
func DefaultConfig() Config {
	return Config{
		PoolSize:         DefaultPoolSize,
		TaskTimeout:      recovery.DefaultAttemptTimeout,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// Remembering stores successful task values for later final recovery.
type Remembering interface {
	Remember(ctx context.Context, task string, value any)
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, out *RunOutput) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLastKnownGood stores each successful task value in lg.
func WithLastKnownGood(lg Remembering) Option {
	return func(r *Runner) { r.lastGood = lg }
}

// WithRecorder persists every finished run through rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithTracker replaces the runner's task status tracker.
func WithTracker(t *Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

// WithRunnerClock replaces the wall clock used for summaries.
func WithRunnerClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner drives a set of tasks through the recovery executor and assembles
// the resulting document. All state lives on the Runner.
type Runner struct {
	executor  *recovery.Executor
	assembler *assembly.Assembler
	demo      assembly.DemoSource
	lastGood  Remembering
	recorder  Recorder
	tracker   *Tracker
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

// NewRunner creates a runner.
func NewRunner(executor *recovery.Executor, assembler *assembly.Assembler, demo assembly.DemoSource, cfg Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SuccessThreshold <= 0 || cfg.SuccessThreshold > 1 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	r := &Runner{
		executor:  executor,
		assembler: assembler,
		demo:      demo,
		tracker:   NewTracker(0),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("briefing/orchestrator"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tracker returns the runner's status tracker
func (r *Runner) Tracker() *Tracker { return r.tracker }

// Config returns the scheduling settings in effect
func (r *Runner) Config() Config { return r.cfg }

func (r *Runner) deadline(tasks []Task, levels int) time.Duration {
	if r.cfg.OverallDeadline > 0 {
		return r.cfg.OverallDeadline
	}
	per := r.cfg.TaskTimeout
	for _, t := range tasks {
		if d := r.executor.AttemptTimeout(t.Name); d > per {
			per = d
		}
	}
	if per <= 0 {
		per = recovery.DefaultAttemptTimeout
	}
	if levels < 1 {
		levels = 1
	}
	return 2 * per * time.Duration(levels)
}

type taskState struct {
	task   Task
	result recovery.Result
	status Status
	took   time.Duration
	done   chan struct{}
}

// Run executes tasks respecting their dependencies and assembles the
// document. The returned error is non-nil only for invalid task sets and
// assembly bookkeeping failures; task failures are reported in the summary.
func (r *Runner) Run(ctx context.Context, tasks []Task) (*RunOutput, error) {
	ordered, levels, err := plan(tasks)
	if err != nil {
		return nil, err
	}

	runID := r.newID()
	started := r.now()
	logger := r.logger.With(zap.String("run_id", runID))
	r.tracker.begin(runID, ordered)

	ctx, span := r.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("tasks", len(ordered)),
		attribute.Int("levels", levels),
	))
	defer span.End()

	deadline := r.deadline(ordered, levels)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	logger.Info("Starting briefing run",
		zap.Int("tasks", len(ordered)),
		zap.Int("levels", levels),
		zap.Int("pool_size", r.cfg.PoolSize),
		zap.Duration("deadline", deadline),
	)

	var (
		mu     sync.Mutex
		sealed bool
	)
	states := make(map[string]*taskState, len(ordered))
	for _, t := range ordered {
		states[t.Name] = &taskState{task: t, done: make(chan struct{})}
	}

	finish := func(st *taskState, res recovery.Result, status Status, took time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if sealed {
			return
		}
		st.result, st.status, st.took = res, status, took
		r.tracker.mark(runID, st.task.Name, status, res.Error)
	}

	p := pool.New().WithMaxGoroutines(r.cfg.PoolSize)
	all := make(chan struct{})
	go func() {
		defer close(all)
		for _, t := range ordered {
			st := states[t.Name]
			p.Go(func() {
				defer close(st.done)
				r.runTask(runCtx, runID, st, states, &mu, finish)
			})
		}
		p.Wait()
	}()

	select {
	case <-all:
	case <-runCtx.Done():
		logger.Warn("Run deadline reached with tasks outstanding", zap.Error(runCtx.Err()))
	}

	mu.Lock()
	sealed = true
	for _, t := range ordered {
		st := states[t.Name]
		if st.status != "" {
			continue
		}
		st.status = StatusTimedOut
		st.result = recovery.Result{
			Error:    fmt.Sprintf("task %s: %v", t.Name, ErrRunDeadline),
			Category: errclass.CategoryTimeout,
			Severity: errclass.SeverityOf(errclass.CategoryTimeout),
		}
		st.took = r.now().Sub(started)
		taskTimeouts.WithLabelValues(t.Name).Inc()
		r.tracker.mark(runID, t.Name, StatusTimedOut, ErrRunDeadline.Error())
	}
	mu.Unlock()

	out := r.collect(runID, started, ordered, states)

	in := assembly.Input{
		Successful: make(map[string]any),
		Recovered:  make(map[string]any),
		Context:    map[string]any{"run_id": runID},
		Fields:     map[string]any{"runId": runID},
	}
	for _, t := range ordered {
		st := states[t.Name]
		section := t.SectionName()
		if st.result.Success {
			in.Successful[section] = st.result.Value
			continue
		}
		in.Failed = append(in.Failed, section)
		if st.result.RecoveryMethod == recovery.MethodLastKnownGood && st.result.Value != nil {
			in.Recovered[section] = st.result.Value
		}
	}

	doc, err := r.assembler.AssembleInput(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assembly failed")
		return out, fmt.Errorf("assemble run %s: %w", runID, err)
	}
	out.Document = doc
	out.Summary.QualityImpact = doc.QualityImpact

	r.finalize(ctx, out, logger)
	if !out.Summary.Success {
		span.SetStatus(codes.Error, "success rate below threshold")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return out, nil
}

func (r *Runner) runTask(ctx context.Context, runID string, st *taskState, states map[string]*taskState, mu *sync.Mutex, finish func(*taskState, recovery.Result, Status, time.Duration)) {
	t := st.task
	start := r.now()

	if len(t.DependsOn) > 0 {
		r.mark(mu, runID, t.Name, StatusWaiting)
	}
	upstream := make(Upstream, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		ds := states[dep]
		select {
		case <-ds.done:
		case <-ctx.Done():
			return
		}
		mu.Lock()
		if ds.result.Success {
			upstream[dep] = ds.result.Value
		}
		mu.Unlock()
	}
	if ctx.Err() != nil {
		return
	}

	r.mark(mu, runID, t.Name, StatusRunning)
	ec := recovery.ErrorContext{
		TaskName:      t.Name,
		Section:       t.SectionName(),
		RunID:         runID,
		OperationName: t.Name,
		MaxAttempts:   t.MaxAttempts,
		ContextData:   t.ContextData,
	}
	res := r.executor.Execute(ctx, ec, func(ctx context.Context) (any, error) {
		return t.Run(ctx, upstream)
	})

	status := StatusSucceeded
	switch {
	case res.Success:
		if r.lastGood != nil {
			r.lastGood.Remember(ctx, t.Name, res.Value)
		}
	case res.RecoveryMethod == recovery.MethodCircuitBlocked:
		status = StatusBlocked
	default:
		status = StatusFailed
	}
	finish(st, res, status, r.now().Sub(start))
}

func (r *Runner) mark(mu *sync.Mutex, runID, task string, s Status) {
	mu.Lock()
	defer mu.Unlock()
	r.tracker.mark(runID, task, s, "")
}

func (r *Runner) collect(runID string, started time.Time, ordered []Task, states map[string]*taskState) *RunOutput {
	sum := Summary{
		RunID:      runID,
		StartedAt:  started,
		TotalTasks: len(ordered),
		Threshold:  r.cfg.SuccessThreshold,
		Tasks:      make([]TaskOutcome, 0, len(ordered)),
	}
	for _, t := range ordered {
		st := states[t.Name]
		if st.result.Success {
			sum.SuccessfulTasks++
		} else {
			sum.FailedTasks++
		}
		sum.Tasks = append(sum.Tasks, TaskOutcome{
			Task:           t.Name,
			Section:        t.SectionName(),
			Status:         st.status,
			Success:        st.result.Success,
			Attempts:       st.result.AttemptsMade,
			Duration:       st.took,
			RecoveryMethod: st.result.RecoveryMethod,
			Category:       st.result.Category,
			Severity:       st.result.Severity,
			Error:          st.result.Error,
		})
	}
	sum.SuccessRate = successRate(sum.SuccessfulTasks, sum.TotalTasks)
	sum.Success = sum.TotalTasks > 0 && sum.SuccessRate >= sum.Threshold
	return &RunOutput{RunID: runID, Summary: sum}
}

func (r *Runner) finalize(ctx context.Context, out *RunOutput, logger *zap.Logger) {
	out.Summary.FinishedAt = r.now()
	out.Summary.Duration = out.Summary.FinishedAt.Sub(out.Summary.StartedAt)
	if out.Document != nil {
		out.Summary.Emergency = out.Document.Emergency
	}
	if trace, ok := r.tracker.Trace(out.RunID); ok {
		out.Events = trace.Events
	}
	recordRun(out.Summary)

	fields := []zap.Field{
		zap.Int("successful_tasks", out.Summary.SuccessfulTasks),
		zap.Int("failed_tasks", out.Summary.FailedTasks),
		zap.Float64("success_rate", out.Summary.SuccessRate),
		zap.String("quality_impact", string(out.Summary.QualityImpact)),
		zap.Duration("duration", out.Summary.Duration),
	}
	if out.Summary.Success {
		logger.Info("Briefing run completed", fields...)
	} else {
		logger.Warn("Briefing run below success threshold", append(fields, zap.Strings("failed", out.Summary.Failed()))...)
	}

	if r.recorder != nil {
		if err := r.recorder.Record(ctx, out); err != nil {
			logger.Warn("Failed to record run", zap.Error(err))
		}
	}
}

// RunSafe is Run for top-level callers: it always returns a document. When
// the task set is invalid, assembly fails, or anything panics, the output
// carries the emergency document.
func (r *Runner) RunSafe(ctx context.Context, tasks []Task) (out *RunOutput) {
	defer func() {
		if p := recover(); p != nil {
			out = r.emergency(ctx, out, fmt.Errorf("%w: %v", recovery.ErrPanic, p))
		}
	}()

	out, err := r.Run(ctx, tasks)
	if err != nil {
		return r.emergency(ctx, out, err)
	}
	return out
}

func (r *Runner) emergency(ctx context.Context, out *RunOutput, cause error) *RunOutput {
	if out == nil {
		now := r.now()
		id := r.newID()
		out = &RunOutput{RunID: id, Summary: Summary{RunID: id, StartedAt: now, Threshold: r.cfg.SuccessThreshold, Tasks: []TaskOutcome{}}}
	}
	out.Document = r.assembler.Emergency(r.demo, cause.Error(), map[string]any{"runId": out.RunID})
	out.Summary.QualityImpact = out.Document.QualityImpact
	out.Summary.Success = false

	logger := r.logger.With(zap.String("run_id", out.RunID))
	if errors.Is(cause, recovery.ErrPanic) {
		logger.Error("Run panicked, serving emergency document", zap.Error(cause))
	} else {
		logger.Error("Run failed, serving emergency document", zap.Error(cause))
	}
	r.finalize(ctx, out, logger)
	return out
}
