package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskSettings configures the breaker of one task.
type TaskSettings struct {
	Threshold int           `mapstructure:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RegistryConfig holds the default task settings and per-task overrides.
type RegistryConfig struct {
	Default       TaskSettings            `mapstructure:"default"`
	Overrides     map[string]TaskSettings `mapstructure:"overrides"`
	OnStateChange func(task string, from State, to State)
}

// TaskSnapshot is a point-in-time copy of one task's breaker.
type TaskSnapshot struct {
	Task         string    `json:"task"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

type taskState struct {
	failureCount int
	state        State
	openedAt     time.Time
}

// Registry tracks consecutive failures per task name and blocks tasks whose
// circuit is open. Open circuits move to half-open lazily inside IsOpen once
// their timeout has elapsed.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewRegistry creates a task breaker registry
func NewRegistry(cfg RegistryConfig, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Default = normalizeTask(cfg.Default, DefaultTaskSettings())
	o := buildOptions(opts)
	return &Registry{
		cfg:    cfg,
		logger: logger,
		now:    o.now,
		tasks:  make(map[string]*taskState),
	}
}

// Settings returns the effective settings for task
func (r *Registry) Settings(task string) TaskSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings(task)
}

// Configure replaces the thresholds and timeouts. Breaker state is kept; an
// open circuit is judged against the new timeout on its next check.
func (r *Registry) Configure(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.Default = normalizeTask(cfg.Default, DefaultTaskSettings())
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.cfg.OnStateChange
	}
	r.cfg = cfg
}

// settings must be called with r.mu held
func (r *Registry) settings(task string) TaskSettings {
	if s, ok := r.cfg.Overrides[task]; ok {
		return normalizeTask(s, r.cfg.Default)
	}
	return r.cfg.Default
}

// IsOpen reports whether calls for task must be short-circuited.
func (r *Registry) IsOpen(task string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(task)
	if st.state != StateOpen {
		return false
	}
	if r.now().Sub(st.openedAt) > r.settings(task).Timeout {
		r.transition(task, st, StateHalfOpen)
		return false
	}
	return true
}

// RecordFailure counts a failed execution of task.
func (r *Registry) RecordFailure(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(task)
	st.failureCount++
	observeTaskFailure(task)

	switch st.state {
	case StateClosed:
		if st.failureCount >= r.settings(task).Threshold {
			st.openedAt = r.now()
			r.transition(task, st, StateOpen)
		}
	case StateHalfOpen:
		st.openedAt = r.now()
		r.transition(task, st, StateOpen)
	}
}

// RecordSuccess closes the circuit of task and clears its failure count.
func (r *Registry) RecordSuccess(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(task)
	st.failureCount = 0
	st.openedAt = time.Time{}
	r.transition(task, st, StateClosed)
}

// Snapshot returns the current breaker state of task without advancing it.
func (r *Registry) Snapshot(task string) TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.tasks[task]
	if !ok {
		return TaskSnapshot{Task: task, State: StateClosed}
	}
	return TaskSnapshot{Task: task, State: st.state, FailureCount: st.failureCount, OpenedAt: st.openedAt}
}

// Snapshots returns every known task sorted by name.
func (r *Registry) Snapshots() []TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TaskSnapshot, 0, len(r.tasks))
	for name, st := range r.tasks {
		out = append(out, TaskSnapshot{Task: name, State: st.state, FailureCount: st.failureCount, OpenedAt: st.openedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// OpenTasks lists tasks whose circuit is currently open.
func (r *Registry) OpenTasks() []string {
	var open []string
	for _, s := range r.Snapshots() {
		if s.State == StateOpen {
			open = append(open, s.Task)
		}
	}
	return open
}

func (r *Registry) get(task string) *taskState {
	st, ok := r.tasks[task]
	if !ok {
		st = &taskState{state: StateClosed}
		r.tasks[task] = st
	}
	return st
}

// transition must be called with r.mu held
func (r *Registry) transition(task string, st *taskState, to State) {
	if st.state == to {
		return
	}
	from := st.state
	st.state = to

	observeStateChange(task, taskService, from, to)
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(task, from, to)
	}
	r.logger.Info("Task circuit breaker state changed",
		zap.String("task", task),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failure_count", st.failureCount),
	)
}

func normalizeTask(s, def TaskSettings) TaskSettings {
	if s.Threshold <= 0 {
		s.Threshold = def.Threshold
	}
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	return s
}
