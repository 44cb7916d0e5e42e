package orchestrator

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a task within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusTimedOut  Status = "timed_out"
)

// Event is one status transition of a task.
type Event struct {
	Task   string    `json:"task"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Trace is the event history of one run.
type Trace struct {
	RunID  string            `json:"run_id"`
	Status map[string]Status `json:"status"`
	Events []Event           `json:"events"`
}

// Tracker keeps per-run task status for the runs of one Runner.
type Tracker struct {
	mu      sync.RWMutex
	now     func() time.Time
	runs    map[string]*Trace
	order   []string
	maxRuns int
}

// NewTracker creates a tracker retaining the last maxRuns runs
func NewTracker(maxRuns int) *Tracker {
	if maxRuns <= 0 {
		maxRuns = 50
	}
	return &Tracker{now: time.Now, runs: make(map[string]*Trace), maxRuns: maxRuns}
}

func (t *Tracker) begin(runID string, tasks []Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr := &Trace{RunID: runID, Status: make(map[string]Status, len(tasks))}
	now := t.now()
	for _, task := range tasks {
		tr.Status[task.Name] = StatusPending
		tr.Events = append(tr.Events, Event{Task: task.Name, Status: StatusPending, At: now})
	}
	t.runs[runID] = tr
	t.order = append(t.order, runID)
	for len(t.order) > t.maxRuns {
		delete(t.runs, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *Tracker) mark(runID, task string, s Status, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.runs[runID]
	if !ok {
		return
	}
	tr.Status[task] = s
	tr.Events = append(tr.Events, Event{Task: task, Status: s, At: t.now(), Detail: detail})
}

// Trace returns a copy of the trace of runID
func (t *Tracker) Trace(runID string) (Trace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tr, ok := t.runs[runID]
	if !ok {
		return Trace{}, false
	}
	out := Trace{RunID: tr.RunID, Status: make(map[string]Status, len(tr.Status)), Events: append([]Event(nil), tr.Events...)}
	for k, v := range tr.Status {
		out.Status[k] = v
	}
	return out, true
}
