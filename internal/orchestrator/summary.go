package orchestrator

import (
	"time"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/errclass"
)

// TaskOutcome is the per-task line of a run summary.
type TaskOutcome struct {
	Task           string            `json:"task"`
	Section        string            `json:"section"`
	Status         Status            `json:"status"`
	Success        bool              `json:"success"`
	Attempts       int               `json:"attempts"`
	Duration       time.Duration     `json:"duration"`
	RecoveryMethod string            `json:"recovery_method,omitempty"`
	Category       errclass.Category `json:"category,omitempty"`
	Severity       errclass.Severity `json:"severity,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Summary describes how a run went.
type Summary struct {
	RunID           string                 `json:"run_id"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	Duration        time.Duration          `json:"duration"`
	TotalTasks      int                    `json:"total_tasks"`
	SuccessfulTasks int                    `json:"successful_tasks"`
	FailedTasks     int                    `json:"failed_tasks"`
	SuccessRate     float64                `json:"success_rate"`
	Threshold       float64                `json:"success_threshold"`
	Success         bool                   `json:"success"`
	QualityImpact   assembly.QualityImpact `json:"quality_impact,omitempty"`
	Emergency       bool                   `json:"emergency,omitempty"`
	Tasks           []TaskOutcome          `json:"tasks"`
}

// Failed returns the names of the tasks that did not succeed
func (s Summary) Failed() []string {
	var out []string
	for _, t := range s.Tasks {
		if !t.Success {
			out = append(out, t.Task)
		}
	}
	return out
}

// Outcome returns the outcome for task
func (s Summary) Outcome(task string) (TaskOutcome, bool) {
	for _, t := range s.Tasks {
		if t.Task == task {
			return t, true
		}
	}
	return TaskOutcome{}, false
}

// RunOutput is what a run hands back to its caller.
type RunOutput struct {
	RunID    string             `json:"run_id"`
	Document *assembly.Document `json:"document"`
	Summary  Summary            `json:"summary"`
	Events   []Event            `json:"events,omitempty"`
}

func successRate(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total)
}
