package recovery

import (
	"time"

	"github.com/Kocoro-lab/briefing/internal/errclass"
)

// Recovery method names reported in Result.RecoveryMethod.
const (
	MethodCircuitBlocked = "circuit_breaker_blocked"
	MethodRetry          = "retry"
	MethodLastKnownGood  = "last_known_good"
)

// Result is the outcome of one recovery-wrapped task invocation.
type Result struct {
	Success        bool              `json:"success"`
	Value          any               `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	RecoveryMethod string            `json:"recovery_method,omitempty"`
	AttemptsMade   int               `json:"attempts_made"`
	TotalTime      time.Duration     `json:"total_time"`
	Category       errclass.Category `json:"category,omitempty"`
	Severity       errclass.Severity `json:"severity,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// Recovered reports whether a failed result still carries a usable value
// from final recovery.
func (r Result) Recovered() bool {
	return !r.Success && r.Value != nil && r.RecoveryMethod == MethodLastKnownGood
}

// Failure adapts a failed Result to the error interface.
type Failure struct {
	Result Result
}

func (f *Failure) Error() string { return f.Result.Error }
