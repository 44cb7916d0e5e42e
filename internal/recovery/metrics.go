package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_task_attempt_failures_total",
			Help: "Failed task attempts by category and severity",
		},
		[]string{"task", "category", "severity"},
	)

	executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_task_executions_total",
			Help: "Recovery-wrapped task executions by outcome",
		},
		[]string{"task", "outcome"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "briefing_task_execution_duration_seconds",
			Help:    "Wall time of recovery-wrapped task executions including retries",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task"},
	)

	recoveryMethodRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_recovery_method_runs_total",
			Help: "Recovery method invocations by result",
		},
		[]string{"method", "result"},
	)
)

func recordOutcome(task, outcome string, seconds float64) {
	executions.WithLabelValues(task, outcome).Inc()
	executionDuration.WithLabelValues(task).Observe(seconds)
}

func recordMethods(outcomes []MethodOutcome) {
	for _, o := range outcomes {
		result := "ok"
		if !o.OK {
			result = "failed"
		}
		recoveryMethodRuns.WithLabelValues(o.Name, result).Inc()
	}
}
