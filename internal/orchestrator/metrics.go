package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_runs_total",
			Help: "Total number of orchestration runs",
		},
		[]string{"outcome"}, // success, degraded, emergency
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "briefing_run_duration_seconds",
			Help:    "Duration of orchestration runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	runSuccessRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "briefing_run_success_rate",
			Help: "Success rate of the most recent run",
		},
	)

	taskTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_task_deadline_exceeded_total",
			Help: "Tasks still outstanding when the run deadline passed",
		},
		[]string{"task"},
	)
)

func recordRun(s Summary) {
	outcome := "success"
	switch {
	case s.Emergency:
		outcome = "emergency"
	case !s.Success:
		outcome = "degraded"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(s.Duration.Seconds())
	runSuccessRate.Set(s.SuccessRate)
}
