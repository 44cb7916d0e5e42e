package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "briefing_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name", "service"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_circuit_breaker_requests_total",
			Help: "Total number of requests through dependency circuit breakers",
		},
		[]string{"name", "service", "state", "result"},
	)

	circuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_circuit_breaker_failures_total",
			Help: "Total number of failures recorded by circuit breakers",
		},
		[]string{"name", "service"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breakers",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "briefing_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

func observeStateChange(name, service string, from, to State) {
	circuitBreakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
	circuitBreakerState.WithLabelValues(name, service).Set(float64(to))

	if to == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
	} else if from == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(name, service).Set(0)
	}
}

func observeRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		circuitBreakerFailures.WithLabelValues(name, service).Inc()
	}
	circuitBreakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

func observeTaskFailure(task string) {
	circuitBreakerFailures.WithLabelValues(task, taskService).Inc()
}

// Instrument chains metric recording onto the breaker's state-change hook.
// It must be called before the breaker is shared.
func Instrument(cb *CircuitBreaker, service string) *CircuitBreaker {
	original := cb.config.OnStateChange
	cb.config.OnStateChange = func(name string, from, to State) {
		if original != nil {
			original(name, from, to)
		}
		observeStateChange(name, service, from, to)
	}
	return cb
}
