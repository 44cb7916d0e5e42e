package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	productions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_fallback_productions_total",
			Help: "Fallback content productions by section and method",
		},
		[]string{"section", "method"},
	)

	methodMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_fallback_method_misses_total",
			Help: "Fallback methods that yielded no content",
		},
		[]string{"section", "method"},
	)
)
