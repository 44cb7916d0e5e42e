package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "briefing_publish_total",
		Help: "Briefing documents handed to publishers",
	},
	[]string{"publisher", "outcome"},
)
