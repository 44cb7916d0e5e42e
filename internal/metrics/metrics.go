package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_llm_requests_total",
			Help: "Total number of chat completion requests",
		},
		[]string{"model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "briefing_llm_latency_seconds",
			Help:    "Chat completion latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"model"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_llm_tokens_total",
			Help: "Tokens consumed by chat completions",
		},
		[]string{"model", "kind"},
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_llm_cost_usd_total",
			Help: "Estimated chat completion spend in USD",
		},
		[]string{"model"},
	)

	// News source metrics
	NewsItemsFetched = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "briefing_news_items_fetched",
			Help:    "Number of news items returned per fetch",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	NewsFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "briefing_news_fetch_errors_total",
			Help: "Total number of failed news fetches",
		},
	)

	// Scheduler metrics
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_scheduled_runs_total",
			Help: "Total number of runs started by the scheduler",
		},
		[]string{"trigger"},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefing_config_reloads_total",
			Help: "Configuration reload attempts",
		},
		[]string{"status"},
	)
)

// RecordLLMMetrics records a completed chat completion call.
func RecordLLMMetrics(model, status string, durationSeconds float64, promptTokens, completionTokens int64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	LLMLatency.WithLabelValues(model).Observe(durationSeconds)
	if promptTokens > 0 {
		LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordNewsFetch records one news source fetch.
func RecordNewsFetch(items int, err error) {
	if err != nil {
		NewsFetchErrors.Inc()
		return
	}
	NewsItemsFetched.Observe(float64(items))
}
