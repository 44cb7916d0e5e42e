package pricing

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCombinedPer1K is charged for models missing from the table.
const DefaultCombinedPer1K = 0.002

var pricingFallbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "briefing_pricing_fallback_total",
		Help: "Cost estimates that used the default price",
	},
	[]string{"reason"},
)

// ModelPrice is the USD price of one model per thousand tokens.
type ModelPrice struct {
	InputPer1K    float64 `mapstructure:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K   float64 `mapstructure:"output_per_1k" yaml:"output_per_1k"`
	CombinedPer1K float64 `mapstructure:"combined_per_1k" yaml:"combined_per_1k"`
}

// Table prices token usage per model.
type Table struct {
	models       map[string]ModelPrice
	defaultPer1K float64
}

// NewTable creates a table. defaultPer1K <= 0 selects DefaultCombinedPer1K.
func NewTable(models map[string]ModelPrice, defaultPer1K float64) *Table {
	if defaultPer1K <= 0 {
		defaultPer1K = DefaultCombinedPer1K
	}
	m := make(map[string]ModelPrice, len(models))
	for k, v := range models {
		m[k] = v
	}
	return &Table{models: m, defaultPer1K: defaultPer1K}
}

// PricePerToken returns the combined price per token for model.
func (t *Table) PricePerToken(model string) (float64, bool) {
	m, ok := t.models[model]
	if !ok || model == "" {
		return 0, false
	}
	if m.CombinedPer1K > 0 {
		return m.CombinedPer1K / 1000.0, true
	}
	if m.InputPer1K > 0 && m.OutputPer1K > 0 {
		return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
	}
	return 0, false
}

// CostForSplit computes the USD cost of one call from its token split.
// Unknown models are charged the default combined price.
func (t *Table) CostForSplit(model string, inputTokens, outputTokens int64) float64 {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)

	if m, ok := t.models[model]; ok {
		if m.InputPer1K > 0 && m.OutputPer1K > 0 {
			return (float64(inputTokens)/1000.0)*m.InputPer1K + (float64(outputTokens)/1000.0)*m.OutputPer1K
		}
		if m.CombinedPer1K > 0 {
			return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
		}
	}
	if model == "" {
		pricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		pricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return (float64(inputTokens+outputTokens) / 1000.0) * t.defaultPer1K
}

// Validate rejects negative prices.
func Validate(models map[string]ModelPrice) error {
	for name, m := range models {
		if m.InputPer1K < 0 || m.OutputPer1K < 0 || m.CombinedPer1K < 0 {
			return fmt.Errorf("pricing for %s: prices must be non-negative", name)
		}
	}
	return nil
}
