package fallback

import "time"

// Fallback method names.
const (
	MethodCached    = "cached"
	MethodGenerated = "generated"
	MethodDemo      = "demo"
	MethodError     = "error"
)

// Quality scores assigned to produced content.
const (
	DemoQuality    = 0.5
	GenericQuality = 0.3
)

// Strategy configures how one content section is rebuilt when its agent fails.
type Strategy struct {
	PriorityOrder   []string      `mapstructure:"priority_order" json:"priority_order"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	MinQualityScore float64       `mapstructure:"min_quality_score" json:"min_quality_score"`
	UseDemoContent  bool          `mapstructure:"use_demo_content" json:"use_demo_content"`
}

// DefaultStrategy returns cached → generated → demo with a one hour cache.
func DefaultStrategy() Strategy {
	return Strategy{
		PriorityOrder:   []string{MethodCached, MethodGenerated, MethodDemo},
		CacheTTL:        time.Hour,
		MinQualityScore: 0.3,
		UseDemoContent:  true,
	}
}

// Entry is a cached fallback production.
type Entry struct {
	Section        string    `json:"section_name"`
	Content        any       `json:"content"`
	QualityScore   float64   `json:"quality_score"`
	CachedAt       time.Time `json:"cached_at"`
	FallbackMethod string    `json:"fallback_method"`
}

// Content is the result of Cascade.Produce. A nil Content field marks an
// error fallback: no content is available for the section.
type Content struct {
	Section        string    `json:"section"`
	Content        any       `json:"content"`
	QualityScore   float64   `json:"quality_score"`
	Source         string    `json:"source"`
	FallbackMethod string    `json:"fallback_method"`
	ProducedAt     time.Time `json:"produced_at"`
	Reason         string    `json:"reason,omitempty"`
}

// Available reports whether c carries usable content.
func (c *Content) Available() bool {
	return c != nil && !isEmpty(c.Content)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case []map[string]any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}
