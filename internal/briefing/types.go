package briefing

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewsItem is one fetched headline.
type NewsItem struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Summary     string    `json:"summary" yaml:"summary"`
	URL         string    `json:"url" yaml:"url"`
	Source      string    `json:"source" yaml:"source"`
	Category    string    `json:"category,omitempty" yaml:"category"`
	PublishedAt time.Time `json:"publishedAt" yaml:"published_at"`
}

// Article is a curated news item with a short rationale.
type Article struct {
	NewsItem
	Rationale string  `json:"rationale,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// SocialImpact is the analysis of how the day's stories affect people.
type SocialImpact struct {
	Summary string   `json:"summary"`
	Themes  []string `json:"themes"`
}

// Story is the story picked for the feature slot.
type Story struct {
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason"`
}

// Entity is a named person, organization or place.
type Entity struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Mentions int    `json:"mentions"`
}

// convert re-decodes v into out. Values coming back from a cache are plain
// maps, values from this run are typed.
func convert[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode into %T: %w", out, err)
	}
	return out, nil
}
