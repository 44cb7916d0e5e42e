package briefing

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// NewsSource supplies the raw headlines of the day.
type NewsSource interface {
	Fetch(ctx context.Context) ([]NewsItem, error)
}

// FileSource reads news items from a YAML file on every fetch.
type FileSource struct {
	Path string
}

type newsFile struct {
	Items []NewsItem `yaml:"items"`
}

// Fetch reads and returns the items, newest first.
func (s FileSource) Fetch(ctx context.Context) ([]NewsItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read news file: %w", err)
	}
	var f newsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse news file %s: %w", s.Path, err)
	}
	for i := range f.Items {
		if f.Items[i].ID == "" {
			f.Items[i].ID = fmt.Sprintf("item-%d", i+1)
		}
	}
	sort.SliceStable(f.Items, func(i, j int) bool {
		return f.Items[i].PublishedAt.After(f.Items[j].PublishedAt)
	})
	return f.Items, nil
}
