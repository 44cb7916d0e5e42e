package briefing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/briefing/internal/fallback"
)

// Quality of generated substitutes.
const (
	curatedQuality = 0.6
	derivedQuality = 0.4
	generatorLimit = 5
)

// Generators returns the fallback generators keyed by section. Each one
// derives a substitute from sibling sections that did succeed.
func Generators() map[string]fallback.Generator {
	return map[string]fallback.Generator{
		SectionNewsItems:       generateNews,
		SectionCuratedArticles: generateCurated,
		SectionFavoriteStory:   generateStory,
		SectionSocialImpact:    generateImpact,
		SectionEntities:        generateEntities,
		SectionScript:          generateScript,
	}
}

// GeneratorOptions returns the cascade options installing Generators.
func GeneratorOptions() []fallback.Option {
	gens := Generators()
	opts := make([]fallback.Option, 0, len(gens))
	for section, g := range gens {
		opts = append(opts, fallback.WithGenerator(section, g))
	}
	return opts
}

func generateNews(context.Context, string, map[string]any) (any, float64, error) {
	return nil, 0, fallback.ErrInsufficientContext
}

func generateCurated(_ context.Context, _ string, siblings map[string]any) (any, float64, error) {
	items, ok := sibling[[]NewsItem](siblings, SectionNewsItems)
	if !ok || len(items) == 0 {
		return nil, 0, fallback.ErrInsufficientContext
	}
	sorted := append([]NewsItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PublishedAt.After(sorted[j].PublishedAt) })
	top := lo.Slice(sorted, 0, generatorLimit)
	return lo.Map(top, func(it NewsItem, _ int) Article {
		return Article{NewsItem: it, Rationale: "Most recent headline"}
	}), curatedQuality, nil
}

func generateStory(_ context.Context, _ string, siblings map[string]any) (any, float64, error) {
	articles, ok := curated(siblings)
	if !ok {
		return nil, 0, fallback.ErrInsufficientContext
	}
	first := articles[0]
	return Story{Title: first.Title, URL: first.URL, Reason: "Top curated story"}, derivedQuality, nil
}

func generateImpact(_ context.Context, _ string, siblings map[string]any) (any, float64, error) {
	articles, ok := curated(siblings)
	if !ok {
		return nil, 0, fallback.ErrInsufficientContext
	}
	themes := topWords(articles, 4, 5)
	return SocialImpact{
		Summary: fmt.Sprintf("Today's %d stories touch on %s.", len(articles), strings.Join(themes, ", ")),
		Themes:  themes,
	}, derivedQuality, nil
}

func generateEntities(_ context.Context, _ string, siblings map[string]any) (any, float64, error) {
	articles, ok := curated(siblings)
	if !ok {
		return nil, 0, fallback.ErrInsufficientContext
	}
	counts := make(map[string]int)
	for _, a := range articles {
		for _, w := range strings.Fields(a.Title) {
			w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
			if len(w) > 2 && unicode.IsUpper([]rune(w)[0]) {
				counts[w]++
			}
		}
	}
	if len(counts) == 0 {
		return nil, 0, fallback.ErrInsufficientContext
	}
	entities := lo.MapToSlice(counts, func(name string, n int) Entity {
		return Entity{Name: name, Type: "unknown", Mentions: n}
	})
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Mentions != entities[j].Mentions {
			return entities[i].Mentions > entities[j].Mentions
		}
		return entities[i].Name < entities[j].Name
	})
	return lo.Slice(entities, 0, 10), derivedQuality, nil
}

func generateScript(_ context.Context, _ string, siblings map[string]any) (any, float64, error) {
	articles, ok := curated(siblings)
	if !ok {
		return nil, 0, fallback.ErrInsufficientContext
	}
	var b strings.Builder
	b.WriteString("Good morning, here are today's headlines. ")
	for i, a := range lo.Slice(articles, 0, generatorLimit) {
		fmt.Fprintf(&b, "Story %d: %s. ", i+1, strings.TrimSuffix(a.Title, "."))
	}
	if story, ok := sibling[Story](siblings, SectionFavoriteStory); ok && story.Title != "" {
		fmt.Fprintf(&b, "Our pick of the day: %s. ", strings.TrimSuffix(story.Title, "."))
	}
	b.WriteString("That's the briefing for now.")
	return b.String(), derivedQuality, nil
}

// curated returns curated articles, or the newest raw items when curation
// itself is missing.
func curated(siblings map[string]any) ([]Article, bool) {
	if a, ok := sibling[[]Article](siblings, SectionCuratedArticles); ok && len(a) > 0 {
		return a, true
	}
	v, _, err := generateCurated(context.Background(), SectionCuratedArticles, siblings)
	if err != nil {
		return nil, false
	}
	return v.([]Article), true
}

func sibling[T any](siblings map[string]any, section string) (T, bool) {
	v, ok := siblings[section]
	if !ok || v == nil {
		var zero T
		return zero, false
	}
	out, err := convert[T](v)
	return out, err == nil
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "that": true,
	"this": true, "into": true, "over": true, "after": true, "will": true, "more": true,
}

func topWords(articles []Article, minLen, n int) []string {
	counts := make(map[string]int)
	for _, a := range articles {
		for _, w := range strings.Fields(strings.ToLower(a.Title)) {
			w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
			if len(w) >= minLen && !stopWords[w] {
				counts[w]++
			}
		}
	}
	words := lo.Keys(counts)
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	return lo.Slice(words, 0, n)
}
