package briefing

import (
	"time"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/fallback"
)

// Task names.
const (
	NewsFetcher          = "NEWS_FETCHER"
	ContentCurator       = "CONTENT_CURATOR"
	SocialImpactAnalyzer = "SOCIAL_IMPACT_ANALYZER"
	StorySelector        = "STORY_SELECTOR"
	EntityExtractor      = "ENTITY_EXTRACTOR"
	ScriptGenerator      = "SCRIPT_GENERATOR"
)

// Section names.
const (
	SectionNewsItems       = "news_items"
	SectionCuratedArticles = "curated_articles"
	SectionSocialImpact    = "social_impact"
	SectionFavoriteStory   = "favorite_story"
	SectionEntities        = "entities"
	SectionScript          = "script"
)

// Agent describes one task of the daily briefing.
type Agent struct {
	Task      string
	Section   string
	Key       string
	DependsOn []string
	Critical  bool
}

// Catalog lists the briefing agents in dependency order.
var Catalog = []Agent{
	{Task: NewsFetcher, Section: SectionNewsItems, Key: "newsItems", Critical: true},
	{Task: ContentCurator, Section: SectionCuratedArticles, Key: "agentOutputs.curatedArticles", DependsOn: []string{NewsFetcher}, Critical: true},
	{Task: SocialImpactAnalyzer, Section: SectionSocialImpact, Key: "agentOutputs.socialImpact", DependsOn: []string{ContentCurator}},
	{Task: StorySelector, Section: SectionFavoriteStory, Key: "agentOutputs.favoriteStory", DependsOn: []string{ContentCurator}},
	{Task: EntityExtractor, Section: SectionEntities, Key: "agentOutputs.entities", DependsOn: []string{ContentCurator}},
	{Task: ScriptGenerator, Section: SectionScript, Key: "audioScript", DependsOn: []string{ContentCurator, StorySelector}, Critical: true},
}

// AgentFor returns the catalog entry of task
func AgentFor(task string) (Agent, bool) {
	for _, a := range Catalog {
		if a.Task == task {
			return a, true
		}
	}
	return Agent{}, false
}

// Sections returns the document layout of the briefing.
func Sections() []assembly.Section {
	out := make([]assembly.Section, 0, len(Catalog))
	for _, a := range Catalog {
		out = append(out, assembly.Section{Name: a.Section, Key: a.Key, Critical: a.Critical})
	}
	return out
}

// RequiredFields lists the top-level keys every briefing document carries.
func RequiredFields() []assembly.RequiredField {
	return []assembly.RequiredField{
		{Key: "runId", Default: func(time.Time) any { return "" }},
		{Key: "date", Default: func(now time.Time) any { return now.Format("2006-01-02") }},
		{Key: "generatedAt", Default: func(now time.Time) any { return now.Format(time.RFC3339) }},
		{Key: "newsItems", Default: func(time.Time) any { return []any{} }},
		{Key: "agentOutputs", Default: func(time.Time) any { return map[string]any{} }},
		{Key: "audioScript", Default: func(time.Time) any { return "" }},
		{Key: "audioUrl", Default: func(time.Time) any { return "" }},
	}
}

// Strategies returns the default fallback strategy of every section.
func Strategies() map[string]fallback.Strategy {
	base := fallback.DefaultStrategy()
	out := make(map[string]fallback.Strategy, len(Catalog))
	for _, a := range Catalog {
		out[a.Section] = base
	}
	return out
}
