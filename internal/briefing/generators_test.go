package briefing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/fallback"
)

func TestGeneratorsNeedContext(t *testing.T) {
	for section, gen := range Generators() {
		_, _, err := gen(context.Background(), section, map[string]any{})
		assert.ErrorIs(t, err, fallback.ErrInsufficientContext, section)
	}
}

func TestGeneratedCurationPicksNewest(t *testing.T) {
	reversed := []NewsItem{testItems[2], testItems[0], testItems[1]}
	v, q, err := generateCurated(context.Background(), SectionCuratedArticles, map[string]any{SectionNewsItems: reversed})
	require.NoError(t, err)
	assert.Equal(t, curatedQuality, q)
	articles := v.([]Article)
	require.Len(t, articles, 3)
	assert.Equal(t, "Harbor Bridge reopens after repairs", articles[0].Title)
}

func TestGeneratedScriptUsesRawNewsWhenCurationFailed(t *testing.T) {
	v, _, err := generateScript(context.Background(), SectionScript, map[string]any{
		SectionNewsItems:     []NewsItem(testItems),
		SectionFavoriteStory: Story{Title: "Orchestra announces free concerts"},
	})
	require.NoError(t, err)
	script := v.(string)
	assert.Contains(t, script, "Story 1: Harbor Bridge reopens after repairs")
	assert.Contains(t, script, "Our pick of the day: Orchestra announces free concerts")
}

func TestGeneratedEntitiesAndImpact(t *testing.T) {
	siblings := map[string]any{SectionCuratedArticles: []Article{
		{NewsItem: NewsItem{Title: "Harbor Bridge reopens"}},
		{NewsItem: NewsItem{Title: "Harbor festival returns"}},
	}}

	v, _, err := generateEntities(context.Background(), SectionEntities, siblings)
	require.NoError(t, err)
	entities := v.([]Entity)
	require.NotEmpty(t, entities)
	assert.Equal(t, Entity{Name: "Harbor", Type: "unknown", Mentions: 2}, entities[0])

	v, _, err = generateImpact(context.Background(), SectionSocialImpact, siblings)
	require.NoError(t, err)
	impact := v.(SocialImpact)
	assert.Equal(t, "harbor", impact.Themes[0])
}

func TestCatalogCoversDocument(t *testing.T) {
	demo := DemoContent()
	strategies := Strategies()
	gens := Generators()
	for _, ag := range Catalog {
		found, ok := AgentFor(ag.Task)
		require.True(t, ok, ag.Task)
		assert.Equal(t, ag.Section, found.Section)
	}
	_, ok := AgentFor("UNKNOWN")
	assert.False(t, ok)
	for _, s := range Sections() {
		assert.Contains(t, demo, s.Name)
		assert.Contains(t, strategies, s.Name)
		assert.Contains(t, gens, s.Name)
	}

	// the whole demo set must assemble into one document without key clashes
	cascade := fallback.NewCascade(strategies, nil, nil, fallback.WithDemoContent(demo))
	a := assembly.NewAssembler(Sections(), RequiredFields(), cascade, nil)
	doc := a.Emergency(cascade, "test", map[string]any{"runId": "r"})
	for _, f := range RequiredFields() {
		_, ok := doc.Map()[f.Key]
		assert.True(t, ok, f.Key)
	}
	assert.Empty(t, doc.Metadata.MissingSections)
}
