package briefing

// DemoContent returns the static content served when nothing better exists.
func DemoContent() map[string]any {
	items := []NewsItem{
		{
			ID:      "demo-1",
			Title:   "City council approves expanded night bus service",
			Summary: "Three new routes will run after midnight starting next month.",
			Source:  "Briefing Demo",
		},
		{
			ID:      "demo-2",
			Title:   "Local library launches free coding workshops",
			Summary: "Weekly sessions for teenagers and adults begin this Saturday.",
			Source:  "Briefing Demo",
		},
		{
			ID:      "demo-3",
			Title:   "Regional farmers report strong autumn harvest",
			Summary: "Mild weather helped apple and grain yields exceed forecasts.",
			Source:  "Briefing Demo",
		},
	}
	curated := make([]Article, 0, len(items))
	for _, it := range items {
		curated = append(curated, Article{NewsItem: it, Rationale: "Sample story"})
	}

	return map[string]any{
		SectionNewsItems:       items,
		SectionCuratedArticles: curated,
		SectionSocialImpact: SocialImpact{
			Summary: "Today's sample stories focus on access to transport, education and local food.",
			Themes:  []string{"transport", "education", "agriculture"},
		},
		SectionFavoriteStory: Story{
			Title:  items[1].Title,
			Reason: "Sample pick while live analysis is unavailable.",
		},
		SectionEntities: []Entity{
			{Name: "City Council", Type: "organization", Mentions: 1},
		},
		SectionScript: "Good morning. Live news is temporarily unavailable, so here is a short sample briefing. " +
			"The city council approved expanded night bus service, the local library is launching free coding workshops, " +
			"and regional farmers report a strong autumn harvest. We will be back with the full briefing shortly.",
	}
}
