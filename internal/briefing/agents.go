package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/llm"
	"github.com/Kocoro-lab/briefing/internal/metrics"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
	"github.com/Kocoro-lab/briefing/internal/recovery"
)

var (
	// ErrNoNews is returned when the news source yields nothing.
	ErrNoNews = errors.New("news source returned no items")
	// ErrMissingInput is returned when a required upstream output is absent.
	ErrMissingInput = fmt.Errorf("missing required %w", recovery.ErrUpstreamUnavailable)
)

const (
	defaultMaxItems = 10
	simpleSystem    = "Answer with the requested JSON only."
)

// Agents builds the briefing tasks over an LLM and a news source.
type Agents struct {
	llm    llm.Client
	news   NewsSource
	logger *zap.Logger
}

// NewAgents creates the agent set
func NewAgents(client llm.Client, news NewsSource, logger *zap.Logger) *Agents {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agents{llm: client, news: news, logger: logger}
}

// Tasks returns the six briefing tasks wired to their dependencies.
func (a *Agents) Tasks() []orchestrator.Task {
	runs := map[string]func(context.Context, orchestrator.Upstream) (any, error){
		NewsFetcher:          a.fetchNews,
		ContentCurator:       a.curate,
		SocialImpactAnalyzer: a.analyzeImpact,
		StorySelector:        a.selectStory,
		EntityExtractor:      a.extractEntities,
		ScriptGenerator:      a.writeScript,
	}
	tasks := make([]orchestrator.Task, 0, len(Catalog))
	for _, ag := range Catalog {
		tasks = append(tasks, orchestrator.Task{
			Name:        ag.Task,
			Section:     ag.Section,
			DependsOn:   ag.DependsOn,
			ContextData: map[string]any{recovery.HintMaxItems: defaultMaxItems},
			Run:         runs[ag.Task],
		})
	}
	return tasks
}

func (a *Agents) fetchNews(ctx context.Context, _ orchestrator.Upstream) (any, error) {
	items, err := a.news.Fetch(ctx)
	metrics.RecordNewsFetch(len(items), err)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoNews
	}
	if n := recovery.HintsFrom(ctx).Int(recovery.HintMaxItems, 0); n > 0 && n < len(items) {
		items = items[:n]
	}
	return items, nil
}

func (a *Agents) curate(ctx context.Context, up orchestrator.Upstream) (any, error) {
	items, err := input[[]NewsItem](up, NewsFetcher)
	if err != nil {
		return nil, err
	}
	limit := recovery.HintsFrom(ctx).Int(recovery.HintMaxItems, defaultMaxItems)
	if limit < len(items) {
		items = items[:limit]
	}

	var reply struct {
		Selected []struct {
			Index     int     `json:"index"`
			Rationale string  `json:"rationale"`
			Score     float64 `json:"score"`
		} `json:"selected"`
	}
	prompt := "Pick the stories worth a morning listener's time. " +
		`Reply as {"selected":[{"index":1,"rationale":"...","score":0.9}]}.` + "\n\n" + headlines(items)
	if err := a.completeJSON(ctx, "You are a news editor curating a daily audio briefing.", prompt, &reply); err != nil {
		return nil, err
	}

	out := make([]Article, 0, len(reply.Selected))
	for _, s := range reply.Selected {
		if s.Index < 1 || s.Index > len(items) {
			continue
		}
		out = append(out, Article{NewsItem: items[s.Index-1], Rationale: s.Rationale, Score: s.Score})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("curator reply: invalid selection, no usable story index")
	}
	return out, nil
}

func (a *Agents) analyzeImpact(ctx context.Context, up orchestrator.Upstream) (any, error) {
	articles, err := input[[]Article](up, ContentCurator)
	if err != nil {
		return nil, err
	}
	var impact SocialImpact
	prompt := "Describe how these stories affect ordinary people in two sentences and list short themes. " +
		`Reply as {"summary":"...","themes":["..."]}.` + "\n\n" + headlines(itemsOf(articles))
	if err := a.completeJSON(ctx, "You analyze the social impact of news.", prompt, &impact); err != nil {
		return nil, err
	}
	if strings.TrimSpace(impact.Summary) == "" {
		return nil, fmt.Errorf("impact reply: missing required field summary")
	}
	return impact, nil
}

func (a *Agents) selectStory(ctx context.Context, up orchestrator.Upstream) (any, error) {
	articles, err := input[[]Article](up, ContentCurator)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Index  int    `json:"index"`
		Reason string `json:"reason"`
	}
	prompt := "Pick the single most engaging story for the feature slot. " +
		`Reply as {"index":1,"reason":"..."}.` + "\n\n" + headlines(itemsOf(articles))
	if err := a.completeJSON(ctx, "You are the host choosing today's feature story.", prompt, &reply); err != nil {
		return nil, err
	}
	if reply.Index < 1 || reply.Index > len(articles) {
		return nil, fmt.Errorf("story reply: invalid index %d", reply.Index)
	}
	picked := articles[reply.Index-1]
	return Story{Title: picked.Title, URL: picked.URL, Reason: reply.Reason}, nil
}

func (a *Agents) extractEntities(ctx context.Context, up orchestrator.Upstream) (any, error) {
	articles, err := input[[]Article](up, ContentCurator)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Entities []Entity `json:"entities"`
	}
	prompt := "List the people, organizations and places named in these stories. " +
		`Reply as {"entities":[{"name":"...","type":"person|organization|place","mentions":1}]}.` + "\n\n" + headlines(itemsOf(articles))
	if err := a.completeJSON(ctx, "You extract named entities from news.", prompt, &reply); err != nil {
		return nil, err
	}
	return reply.Entities, nil
}

func (a *Agents) writeScript(ctx context.Context, up orchestrator.Upstream) (any, error) {
	articles, err := input[[]Article](up, ContentCurator)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("Write a friendly spoken script of about two minutes covering these stories.\n\n")
	b.WriteString(headlines(itemsOf(articles)))
	if story, err := input[Story](up, StorySelector); err == nil {
		fmt.Fprintf(&b, "\nSpend extra time on the feature story: %s (%s)\n", story.Title, story.Reason)
	}

	req := requestFor(ctx, "You write scripts for a morning news podcast.", b.String())
	text, err := a.llm.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(text), nil
}

func (a *Agents) completeJSON(ctx context.Context, system, prompt string, out any) error {
	text, err := a.llm.Complete(ctx, requestFor(ctx, system, prompt))
	if err != nil {
		return err
	}
	body := extractJSON(text)
	if err := json.Unmarshal([]byte(body), out); err != nil {
		a.logger.Debug("Unparseable model reply", zap.String("reply", truncate(text, replyPreview)))
		return fmt.Errorf("parse model reply: %w", err)
	}
	return nil
}

// requestFor applies the recovery hints of the current attempt.
func requestFor(ctx context.Context, system, prompt string) llm.Request {
	hints := recovery.HintsFrom(ctx)
	req := llm.Request{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   hints.Int(recovery.HintMaxTokens, 0),
		UseFallback: hints.String(recovery.HintModel) == recovery.ModelFallback,
	}
	if hints.Bool(recovery.HintSimplePrompt) {
		req.System = simpleSystem
	}
	return req
}

func input[T any](up orchestrator.Upstream, task string) (T, error) {
	v, ok := up.Get(task)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w from %s", ErrMissingInput, task)
	}
	return convert[T](v)
}

// extractJSON trims prose and code fences around the first JSON value.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	end := strings.LastIndexAny(text, "}]")
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

func headlines(items []NewsItem) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s", i+1, it.Title)
		if it.Summary != "" {
			fmt.Fprintf(&b, " - %s", truncate(it.Summary, summaryLimit))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func itemsOf(articles []Article) []NewsItem {
	out := make([]NewsItem, len(articles))
	for i, a := range articles {
		out[i] = a.NewsItem
	}
	return out
}
