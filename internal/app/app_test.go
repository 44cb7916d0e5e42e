package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/briefing/internal/briefing"
	"github.com/Kocoro-lab/briefing/internal/config"
	"github.com/Kocoro-lab/briefing/internal/errclass"
	"github.com/Kocoro-lab/briefing/internal/fallback"
	"github.com/Kocoro-lab/briefing/internal/health"
	"github.com/Kocoro-lab/briefing/internal/httpapi"
	"github.com/Kocoro-lab/briefing/internal/llm"
	"github.com/Kocoro-lab/briefing/internal/publish"
	"github.com/Kocoro-lab/briefing/internal/recovery"
)

type scriptedLLM struct{}

func (scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	switch {
	case strings.Contains(req.Prompt, `"selected"`):
		return `{"selected":[{"index":1,"rationale":"big","score":0.9},{"index":2,"rationale":"local","score":0.7}]}`, nil
	case strings.Contains(req.Prompt, `"themes"`):
		return `{"summary":"Prices and transit affect commuters.","themes":["cost of living"]}`, nil
	case strings.Contains(req.Prompt, `"reason"`):
		return `{"index":2,"reason":"close to home"}`, nil
	case strings.Contains(req.Prompt, `"entities"`):
		return "", errors.New("403 forbidden: access denied")
	default:
		return "Good morning. Here is the news.", nil
	}
}

// curatorDownLLM rejects curation so every dependent loses its input
type curatorDownLLM struct{ scriptedLLM }

func (c curatorDownLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	if strings.Contains(req.Prompt, `"selected"`) {
		return "", errors.New("403 forbidden: access denied")
	}
	return c.scriptedLLM.Complete(ctx, req)
}

// resettableLLM counts connection pool resets
type resettableLLM struct {
	scriptedLLM
	resets int32
}

func (r *resettableLLM) ResetConnections() { atomic.AddInt32(&r.resets, 1) }

type fixedNews []briefing.NewsItem

func (f fixedNews) Fetch(context.Context) ([]briefing.NewsItem, error) { return f, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Retry.Default.BaseDelay = time.Millisecond
	cfg.Retry.Default.MaxDelay = 2 * time.Millisecond
	return cfg
}

func news() fixedNews {
	now := time.Now()
	return fixedNews{
		{ID: "a", Title: "Central bank holds rates", PublishedAt: now},
		{ID: "b", Title: "City opens new tram line", PublishedAt: now.Add(-time.Hour)},
	}
}

func TestBuildAndRunOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunStore.Enabled = true
	cfg.RunStore.DB.Driver = "sqlite3"
	cfg.RunStore.DB.DSN = "file:" + filepath.Join(t.TempDir(), "runs.db")
	cfg.RunStore.DB.Workers = 0

	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithLLM(scriptedLLM{}), WithNewsSource(news()))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.LatestDocument(context.Background())
	assert.ErrorIs(t, err, httpapi.ErrNoBriefing)
	assert.Nil(t, a.LastSummary())

	out := a.RunOnce(context.Background())
	require.NotNil(t, out.Document)
	assert.True(t, out.Summary.Success)
	assert.Equal(t, 6, out.Summary.TotalTasks)
	assert.Equal(t, 5, out.Summary.SuccessfulTasks)
	assert.Equal(t, []string{briefing.EntityExtractor}, out.Summary.Failed())

	outcome, ok := out.Summary.Outcome(briefing.EntityExtractor)
	require.True(t, ok)
	assert.Equal(t, 1, outcome.Attempts, "permission errors are not retried")

	story, ok := out.Document.Get("agentOutputs.favoriteStory")
	require.True(t, ok)
	assert.Contains(t, mustJSON(t, story), "City opens new tram line")

	body, err := a.LatestDocument(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(body), out.RunID)

	run, tasks, err := a.runStore.LoadRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Len(t, tasks, 6)

	h := a.Health.GetDetailedHealth(context.Background())
	assert.Contains(t, h.Components, "run_store")
	assert.Contains(t, h.Components, "last_run")
	assert.Equal(t, health.StatusHealthy, h.Components["last_run"].Status)
}

func TestBuildWithRedisBackends(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Fallback.Backend = "redis"
	cfg.Fallback.Redis.Addr = s.Addr()
	cfg.Publish.Redis = publish.RedisConfig{Enabled: true, Addr: s.Addr(), TTL: time.Hour}

	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithLLM(scriptedLLM{}), WithNewsSource(news()))
	require.NoError(t, err)
	defer a.Close()
	assert.Contains(t, a.Health.Names(), "fallback_cache")
	assert.Equal(t, 1, a.Publisher.Len())

	out := a.RunOnce(context.Background())
	stored, err := s.Get(publish.LatestKey)
	require.NoError(t, err)
	assert.Contains(t, stored, out.RunID)

	// a fresh process serves the published copy
	a.mu.Lock()
	a.body = nil
	a.mu.Unlock()
	body, err := a.LatestDocument(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(body), out.RunID)
}

func TestBuildFallsBackToMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fallback.Backend = "redis"
	cfg.Fallback.Redis.Addr = "127.0.0.1:1"

	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithLLM(scriptedLLM{}), WithNewsSource(news()))
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.redis)
	assert.NotContains(t, a.Health.Names(), "fallback_cache")
}

func TestFailedCuratorDoesNotChargeDependents(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t), WithLLM(curatorDownLLM{}), WithNewsSource(news()))
	require.NoError(t, err)
	defer a.Close()

	out := a.RunOnce(context.Background())
	assert.Contains(t, out.Summary.Failed(), briefing.ContentCurator)
	assert.Contains(t, out.Summary.Failed(), briefing.ScriptGenerator)

	script, ok := out.Summary.Outcome(briefing.ScriptGenerator)
	require.True(t, ok)
	assert.Equal(t, 1, script.Attempts)
	assert.Equal(t, 0, a.Breakers.Snapshot(briefing.ScriptGenerator).FailureCount)
	assert.Equal(t, 1, a.Breakers.Snapshot(briefing.ContentCurator).FailureCount)

	_, ok = out.Document.Get("audioScript")
	assert.True(t, ok)
}

func TestReconfigureAppliesToNextRun(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithLLM(scriptedLLM{}), WithNewsSource(news()))
	require.NoError(t, err)
	defer a.Close()

	before := a.Runner()
	first := a.RunOnce(context.Background())
	require.True(t, first.Summary.Success)

	updated := *cfg
	updated.Orchestrator.PoolSize = 1
	updated.Orchestrator.SuccessThreshold = 1
	updated.CircuitBreaker.Default.Threshold = 1
	updated.Retry.Default.MaxAttempts = 1
	a.Reconfigure(&updated)

	assert.NotSame(t, before, a.Runner())
	assert.Equal(t, 1, a.Runner().Config().PoolSize)
	assert.Equal(t, 1.0, a.Runner().Config().SuccessThreshold)
	assert.Equal(t, 1, a.Breakers.Settings(briefing.ScriptGenerator).Threshold)
	assert.Equal(t, 1, a.policies.For(briefing.ScriptGenerator).MaxAttempts)

	second := a.RunOnce(context.Background())
	assert.False(t, second.Summary.Success, "5 of 6 is below the new threshold")
	assert.True(t, a.Breakers.IsOpen(briefing.EntityExtractor))

	assert.Equal(t, second.RunID, a.LastSummary().RunID)
	_, ok := a.tracker.Trace(first.RunID)
	assert.True(t, ok)
	_, ok = a.tracker.Trace(second.RunID)
	assert.True(t, ok)
}

func TestRecoveryMethodsReachBackends(t *testing.T) {
	llmStub := &resettableLLM{}
	a, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t), WithLLM(llmStub), WithNewsSource(news()))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	key := fallback.SectionKey("entities")
	require.NoError(t, a.store.Put(ctx, key, &fallback.Entry{Section: "entities", Content: []string{"x"}, QualityScore: 1}, time.Hour))

	methods := a.Executor().Methods()
	ec := recovery.ErrorContext{TaskName: briefing.EntityExtractor, Section: "entities"}

	outs := methods.Run(ctx, ec, errclass.CategoryUnknown, recovery.NewHints())
	require.Len(t, outs, 1)
	assert.True(t, outs[0].OK, outs[0].Error)
	_, ok := a.store.Get(ctx, key)
	assert.False(t, ok)

	outs = methods.Run(ctx, ec, errclass.CategoryNetwork, recovery.NewHints())
	require.Len(t, outs, 1)
	assert.True(t, outs[0].OK, outs[0].Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&llmStub.resets))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
