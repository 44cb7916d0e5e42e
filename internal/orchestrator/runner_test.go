package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/errclass"
	"github.com/Kocoro-lab/briefing/internal/fallback"
	"github.com/Kocoro-lab/briefing/internal/recovery"
	"github.com/Kocoro-lab/briefing/internal/retry"
)

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

var sixTasks = []struct {
	name, section, key string
	deps               []string
	critical           bool
}{
	{"NEWS_FETCHER", "news_items", "newsItems", nil, true},
	{"CONTENT_CURATOR", "curated_articles", "agentOutputs.curatedArticles", []string{"NEWS_FETCHER"}, true},
	{"SOCIAL_IMPACT_ANALYZER", "social_impact", "agentOutputs.socialImpact", []string{"CONTENT_CURATOR"}, false},
	{"STORY_SELECTOR", "favorite_story", "agentOutputs.favoriteStory", []string{"CONTENT_CURATOR"}, false},
	{"ENTITY_EXTRACTOR", "entities", "agentOutputs.entities", []string{"CONTENT_CURATOR"}, false},
	{"SCRIPT_GENERATOR", "script", "audioScript", []string{"CONTENT_CURATOR", "STORY_SELECTOR"}, true},
}

type harness struct {
	runner   *Runner
	breakers *circuitbreaker.Registry
	cascade  *fallback.Cascade
}

func newHarness(t *testing.T, logger *zap.Logger, threshold int, cfg Config) *harness {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.RegistryConfig{
		Default: circuitbreaker.TaskSettings{Threshold: threshold, Timeout: time.Minute},
	}, logger)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Exponent: 2}
	store := fallback.NewMemoryStore(64)
	lastGood := fallback.NewLastKnownGood(store, time.Hour, logger)
	exec := recovery.NewExecutor(breakers, retry.NewPolicies(policy, nil), recovery.NewMethods(nil),
		recovery.Config{AttemptTimeout: time.Second}, logger,
		recovery.WithTimer(func() backoff.Timer { return &instantTimer{c: make(chan time.Time, 1)} }),
		recovery.WithFinalRecovery(lastGood),
	)

	strategies := make(map[string]fallback.Strategy)
	demo := make(map[string]any)
	var sections []assembly.Section
	for _, s := range sixTasks {
		strategies[s.section] = fallback.DefaultStrategy()
		demo[s.section] = "demo " + s.section
		sections = append(sections, assembly.Section{Name: s.section, Key: s.key, Critical: s.critical})
	}
	cascade := fallback.NewCascade(strategies, store, logger, fallback.WithDemoContent(demo))
	required := []assembly.RequiredField{
		{Key: "runId", Default: func(time.Time) any { return "" }},
		{Key: "newsItems", Default: func(time.Time) any { return []any{} }},
		{Key: "agentOutputs", Default: func(time.Time) any { return map[string]any{} }},
		{Key: "audioScript", Default: func(time.Time) any { return "" }},
	}
	asm := assembly.NewAssembler(sections, required, cascade, logger)

	var n int32
	runner := NewRunner(exec, asm, cascade, cfg, logger,
		WithLastKnownGood(lastGood),
		WithIDGenerator(func() string { return "run-" + string(rune('a'+atomic.AddInt32(&n, 1)-1)) }),
	)
	return &harness{runner: runner, breakers: breakers, cascade: cascade}
}

func ok(v any) func(context.Context, Upstream) (any, error) {
	return func(context.Context, Upstream) (any, error) { return v, nil }
}

func failing(msg string, calls *int32) func(context.Context, Upstream) (any, error) {
	return func(context.Context, Upstream) (any, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return nil, errors.New(msg)
	}
}

func TestRunHalfSucceedsIsSuccessful(t *testing.T) {
	h := newHarness(t, nil, 10, DefaultConfig())
	var scriptCalls int32

	out, err := h.runner.Run(context.Background(), []Task{
		{Name: "NEWS_FETCHER", Section: "news_items", Run: ok([]any{"headline"})},
		{Name: "SCRIPT_GENERATOR", Section: "script", Run: failing("connection reset by peer", &scriptCalls)},
	})
	require.NoError(t, err)

	s := out.Summary
	assert.Equal(t, 2, s.TotalTasks)
	assert.Equal(t, 1, s.SuccessfulTasks)
	assert.Equal(t, 1, s.FailedTasks)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.True(t, s.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&scriptCalls))

	script, found := s.Outcome("SCRIPT_GENERATOR")
	require.True(t, found)
	assert.Equal(t, StatusFailed, script.Status)
	assert.Equal(t, 3, script.Attempts)
	assert.Equal(t, errclass.CategoryNetwork, script.Category)

	v, found := out.Document.Get("audioScript")
	require.True(t, found)
	assert.Equal(t, "demo script", v)
	assert.Contains(t, out.Document.Metadata.FallbackSections, "script")
	assert.Equal(t, assembly.ImpactModerate, out.Document.QualityImpact)

	id, _ := out.Document.Get("runId")
	assert.Equal(t, out.RunID, id)
}

func TestRunBelowThresholdStillReturnsDocument(t *testing.T) {
	h := newHarness(t, nil, 10, DefaultConfig())

	out, err := h.runner.Run(context.Background(), []Task{
		{Name: "NEWS_FETCHER", Section: "news_items", Run: ok([]any{"headline"})},
		{Name: "ENTITY_EXTRACTOR", Section: "entities", Run: failing("invalid character 'x'", nil)},
		{Name: "SCRIPT_GENERATOR", Section: "script", Run: failing("access denied", nil)},
	})
	require.NoError(t, err)
	assert.False(t, out.Summary.Success)
	assert.InDelta(t, 1.0/3.0, out.Summary.SuccessRate, 1e-9)
	require.NotNil(t, out.Document)

	// permission errors are not retried
	script, _ := out.Summary.Outcome("SCRIPT_GENERATOR")
	assert.Equal(t, 1, script.Attempts)
}

func TestRunBreakerOpensAfterThreshold(t *testing.T) {
	h := newHarness(t, nil, 3, DefaultConfig())
	var calls int32
	tasks := []Task{{Name: "SCRIPT_GENERATOR", Section: "script", Run: failing("dial tcp: connection refused", &calls)}}

	_, err := h.runner.Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, h.breakers.IsOpen("SCRIPT_GENERATOR"))

	out, err := h.runner.Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "blocked task must not run")

	o, _ := out.Summary.Outcome("SCRIPT_GENERATOR")
	assert.Equal(t, StatusBlocked, o.Status)
	assert.Equal(t, 0, o.Attempts)
	assert.Equal(t, recovery.MethodCircuitBlocked, o.RecoveryMethod)
}

func TestRunAllFailUsesDemoEverywhere(t *testing.T) {
	h := newHarness(t, nil, 100, DefaultConfig())

	var tasks []Task
	for _, s := range sixTasks {
		tasks = append(tasks, Task{Name: s.name, Section: s.section, DependsOn: s.deps, Run: failing("malformed response", nil)})
	}
	out, err := h.runner.Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, 0, out.Summary.SuccessfulTasks)
	assert.False(t, out.Summary.Success)
	assert.Equal(t, assembly.ImpactSignificant, out.Document.QualityImpact)
	for _, s := range sixTasks {
		v, found := out.Document.Get(s.key)
		require.True(t, found, s.key)
		assert.Equal(t, "demo "+s.section, v)
		assert.Equal(t, fallback.MethodDemo, out.Document.Metadata.SectionProvenance[s.section].Method)
	}
}

func TestRunRespectsDependencies(t *testing.T) {
	h := newHarness(t, nil, 10, Config{PoolSize: 2})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string, v any) func(context.Context, Upstream) (any, error) {
		return func(context.Context, Upstream) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return v, nil
		}
	}
	var seen Upstream
	tasks := []Task{
		{Name: "SCRIPT_GENERATOR", Section: "script", DependsOn: []string{"CONTENT_CURATOR", "STORY_SELECTOR"},
			Run: func(_ context.Context, up Upstream) (any, error) {
				seen = up
				return "script", nil
			}},
		{Name: "STORY_SELECTOR", Section: "favorite_story", DependsOn: []string{"CONTENT_CURATOR"}, Run: failing("invalid story", nil)},
		{Name: "CONTENT_CURATOR", Section: "curated_articles", DependsOn: []string{"NEWS_FETCHER"}, Run: record("CONTENT_CURATOR", []any{"curated"})},
		{Name: "NEWS_FETCHER", Section: "news_items", Run: record("NEWS_FETCHER", []any{"raw"})},
	}

	out, err := h.runner.Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"NEWS_FETCHER", "CONTENT_CURATOR"}, order)

	// dependents of a failed task still run with the successful outputs only
	assert.Equal(t, Upstream{"CONTENT_CURATOR": []any{"curated"}}, seen)
	assert.Equal(t, 3, out.Summary.SuccessfulTasks)

	trace, found := h.runner.Tracker().Trace(out.RunID)
	require.True(t, found)
	assert.Equal(t, StatusSucceeded, trace.Status["SCRIPT_GENERATOR"])
	assert.Equal(t, StatusFailed, trace.Status["STORY_SELECTOR"])
}

func TestRunBoundsConcurrency(t *testing.T) {
	h := newHarness(t, nil, 10, Config{PoolSize: 2})

	var inFlight, peak int32
	full := make(chan struct{})
	var fullOnce sync.Once
	busy := func(v any) func(context.Context, Upstream) (any, error) {
		return func(context.Context, Upstream) (any, error) {
			n := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			if n >= 2 {
				fullOnce.Do(func() { close(full) })
			}
			select {
			case <-full:
			case <-time.After(time.Second):
			}
			time.Sleep(5 * time.Millisecond)
			return v, nil
		}
	}

	var tasks []Task
	for _, s := range sixTasks {
		tasks = append(tasks, Task{Name: s.name, Section: s.section, Run: busy("out " + s.name)})
	}
	out, err := h.runner.Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 6, out.Summary.SuccessfulTasks)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestRunDeadlineMarksOutstandingTasks(t *testing.T) {
	h := newHarness(t, zap.NewNop(), 10, Config{OverallDeadline: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	out, err := h.runner.Run(context.Background(), []Task{
		{Name: "NEWS_FETCHER", Section: "news_items", Run: ok([]any{"n"})},
		{Name: "SCRIPT_GENERATOR", Section: "script", Run: func(context.Context, Upstream) (any, error) {
			<-release
			return "late", nil
		}},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	o, _ := out.Summary.Outcome("SCRIPT_GENERATOR")
	assert.False(t, o.Success)
	assert.Equal(t, errclass.CategoryTimeout, o.Category)
	v, _ := out.Document.Get("audioScript")
	assert.Equal(t, "demo script", v)
}

func TestRunRejectsInvalidTaskSets(t *testing.T) {
	h := newHarness(t, nil, 10, DefaultConfig())

	_, err := h.runner.Run(context.Background(), []Task{{Name: "A", DependsOn: []string{"B"}, Run: ok(1)}})
	assert.ErrorIs(t, err, ErrUnknownDependency)

	_, err = h.runner.Run(context.Background(), []Task{
		{Name: "A", DependsOn: []string{"B"}, Run: ok(1)},
		{Name: "B", DependsOn: []string{"A"}, Run: ok(1)},
	})
	assert.ErrorIs(t, err, ErrDependencyCycle)

	_, err = h.runner.Run(context.Background(), []Task{{Name: "A", Run: ok(1)}, {Name: "A", Run: ok(2)}})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRunSafeServesEmergencyDocument(t *testing.T) {
	h := newHarness(t, nil, 10, DefaultConfig())

	out := h.runner.RunSafe(context.Background(), []Task{{Name: "A", DependsOn: []string{"A"}, Run: ok(1)}})
	require.NotNil(t, out)
	require.NotNil(t, out.Document)
	assert.True(t, out.Document.Emergency)
	assert.True(t, out.Summary.Emergency)
	assert.Equal(t, assembly.ImpactSignificant, out.Document.QualityImpact)

	id, _ := out.Document.Get("runId")
	assert.Equal(t, out.RunID, id)
	v, _ := out.Document.Get("agentOutputs.favoriteStory")
	assert.Equal(t, "demo favorite_story", v)
}

func TestRunUsesLastKnownGoodOnLaterFailure(t *testing.T) {
	h := newHarness(t, nil, 100, DefaultConfig())

	_, err := h.runner.Run(context.Background(), []Task{{Name: "STORY_SELECTOR", Section: "favorite_story", Run: ok("yesterday's story")}})
	require.NoError(t, err)

	out, err := h.runner.Run(context.Background(), []Task{{Name: "STORY_SELECTOR", Section: "favorite_story", Run: failing("invalid story", nil)}})
	require.NoError(t, err)

	o, _ := out.Summary.Outcome("STORY_SELECTOR")
	assert.False(t, o.Success)
	assert.Equal(t, recovery.MethodLastKnownGood, o.RecoveryMethod)
	v, _ := out.Document.Get("agentOutputs.favoriteStory")
	assert.Equal(t, "yesterday's story", v)
	assert.Equal(t, recovery.MethodLastKnownGood, out.Document.Metadata.SectionProvenance["favorite_story"].Method)
}

func TestPlanLevels(t *testing.T) {
	var tasks []Task
	for _, s := range sixTasks {
		tasks = append(tasks, Task{Name: s.name, DependsOn: s.deps})
	}
	ordered, levels, err := plan(tasks)
	require.NoError(t, err)
	assert.Equal(t, 4, levels)
	assert.Equal(t, "NEWS_FETCHER", ordered[0].Name)
	assert.Equal(t, "SCRIPT_GENERATOR", ordered[len(ordered)-1].Name)
}

func TestPlanReportsCyclePath(t *testing.T) {
	_, _, err := plan([]Task{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"A", "D"}},
		{Name: "C", DependsOn: []string{"B"}},
		{Name: "D", DependsOn: []string{"C"}},
		{Name: "E", DependsOn: []string{"D"}},
	})
	require.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "B -> C -> D -> B")
	assert.NotContains(t, err.Error(), "E")
}
