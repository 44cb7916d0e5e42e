// Package app wires the briefing components from configuration.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/briefing"
	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/config"
	"github.com/Kocoro-lab/briefing/internal/db"
	"github.com/Kocoro-lab/briefing/internal/fallback"
	"github.com/Kocoro-lab/briefing/internal/health"
	"github.com/Kocoro-lab/briefing/internal/httpapi"
	"github.com/Kocoro-lab/briefing/internal/llm"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
	"github.com/Kocoro-lab/briefing/internal/publish"
	"github.com/Kocoro-lab/briefing/internal/recovery"
	"github.com/Kocoro-lab/briefing/internal/retry"
)

// App holds one wired briefing pipeline.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Breakers  *circuitbreaker.Registry
	Agents    *briefing.Agents
	Publisher *publish.Multi
	Health    *health.Manager

	store    fallback.Store
	redis    *fallback.RedisStore
	runStore *db.Client
	latestKV *publish.RedisPublisher
	lastGood *fallback.LastKnownGood
	policies *retry.Policies
	tracker  *orchestrator.Tracker
	resetter recovery.ConnectionResetter

	mu   sync.RWMutex
	pipe *pipeline
	last *orchestrator.RunOutput
	body []byte

	closers []func() error
}

// pipeline is the part of the app rebuilt from each configuration snapshot.
type pipeline struct {
	executor *recovery.Executor
	cascade  *fallback.Cascade
	runner   *orchestrator.Runner
}

// Option overrides a component, mostly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	llm  llm.Client
	news briefing.NewsSource
	pubs []publish.Publisher
}

// WithLLM replaces the configured model client.
func WithLLM(c llm.Client) Option { return func(o *buildOptions) { o.llm = c } }

// WithNewsSource replaces the configured news source.
func WithNewsSource(s briefing.NewsSource) Option { return func(o *buildOptions) { o.news = s } }

// WithPublishers adds publishers next to the configured ones.
func WithPublishers(p ...publish.Publisher) Option {
	return func(o *buildOptions) { o.pubs = append(o.pubs, p...) }
}

// Build connects every configured backend. Optional backends that cannot
// be reached are logged and skipped; the run still completes on fallbacks.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, Health: health.NewManager(logger)}

	a.Breakers = circuitbreaker.NewRegistry(cfg.CircuitBreaker, logger)
	a.policies = retry.NewPolicies(cfg.Retry.Default, cfg.Retry.Tasks)
	a.tracker = orchestrator.NewTracker(0)

	a.buildStore(ctx)
	a.lastGood = fallback.NewLastKnownGood(a.store, cfg.Fallback.LastGoodTTL, logger)
	if err := a.buildRunStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	client := o.llm
	if client == nil {
		c, err := llm.NewOpenAIClient(cfg.LLM, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		client = c
	}
	if r, ok := client.(recovery.ConnectionResetter); ok {
		a.resetter = r
	}
	news := o.news
	if news == nil {
		news = briefing.FileSource{Path: cfg.News.Path}
	}
	a.Agents = briefing.NewAgents(client, news, logger)
	a.pipe = a.newPipeline(cfg)

	pubs, err := a.buildPublishers(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Publisher = publish.NewMulti(logger, append(pubs, o.pubs...)...)

	a.registerHealth()
	return a, nil
}

// newPipeline builds the per-run components from cfg. Breaker state, the
// retry policy set, stores and the tracker are shared across pipelines.
func (a *App) newPipeline(cfg *config.Config) *pipeline {
	cascadeOpts := append(briefing.GeneratorOptions(), fallback.WithDemoContent(briefing.DemoContent()))
	cascade := fallback.NewCascade(cfg.Strategies(briefing.Strategies()), a.store, a.logger, cascadeOpts...)

	methods := recovery.NewMethods(cfg.RecoveryPlan(recovery.DefaultPlan()))
	methods.Register(recovery.ClearCache, recovery.ClearCacheWith(cascade))
	if a.resetter != nil {
		methods.Register(recovery.ResetConnection, recovery.ResetConnectionWith(a.resetter))
	}
	executor := recovery.NewExecutor(a.Breakers, a.policies, methods, recovery.Config{
		AttemptTimeout: cfg.Recovery.AttemptTimeout,
		TaskTimeouts:   cfg.Recovery.TaskTimeouts,
	}, a.logger, recovery.WithFinalRecovery(a.lastGood))

	assembler := assembly.NewAssembler(briefing.Sections(), briefing.RequiredFields(), cascade, a.logger)
	runnerOpts := []orchestrator.Option{
		orchestrator.WithLastKnownGood(a.lastGood),
		orchestrator.WithTracker(a.tracker),
	}
	if a.runStore != nil {
		runnerOpts = append(runnerOpts, orchestrator.WithRecorder(a.runStore))
	}
	return &pipeline{
		executor: executor,
		cascade:  cascade,
		runner:   orchestrator.NewRunner(executor, assembler, cascade, cfg.Orchestrator, a.logger, runnerOpts...),
	}
}

// Reconfigure applies cfg to subsequent runs. Runs already in flight finish
// on the settings they started with. Backends (LLM, stores, publishers,
// server) keep the configuration they were built with.
func (a *App) Reconfigure(cfg *config.Config) {
	a.Breakers.Configure(cfg.CircuitBreaker)
	a.policies.Replace(cfg.Retry.Default, cfg.Retry.Tasks)
	p := a.newPipeline(cfg)

	a.mu.Lock()
	a.pipe = p
	a.mu.Unlock()
	a.logger.Info("Briefing pipeline reconfigured",
		zap.Int("pool_size", p.runner.Config().PoolSize),
		zap.Float64("success_threshold", p.runner.Config().SuccessThreshold),
	)
}

// Runner returns the runner used by the next run.
func (a *App) Runner() *orchestrator.Runner {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pipe.runner
}

// Cascade returns the fallback cascade used by the next run.
func (a *App) Cascade() *fallback.Cascade {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pipe.cascade
}

// Executor returns the recovery executor used by the next run.
func (a *App) Executor() *recovery.Executor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pipe.executor
}

func (a *App) buildStore(ctx context.Context) {
	fc := a.cfg.Fallback
	if fc.Backend == "redis" {
		rs, err := fallback.DialRedisStore(ctx, fc.Redis.Addr, fc.Redis.Password, fc.Redis.DB, fc.Redis.Prefix, a.logger)
		if err == nil {
			a.store, a.redis = rs, rs
			a.closers = append(a.closers, rs.Close)
			return
		}
		a.logger.Warn("Fallback cache unreachable, using in-memory store",
			zap.String("addr", fc.Redis.Addr), zap.Error(err))
	}
	a.store = fallback.NewMemoryStore(fc.LRUSize)
}

func (a *App) buildRunStore(ctx context.Context) error {
	if !a.cfg.RunStore.Enabled {
		return nil
	}
	c, err := db.Open(ctx, a.cfg.RunStore.DB, a.logger)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	if err := c.Migrate(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("migrate run store: %w", err)
	}
	a.runStore = c
	a.closers = append(a.closers, c.Close)
	return nil
}

func (a *App) buildPublishers(ctx context.Context) ([]publish.Publisher, error) {
	var pubs []publish.Publisher
	pc := a.cfg.Publish
	if pc.S3.Enabled {
		client, err := publish.NewS3Client(ctx, pc.S3, a.logger)
		if err != nil {
			return nil, fmt.Errorf("s3 publisher: %w", err)
		}
		pubs = append(pubs, publish.NewS3Publisher(client, pc.S3.Bucket, pc.S3.Prefix, a.logger))
	}
	if pc.Redis.Enabled {
		rp, err := publish.DialRedisPublisher(ctx, pc.Redis, a.logger)
		if err != nil {
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		a.latestKV = rp
		a.closers = append(a.closers, rp.Close)
		pubs = append(pubs, rp)
	}
	return pubs, nil
}

func (a *App) registerHealth() {
	checkers := []health.Checker{
		health.NewBreakerHealthChecker(a.Breakers),
		health.NewLastRunHealthChecker(a.LastSummary),
	}
	if a.redis != nil {
		checkers = append(checkers, health.NewRedisHealthChecker(a.redis.Wrapper()))
	}
	if a.runStore != nil {
		checkers = append(checkers, health.NewDatabaseHealthChecker(a.runStore))
	}
	for _, c := range checkers {
		if err := a.Health.RegisterChecker(c); err != nil {
			a.logger.Warn("Health checker not registered", zap.String("checker", c.Name()), zap.Error(err))
		}
	}
}

// RunOnce executes one briefing and publishes its document. The output is
// never nil; publishing failures are logged and do not fail the run.
func (a *App) RunOnce(ctx context.Context) *orchestrator.RunOutput {
	out := a.Runner().RunSafe(ctx, a.Agents.Tasks())

	body, err := json.Marshal(out.Document)
	if err != nil {
		a.logger.Error("Failed to encode briefing document", zap.String("run_id", out.RunID), zap.Error(err))
	}
	a.mu.Lock()
	a.last = out
	if err == nil {
		a.body = body
	}
	a.mu.Unlock()

	if a.Publisher.Len() > 0 {
		if err := a.Publisher.Publish(ctx, out.RunID, out.Document); err != nil {
			a.logger.Warn("Briefing published with errors", zap.String("run_id", out.RunID), zap.Error(err))
		}
	}
	return out
}

// LastSummary returns the summary of the latest run, or nil.
func (a *App) LastSummary() *orchestrator.Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return nil
	}
	s := a.last.Summary
	return &s
}

// LatestDocument returns the newest briefing: this process's last run,
// then the published copy, then the run store.
func (a *App) LatestDocument(ctx context.Context) ([]byte, error) {
	a.mu.RLock()
	body := a.body
	a.mu.RUnlock()
	if body != nil {
		return body, nil
	}
	if a.latestKV != nil {
		if b, err := a.latestKV.Latest(ctx); err == nil {
			return b, nil
		}
	}
	if a.runStore != nil {
		run, err := a.runStore.LatestRun(ctx)
		if errors.Is(err, db.ErrRunNotFound) {
			return nil, httpapi.ErrNoBriefing
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(run.Document)
	}
	return nil, httpapi.ErrNoBriefing
}

// Handler builds the briefing HTTP handler.
func (a *App) Handler(trigger httpapi.Trigger) *httpapi.BriefingHandler {
	var runs httpapi.RunReader
	if a.runStore != nil {
		runs = a.runStore
	}
	return httpapi.NewBriefingHandler(a, runs, a.tracker, trigger, a.logger, a.cfg.Server.AuthToken)
}

// Close releases every backend connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
