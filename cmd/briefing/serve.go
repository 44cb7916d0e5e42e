package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/app"
	"github.com/Kocoro-lab/briefing/internal/config"
	"github.com/Kocoro-lab/briefing/internal/health"
	"github.com/Kocoro-lab/briefing/internal/schedules"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run briefings on a schedule and serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	mgr, err := config.NewManager(opts.configPath, nil)
	if err != nil {
		return err
	}
	cfg := mgr.Current()
	logger, shutdown, err := opts.setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer flushTracing(shutdown, logger)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Close failed", zap.Error(err))
		}
	}()

	sched, err := schedules.NewScheduler(cfg.Schedule, func(ctx context.Context) error {
		out := a.RunOnce(ctx)
		if !out.Summary.Success {
			return fmt.Errorf("run %s below success threshold (%.2f)", out.RunID, out.Summary.SuccessRate)
		}
		return nil
	}, logger)
	if err != nil {
		return err
	}

	mgr.OnChange(func(old, updated *config.Config) {
		if err := sched.Update(updated.Schedule); err != nil {
			logger.Warn("Schedule change rejected", zap.Error(err))
		}
		a.Reconfigure(updated)
		if old.BackendsChanged(updated) {
			logger.Warn("Backend settings changed, restart to apply")
		}
	})
	mgr.Watch()

	mux := http.NewServeMux()
	health.NewHTTPHandler(a.Health, logger).RegisterRoutes(mux)
	a.Handler(sched).RegisterRoutes(mux)
	if cfg.Observability.Metrics.Enabled {
		mux.Handle(cfg.Observability.Metrics.Path, promhttp.Handler())
	}
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Admin HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.Health.Start(ctx, cfg.Server.HealthInterval)
	defer a.Health.Stop()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		logger.Error("Admin HTTP server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
