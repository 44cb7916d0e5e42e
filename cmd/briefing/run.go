package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/app"
	"github.com/Kocoro-lab/briefing/internal/config"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

// exitBelowThreshold is returned when a run completed under its success threshold.
const exitBelowThreshold = 2

func newRunCmd(opts *rootOptions) *cobra.Command {
	var output string
	var summaryOnly bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate one briefing and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
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

			out := a.RunOnce(ctx)

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				w = f
			}
			if err := writeOutput(w, out, summaryOnly); err != nil {
				return err
			}
			if !out.Summary.Success {
				return &exitError{
					code: exitBelowThreshold,
					msg: fmt.Sprintf("run %s below success threshold: %.2f < %.2f",
						out.RunID, out.Summary.SuccessRate, out.Summary.Threshold),
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result to this file instead of stdout")
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "print only the run summary")
	return cmd
}

func writeOutput(w io.Writer, out *orchestrator.RunOutput, summaryOnly bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if summaryOnly {
		return enc.Encode(out.Summary)
	}
	return enc.Encode(map[string]any{"summary": out.Summary, "document": out.Document})
}

func flushTracing(shutdown func(context.Context) error, logger *zap.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}
