package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/config"
	"github.com/Kocoro-lab/briefing/internal/logging"
	"github.com/Kocoro-lab/briefing/internal/tracing"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "briefing",
		Short:         "Daily news briefing generator",
		Long:          "briefing runs the news agents, recovers from their failures and publishes a complete briefing document.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.Path(), "config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCmd(opts), newServeCmd(opts), newCheckConfigCmd(opts))
	return cmd
}

// setup loads configuration and starts logging and tracing.
func (o *rootOptions) setup(ctx context.Context, cfg *config.Config) (*zap.Logger, tracing.ShutdownFunc, error) {
	lc := cfg.Observability.Logging
	if o.debug {
		lc.Level = "debug"
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, nil, err
	}
	shutdown, err := tracing.Initialize(ctx, cfg.Observability.Tracing, version, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	return logger, shutdown, nil
}

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (pool_size=%d, success_threshold=%.2f, schedule=%q)\n",
				opts.configPath, cfg.Orchestrator.PoolSize, cfg.Orchestrator.SuccessThreshold, cfg.Schedule.Cron)
			return nil
		},
	}
}
