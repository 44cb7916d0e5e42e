package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnvKey overrides the configured level.
const LevelEnvKey = "LOG_LEVEL"

// Format selects the encoder.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config holds logging configuration
type Config struct {
	Level  string `mapstructure:"level"`
	Format Format `mapstructure:"format"`
}

// New builds a logger from cfg. JSON uses the production encoder; console
// uses the development one.
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	level := cfg.Level
	if env := os.Getenv(LevelEnvKey); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case FormatConsole:
		zc = zap.NewDevelopmentConfig()
	case FormatJSON, "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build(opts...)
}
