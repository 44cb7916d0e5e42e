package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/db"
	"github.com/Kocoro-lab/briefing/internal/errclass"
	"github.com/Kocoro-lab/briefing/internal/fallback"
	"github.com/Kocoro-lab/briefing/internal/llm"
	"github.com/Kocoro-lab/briefing/internal/logging"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
	"github.com/Kocoro-lab/briefing/internal/pricing"
	"github.com/Kocoro-lab/briefing/internal/publish"
	"github.com/Kocoro-lab/briefing/internal/retry"
	"github.com/Kocoro-lab/briefing/internal/schedules"
	"github.com/Kocoro-lab/briefing/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "./config/briefing.yaml"

// EnvPrefix prefixes environment overrides, e.g. BRIEFING_LLM_MODEL.
const EnvPrefix = "BRIEFING"

type ObservabilityConfig struct {
	Logging logging.Config `mapstructure:"logging"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AuthToken      string        `mapstructure:"auth_token"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type RetryConfig struct {
	Default retry.Policy            `mapstructure:"default"`
	Tasks   map[string]retry.Policy `mapstructure:"tasks"`
}

type RecoveryConfig struct {
	AttemptTimeout time.Duration            `mapstructure:"attempt_timeout"`
	TaskTimeouts   map[string]time.Duration `mapstructure:"task_timeouts"`
	Plans          map[string][]string      `mapstructure:"plans"` // error category -> recovery methods
}

type FallbackConfig struct {
	Backend     string                       `mapstructure:"backend"` // memory or redis
	LRUSize     int                          `mapstructure:"lru_size"`
	LastGoodTTL time.Duration                `mapstructure:"last_good_ttl"`
	Redis       FallbackRedis                `mapstructure:"redis"`
	Sections    map[string]fallback.Strategy `mapstructure:"sections"`
}

type FallbackRedis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NewsConfig struct {
	Path string `mapstructure:"path"`
}

type PublishConfig struct {
	S3    publish.S3Config    `mapstructure:"s3"`
	Redis publish.RedisConfig `mapstructure:"redis"`
}

type RunStoreConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	DB      db.Config `mapstructure:",squash"`
}

// Config is the whole briefing service configuration.
type Config struct {
	Observability  ObservabilityConfig           `mapstructure:"observability"`
	Server         ServerConfig                  `mapstructure:"server"`
	Orchestrator   orchestrator.Config           `mapstructure:"orchestrator"`
	Retry          RetryConfig                   `mapstructure:"retry"`
	CircuitBreaker circuitbreaker.RegistryConfig `mapstructure:"circuit_breaker"`
	Recovery       RecoveryConfig                `mapstructure:"recovery"`
	Fallback       FallbackConfig                `mapstructure:"fallback"`
	LLM            llm.Config                    `mapstructure:"llm"`
	News           NewsConfig                    `mapstructure:"news"`
	Publish        PublishConfig                 `mapstructure:"publish"`
	RunStore       RunStoreConfig                `mapstructure:"runstore"`
	Schedule       schedules.Config              `mapstructure:"schedule"`
}

// Path returns the config file location from CONFIG_PATH or DefaultPath
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, applies defaults and BRIEFING_* env overrides. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "briefing")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.health_interval", 30*time.Second)

	oc := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.pool_size", oc.PoolSize)
	v.SetDefault("orchestrator.task_timeout", oc.TaskTimeout)
	v.SetDefault("orchestrator.overall_deadline", time.Duration(0))
	v.SetDefault("orchestrator.success_threshold", oc.SuccessThreshold)

	rp := retry.DefaultPolicy()
	v.SetDefault("retry.default.max_attempts", rp.MaxAttempts)
	v.SetDefault("retry.default.base_delay", rp.BaseDelay)
	v.SetDefault("retry.default.max_delay", rp.MaxDelay)
	v.SetDefault("retry.default.exponent", rp.Exponent)
	v.SetDefault("retry.default.jitter", rp.Jitter)

	ts := circuitbreaker.DefaultTaskSettings()
	v.SetDefault("circuit_breaker.default.threshold", ts.Threshold)
	v.SetDefault("circuit_breaker.default.timeout", ts.Timeout)

	v.SetDefault("recovery.attempt_timeout", oc.TaskTimeout)

	v.SetDefault("fallback.backend", "memory")
	v.SetDefault("fallback.lru_size", 256)
	v.SetDefault("fallback.last_good_ttl", 48*time.Hour)
	v.SetDefault("fallback.redis.addr", "localhost:6379")
	v.SetDefault("fallback.redis.db", 0)
	v.SetDefault("fallback.redis.prefix", "briefing:")

	lc := llm.DefaultConfig()
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", lc.Model)
	v.SetDefault("llm.fallback_model", lc.FallbackModel)
	v.SetDefault("llm.max_tokens", lc.MaxTokens)
	v.SetDefault("llm.temperature", lc.Temperature)
	v.SetDefault("llm.timeout", lc.Timeout)
	v.SetDefault("llm.requests_per_minute", lc.RequestsPerMinute)

	v.SetDefault("news.path", "./config/news.yaml")

	v.SetDefault("publish.s3.enabled", false)
	v.SetDefault("publish.s3.url", "")
	v.SetDefault("publish.s3.region", "us-east-1")
	v.SetDefault("publish.s3.bucket", "briefings")
	v.SetDefault("publish.s3.prefix", "briefings")
	v.SetDefault("publish.s3.access_key_id", "")
	v.SetDefault("publish.s3.secret_access_key", "")
	v.SetDefault("publish.redis.enabled", false)
	v.SetDefault("publish.redis.addr", "localhost:6379")
	v.SetDefault("publish.redis.password", "")
	v.SetDefault("publish.redis.db", 0)
	v.SetDefault("publish.redis.ttl", 48*time.Hour)

	v.SetDefault("runstore.enabled", false)
	v.SetDefault("runstore.driver", "sqlite3")
	v.SetDefault("runstore.dsn", "file:briefing.db")
	v.SetDefault("runstore.workers", 1)
	v.SetDefault("runstore.queue_size", 64)

	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.min_interval_mins", 60)
	v.SetDefault("schedule.run_on_start", false)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Orchestrator.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.pool_size must be >= 1, got %d", c.Orchestrator.PoolSize))
	}
	if t := c.Orchestrator.SuccessThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.success_threshold must be in (0, 1], got %v", t))
	}
	if c.Retry.Default.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.default.max_attempts must be >= 1"))
	}
	if c.CircuitBreaker.Default.Threshold < 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.default.threshold must be >= 1"))
	}
	switch c.Fallback.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("fallback.backend must be memory or redis, got %q", c.Fallback.Backend))
	}
	for category := range c.Recovery.Plans {
		if !knownCategory(category) {
			errs = append(errs, fmt.Errorf("recovery.plans: unknown error category %q", category))
		}
	}
	for section, s := range c.Fallback.Sections {
		for _, m := range s.PriorityOrder {
			switch m {
			case fallback.MethodCached, fallback.MethodGenerated, fallback.MethodDemo:
			default:
				errs = append(errs, fmt.Errorf("fallback.sections.%s: unknown method %q", section, m))
			}
		}
	}
	if err := pricing.Validate(c.LLM.Pricing); err != nil {
		errs = append(errs, fmt.Errorf("llm.%w", err))
	}
	return errors.Join(errs...)
}

func knownCategory(name string) bool {
	for _, c := range errclass.Categories {
		if string(c) == name {
			return true
		}
	}
	return false
}

// RecoveryPlan merges configured plans over the built-in one.
func (c *Config) RecoveryPlan(base map[errclass.Category][]string) map[errclass.Category][]string {
	out := make(map[errclass.Category][]string, len(base)+len(c.Recovery.Plans))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range c.Recovery.Plans {
		out[errclass.Category(k)] = v
	}
	return out
}

// Strategies merges configured section strategies over base.
func (c *Config) Strategies(base map[string]fallback.Strategy) map[string]fallback.Strategy {
	out := make(map[string]fallback.Strategy, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range c.Fallback.Sections {
		out[k] = v
	}
	return out
}

// BackendsChanged reports whether o differs from c in settings that are only
// read when the service starts.
func (c *Config) BackendsChanged(o *Config) bool {
	fc, fo := c.Fallback, o.Fallback
	fc.Sections, fo.Sections = nil, nil
	return !reflect.DeepEqual(fc, fo) ||
		!reflect.DeepEqual(c.LLM, o.LLM) ||
		c.News != o.News ||
		!reflect.DeepEqual(c.Publish, o.Publish) ||
		!reflect.DeepEqual(c.RunStore, o.RunStore) ||
		c.Server != o.Server ||
		!reflect.DeepEqual(c.Observability, o.Observability)
}
