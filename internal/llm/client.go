package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/briefing/internal/metrics"
	"github.com/Kocoro-lab/briefing/internal/pricing"
	"github.com/Kocoro-lab/briefing/internal/tracing"
)

// ErrEmptyCompletion is returned when the provider answers without content.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// Request is a single chat completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// UseFallback selects the configured fallback model.
	UseFallback bool
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config holds the provider settings.
type Config struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	FallbackModel     string        `mapstructure:"fallback_model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	// Pricing maps model names to their token prices for cost metrics.
	Pricing map[string]pricing.ModelPrice `mapstructure:"pricing"`
}

// DefaultConfig returns sensible provider defaults
func DefaultConfig() Config {
	return Config{
		Model:             "gpt-4o-mini",
		FallbackModel:     "gpt-4o-mini",
		MaxTokens:         2000,
		Temperature:       0.3,
		Timeout:           45 * time.Second,
		RequestsPerMinute: 60,
	}
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client  *openai.Client
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	prices  *pricing.Table
	logger  *zap.Logger
}

// NewOpenAIClient creates a client. The API key falls back to OPENAI_API_KEY.
func NewOpenAIClient(cfg Config, logger *zap.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("llm api key not provided in config or OPENAI_API_KEY environment variable")
		}
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		// retries belong to the recovery executor
		option.WithMaxRetries(0),
		option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
			tracing.InjectTraceparent(req.Context(), req)
			return next(req)
		}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		burst = max(1, cfg.RequestsPerMinute/10)
	}

	return &OpenAIClient{
		client:  &client,
		http:    httpClient,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		prices:  pricing.NewTable(cfg.Pricing, 0),
		logger:  logger,
	}, nil
}

// Model returns the model a request would use
func (c *OpenAIClient) Model(req Request) string {
	if req.UseFallback {
		return c.cfg.FallbackModel
	}
	return c.cfg.Model
}

// ResetConnections closes idle keep-alive connections to the provider.
func (c *OpenAIClient) ResetConnections() {
	c.http.CloseIdleConnections()
	c.logger.Debug("Closed idle LLM connections")
}

// Complete sends req as a chat completion and returns the reply text.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > c.cfg.MaxTokens {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	model := c.Model(req)
	ctx, span := tracing.StartSpan(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.max_tokens", maxTokens))

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temperature),
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordLLMMetrics(model, "error", elapsed, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	metrics.RecordLLMMetrics(model, "ok", elapsed, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	cost := c.prices.CostForSplit(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.LLMCostUSD.WithLabelValues(model).Add(cost)

	var text string
	if len(resp.Choices) > 0 {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if text == "" {
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return "", ErrEmptyCompletion
	}

	c.logger.Debug("LLM completion",
		zap.String("model", model),
		zap.Int("max_tokens", maxTokens),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Float64("cost_usd", cost),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}
