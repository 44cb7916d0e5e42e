package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInsufficientContext is returned by a Generator that cannot build the
// section from what is available.
var ErrInsufficientContext = errors.New("insufficient context")

// Generator synthesizes section content from sibling results. It returns the
// content and its quality score.
type Generator func(ctx context.Context, section string, siblings map[string]any) (any, float64, error)

// Template renders the generic message used when a generator has nothing to
// work with.
type Template func(section string) any

type method func(ctx context.Context, section string, s Strategy, failed any, siblings map[string]any) (*Content, error)

// Option customizes a Cascade
type Option func(*Cascade)

// WithGenerator registers the generator for section
func WithGenerator(section string, g Generator) Option {
	return func(c *Cascade) { c.generators[section] = g }
}

// WithDemoContent installs static demo content per section
func WithDemoContent(demo map[string]any) Option {
	return func(c *Cascade) {
		for k, v := range demo {
			c.demo[k] = v
		}
	}
}

// WithTemplate replaces the generic message template
func WithTemplate(t Template) Option {
	return func(c *Cascade) { c.template = t }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cascade) { c.now = now }
}

// Cascade produces substitute content for failed sections by trying the
// methods of the section's strategy in order.
type Cascade struct {
	strategies map[string]Strategy
	store      Store
	generators map[string]Generator
	demo       map[string]any
	template   Template
	methods    map[string]method
	logger     *zap.Logger
	now        func() time.Time
}

// NewCascade creates a cascade. A nil store gets an in-memory LRU.
func NewCascade(strategies map[string]Strategy, store Store, logger *zap.Logger, opts ...Option) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore(0)
	}
	c := &Cascade{
		strategies: strategies,
		store:      store,
		generators: make(map[string]Generator),
		demo:       make(map[string]any),
		template:   genericMessage,
		logger:     logger,
		now:        time.Now,
	}
	c.methods = map[string]method{
		MethodCached:    c.fromCache,
		MethodGenerated: c.generate,
		MethodDemo:      c.fromDemo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Strategy returns the strategy configured for section
func (c *Cascade) Strategy(section string) (Strategy, bool) {
	s, ok := c.strategies[section]
	return s, ok
}

// Demo returns the static demo content of section
func (c *Cascade) Demo(section string) (any, bool) {
	v, ok := c.demo[section]
	return v, ok && !isEmpty(v)
}

// Produce returns substitute content for section. It never returns nil: when
// nothing is available the result is an error marker with nil Content.
func (c *Cascade) Produce(ctx context.Context, section string, failed any, siblings map[string]any) *Content {
	s, ok := c.strategies[section]
	if !ok {
		c.logger.Warn("No fallback strategy for section", zap.String("section", section))
		return c.errorMarker(section, "no fallback strategy configured")
	}

	for _, name := range s.PriorityOrder {
		m, ok := c.methods[name]
		if !ok {
			c.logger.Warn("Unknown fallback method", zap.String("section", section), zap.String("method", name))
			continue
		}
		content, err := m(ctx, section, s, failed, siblings)
		if err != nil || !content.Available() {
			methodMisses.WithLabelValues(section, name).Inc()
			c.logger.Debug("Fallback method yielded nothing",
				zap.String("section", section),
				zap.String("method", name),
				zap.Error(err),
			)
			continue
		}

		if name != MethodCached {
			c.remember(ctx, section, content, s.CacheTTL)
		}
		productions.WithLabelValues(section, name).Inc()
		c.logger.Info("Produced fallback content",
			zap.String("section", section),
			zap.String("method", name),
			zap.Float64("quality_score", content.QualityScore),
		)
		return content
	}

	if s.UseDemoContent {
		if v, ok := c.Demo(section); ok {
			productions.WithLabelValues(section, MethodDemo).Inc()
			return c.demoContent(section, v)
		}
	}
	productions.WithLabelValues(section, MethodError).Inc()
	return c.errorMarker(section, "all fallback methods failed")
}

func (c *Cascade) remember(ctx context.Context, section string, content *Content, ttl time.Duration) {
	err := c.store.Put(ctx, SectionKey(section), &Entry{
		Section:        section,
		Content:        content.Content,
		QualityScore:   content.QualityScore,
		CachedAt:       content.ProducedAt,
		FallbackMethod: content.FallbackMethod,
	}, ttl)
	if err != nil {
		c.logger.Warn("Failed to cache fallback content", zap.String("section", section), zap.Error(err))
	}
}

// Forget drops the cached fallback content of section.
func (c *Cascade) Forget(ctx context.Context, section string) error {
	if err := c.store.Delete(ctx, SectionKey(section)); err != nil {
		return fmt.Errorf("forget %s: %w", section, err)
	}
	c.logger.Debug("Cleared cached fallback content", zap.String("section", section))
	return nil
}

func (c *Cascade) fromCache(ctx context.Context, section string, s Strategy, _ any, _ map[string]any) (*Content, error) {
	e, ok := c.store.Get(ctx, SectionKey(section))
	if !ok {
		return nil, nil
	}
	if s.CacheTTL > 0 && c.now().Sub(e.CachedAt) > s.CacheTTL {
		return nil, fmt.Errorf("cached entry expired at %s", e.CachedAt.Add(s.CacheTTL).Format(time.RFC3339))
	}
	if e.QualityScore < s.MinQualityScore {
		return nil, fmt.Errorf("cached quality %.2f below minimum %.2f", e.QualityScore, s.MinQualityScore)
	}
	return &Content{
		Section:        section,
		Content:        e.Content,
		QualityScore:   e.QualityScore,
		Source:         e.FallbackMethod,
		FallbackMethod: MethodCached,
		ProducedAt:     c.now(),
	}, nil
}

func (c *Cascade) generate(ctx context.Context, section string, s Strategy, failed any, siblings map[string]any) (*Content, error) {
	if gen, ok := c.generators[section]; ok {
		input := siblings
		if !isEmpty(failed) {
			input = make(map[string]any, len(siblings)+1)
			for k, v := range siblings {
				input[k] = v
			}
			input["failed_content"] = failed
		}
		v, quality, err := gen(ctx, section, input)
		switch {
		case err == nil && !isEmpty(v):
			return &Content{
				Section:        section,
				Content:        v,
				QualityScore:   quality,
				Source:         MethodGenerated,
				FallbackMethod: MethodGenerated,
				ProducedAt:     c.now(),
			}, nil
		case err != nil && !errors.Is(err, ErrInsufficientContext):
			return nil, err
		}
	}

	// Leave the section to demo content when the strategy offers it.
	if s.UseDemoContent && offersDemo(s) {
		if _, ok := c.Demo(section); ok {
			return nil, ErrInsufficientContext
		}
	}
	return &Content{
		Section:        section,
		Content:        c.template(section),
		QualityScore:   GenericQuality,
		Source:         "template",
		FallbackMethod: MethodGenerated,
		ProducedAt:     c.now(),
	}, nil
}

func (c *Cascade) fromDemo(_ context.Context, section string, s Strategy, _ any, _ map[string]any) (*Content, error) {
	if !s.UseDemoContent {
		return nil, nil
	}
	v, ok := c.Demo(section)
	if !ok {
		return nil, nil
	}
	return c.demoContent(section, v), nil
}

func (c *Cascade) demoContent(section string, v any) *Content {
	return &Content{
		Section:        section,
		Content:        v,
		QualityScore:   DemoQuality,
		Source:         MethodDemo,
		FallbackMethod: MethodDemo,
		ProducedAt:     c.now(),
	}
}

func (c *Cascade) errorMarker(section, reason string) *Content {
	return &Content{
		Section:        section,
		Content:        nil,
		QualityScore:   0,
		Source:         MethodError,
		FallbackMethod: MethodError,
		ProducedAt:     c.now(),
		Reason:         reason,
	}
}

func offersDemo(s Strategy) bool {
	for _, m := range s.PriorityOrder {
		if m == MethodDemo {
			return true
		}
	}
	return false
}

func genericMessage(section string) any {
	name := strings.ReplaceAll(section, "_", " ")
	return fmt.Sprintf("The %s for today's briefing is temporarily unavailable. Please check back shortly.", name)
}
