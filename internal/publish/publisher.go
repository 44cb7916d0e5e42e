package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/assembly"
)

// Publisher delivers a finished briefing document.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, runID string, doc *assembly.Document) error
}

// Multi fans a document out to several publishers. A failing publisher does
// not stop the others; their errors are joined.
type Multi struct {
	publishers []Publisher
	logger     *zap.Logger
}

// NewMulti creates a fan-out publisher
func NewMulti(logger *zap.Logger, publishers ...Publisher) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{publishers: publishers, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

// Len reports the number of configured publishers
func (m *Multi) Len() int { return len(m.publishers) }

func (m *Multi) Publish(ctx context.Context, runID string, doc *assembly.Document) error {
	var errs []error
	for _, p := range m.publishers {
		start := time.Now()
		if err := p.Publish(ctx, runID, doc); err != nil {
			publishTotal.WithLabelValues(p.Name(), "error").Inc()
			m.logger.Warn("Publish failed", zap.String("publisher", p.Name()), zap.String("run_id", runID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		publishTotal.WithLabelValues(p.Name(), "ok").Inc()
		m.logger.Info("Published briefing",
			zap.String("publisher", p.Name()),
			zap.String("run_id", runID),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return errors.Join(errs...)
}

// documentDate returns the briefing date used in object keys.
func documentDate(doc *assembly.Document) string {
	if v, ok := doc.Get("date"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return time.Now().UTC().Format("2006-01-02")
}
