package fallback

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LastKnownGood remembers the latest successful output of each task so a
// failed task can still offer yesterday's value.
type LastKnownGood struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewLastKnownGood creates a last-known-good memory over store
func NewLastKnownGood(store Store, ttl time.Duration, logger *zap.Logger) *LastKnownGood {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &LastKnownGood{store: store, ttl: ttl, now: time.Now, logger: logger}
}

func lastGoodKey(task string) string { return "lastgood:" + task }

// Remember stores value as the latest good output of task
func (l *LastKnownGood) Remember(ctx context.Context, task string, value any) {
	if isEmpty(value) {
		return
	}
	err := l.store.Put(ctx, lastGoodKey(task), &Entry{
		Section:        task,
		Content:        value,
		QualityScore:   1,
		CachedAt:       l.now(),
		FallbackMethod: "agent",
	}, l.ttl)
	if err != nil {
		l.logger.Warn("Failed to remember last good output", zap.String("task", task), zap.Error(err))
	}
}

// Recover returns the latest good output of task, if any
func (l *LastKnownGood) Recover(ctx context.Context, task string, _ error) (any, bool) {
	e, ok := l.store.Get(ctx, lastGoodKey(task))
	if !ok || isEmpty(e.Content) {
		return nil, false
	}
	return e.Content, true
}
