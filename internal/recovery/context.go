package recovery

import (
	"context"
	"sync"
	"time"
)

// ErrorContext describes one recovery-wrapped task invocation. Only Attempt
// changes while the invocation runs.
type ErrorContext struct {
	TaskName      string         `json:"task_name"`
	Section       string         `json:"section,omitempty"`
	RunID         string         `json:"run_id"`
	OperationName string         `json:"operation_name"`
	Attempt       int            `json:"attempt_number"`
	MaxAttempts   int            `json:"max_attempts"`
	StartTime     time.Time      `json:"start_time"`
	ContextData   map[string]any `json:"context_data,omitempty"`
}

// Hints carries adjustments made by recovery methods to the next attempt,
// e.g. a smaller token budget or a fallback model.
type Hints struct {
	mu     sync.RWMutex
	values map[string]any
}

// Hint keys set by the built-in recovery methods.
const (
	HintModel        = "model"
	HintMaxTokens    = "max_tokens"
	HintMaxItems     = "max_items"
	HintSimplePrompt = "simplify_prompt"
)

// ModelFallback is the HintModel value asking for the fallback model.
const ModelFallback = "fallback"

// NewHints creates an empty hint set
func NewHints() *Hints {
	return &Hints{values: make(map[string]any)}
}

// Set stores a hint
func (h *Hints) Set(key string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[key] = v
}

// Get returns a hint
func (h *Hints) Get(key string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[key]
	return v, ok
}

// String returns a string hint or "" when absent
func (h *Hints) String(key string) string {
	v, _ := h.Get(key)
	s, _ := v.(string)
	return s
}

// Int returns an int hint or def when absent
func (h *Hints) Int(key string, def int) int {
	v, ok := h.Get(key)
	if !ok {
		return def
	}
	if n, ok := v.(int); ok {
		return n
	}
	return def
}

// Bool returns a bool hint, false when absent
func (h *Hints) Bool(key string) bool {
	v, _ := h.Get(key)
	b, _ := v.(bool)
	return b
}

// Snapshot copies all hints
func (h *Hints) Snapshot() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]any, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

type hintsKey struct{}

// WithHints attaches hints to ctx
func WithHints(ctx context.Context, h *Hints) context.Context {
	return context.WithValue(ctx, hintsKey{}, h)
}

// HintsFrom returns the hints attached to ctx. It never returns nil.
func HintsFrom(ctx context.Context) *Hints {
	if h, ok := ctx.Value(hintsKey{}).(*Hints); ok && h != nil {
		return h
	}
	return NewHints()
}
