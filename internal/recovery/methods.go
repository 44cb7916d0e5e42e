package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Kocoro-lab/briefing/internal/errclass"
)

// Method is a best-effort action run between attempts. Its error is recorded
// but never changes control flow.
type Method func(ctx context.Context, ec ErrorContext, hints *Hints) error

// ErrMethodUnavailable is reported by clear_cache and reset_connection until
// a backend is registered for them.
var ErrMethodUnavailable = errors.New("no backend registered for recovery method")

// Built-in recovery method names.
const (
	ClearCache       = "clear_cache"
	ReduceComplexity = "reduce_complexity"
	SimplifyPrompt   = "simplify_prompt"
	SwitchModel      = "switch_model"
	ResetConnection  = "reset_connection"
)

// DefaultPlan maps each category to the recovery methods tried before the
// next attempt, in order.
func DefaultPlan() map[errclass.Category][]string {
	return map[errclass.Category][]string{
		errclass.CategoryTimeout:    {ReduceComplexity, SimplifyPrompt},
		errclass.CategoryThrottling: {SwitchModel},
		errclass.CategoryModel:      {SwitchModel, SimplifyPrompt},
		errclass.CategoryParsing:    {SimplifyPrompt, ClearCache},
		errclass.CategoryNetwork:    {ResetConnection},
		errclass.CategoryValidation: {SimplifyPrompt},
		errclass.CategoryUnknown:    {ClearCache},
		errclass.CategoryPermission: {},
		errclass.CategorySystem:     {},
	}
}

// MethodOutcome records one recovery method run.
type MethodOutcome struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (o MethodOutcome) String() string {
	if o.OK {
		return o.Name + "=ok"
	}
	return fmt.Sprintf("%s=failed(%s)", o.Name, o.Error)
}

// Methods is a registry of named recovery methods plus the category plan.
type Methods struct {
	mu       sync.RWMutex
	registry map[string]Method
	plan     map[errclass.Category][]string
}

// NewMethods creates a registry with the built-in methods and the given plan.
// A nil plan uses DefaultPlan.
func NewMethods(plan map[errclass.Category][]string) *Methods {
	if plan == nil {
		plan = DefaultPlan()
	}
	m := &Methods{
		registry: make(map[string]Method),
		plan:     plan,
	}
	m.Register(ClearCache, clearCache)
	m.Register(ReduceComplexity, reduceComplexity)
	m.Register(SimplifyPrompt, simplifyPrompt)
	m.Register(SwitchModel, switchModel)
	m.Register(ResetConnection, resetConnection)
	return m
}

// Register adds or replaces a method
func (m *Methods) Register(name string, fn Method) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[name] = fn
}

// Names returns the registered method names, sorted
func (m *Methods) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.registry))
	for n := range m.registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PlanFor returns the method names for a category
func (m *Methods) PlanFor(c errclass.Category) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.plan[c]...)
}

// Run executes the plan for category c. Unknown names and panics are
// reported as failed outcomes.
func (m *Methods) Run(ctx context.Context, ec ErrorContext, c errclass.Category, hints *Hints) []MethodOutcome {
	names := m.PlanFor(c)
	outcomes := make([]MethodOutcome, 0, len(names))
	for _, name := range names {
		m.mu.RLock()
		fn, ok := m.registry[name]
		m.mu.RUnlock()

		out := MethodOutcome{Name: name}
		if !ok {
			out.Error = "unknown recovery method"
		} else if err := safeCall(ctx, fn, ec, hints); err != nil {
			out.Error = err.Error()
		} else {
			out.OK = true
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func safeCall(ctx context.Context, fn Method, ec ErrorContext, hints *Hints) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, ec, hints)
}

func clearCache(context.Context, ErrorContext, *Hints) error {
	return fmt.Errorf("%s: %w", ClearCache, ErrMethodUnavailable)
}

// CacheClearer drops the cached fallback content of a section.
type CacheClearer interface {
	Forget(ctx context.Context, section string) error
}

// ClearCacheWith returns a clear_cache method backed by c.
func ClearCacheWith(c CacheClearer) Method {
	return func(ctx context.Context, ec ErrorContext, _ *Hints) error {
		if ec.Section == "" {
			return fmt.Errorf("task %s has no section to clear", ec.TaskName)
		}
		return c.Forget(ctx, ec.Section)
	}
}

func reduceComplexity(_ context.Context, ec ErrorContext, hints *Hints) error {
	current := hints.Int(HintMaxItems, 0)
	if current == 0 {
		current = 10
		if n, ok := ec.ContextData[HintMaxItems].(int); ok && n > 0 {
			current = n
		}
	}
	if current <= 1 {
		return fmt.Errorf("complexity already at minimum")
	}
	hints.Set(HintMaxItems, current/2)

	tokens := hints.Int(HintMaxTokens, 0)
	if tokens == 0 {
		tokens = 2000
		if n, ok := ec.ContextData[HintMaxTokens].(int); ok && n > 0 {
			tokens = n
		}
	}
	hints.Set(HintMaxTokens, tokens/2)
	return nil
}

func simplifyPrompt(_ context.Context, _ ErrorContext, hints *Hints) error {
	hints.Set(HintSimplePrompt, true)
	return nil
}

func switchModel(_ context.Context, _ ErrorContext, hints *Hints) error {
	if hints.String(HintModel) == ModelFallback {
		return fmt.Errorf("already on fallback model")
	}
	hints.Set(HintModel, ModelFallback)
	return nil
}

func resetConnection(context.Context, ErrorContext, *Hints) error {
	return fmt.Errorf("%s: %w", ResetConnection, ErrMethodUnavailable)
}

// ConnectionResetter drops pooled connections so the next attempt dials anew.
type ConnectionResetter interface {
	ResetConnections()
}

// ResetConnectionWith returns a reset_connection method backed by r.
func ResetConnectionWith(r ConnectionResetter) Method {
	return func(context.Context, ErrorContext, *Hints) error {
		r.ResetConnections()
		return nil
	}
}
