package retry

import "sync"

// Policies resolves the retry policy for a task name.
type Policies struct {
	mu        sync.RWMutex
	def       Policy
	overrides map[string]Policy
}

// NewPolicies creates a policy set with the given default and per-task overrides.
func NewPolicies(def Policy, overrides map[string]Policy) *Policies {
	ps := &Policies{}
	ps.Replace(def, overrides)
	return ps
}

// Replace swaps the default and every override at once.
func (ps *Policies) Replace(def Policy, overrides map[string]Policy) {
	normalized := make(map[string]Policy, len(overrides))
	for name, p := range overrides {
		normalized[name] = p.Normalize()
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.def = def.Normalize()
	ps.overrides = normalized
}

// For returns the policy for task, or the default when none is configured.
func (ps *Policies) For(task string) Policy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.overrides[task]; ok {
		return p
	}
	return ps.def
}

// Set installs an override for task.
func (ps *Policies) Set(task string, p Policy) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.overrides[task] = p.Normalize()
}
