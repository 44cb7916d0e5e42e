package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how long to wait between attempts of a single task.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Exponent    float64       `mapstructure:"exponent"`
	Jitter      bool          `mapstructure:"jitter"`

	random func() float64
}

// DefaultPolicy returns the policy applied to tasks without an override.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Exponent:    2.0,
		Jitter:      true,
	}
}

// WithRand returns a copy of the policy that draws jitter from fn.
// fn must return values in [0, 1).
func (p Policy) WithRand(fn func() float64) Policy {
	p.random = fn
	return p
}

// Normalize fills zero fields from the default policy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Exponent < 1 {
		p.Exponent = def.Exponent
	}
	return p
}

// DelayFor returns the wait before the attempt following attempt (0-based).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Exponent, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.5 + 0.5*p.rand()
	}
	return time.Duration(delay)
}

func (p Policy) rand() float64 {
	if p.random != nil {
		return p.random()
	}
	return sharedRand.Float64()
}

// lockedRand is safe for concurrent use by parallel tasks.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

var sharedRand = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}

// BackOff adapts the policy to backoff.BackOff. The n-th call to NextBackOff
// returns DelayFor(n); after MaxAttempts-1 delays it returns backoff.Stop.
func (p Policy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts-1 {
		return backoff.Stop
	}
	d := b.policy.DelayFor(b.attempt)
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}
