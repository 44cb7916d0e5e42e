package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config holds configuration for a dependency circuit breaker
type Config struct {
	MaxRequests      uint32        // Trial requests allowed while half-open
	Interval         time.Duration // Closed-state counter reset period, 0 disables
	Timeout          time.Duration // Open duration before half-open
	FailureThreshold uint32        // Consecutive failures that open the circuit
	SuccessThreshold uint32        // Half-open successes that close the circuit
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns defaults for a dependency circuit breaker
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Option customizes breakers and registries
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Counts holds request statistics for the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards calls to a single shared dependency such as the
// fallback cache or the run store.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		now:    o.now,
		state:  StateClosed,
	}
	cb.resetGeneration(cb.now())
	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the circuit is open or the half-open quota is used up
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(generation, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(generation, err == nil)
	return err
}

// State returns the current state, applying any due open→half-open move
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.current(cb.now())
	return state
}

// Counts returns the counters for the current generation
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.current(cb.now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) settle(admitted uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.current(now)
	if generation != admitted {
		// result belongs to a previous generation
		return
	}

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	}
}

func (cb *CircuitBreaker) current(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.resetGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.resetGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (cb *CircuitBreaker) resetGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.config.Interval > 0 {
			cb.expiry = now.Add(cb.config.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
