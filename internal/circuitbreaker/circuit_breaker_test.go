package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreakerStates(t *testing.T) {
	clock := newFakeClock()
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t), WithClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, func() error { return errors.New("test error") }))
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenQuota(t *testing.T) {
	clock := newFakeClock()
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.MaxRequests = 2
	config.SuccessThreshold = 5
	config.Timeout = time.Second

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t), WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	clock.Advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var transitions [][2]State
	config.OnStateChange = func(name string, from State, to State) {
		transitions = append(transitions, [2]State{from, to})
	}

	cb := Instrument(NewCircuitBreaker("test", config, zaptest.NewLogger(t)), "unit")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("error") })
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, [2]State{StateClosed, StateOpen}, transitions[0])
}

func TestRegistryLifecycle(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(RegistryConfig{Default: TaskSettings{Threshold: 3, Timeout: 300 * time.Second}},
		zaptest.NewLogger(t), WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		reg.RecordFailure("X")
		assert.False(t, reg.IsOpen("X"))
	}
	reg.RecordFailure("X")
	assert.True(t, reg.IsOpen("X"))
	assert.Equal(t, 3, reg.Snapshot("X").FailureCount)

	// exactly at the timeout is still open
	clock.Advance(300 * time.Second)
	assert.True(t, reg.IsOpen("X"))

	clock.Advance(time.Second)
	assert.False(t, reg.IsOpen("X"))
	assert.Equal(t, StateHalfOpen, reg.Snapshot("X").State)

	// a half-open failure reopens immediately
	reg.RecordFailure("X")
	assert.True(t, reg.IsOpen("X"))
	assert.Equal(t, clock.Now(), reg.Snapshot("X").OpenedAt)

	clock.Advance(301 * time.Second)
	assert.False(t, reg.IsOpen("X"))
	reg.RecordSuccess("X")

	snap := reg.Snapshot("X")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestRegistryFailureCountResetsOnlyOnSuccess(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Default: TaskSettings{Threshold: 3}}, zaptest.NewLogger(t))

	reg.RecordFailure("A")
	reg.RecordFailure("A")
	assert.False(t, reg.IsOpen("A"))
	reg.RecordSuccess("A")
	reg.RecordFailure("A")
	reg.RecordFailure("A")
	assert.False(t, reg.IsOpen("A"))
	reg.RecordFailure("A")
	assert.True(t, reg.IsOpen("A"))
}

func TestRegistryPerTaskOverrides(t *testing.T) {
	clock := newFakeClock()
	var changes []string
	reg := NewRegistry(RegistryConfig{
		Default: TaskSettings{Threshold: 5, Timeout: time.Minute},
		Overrides: map[string]TaskSettings{
			"NEWS_FETCHER": {Threshold: 1},
		},
		OnStateChange: func(task string, from, to State) {
			changes = append(changes, task+":"+to.String())
		},
	}, zaptest.NewLogger(t), WithClock(clock.Now))

	assert.Equal(t, TaskSettings{Threshold: 1, Timeout: time.Minute}, reg.Settings("NEWS_FETCHER"))
	assert.Equal(t, TaskSettings{Threshold: 5, Timeout: time.Minute}, reg.Settings("OTHER"))

	reg.RecordFailure("NEWS_FETCHER")
	reg.RecordFailure("OTHER")
	assert.True(t, reg.IsOpen("NEWS_FETCHER"))
	assert.False(t, reg.IsOpen("OTHER"))
	assert.Equal(t, []string{"NEWS_FETCHER"}, reg.OpenTasks())
	assert.Equal(t, []string{"NEWS_FETCHER:open"}, changes)
}

func TestRegistryConfigureKeepsState(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(RegistryConfig{Default: TaskSettings{Threshold: 5, Timeout: time.Hour}},
		zaptest.NewLogger(t), WithClock(clock.Now))

	reg.RecordFailure("SCRIPT_GENERATOR")
	reg.RecordFailure("SCRIPT_GENERATOR")
	assert.False(t, reg.IsOpen("SCRIPT_GENERATOR"))

	reg.Configure(RegistryConfig{
		Default:   TaskSettings{Threshold: 3, Timeout: time.Minute},
		Overrides: map[string]TaskSettings{"NEWS_FETCHER": {Threshold: 1}},
	})
	assert.Equal(t, TaskSettings{Threshold: 1, Timeout: time.Minute}, reg.Settings("NEWS_FETCHER"))
	assert.Equal(t, 2, reg.Snapshot("SCRIPT_GENERATOR").FailureCount)

	reg.RecordFailure("SCRIPT_GENERATOR")
	assert.True(t, reg.IsOpen("SCRIPT_GENERATOR"))

	clock.Advance(61 * time.Second)
	assert.False(t, reg.IsOpen("SCRIPT_GENERATOR"))

	reg.Configure(RegistryConfig{})
	assert.Equal(t, DefaultTaskSettings(), reg.Settings("SCRIPT_GENERATOR"))
}

func TestRegistryDefaults(t *testing.T) {
	reg := NewRegistry(RegistryConfig{}, nil)
	assert.Equal(t, DefaultTaskSettings(), reg.Settings("ANY"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Default: TaskSettings{Threshold: 1000}}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				reg.RecordFailure("shared")
				_ = reg.IsOpen("shared")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, reg.Snapshot("shared").FailureCount)
	assert.False(t, reg.IsOpen("shared"))
}
