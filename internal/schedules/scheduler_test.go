package schedules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewSchedulerValidates(t *testing.T) {
	job := func(context.Context) error { return nil }

	_, err := NewScheduler(Config{Cron: "not a cron"}, job, nil)
	assert.ErrorIs(t, err, ErrInvalidCronExpression)

	_, err = NewScheduler(Config{Cron: "0 6 * * *", Timezone: "Mars/Olympus"}, job, nil)
	assert.ErrorIs(t, err, ErrInvalidTimezone)

	_, err = NewScheduler(Config{Cron: "*/5 * * * *", MinIntervalMins: 60}, job, nil)
	assert.ErrorIs(t, err, ErrIntervalTooShort)

	s, err := NewScheduler(Config{Cron: "0 6 * * *", Timezone: "Europe/London", MinIntervalMins: 60}, job, nil)
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", s.Stats().Timezone)
}

func TestTriggerCountsOutcomes(t *testing.T) {
	var calls atomic.Int32
	s, err := NewScheduler(Config{Cron: "0 6 * * *"}, func(context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("below threshold")
		}
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, s.Trigger())
	assert.True(t, s.Trigger())
	st := s.Stats()
	assert.Equal(t, 2, st.TotalRuns)
	assert.Equal(t, 1, st.SuccessfulRuns)
	assert.Equal(t, 1, st.FailedRuns)
	assert.NotNil(t, st.LastRunAt)
	assert.Nil(t, st.NextRunAt)
}

func TestTriggerSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, err := NewScheduler(Config{Cron: "0 6 * * *"}, func(context.Context) error {
		close(started)
		<-release
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- s.Trigger() }()
	<-started
	assert.False(t, s.Trigger())
	close(release)
	assert.True(t, <-done)
	assert.Equal(t, 1, s.Stats().TotalRuns)
}

func TestStartRunOnStartAndUpdate(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := NewScheduler(Config{Cron: "0 6 * * *", RunOnStart: true}, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}
	require.NotNil(t, s.Stats().NextRunAt)

	require.NoError(t, s.Update(Config{Cron: "30 7 * * *"}))
	st := s.Stats()
	assert.Equal(t, "30 7 * * *", st.CronExpression)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, 30, st.NextRunAt.Minute())

	assert.ErrorIs(t, s.Update(Config{Cron: "bad"}), ErrInvalidCronExpression)
}
