package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/briefing/internal/assembly"
	"github.com/Kocoro-lab/briefing/internal/circuitbreaker"
	"github.com/Kocoro-lab/briefing/internal/errclass"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

func sampleRun(t *testing.T, id string, finished time.Time) *orchestrator.RunOutput {
	t.Helper()
	a := assembly.NewAssembler([]assembly.Section{{Name: "script", Key: "audioScript", Critical: true}}, nil, nil, zaptest.NewLogger(t))
	doc, err := a.Assemble(context.Background(), map[string]any{"script": "hello"}, nil, nil)
	require.NoError(t, err)

	return &orchestrator.RunOutput{
		RunID:    id,
		Document: doc,
		Summary: orchestrator.Summary{
			RunID:           id,
			StartedAt:       finished.Add(-time.Minute),
			FinishedAt:      finished,
			TotalTasks:      2,
			SuccessfulTasks: 1,
			FailedTasks:     1,
			SuccessRate:     0.5,
			Success:         true,
			QualityImpact:   assembly.ImpactModerate,
			Tasks: []orchestrator.TaskOutcome{
				{Task: "NEWS_FETCHER", Section: "news_items", Status: orchestrator.StatusSucceeded, Success: true, Attempts: 1, Duration: 2 * time.Second},
				{Task: "SCRIPT_GENERATOR", Section: "script", Status: orchestrator.StatusFailed, Attempts: 3,
					Category: errclass.CategoryNetwork, Severity: errclass.SeverityHigh, Error: "connection refused"},
			},
		},
		Events: []orchestrator.Event{
			{Task: "NEWS_FETCHER", Status: orchestrator.StatusRunning, At: finished.Add(-time.Minute)},
			{Task: "NEWS_FETCHER", Status: orchestrator.StatusSucceeded, At: finished.Add(-50 * time.Second)},
		},
	}
}

func TestSaveRunWritesAllRowsInOneTransaction(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClient(sqlx.NewDb(mockDB, "postgres"), Config{}, zaptest.NewLogger(t))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO briefing_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO briefing_task_outcomes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO briefing_task_outcomes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO briefing_task_events .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
		WithArgs("run-1", 0, "NEWS_FETCHER", "running", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO briefing_task_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, c.SaveRun(context.Background(), sampleRun(t, "run-1", time.Now())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunRollsBackOnFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClient(sqlx.NewDb(mockDB, "postgres"), Config{}, zaptest.NewLogger(t))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO briefing_runs").WillReturnError(errors.New("duplicate key value"))
	mock.ExpectRollback()

	err = c.SaveRun(context.Background(), sampleRun(t, "run-1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunOpensBreakerWhenDatabaseIsDown(t *testing.T) {
	t.Setenv("CB_STORE_FAILURE_THRESHOLD", "2")
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewClient(sqlx.NewDb(mockDB, "postgres"), Config{}, zaptest.NewLogger(t))

	down := errors.New("dial tcp: connection refused")
	mock.ExpectBegin().WillReturnError(down)
	mock.ExpectBegin().WillReturnError(down)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, c.SaveRun(context.Background(), sampleRun(t, "run-x", time.Now())), down)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())
	assert.ErrorIs(t, c.SaveRun(context.Background(), sampleRun(t, "run-x", time.Now())), circuitbreaker.ErrCircuitBreakerOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "runs.db")
	c, err := Open(ctx, Config{Driver: "sqlite3", DSN: dsn, MaxConnections: 1, Workers: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Migrate(ctx))
	require.NoError(t, c.Migrate(ctx), "migrations are idempotent")

	base := time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC)
	require.NoError(t, c.Record(ctx, sampleRun(t, "run-old", base)))
	require.NoError(t, c.Record(ctx, sampleRun(t, "run-new", base.Add(time.Hour))))

	// drain the write queue
	reader := sqlx.MustOpen("sqlite3", dsn)
	t.Cleanup(func() { _ = reader.Close() })
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Record(ctx, sampleRun(t, "late", base)), ErrClosed)

	r := NewClient(reader, Config{}, zaptest.NewLogger(t))
	run, tasks, err := r.LoadRun(ctx, "run-old")
	require.NoError(t, err)
	assert.Equal(t, 0.5, run.SuccessRate)
	assert.True(t, run.Success)
	assert.Equal(t, "moderate", run.QualityImpact)
	assert.Equal(t, "hello", run.Document["audioScript"])
	require.Len(t, tasks, 2)
	assert.Equal(t, "SCRIPT_GENERATOR", tasks[1].Task)
	assert.Equal(t, "network", tasks[1].Category)
	assert.Equal(t, int64(2000), tasks[0].DurationMs)

	latest, err := r.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-new", latest.RunID)

	events, err := r.Events(ctx, "run-old")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, orchestrator.StatusSucceeded, events[1].Status)

	_, _, err = r.LoadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
