package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

// ErrRunNotFound is returned when no run matches.
var ErrRunNotFound = errors.New("run not found")

// SaveRun writes the run, its task outcomes and its status events in one transaction.
func (c *Client) SaveRun(ctx context.Context, out *orchestrator.RunOutput) error {
	if out == nil {
		return nil
	}
	run := runRecord(out)
	return c.breaker.Execute(ctx, func() error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO briefing_runs (
				run_id, started_at, finished_at, total_tasks, successful_tasks, failed_tasks,
				success_rate, success, quality_impact, emergency, document
			) VALUES (
				:run_id, :started_at, :finished_at, :total_tasks, :successful_tasks, :failed_tasks,
				:success_rate, :success, :quality_impact, :emergency, :document
			)`, run); err != nil {
			return fmt.Errorf("insert run %s: %w", out.RunID, err)
		}

		for _, t := range taskRecords(out) {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO briefing_task_outcomes (
					run_id, task, section, status, success, attempts, duration_ms,
					recovery_method, category, severity, error
				) VALUES (
					:run_id, :task, :section, :status, :success, :attempts, :duration_ms,
					:recovery_method, :category, :severity, :error
				)`, t); err != nil {
				return fmt.Errorf("insert outcome %s/%s: %w", out.RunID, t.Task, err)
			}
		}

		if err := saveEvents(ctx, tx, out.RunID, out.Events); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// LoadRun returns a stored run with its task outcomes.
func (c *Client) LoadRun(ctx context.Context, runID string) (*RunRecord, []TaskOutcomeRecord, error) {
	var run RunRecord
	err := c.db.GetContext(ctx, &run, c.db.Rebind(`SELECT * FROM briefing_runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var tasks []TaskOutcomeRecord
	if err := c.db.SelectContext(ctx, &tasks,
		c.db.Rebind(`SELECT * FROM briefing_task_outcomes WHERE run_id = ? ORDER BY task`), runID); err != nil {
		return nil, nil, fmt.Errorf("load outcomes of %s: %w", runID, err)
	}
	return &run, tasks, nil
}

// LatestRun returns the most recently finished run.
func (c *Client) LatestRun(ctx context.Context) (*RunRecord, error) {
	var run RunRecord
	err := c.db.GetContext(ctx, &run, `SELECT * FROM briefing_runs ORDER BY finished_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest run: %w", err)
	}
	return &run, nil
}

func runRecord(out *orchestrator.RunOutput) RunRecord {
	s := out.Summary
	rec := RunRecord{
		RunID:           out.RunID,
		StartedAt:       s.StartedAt.UTC(),
		FinishedAt:      s.FinishedAt.UTC(),
		TotalTasks:      s.TotalTasks,
		SuccessfulTasks: s.SuccessfulTasks,
		FailedTasks:     s.FailedTasks,
		SuccessRate:     s.SuccessRate,
		Success:         s.Success,
		QualityImpact:   string(s.QualityImpact),
		Emergency:       s.Emergency,
	}
	if out.Document != nil {
		rec.Document = JSONB(out.Document.Map())
	}
	return rec
}

func taskRecords(out *orchestrator.RunOutput) []TaskOutcomeRecord {
	recs := make([]TaskOutcomeRecord, 0, len(out.Summary.Tasks))
	for _, t := range out.Summary.Tasks {
		recs = append(recs, TaskOutcomeRecord{
			RunID:          out.RunID,
			Task:           t.Task,
			Section:        t.Section,
			Status:         string(t.Status),
			Success:        t.Success,
			Attempts:       t.Attempts,
			DurationMs:     t.Duration.Milliseconds(),
			RecoveryMethod: t.RecoveryMethod,
			Category:       string(t.Category),
			Severity:       string(t.Severity),
			Error:          t.Error,
		})
	}
	return recs
}
