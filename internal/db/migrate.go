package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS briefing_runs (
		run_id           TEXT PRIMARY KEY,
		started_at       TIMESTAMP NOT NULL,
		finished_at      TIMESTAMP NOT NULL,
		total_tasks      INTEGER NOT NULL,
		successful_tasks INTEGER NOT NULL,
		failed_tasks     INTEGER NOT NULL,
		success_rate     DOUBLE PRECISION NOT NULL,
		success          BOOLEAN NOT NULL,
		quality_impact   TEXT NOT NULL DEFAULT '',
		emergency        BOOLEAN NOT NULL DEFAULT FALSE,
		document         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_briefing_runs_finished ON briefing_runs (finished_at)`,
	`CREATE TABLE IF NOT EXISTS briefing_task_outcomes (
		run_id          TEXT NOT NULL,
		task            TEXT NOT NULL,
		section         TEXT NOT NULL,
		status          TEXT NOT NULL,
		success         BOOLEAN NOT NULL,
		attempts        INTEGER NOT NULL,
		duration_ms     BIGINT NOT NULL,
		recovery_method TEXT NOT NULL DEFAULT '',
		category        TEXT NOT NULL DEFAULT '',
		severity        TEXT NOT NULL DEFAULT '',
		error           TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, task)
	)`,
	`CREATE TABLE IF NOT EXISTS briefing_task_events (
		run_id TEXT NOT NULL,
		seq    INTEGER NOT NULL,
		task   TEXT NOT NULL,
		status TEXT NOT NULL,
		at     TIMESTAMP NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,
}

// Migrate creates the run tables when they do not exist yet.
func (c *Client) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	c.logger.Info("Run store schema ready")
	return nil
}
