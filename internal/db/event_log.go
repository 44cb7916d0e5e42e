package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/briefing/internal/orchestrator"
)

func saveEvents(ctx context.Context, tx *sqlx.Tx, runID string, events []orchestrator.Event) error {
	for i, e := range events {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO briefing_task_events (run_id, seq, task, status, at, detail)
			VALUES (?, ?, ?, ?, ?, ?)`),
			runID, i, e.Task, string(e.Status), e.At.UTC(), e.Detail)
		if err != nil {
			return fmt.Errorf("insert event %s/%s: %w", runID, e.Task, err)
		}
	}
	return nil
}

// Events returns the stored status transitions of runID in order.
func (c *Client) Events(ctx context.Context, runID string) ([]orchestrator.Event, error) {
	rows, err := c.db.QueryxContext(ctx,
		c.db.Rebind(`SELECT task, status, at, detail FROM briefing_task_events WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("load events of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []orchestrator.Event
	for rows.Next() {
		var (
			e      orchestrator.Event
			status string
		)
		if err := rows.Scan(&e.Task, &status, &e.At, &e.Detail); err != nil {
			return nil, err
		}
		e.Status = orchestrator.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
