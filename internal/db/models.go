package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a JSON document column. Postgres stores it as jsonb, sqlite as text.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(raw, j)
}

// RunRecord is one row of briefing_runs.
type RunRecord struct {
	RunID           string    `db:"run_id" json:"run_id"`
	StartedAt       time.Time `db:"started_at" json:"started_at"`
	FinishedAt      time.Time `db:"finished_at" json:"finished_at"`
	TotalTasks      int       `db:"total_tasks" json:"total_tasks"`
	SuccessfulTasks int       `db:"successful_tasks" json:"successful_tasks"`
	FailedTasks     int       `db:"failed_tasks" json:"failed_tasks"`
	SuccessRate     float64   `db:"success_rate" json:"success_rate"`
	Success         bool      `db:"success" json:"success"`
	QualityImpact   string    `db:"quality_impact" json:"quality_impact"`
	Emergency       bool      `db:"emergency" json:"emergency"`
	Document        JSONB     `db:"document" json:"document"`
}

// TaskOutcomeRecord is one row of briefing_task_outcomes.
type TaskOutcomeRecord struct {
	RunID          string `db:"run_id" json:"run_id"`
	Task           string `db:"task" json:"task"`
	Section        string `db:"section" json:"section"`
	Status         string `db:"status" json:"status"`
	Success        bool   `db:"success" json:"success"`
	Attempts       int    `db:"attempts" json:"attempts"`
	DurationMs     int64  `db:"duration_ms" json:"duration_ms"`
	RecoveryMethod string `db:"recovery_method" json:"recovery_method"`
	Category       string `db:"category" json:"category"`
	Severity       string `db:"severity" json:"severity"`
	Error          string `db:"error" json:"error"`
}
