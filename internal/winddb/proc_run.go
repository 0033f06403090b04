package winddb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ProcRun groups one execution of a rule tag over the archive. It owns the
// fits it produced; deleting a run cascades to them.
type ProcRun struct {
	RunID       string
	RuleTag     string
	CodeVersion string
	ParamsJSON  string
	Status      string
	StartedAt   float64
	FinishedAt  *float64
}

// CreateProcRun registers a new processing run and returns its ID.
func (db *DB) CreateProcRun(ctx context.Context, ruleTag, codeVersion, paramsJSON string) (string, error) {
	runID := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO proc_run (run_id, rule_tag, code_version, params_json)
		VALUES (?, ?, ?, ?)`,
		runID, ruleTag, codeVersion, paramsJSON)
	if err != nil {
		return "", fmt.Errorf("failed to create proc run: %w", err)
	}
	return runID, nil
}

// FinishProcRun stamps the run's terminal status and end time.
func (db *DB) FinishProcRun(ctx context.Context, runID, status string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE proc_run SET status = ?, finished_at = UNIXEPOCH('subsec')
		WHERE run_id = ?`, status, runID)
	return err
}

// DeleteProcRun removes a run and, via cascade, its fit results.
func (db *DB) DeleteProcRun(ctx context.Context, runID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM proc_run WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no run %s", runID)
	}
	return nil
}

// ListProcRuns returns processing runs, newest first.
func (db *DB) ListProcRuns(ctx context.Context) ([]ProcRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, rule_tag, code_version, params_json, status, started_at, finished_at
		FROM proc_run ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ProcRun
	for rows.Next() {
		var r ProcRun
		var fin sql.NullFloat64
		if err := rows.Scan(&r.RunID, &r.RuleTag, &r.CodeVersion, &r.ParamsJSON,
			&r.Status, &r.StartedAt, &fin); err != nil {
			return nil, err
		}
		if fin.Valid {
			r.FinishedAt = &fin.Float64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
