package winddb

import (
	"context"
	"fmt"
)

// ResetObservations wipes every observation table (fits, gate rows,
// headers, processing and import runs) and rewinds their autoincrement
// counters. The QC rule table is configuration and survives the reset.
func (db *DB) ResetObservations(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Children before parents, so the deletes stand on their own even if
	// cascades were disabled.
	tables := []string{
		"vad_gate_fit",
		"wind_profile_gate",
		"wind_profile_header",
		"proc_run",
		"import_run",
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to clear %s: %w", t, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sqlite_sequence
		WHERE name IN ('import_run', 'wind_profile_header')`); err != nil {
		return fmt.Errorf("failed to reset sequences: %w", err)
	}

	return tx.Commit()
}

// CountObservations reports row counts of the observation tables, for the
// reset confirmation prompt.
func (db *DB) CountObservations(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, t := range []string{"import_run", "wind_profile_header", "wind_profile_gate", "proc_run", "vad_gate_fit"} {
		var n int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}
