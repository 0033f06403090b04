package winddb

import (
	"context"
	"database/sql"
	"fmt"
)

// ImportRun groups one file ingestion session. Deleting an import run
// cascades to its headers, their gate rows and any fits tied to those
// headers.
type ImportRun struct {
	ImportID   int64
	FolderPath string
	FilesCount int
	StartedAt  float64
	FinishedAt *float64
}

// CreateImportRun opens a new ingestion session and returns its ID.
func (db *DB) CreateImportRun(ctx context.Context, folderPath string, filesCount int) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO import_run (folder_path, files_count) VALUES (?, ?)`,
		folderPath, filesCount)
	if err != nil {
		return 0, fmt.Errorf("failed to create import run: %w", err)
	}
	return res.LastInsertId()
}

// FinishImportRun stamps the session's end time.
func (db *DB) FinishImportRun(ctx context.Context, importID int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE import_run SET finished_at = UNIXEPOCH('subsec') WHERE import_id = ?`, importID)
	return err
}

// DeleteImportRun removes the session and, via cascade, everything it
// imported.
func (db *DB) DeleteImportRun(ctx context.Context, importID int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM import_run WHERE import_id = ?`, importID)
	if err != nil {
		return fmt.Errorf("failed to delete import run %d: %w", importID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no import run %d", importID)
	}
	return nil
}

// ListImportRuns returns ingestion sessions, newest first.
func (db *DB) ListImportRuns(ctx context.Context) ([]ImportRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT import_id, folder_path, files_count, started_at, finished_at
		FROM import_run ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ImportRun
	for rows.Next() {
		var r ImportRun
		var fin sql.NullFloat64
		if err := rows.Scan(&r.ImportID, &r.FolderPath, &r.FilesCount, &r.StartedAt, &fin); err != nil {
			return nil, err
		}
		if fin.Valid {
			r.FinishedAt = &fin.Float64
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
