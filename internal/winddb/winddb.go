// Package winddb is the SQLite persistence layer for the wind-profile
// pipeline: scan imports, gate measurements, the QC rule table, processing
// runs and VAD gate fits.
package winddb

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sql database handle with wind-profile specific operations.
type DB struct {
	*sql.DB
}

//go:embed schema.sql
var schemaSQL string

// NewDB opens (creating if needed) the wind-profile database at path,
// applies the schema and seeds the default QC rule set.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := db.SeedDefaultRules(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// OpenDB opens the database without touching the schema. Used by the
// migrate subcommand, which manages the schema itself.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Cascading deletes depend on foreign key enforcement; WAL keeps the
	// importer and the fit worker pool from starving each other.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	return &DB{db}, nil
}
