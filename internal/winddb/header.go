package winddb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Header is one wind_profile_header row: the metadata block of a scan file.
type Header struct {
	HeaderID                  int64
	ImportID                  int64
	Filename                  string
	SystemID                  int
	NumGates                  int
	RangeGateLengthM          float64
	GateLengthPts             int
	PulsesPerRay              int
	NumRaysInFile             int
	ScanType                  string
	FocusRange                int
	StartTime                 time.Time
	VelocityResolutionMS      float64
	RangeCenterFormula        string
	DataLine1Format           string
	DataLine2Format           string
	InstrumentSpectralWidthMS float64
}

// UpsertHeader inserts the header or, when a file is re-imported, re-ties
// the existing row to the new import session. Returns the header ID.
func (db *DB) UpsertHeader(ctx context.Context, h *Header) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO wind_profile_header (
			import_id, filename, system_id, num_gates, range_gate_length_m,
			gate_length_pts, pulses_per_ray, num_rays_in_file, scan_type,
			focus_range, start_time, velocity_resolution_ms,
			range_center_formula, data_line1_format, data_line2_format,
			instrument_spectral_width_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET import_id = excluded.import_id
		RETURNING header_id`,
		h.ImportID, h.Filename, h.SystemID, h.NumGates, h.RangeGateLengthM,
		h.GateLengthPts, h.PulsesPerRay, h.NumRaysInFile, h.ScanType,
		h.FocusRange, h.StartTime.UTC().Format(time.RFC3339Nano), h.VelocityResolutionMS,
		h.RangeCenterFormula, h.DataLine1Format, h.DataLine2Format,
		h.InstrumentSpectralWidthMS,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert header %s: %w", h.Filename, err)
	}
	return id, nil
}

// GetHeader loads one header by ID.
func (db *DB) GetHeader(ctx context.Context, headerID int64) (*Header, error) {
	var h Header
	var startTime string
	var scanType, formula, dl1, dl2 sql.NullString
	var instrSW sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT header_id, import_id, filename, COALESCE(system_id, 0), num_gates,
			range_gate_length_m, COALESCE(gate_length_pts, 0),
			COALESCE(pulses_per_ray, 0), num_rays_in_file, scan_type,
			COALESCE(focus_range, 0), start_time,
			COALESCE(velocity_resolution_ms, 0), range_center_formula,
			data_line1_format, data_line2_format, instrument_spectral_width_ms
		FROM wind_profile_header WHERE header_id = ?`, headerID).Scan(
		&h.HeaderID, &h.ImportID, &h.Filename, &h.SystemID, &h.NumGates,
		&h.RangeGateLengthM, &h.GateLengthPts, &h.PulsesPerRay,
		&h.NumRaysInFile, &scanType, &h.FocusRange, &startTime,
		&h.VelocityResolutionMS, &formula, &dl1, &dl2, &instrSW)
	if err != nil {
		return nil, fmt.Errorf("failed to load header %d: %w", headerID, err)
	}
	h.ScanType = scanType.String
	h.RangeCenterFormula = formula.String
	h.DataLine1Format = dl1.String
	h.DataLine2Format = dl2.String
	h.InstrumentSpectralWidthMS = instrSW.Float64
	if t, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		h.StartTime = t
	}
	return &h, nil
}

// ListHeaderIDs returns every header ID in import order.
func (db *DB) ListHeaderIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT header_id FROM wind_profile_header ORDER BY header_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPendingQCHeaderIDs returns headers that have never been QC-tagged:
// every ray still unselected with a zero failure count.
func (db *DB) ListPendingQCHeaderIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT header_id FROM wind_profile_gate
		WHERE qc_selected = 0 AND qc_failed_rule_count = 0
		ORDER BY header_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
