package winddb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/wind.profile/internal/vad"
)

// FitRow is one stored vad_gate_fit row. Sequence-valued fields keep the
// CSV encoding they are stored with.
type FitRow struct {
	RunID          string   `json:"run_id"`
	HeaderID       int64    `json:"header_id"`
	RangeGateIndex int      `json:"range_gate_index"`
	Status         string   `json:"status"`
	UMS            *float64 `json:"u_ms"`
	VMS            *float64 `json:"v_ms"`
	WMS            *float64 `json:"w_ms"`
	SpeedMS        *float64 `json:"speed_ms"`
	DirDeg         *float64 `json:"dir_deg"`
	R2             *float64 `json:"r2"`
	RMSEMS         *float64 `json:"rmse_ms"`
	NTotalRays     int      `json:"n_total_rays"`
	NSelectedRays  int      `json:"n_selected_rays"`
	SelectedRayIdx string   `json:"selected_ray_idx_csv"`
	SelectedAzDeg  string   `json:"selected_azimuth_deg_csv"`
	SelectedElDeg  string   `json:"selected_elevation_deg_csv"`
	SingularValues string   `json:"svd_singular_values"`
	CondNum        *float64 `json:"cond_num"`
	ARank          *int     `json:"a_rank"`
	AzSpanDeg      float64  `json:"az_span_deg"`
	WarnFlags      string   `json:"warn_flags"`
	RuleTag        string   `json:"rule_tag"`
	CodeVersion    string   `json:"code_version"`
}

// PersistFitResult upserts one fit, keyed by (run, header, gate). On
// conflict every column is replaced; partial merges would let fields from
// different passes interleave.
func (db *DB) PersistFitResult(ctx context.Context, fit *vad.FitResult) error {
	// An infinite condition number (degenerate geometry) is stored as NULL;
	// the ILLCOND flag carries the information.
	cond := fit.CondNum
	if cond != nil && (math.IsInf(*cond, 0) || math.IsNaN(*cond)) {
		cond = nil
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO vad_gate_fit (
			run_id, header_id, range_gate_index, status,
			u_ms, v_ms, w_ms, speed_ms, dir_deg, r2, rmse_ms,
			n_total_rays, n_selected_rays,
			selected_ray_idx_csv, selected_azimuth_deg_csv, selected_elevation_deg_csv,
			svd_singular_values, cond_num, a_rank, az_span_deg, warn_flags,
			rule_tag, code_version, params_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'))
		ON CONFLICT(run_id, header_id, range_gate_index) DO UPDATE SET
			status = excluded.status,
			u_ms = excluded.u_ms,
			v_ms = excluded.v_ms,
			w_ms = excluded.w_ms,
			speed_ms = excluded.speed_ms,
			dir_deg = excluded.dir_deg,
			r2 = excluded.r2,
			rmse_ms = excluded.rmse_ms,
			n_total_rays = excluded.n_total_rays,
			n_selected_rays = excluded.n_selected_rays,
			selected_ray_idx_csv = excluded.selected_ray_idx_csv,
			selected_azimuth_deg_csv = excluded.selected_azimuth_deg_csv,
			selected_elevation_deg_csv = excluded.selected_elevation_deg_csv,
			svd_singular_values = excluded.svd_singular_values,
			cond_num = excluded.cond_num,
			a_rank = excluded.a_rank,
			az_span_deg = excluded.az_span_deg,
			warn_flags = excluded.warn_flags,
			rule_tag = excluded.rule_tag,
			code_version = excluded.code_version,
			params_json = excluded.params_json,
			updated_at = UNIXEPOCH('subsec')`,
		fit.RunID, fit.HeaderID, fit.RangeGateIndex, string(fit.Status),
		fit.UMS, fit.VMS, fit.WMS, fit.SpeedMS, fit.DirDeg, fit.R2, fit.RMSEMS,
		fit.NTotalRays, fit.NSelectedRays,
		nullableCSV(intCSV(fit.SelectedRayIdx)),
		nullableCSV(floatCSV(fit.SelectedAzimuthsDeg, 2)),
		nullableCSV(floatCSV(fit.SelectedElevationsDeg, 2)),
		nullableCSV(floatCSV(fit.SingularValues, 4)),
		cond, fit.ARank, fit.AzSpanDeg,
		nullableCSV(vad.JoinWarnFlags(fit.WarnFlags)),
		fit.RuleTag, fit.CodeVersion, fit.ParamsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert fit run=%s header=%d gate=%d: %w",
			fit.RunID, fit.HeaderID, fit.RangeGateIndex, err)
	}
	return nil
}

// FetchFit loads one fit by its composite key.
func (db *DB) FetchFit(ctx context.Context, runID string, headerID int64, rangeGateIndex int) (*FitRow, error) {
	rows, err := db.fetchFits(ctx, `
		WHERE run_id = ? AND header_id = ? AND range_gate_index = ?`,
		runID, headerID, rangeGateIndex)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return &rows[0], nil
}

// FetchFitsByRun loads every fit of one run ordered by header then gate.
func (db *DB) FetchFitsByRun(ctx context.Context, runID string) ([]FitRow, error) {
	return db.fetchFits(ctx, `WHERE run_id = ? ORDER BY header_id, range_gate_index`, runID)
}

func (db *DB) fetchFits(ctx context.Context, where string, args ...interface{}) ([]FitRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, header_id, range_gate_index, status,
			u_ms, v_ms, w_ms, speed_ms, dir_deg, r2, rmse_ms,
			n_total_rays, n_selected_rays,
			COALESCE(selected_ray_idx_csv, ''),
			COALESCE(selected_azimuth_deg_csv, ''),
			COALESCE(selected_elevation_deg_csv, ''),
			COALESCE(svd_singular_values, ''),
			cond_num, a_rank, az_span_deg,
			COALESCE(warn_flags, ''), rule_tag, code_version
		FROM vad_gate_fit `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fits: %w", err)
	}
	defer rows.Close()

	var fits []FitRow
	for rows.Next() {
		var f FitRow
		var u, v, w, speed, dir, r2, rmse, cond sql.NullFloat64
		var rank sql.NullInt64
		if err := rows.Scan(&f.RunID, &f.HeaderID, &f.RangeGateIndex, &f.Status,
			&u, &v, &w, &speed, &dir, &r2, &rmse,
			&f.NTotalRays, &f.NSelectedRays,
			&f.SelectedRayIdx, &f.SelectedAzDeg, &f.SelectedElDeg,
			&f.SingularValues, &cond, &rank, &f.AzSpanDeg,
			&f.WarnFlags, &f.RuleTag, &f.CodeVersion); err != nil {
			return nil, err
		}
		f.UMS = nullableFloat(u)
		f.VMS = nullableFloat(v)
		f.WMS = nullableFloat(w)
		f.SpeedMS = nullableFloat(speed)
		f.DirDeg = nullableFloat(dir)
		f.R2 = nullableFloat(r2)
		f.RMSEMS = nullableFloat(rmse)
		f.CondNum = nullableFloat(cond)
		if rank.Valid {
			n := int(rank.Int64)
			f.ARank = &n
		}
		fits = append(fits, f)
	}
	return fits, rows.Err()
}

// ProfilePoint is one plottable (time, height, wind) sample: an ok fit
// joined with its header's start time and gate geometry.
type ProfilePoint struct {
	StartTime      string  `json:"start_time"`
	RangeGateIndex int     `json:"range_gate_index"`
	HeightM        float64 `json:"height_m"`
	UMS            float64 `json:"u_ms"`
	VMS            float64 `json:"v_ms"`
	SpeedMS        float64 `json:"speed_ms"`
	DirDeg         float64 `json:"dir_deg"`
}

// FetchProfile returns the ok fits of one run as time/height wind samples.
// Implausible speeds are excluded the way the original plotter did.
func (db *DB) FetchProfile(ctx context.Context, runID string, maxSpeedMS float64) ([]ProfilePoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT h.start_time, f.range_gate_index,
			(f.range_gate_index + 0.5) * h.range_gate_length_m,
			f.u_ms, f.v_ms, f.speed_ms, f.dir_deg
		FROM vad_gate_fit f
		JOIN wind_profile_header h ON f.header_id = h.header_id
		WHERE f.run_id = ? AND f.status = 'ok'
			AND f.speed_ms IS NOT NULL AND f.speed_ms < ?
		ORDER BY h.start_time, f.range_gate_index`, runID, maxSpeedMS)
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	defer rows.Close()

	var points []ProfilePoint
	for rows.Next() {
		var p ProfilePoint
		if err := rows.Scan(&p.StartTime, &p.RangeGateIndex, &p.HeightM,
			&p.UMS, &p.VMS, &p.SpeedMS, &p.DirDeg); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func intCSV(values []int) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// floatCSV renders a fixed-precision CSV. NaN marks a missing value and
// becomes an empty cell, keeping the stored sequence aligned with the
// selected-ray indices.
func floatCSV(values []float64, prec int) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		parts[i] = strconv.FormatFloat(v, 'f', prec, 64)
	}
	return strings.Join(parts, ",")
}

func nullableCSV(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
