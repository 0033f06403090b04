package winddb

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/banshee-data/wind.profile/internal/vad"
)

// GateSample is one parsed (ray, range gate) record on its way into
// wind_profile_gate.
type GateSample struct {
	RayIdx            int
	RangeGateIndex    int
	DopplerMS         float64
	IntensitySNRPlus1 float64
	Beta              float64
	SpectralWidthMS   float64
	DecimalTimeHours  float64
	AzimuthDeg        float64
	ElevationDeg      float64
	PitchDeg          float64
	RollDeg           float64
}

// InsertGateSamples batch-upserts one file's gate rows inside a single
// transaction. Re-importing a file refreshes the measurement columns but
// leaves QC columns alone; the next QC pass overwrites those.
func (db *DB) InsertGateSamples(ctx context.Context, headerID int64, samples []GateSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("warning: failed to rollback gate insert: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wind_profile_gate (
			header_id, ray_idx, range_gate_index, doppler_ms,
			intensity_snr_plus1, beta_m_inv_sr_inv, spectral_width_ms,
			decimal_time_hours, azimuth_deg, elevation_deg, pitch_deg, roll_deg
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(header_id, ray_idx, range_gate_index) DO UPDATE SET
			doppler_ms = excluded.doppler_ms,
			intensity_snr_plus1 = excluded.intensity_snr_plus1,
			beta_m_inv_sr_inv = excluded.beta_m_inv_sr_inv,
			spectral_width_ms = excluded.spectral_width_ms`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx,
			headerID, s.RayIdx, s.RangeGateIndex, s.DopplerMS,
			s.IntensitySNRPlus1, s.Beta, s.SpectralWidthMS,
			s.DecimalTimeHours, s.AzimuthDeg, s.ElevationDeg,
			s.PitchDeg, s.RollDeg); err != nil {
			return fmt.Errorf("failed to insert gate row ray=%d gate=%d: %w",
				s.RayIdx, s.RangeGateIndex, err)
		}
	}
	return tx.Commit()
}

// FetchHeaderRays loads every gate measurement of one header, ordered by
// range gate then ray index, together with the header's instrument
// spectral width. The centre-of-gate height is recomputed here from the
// header's gate length rather than stored.
func (db *DB) FetchHeaderRays(ctx context.Context, headerID int64) ([]vad.RayMeasurement, float64, error) {
	var gateLen float64
	var instrSW sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT range_gate_length_m, instrument_spectral_width_ms
		FROM wind_profile_header WHERE header_id = ?`, headerID).
		Scan(&gateLen, &instrSW)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load header %d: %w", headerID, err)
	}

	rays, err := db.queryRays(ctx, gateLen, `
		SELECT header_id, ray_idx, range_gate_index, doppler_ms,
			intensity_snr_plus1, beta_m_inv_sr_inv, spectral_width_ms,
			decimal_time_hours, azimuth_deg, elevation_deg, pitch_deg, roll_deg,
			qc_selected
		FROM wind_profile_gate
		WHERE header_id = ?
		ORDER BY range_gate_index, ray_idx`, headerID)
	if err != nil {
		return nil, 0, err
	}
	return rays, instrSW.Float64, nil
}

// FetchRays loads the measurements of one (header, range gate) pair,
// ordered by ray index.
func (db *DB) FetchRays(ctx context.Context, headerID int64, rangeGateIndex int) ([]vad.RayMeasurement, error) {
	var gateLen float64
	if err := db.QueryRowContext(ctx,
		`SELECT range_gate_length_m FROM wind_profile_header WHERE header_id = ?`,
		headerID).Scan(&gateLen); err != nil {
		return nil, fmt.Errorf("failed to load header %d: %w", headerID, err)
	}

	return db.queryRays(ctx, gateLen, `
		SELECT header_id, ray_idx, range_gate_index, doppler_ms,
			intensity_snr_plus1, beta_m_inv_sr_inv, spectral_width_ms,
			decimal_time_hours, azimuth_deg, elevation_deg, pitch_deg, roll_deg,
			qc_selected
		FROM wind_profile_gate
		WHERE header_id = ? AND range_gate_index = ?
		ORDER BY ray_idx`, headerID, rangeGateIndex)
}

func (db *DB) queryRays(ctx context.Context, gateLen float64, query string, args ...interface{}) ([]vad.RayMeasurement, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate rows: %w", err)
	}
	defer rows.Close()

	var rays []vad.RayMeasurement
	for rows.Next() {
		var r vad.RayMeasurement
		var doppler, snr, beta, sw, tdec, az, el, pitch, roll sql.NullFloat64
		var selected int
		if err := rows.Scan(&r.HeaderID, &r.RayIdx, &r.RangeGateIndex,
			&doppler, &snr, &beta, &sw, &tdec, &az, &el, &pitch, &roll,
			&selected); err != nil {
			return nil, err
		}
		r.QcSelected = selected != 0
		r.DopplerMS = nullableFloat(doppler)
		r.IntensitySNRPlus1 = nullableFloat(snr)
		r.Beta = nullableFloat(beta)
		r.SpectralWidthMS = nullableFloat(sw)
		r.DecimalTimeHours = nullableFloat(tdec)
		r.AzimuthDeg = nullableFloat(az)
		r.ElevationDeg = nullableFloat(el)
		r.PitchDeg = nullableFloat(pitch)
		r.RollDeg = nullableFloat(roll)
		r.CenterOfGateM = (float64(r.RangeGateIndex) + 0.5) * gateLen
		rays = append(rays, r)
	}
	return rays, rows.Err()
}

// PersistVerdicts batch-updates QC columns for one header's rays,
// overwriting any verdicts from a previous pass.
func (db *DB) PersistVerdicts(ctx context.Context, headerID int64, verdicts map[vad.RayKey]vad.QcVerdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("warning: failed to rollback verdict update: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE wind_profile_gate
		SET qc_selected = ?, qc_failed_rules_csv = ?, qc_failed_rule_count = ?
		WHERE header_id = ? AND ray_idx = ? AND range_gate_index = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, v := range verdicts {
		selected := 0
		if v.Selected {
			selected = 1
		}
		var csv interface{}
		if s := v.FailedRulesCSV(); s != "" {
			csv = s
		}
		if _, err := stmt.ExecContext(ctx, selected, csv, v.FailedRuleCount,
			headerID, key.RayIdx, key.RangeGateIndex); err != nil {
			return fmt.Errorf("failed to update verdict for %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
