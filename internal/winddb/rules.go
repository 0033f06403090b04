package winddb

import (
	"context"
	"fmt"

	"github.com/banshee-data/wind.profile/internal/vad"
)

// defaultRules is the seed rule set, matching the registered rule
// implementations in internal/vad. rule_order fixes evaluation order;
// every rule is evaluated regardless of earlier failures.
var defaultRules = []vad.QcRule{
	{DefName: "check_nulls", Code: "NULLS", Description: "doppler, azimuth and elevation must be present", RuleOrder: 10},
	{DefName: "check_snr_min", Code: "SNR", Description: "minimum signal-to-noise ratio", RuleOrder: 20},
	{DefName: "check_spectral_width_max", Code: "SW", Description: "spectral width ceiling relative to instrument width", RuleOrder: 30},
	{DefName: "check_pitch_roll_max", Code: "TILT", Description: "platform pitch/roll bound", RuleOrder: 40},
	{DefName: "check_elevation_range", Code: "ELEV", Description: "elevation angle inside usable range", RuleOrder: 50},
	{DefName: "check_azimuth_duplicate", Code: "DUPAZ", Description: "reject near-duplicate azimuths within a gate", RuleOrder: 60},
	{DefName: "check_velocity_bounds", Code: "VRMAX", Description: "absolute radial velocity bound", RuleOrder: 70},
	{DefName: "check_gate_outlier_mad", Code: "MAD", Description: "robust per-gate radial velocity outlier", RuleOrder: 80},
	{DefName: "check_azimuth_coverage", Code: "COV", Description: "per-gate unique azimuth count and span", RuleOrder: 90},
	{DefName: "check_vertical_consistency", Code: "VERT", Description: "gate median consistent with vertical neighbours", RuleOrder: 100},
	{DefName: "check_gate_bin_fill", Code: "BINS", Description: "azimuth histogram bin fill", RuleOrder: 110},
}

// SeedDefaultRules inserts the default rule rows, leaving existing rows
// (including operator edits to is_active or rule_order) untouched.
func (db *DB) SeedDefaultRules() error {
	stmt, err := db.Prepare(`
		INSERT INTO vad_rule_qc (def_name, code, description, is_active, rule_order)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(def_name) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare rule seed: %w", err)
	}
	defer stmt.Close()

	for _, r := range defaultRules {
		if _, err := stmt.Exec(r.DefName, r.Code, r.Description, r.RuleOrder); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", r.DefName, err)
		}
	}
	return nil
}

// FetchActiveRules returns the active QC rules ordered by rule_order then
// rule_id. An empty result is valid: it means no filtering.
func (db *DB) FetchActiveRules(ctx context.Context) ([]vad.QcRule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT rule_id, def_name, code, COALESCE(description, ''), is_active, rule_order
		FROM vad_rule_qc
		WHERE is_active = 1
		ORDER BY rule_order, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []vad.QcRule
	for rows.Next() {
		var r vad.QcRule
		var active int
		if err := rows.Scan(&r.RuleID, &r.DefName, &r.Code, &r.Description, &active, &r.RuleOrder); err != nil {
			return nil, err
		}
		r.IsActive = active != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListRules returns every rule, active or not, ordered by rule_order.
func (db *DB) ListRules(ctx context.Context) ([]vad.QcRule, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT rule_id, def_name, code, COALESCE(description, ''), is_active, rule_order
		FROM vad_rule_qc
		ORDER BY rule_order, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []vad.QcRule
	for rows.Next() {
		var r vad.QcRule
		var active int
		if err := rows.Scan(&r.RuleID, &r.DefName, &r.Code, &r.Description, &active, &r.RuleOrder); err != nil {
			return nil, err
		}
		r.IsActive = active != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleActive toggles one rule by definition name.
func (db *DB) SetRuleActive(ctx context.Context, defName string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := db.ExecContext(ctx, `UPDATE vad_rule_qc SET is_active = ? WHERE def_name = ?`, v, defName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no rule named %q", defName)
	}
	return nil
}
