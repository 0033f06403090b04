package vad

import (
	"math"
	"sort"
)

// RuleFunc is a pure predicate over one ray. It returns true when the ray
// passes the rule. Gate- and header-scoped rules read the precomputed
// GateContext; none of them mutate anything.
type RuleFunc func(r *RayMeasurement, ctx *GateContext, p *Params) bool

// ruleRegistry maps vad_rule_qc def_name values to their implementations.
// Rule rows whose def_name has no registered implementation are skipped
// (and logged by the orchestrator), matching the original tagger.
var ruleRegistry = map[string]RuleFunc{
	"check_nulls":                checkNulls,
	"check_snr_min":              checkSnrMin,
	"check_spectral_width_max":   checkSpectralWidthMax,
	"check_pitch_roll_max":       checkPitchRollMax,
	"check_elevation_range":      checkElevationRange,
	"check_azimuth_duplicate":    checkAzimuthDuplicate,
	"check_velocity_bounds":      checkVelocityBounds,
	"check_gate_outlier_mad":     checkGateOutlierMAD,
	"check_azimuth_coverage":     checkAzimuthCoverage,
	"check_vertical_consistency": checkVerticalConsistency,
	"check_gate_bin_fill":        checkGateBinFill,
}

// LookupRule returns the implementation for a rule definition name.
func LookupRule(defName string) (RuleFunc, bool) {
	f, ok := ruleRegistry[defName]
	return f, ok
}

// RegisteredRuleNames returns the known def_names in sorted order.
func RegisteredRuleNames() []string {
	names := make([]string, 0, len(ruleRegistry))
	for name := range ruleRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// boundRule is a QcRule row joined with its implementation.
type boundRule struct {
	rule QcRule
	fn   RuleFunc
}

// BindRules resolves active rule rows against the registry and orders them
// by RuleOrder then RuleID. Rows with unknown def_names are returned
// separately so the caller can log them. An empty result means no
// filtering: every ray passes by default.
func BindRules(rules []QcRule) (bound []boundRule, unknown []QcRule) {
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		fn, ok := ruleRegistry[r.DefName]
		if !ok {
			unknown = append(unknown, r)
			continue
		}
		bound = append(bound, boundRule{rule: r, fn: fn})
	}
	sort.SliceStable(bound, func(i, j int) bool {
		if bound[i].rule.RuleOrder != bound[j].rule.RuleOrder {
			return bound[i].rule.RuleOrder < bound[j].rule.RuleOrder
		}
		return bound[i].rule.RuleID < bound[j].rule.RuleID
	})
	return bound, unknown
}

// Evaluate runs every bound rule against the ray and returns the verdict.
// Rules do not short-circuit: a ray accumulates every failure so the
// stored annotation names all of them.
func Evaluate(r *RayMeasurement, bound []boundRule, ctx *GateContext, p *Params) QcVerdict {
	var failed []int64
	for _, b := range bound {
		if !b.fn(r, ctx, p) {
			failed = append(failed, b.rule.RuleID)
		}
	}
	return QcVerdict{
		Selected:        len(failed) == 0,
		FailedRuleIDs:   failed,
		FailedRuleCount: len(failed),
	}
}

func checkNulls(r *RayMeasurement, _ *GateContext, _ *Params) bool {
	return r.DopplerMS != nil && r.AzimuthDeg != nil && r.ElevationDeg != nil
}

func checkSnrMin(r *RayMeasurement, _ *GateContext, p *Params) bool {
	// The instrument reports SNR+1; a missing value is treated as SNR 0.
	snr := 0.0
	if r.IntensitySNRPlus1 != nil {
		snr = *r.IntensitySNRPlus1 - 1.0
	}
	return snr >= p.GetSnrMin()
}

func checkSpectralWidthMax(r *RayMeasurement, ctx *GateContext, p *Params) bool {
	sw := 0.0
	if r.SpectralWidthMS != nil {
		sw = *r.SpectralWidthMS
	}
	base := ctx.InstrumentSpectralWidthMS
	if base <= 0 {
		base = 1.0
	}
	return sw <= p.GetSpectralWidthK()*base
}

func checkPitchRollMax(r *RayMeasurement, _ *GateContext, p *Params) bool {
	tilt := 0.0
	if r.PitchDeg != nil {
		tilt = math.Abs(*r.PitchDeg)
	}
	if r.RollDeg != nil {
		tilt = math.Max(tilt, math.Abs(*r.RollDeg))
	}
	return tilt <= p.GetTiltAbsMaxDeg()
}

func checkElevationRange(r *RayMeasurement, _ *GateContext, p *Params) bool {
	if r.ElevationDeg == nil {
		return false
	}
	return *r.ElevationDeg >= p.GetElevMinDeg() && *r.ElevationDeg <= p.GetElevMaxDeg()
}

func checkAzimuthDuplicate(r *RayMeasurement, ctx *GateContext, _ *Params) bool {
	return !ctx.AzDupByKey[r.Key()]
}

func checkVelocityBounds(r *RayMeasurement, _ *GateContext, p *Params) bool {
	if r.DopplerMS == nil {
		return false
	}
	return math.Abs(*r.DopplerMS) <= p.GetVrAbsMaxMS()
}

func checkGateOutlierMAD(r *RayMeasurement, ctx *GateContext, _ *Params) bool {
	return !ctx.MadFailByKey[r.Key()]
}

func checkAzimuthCoverage(r *RayMeasurement, ctx *GateContext, p *Params) bool {
	cov := ctx.CoverageByGate[r.RangeGateIndex]
	return cov.UniqueAzimuths >= p.GetMinRaysPerGate() && cov.SpanDeg >= p.GetMinSpanDegQC()
}

func checkVerticalConsistency(r *RayMeasurement, ctx *GateContext, p *Params) bool {
	val, ok := ctx.VertMetricByGate[r.RangeGateIndex]
	// Gates without usable neighbours are not penalised.
	return !ok || val <= p.GetVertConsistMaxMS()
}

func checkGateBinFill(r *RayMeasurement, ctx *GateContext, p *Params) bool {
	return ctx.NonemptyAzBinsByGate[r.RangeGateIndex] >= p.GetMinNonemptyAzBins()
}
