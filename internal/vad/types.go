package vad

import (
	"fmt"
	"strings"
)

// FitStatus is the terminal state of one gate fit.
type FitStatus string

const (
	// StatusOK means a finite (u,v,w) solution was produced.
	StatusOK FitStatus = "ok"
	// StatusInsufficientSamples means fewer than three QC-passed rays were
	// available, so no solve was attempted.
	StatusInsufficientSamples FitStatus = "insufficient_samples"
	// StatusNoElevation means at least one selected ray had no elevation angle.
	StatusNoElevation FitStatus = "no_elevation"
	// StatusSolveFail means the numerical solve could not produce a finite,
	// stable solution.
	StatusSolveFail FitStatus = "solve_fail"
)

// WarnFlag annotates an otherwise-ok fit with a quality concern. Flags never
// change the fit status.
type WarnFlag string

const (
	WarnIllConditioned WarnFlag = "ILLCOND"
	WarnLowSpan        WarnFlag = "LOWSPAN"
	WarnLowR2          WarnFlag = "LOWR2"
	WarnLowRank        WarnFlag = "LOWRANK"
)

// JoinWarnFlags renders flags as the CSV form stored in vad_gate_fit.
func JoinWarnFlags(flags []WarnFlag) string {
	if len(flags) == 0 {
		return ""
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

// RayMeasurement is one (ray, range gate) sample from a wind-profile scan.
// Nullable instrument fields are pointers so QC rules can distinguish a
// missing value from zero; the triplet (HeaderID, RayIdx, RangeGateIndex)
// identifies the sample.
type RayMeasurement struct {
	HeaderID       int64
	RayIdx         int
	RangeGateIndex int

	DopplerMS         *float64 // radial velocity, m/s
	IntensitySNRPlus1 *float64
	Beta              *float64 // attenuated backscatter, m^-1 sr^-1
	SpectralWidthMS   *float64
	DecimalTimeHours  *float64
	AzimuthDeg        *float64
	ElevationDeg      *float64
	PitchDeg          *float64
	RollDeg           *float64

	// CenterOfGateM is recomputed at load time from the header's gate length
	// rather than read from a storage-side derived column.
	CenterOfGateM float64

	// QcSelected reflects the stored verdict of the last QC pass. Fit-only
	// runs trust it instead of re-evaluating rules.
	QcSelected bool
}

// Key returns the unique identity of the measurement within a header.
func (r *RayMeasurement) Key() RayKey {
	return RayKey{HeaderID: r.HeaderID, RayIdx: r.RayIdx, RangeGateIndex: r.RangeGateIndex}
}

// RayKey identifies one gate sample.
type RayKey struct {
	HeaderID       int64
	RayIdx         int
	RangeGateIndex int
}

func (k RayKey) String() string {
	return fmt.Sprintf("header=%d ray=%d gate=%d", k.HeaderID, k.RayIdx, k.RangeGateIndex)
}

// QcRule is one row of the vad_rule_qc table: a named predicate applied to
// every ray before fitting. Rules are evaluated in ascending RuleOrder.
type QcRule struct {
	RuleID      int64
	DefName     string
	Code        string
	Description string
	IsActive    bool
	RuleOrder   int
}

// QcVerdict is the outcome of evaluating the active rule set against one ray.
// A ray is selected only when it fails zero rules. FailedRuleIDs preserves
// rule evaluation order; rules do not short-circuit.
type QcVerdict struct {
	Selected        bool
	FailedRuleIDs   []int64
	FailedRuleCount int
}

// FailedRulesCSV renders the failed rule IDs as the CSV form stored on the
// gate row, or "" when the ray passed.
func (v QcVerdict) FailedRulesCSV() string {
	if len(v.FailedRuleIDs) == 0 {
		return ""
	}
	parts := make([]string, len(v.FailedRuleIDs))
	for i, id := range v.FailedRuleIDs {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

// SolveOutcome carries the raw solver products for one gate before warning
// classification. U/V/W are nil unless Status is StatusOK.
type SolveOutcome struct {
	Status FitStatus

	UMS *float64
	VMS *float64
	WMS *float64

	SpeedMS *float64
	DirDeg  *float64 // meteorological "from" direction, 0 = north, clockwise

	R2     *float64
	RMSEMS *float64

	// SingularValues are in descending order; nil when the SVD was not
	// attempted or did not converge.
	SingularValues []float64
	// CondNum is sigma_max/sigma_min. +Inf when the smallest singular value
	// is (numerically) zero.
	CondNum *float64
	ARank   *int
}

// FitResult is one persisted row of vad_gate_fit, keyed by
// (RunID, HeaderID, RangeGateIndex).
type FitResult struct {
	RunID          string
	HeaderID       int64
	RangeGateIndex int

	Status FitStatus

	UMS     *float64
	VMS     *float64
	WMS     *float64
	SpeedMS *float64
	DirDeg  *float64
	R2      *float64
	RMSEMS  *float64

	NTotalRays    int
	NSelectedRays int

	// Parallel sequences describing the selected rays, in selection order,
	// one entry per ray. A missing angle is NaN so the sequences never fall
	// out of alignment.
	SelectedRayIdx        []int
	SelectedAzimuthsDeg   []float64
	SelectedElevationsDeg []float64

	SingularValues []float64
	CondNum        *float64
	ARank          *int
	AzSpanDeg      float64

	WarnFlags []WarnFlag

	RuleTag     string
	CodeVersion string
	ParamsJSON  string
}
