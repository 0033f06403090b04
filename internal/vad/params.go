package vad

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CodeVersion is stamped onto every fit result for provenance. Bump it
// whenever the retrieval maths or selection policy changes.
const CodeVersion = "go-vad-1.0.0"

// ErrConfig marks configuration errors detected at run start. The
// orchestrator rejects the whole run before processing any gate.
var ErrConfig = errors.New("invalid run configuration")

// Params is the run-scoped tuning surface for QC, selection and fitting.
// The schema matches the JSON accepted by the `fit` and `qc` commands, so
// the same file can configure both. Fields are pointers so a partial config
// keeps the documented defaults; the Get* accessors provide the fallbacks.
//
// A Params value is snapshotted at run start together with the active rule
// set; edits to the live rule table never affect a run in flight.
type Params struct {
	// Selection / fit
	MaxSelectedRays      *int     `json:"max_selected_rays,omitempty"`
	MinElevationRequired *bool    `json:"min_elevation_required,omitempty"`
	IllConditionThresh   *float64 `json:"ill_condition_threshold,omitempty"`
	MinAzimuthSpanDeg    *float64 `json:"min_azimuth_span_deg,omitempty"`
	MinR2                *float64 `json:"min_r2,omitempty"`
	RankTolerance        *float64 `json:"rank_tolerance,omitempty"`
	RuleTag              *string  `json:"rule_tag,omitempty"`
	Workers              *int     `json:"workers,omitempty"`

	// Per-ray QC thresholds
	SnrMin            *float64 `json:"snr_min,omitempty"`
	SpectralWidthK    *float64 `json:"spectral_width_k,omitempty"`
	TiltAbsMaxDeg     *float64 `json:"tilt_abs_max_deg,omitempty"`
	ElevMinDeg        *float64 `json:"elev_min_deg,omitempty"`
	ElevMaxDeg        *float64 `json:"elev_max_deg,omitempty"`
	AzDupTolDeg       *float64 `json:"az_dup_tol_deg,omitempty"`
	VrAbsMaxMS        *float64 `json:"vr_abs_max_ms,omitempty"`
	MadK              *float64 `json:"mad_k,omitempty"`
	MinRaysPerGate    *int     `json:"min_rays_per_gate,omitempty"`
	MinSpanDegQC      *float64 `json:"min_span_deg_qc,omitempty"`
	AzBinDeg          *float64 `json:"az_bin_deg,omitempty"`
	MinNonemptyAzBins *int     `json:"min_nonempty_az_bins,omitempty"`
	VertConsistMaxMS  *float64 `json:"vert_consist_max_ms,omitempty"`
}

// LoadParams reads a Params JSON file. Omitted fields keep their defaults.
func LoadParams(path string) (*Params, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("params file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}
	p := &Params{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse params JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects configurations under which every gate would trivially
// fail. Errors wrap ErrConfig so callers can distinguish them from per-gate
// data problems.
func (p *Params) Validate() error {
	if n := p.GetMaxSelectedRays(); n < 3 {
		return fmt.Errorf("%w: max_selected_rays must be >= 3, got %d", ErrConfig, n)
	}
	if tol := p.GetRankTolerance(); tol <= 0 || tol >= 1 {
		return fmt.Errorf("%w: rank_tolerance must be in (0,1), got %g", ErrConfig, tol)
	}
	if thr := p.GetIllConditionThresh(); thr <= 1 {
		return fmt.Errorf("%w: ill_condition_threshold must be > 1, got %g", ErrConfig, thr)
	}
	if span := p.GetMinAzimuthSpanDeg(); span < 0 || span > 360 {
		return fmt.Errorf("%w: min_azimuth_span_deg must be in [0,360], got %g", ErrConfig, span)
	}
	if w := p.GetWorkers(); w < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrConfig, w)
	}
	return nil
}

// MarshalSnapshot renders the effective configuration (defaults applied) as
// the params_json stamped onto each fit result.
func (p *Params) MarshalSnapshot() string {
	snap := map[string]interface{}{
		"max_selected_rays":       p.GetMaxSelectedRays(),
		"min_elevation_required":  p.GetMinElevationRequired(),
		"ill_condition_threshold": p.GetIllConditionThresh(),
		"min_azimuth_span_deg":    p.GetMinAzimuthSpanDeg(),
		"min_r2":                  p.GetMinR2(),
		"rank_tolerance":          p.GetRankTolerance(),
		"snr_min":                 p.GetSnrMin(),
		"spectral_width_k":        p.GetSpectralWidthK(),
		"tilt_abs_max_deg":        p.GetTiltAbsMaxDeg(),
		"elev_min_deg":            p.GetElevMinDeg(),
		"elev_max_deg":            p.GetElevMaxDeg(),
		"az_dup_tol_deg":          p.GetAzDupTolDeg(),
		"vr_abs_max_ms":           p.GetVrAbsMaxMS(),
		"mad_k":                   p.GetMadK(),
		"min_rays_per_gate":       p.GetMinRaysPerGate(),
		"min_span_deg_qc":         p.GetMinSpanDegQC(),
		"az_bin_deg":              p.GetAzBinDeg(),
		"min_nonempty_az_bins":    p.GetMinNonemptyAzBins(),
		"vert_consist_max_ms":     p.GetVertConsistMaxMS(),
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// GetMaxSelectedRays returns the ray selection cap or the default.
func (p *Params) GetMaxSelectedRays() int {
	if p.MaxSelectedRays == nil {
		return 6
	}
	return *p.MaxSelectedRays
}

// GetMinElevationRequired reports whether a selected ray without an
// elevation angle aborts the gate with StatusNoElevation.
func (p *Params) GetMinElevationRequired() bool {
	if p.MinElevationRequired == nil {
		return true
	}
	return *p.MinElevationRequired
}

// GetIllConditionThresh returns the condition-number warning threshold.
func (p *Params) GetIllConditionThresh() float64 {
	if p.IllConditionThresh == nil {
		return 1e6
	}
	return *p.IllConditionThresh
}

// GetMinAzimuthSpanDeg returns the minimum circular azimuth coverage below
// which LOWSPAN is raised.
func (p *Params) GetMinAzimuthSpanDeg() float64 {
	if p.MinAzimuthSpanDeg == nil {
		return 120.0
	}
	return *p.MinAzimuthSpanDeg
}

// GetMinR2 returns the fit quality floor below which LOWR2 is raised.
func (p *Params) GetMinR2() float64 {
	if p.MinR2 == nil {
		return 0.5
	}
	return *p.MinR2
}

// GetRankTolerance returns the relative singular-value cutoff for rank
// estimation. Explicit so rank behaviour is reproducible rather than a
// library default.
func (p *Params) GetRankTolerance() float64 {
	if p.RankTolerance == nil {
		return 1e-10
	}
	return *p.RankTolerance
}

// GetRuleTag returns the free-text signature of the active rule set.
func (p *Params) GetRuleTag() string {
	if p.RuleTag == nil || *p.RuleTag == "" {
		return "default"
	}
	return *p.RuleTag
}

// GetWorkers returns the gate worker pool size.
func (p *Params) GetWorkers() int {
	if p.Workers == nil {
		return 4
	}
	return *p.Workers
}

// GetSnrMin returns the minimum SNR (intensity - 1) for a ray to pass QC.
func (p *Params) GetSnrMin() float64 {
	if p.SnrMin == nil {
		return 0.015
	}
	return *p.SnrMin
}

// GetSpectralWidthK returns the multiplier on the instrument spectral width
// used as the per-ray spectral width ceiling.
func (p *Params) GetSpectralWidthK() float64 {
	if p.SpectralWidthK == nil {
		return 1.5
	}
	return *p.SpectralWidthK
}

// GetTiltAbsMaxDeg returns the maximum absolute pitch/roll.
func (p *Params) GetTiltAbsMaxDeg() float64 {
	if p.TiltAbsMaxDeg == nil {
		return 2.0
	}
	return *p.TiltAbsMaxDeg
}

// GetElevMinDeg returns the lower elevation bound.
func (p *Params) GetElevMinDeg() float64 {
	if p.ElevMinDeg == nil {
		return 10.0
	}
	return *p.ElevMinDeg
}

// GetElevMaxDeg returns the upper elevation bound. Vertically pointing rays
// carry no horizontal information, hence the default just below 90.
func (p *Params) GetElevMaxDeg() float64 {
	if p.ElevMaxDeg == nil {
		return 89.9
	}
	return *p.ElevMaxDeg
}

// GetAzDupTolDeg returns the tolerance for snapping near-duplicate azimuths.
func (p *Params) GetAzDupTolDeg() float64 {
	if p.AzDupTolDeg == nil {
		return 0.1
	}
	return *p.AzDupTolDeg
}

// GetVrAbsMaxMS returns the absolute radial velocity ceiling.
func (p *Params) GetVrAbsMaxMS() float64 {
	if p.VrAbsMaxMS == nil {
		return 60.0
	}
	return *p.VrAbsMaxMS
}

// GetMadK returns the MAD outlier cutoff in robust sigma units.
func (p *Params) GetMadK() float64 {
	if p.MadK == nil {
		return 3.5
	}
	return *p.MadK
}

// GetMinRaysPerGate returns the minimum unique-azimuth count for a gate to
// pass the coverage rule.
func (p *Params) GetMinRaysPerGate() int {
	if p.MinRaysPerGate == nil {
		return 3
	}
	return *p.MinRaysPerGate
}

// GetMinSpanDegQC returns the per-gate coverage span required by QC. This is
// independent of GetMinAzimuthSpanDeg, which only raises a warning flag on
// the fit.
func (p *Params) GetMinSpanDegQC() float64 {
	if p.MinSpanDegQC == nil {
		return 120.0
	}
	return *p.MinSpanDegQC
}

// GetAzBinDeg returns the azimuth histogram bin width for the bin-fill rule.
func (p *Params) GetAzBinDeg() float64 {
	if p.AzBinDeg == nil {
		return 10.0
	}
	return *p.AzBinDeg
}

// GetMinNonemptyAzBins returns the minimum populated azimuth bin count.
func (p *Params) GetMinNonemptyAzBins() int {
	if p.MinNonemptyAzBins == nil {
		return 3
	}
	return *p.MinNonemptyAzBins
}

// GetVertConsistMaxMS returns the maximum deviation of a gate's median
// radial velocity from its vertical neighbours.
func (p *Params) GetVertConsistMaxMS() float64 {
	if p.VertConsistMaxMS == nil {
		return 2.0
	}
	return *p.VertConsistMaxMS
}
