package vad

import (
	"math"
	"sort"
)

// GateContext carries the per-header aggregates that gate- and
// header-scoped QC rules read. It is computed once per header before rule
// evaluation so every rule stays a pure predicate.
type GateContext struct {
	// InstrumentSpectralWidthMS is the instrument's reported spectral width,
	// used as the baseline for the spectral-width ceiling. Zero when the
	// header did not report one.
	InstrumentSpectralWidthMS float64

	// AzDupByKey marks rays whose azimuth collapses onto an earlier ray's
	// canonical azimuth within the duplicate tolerance.
	AzDupByKey map[RayKey]bool

	// MadFailByKey marks rays whose radial velocity is a robust outlier
	// within their gate.
	MadFailByKey map[RayKey]bool

	// CoverageByGate holds the unique-azimuth count and circular span per
	// range gate.
	CoverageByGate map[int]GateCoverage

	// NonemptyAzBinsByGate counts populated azimuth histogram bins per gate.
	NonemptyAzBinsByGate map[int]int

	// VertMetricByGate is the absolute deviation of the gate's median radial
	// velocity from the mean of its vertical neighbours' medians. Gates with
	// no usable neighbours are absent.
	VertMetricByGate map[int]float64
}

// GateCoverage summarises azimuthal sampling of one range gate.
type GateCoverage struct {
	UniqueAzimuths int
	SpanDeg        float64
}

// BuildGateContext precomputes the gate aggregates for one header's rays.
// instrumentSW may be zero when the header did not report a spectral width.
func BuildGateContext(rays []RayMeasurement, instrumentSW float64, p *Params) *GateContext {
	ctx := &GateContext{
		InstrumentSpectralWidthMS: instrumentSW,
		AzDupByKey:                make(map[RayKey]bool),
		MadFailByKey:              make(map[RayKey]bool),
		CoverageByGate:            make(map[int]GateCoverage),
		NonemptyAzBinsByGate:      make(map[int]int),
		VertMetricByGate:          make(map[int]float64),
	}

	byGate := make(map[int][]*RayMeasurement)
	for i := range rays {
		r := &rays[i]
		byGate[r.RangeGateIndex] = append(byGate[r.RangeGateIndex], r)
	}

	tol := p.GetAzDupTolDeg()
	binDeg := p.GetAzBinDeg()
	madK := p.GetMadK()

	gateMedians := make(map[int]float64)
	hasMedian := make(map[int]bool)

	for gi, gateRays := range byGate {
		uniq := snapAzimuths(gateRays, tol, ctx.AzDupByKey)

		ctx.CoverageByGate[gi] = GateCoverage{
			UniqueAzimuths: len(uniq),
			SpanDeg:        circularSpanDeg(uniq),
		}

		bins := make(map[int]struct{})
		for _, az := range uniq {
			bins[int(az/binDeg)] = struct{}{}
		}
		ctx.NonemptyAzBinsByGate[gi] = len(bins)

		var vrs []float64
		for _, r := range gateRays {
			if r.DopplerMS != nil {
				vrs = append(vrs, *r.DopplerMS)
			}
		}
		if len(vrs) == 0 {
			continue
		}
		med := median(vrs)
		gateMedians[gi] = med
		hasMedian[gi] = true

		// Floor the MAD so a gate of near-identical velocities does not
		// reject every ray.
		m := math.Max(mad(vrs, med), 0.05)
		for _, r := range gateRays {
			fail := r.DopplerMS == nil ||
				math.Abs(*r.DopplerMS-med)/(1.4826*m) > madK
			ctx.MadFailByKey[r.Key()] = fail
		}
	}

	// Vertical consistency: compare each gate's median against the mean of
	// its immediate vertical neighbours.
	gates := make([]int, 0, len(byGate))
	for gi := range byGate {
		gates = append(gates, gi)
	}
	sort.Ints(gates)
	for idx, gi := range gates {
		if !hasMedian[gi] {
			continue
		}
		var nbrs []float64
		for _, step := range []int{-1, 1} {
			j := idx + step
			if j < 0 || j >= len(gates) {
				continue
			}
			if hasMedian[gates[j]] {
				nbrs = append(nbrs, gateMedians[gates[j]])
			}
		}
		if len(nbrs) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range nbrs {
			sum += v
		}
		ctx.VertMetricByGate[gi] = math.Abs(gateMedians[gi] - sum/float64(len(nbrs)))
	}

	return ctx
}

// snapAzimuths normalises azimuths to [0,360), collapses values within tol
// of an earlier canonical azimuth, records duplicates into dupOut, and
// returns the sorted canonical azimuths of the gate.
func snapAzimuths(gateRays []*RayMeasurement, tol float64, dupOut map[RayKey]bool) []float64 {
	type entry struct {
		key RayKey
		az  float64
		ok  bool
	}
	entries := make([]entry, 0, len(gateRays))
	for _, r := range gateRays {
		e := entry{key: r.Key()}
		if r.AzimuthDeg != nil {
			e.az = norm360(*r.AzimuthDeg, tol)
			e.ok = true
		}
		entries = append(entries, e)
	}
	// Process in azimuth order so the lowest azimuth of a duplicate cluster
	// becomes the canonical one, deterministically.
	sort.SliceStable(entries, func(i, j int) bool {
		ai, aj := math.Inf(1), math.Inf(1)
		if entries[i].ok {
			ai = entries[i].az
		}
		if entries[j].ok {
			aj = entries[j].az
		}
		return ai < aj
	})

	var seen []float64
	for _, e := range entries {
		if !e.ok {
			dupOut[e.key] = true
			continue
		}
		dup := false
		for _, c := range seen {
			d := math.Abs(e.az - c)
			if math.Min(d, 360-d) <= tol {
				dup = true
				break
			}
		}
		if dup {
			dupOut[e.key] = true
		} else {
			seen = append(seen, e.az)
			dupOut[e.key] = false
		}
	}
	sort.Float64s(seen)
	return seen
}

// norm360 maps an angle to [0,360), snapping values within tol of 0 or 360
// onto exactly 0 so wrap-around duplicates collapse.
func norm360(a, tol float64) float64 {
	a = math.Mod(a, 360.0)
	if a < 0 {
		a += 360.0
	}
	if math.Abs(a-360.0) <= tol || math.Abs(a) <= tol {
		return 0.0
	}
	return a
}

// circularSpanDeg returns the circular angular coverage of the given
// azimuths: 360 minus the largest gap between adjacent angles on the
// circle. Zero or one angle gives zero span.
func circularSpanDeg(anglesDeg []float64) float64 {
	if len(anglesDeg) <= 1 {
		return 0.0
	}
	a := make([]float64, len(anglesDeg))
	for i, v := range anglesDeg {
		a[i] = math.Mod(v, 360.0)
		if a[i] < 0 {
			a[i] += 360.0
		}
	}
	sort.Float64s(a)
	maxGap := a[0] + 360.0 - a[len(a)-1]
	for i := 1; i < len(a); i++ {
		if gap := a[i] - a[i-1]; gap > maxGap {
			maxGap = gap
		}
	}
	span := 360.0 - maxGap
	return math.Max(0.0, math.Min(360.0, span))
}

// median returns the median of values. It copies the input.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// mad returns the median absolute deviation about med.
func mad(values []float64, med float64) float64 {
	if len(values) == 0 {
		return 0
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return median(dev)
}
