package vad

import (
	"math"
	"sort"
)

// SelectRays picks up to maxSelected rays from the QC-passed candidates at
// one range gate.
//
// When the candidate set fits the cap, all rays are returned (ordered by
// ray index). Otherwise the subset is chosen to maximise circular azimuth
// coverage, because the angular span directly conditions the fit:
//
//  1. seed with the highest-SNR directed ray (ties: lowest ray index);
//  2. lay out maxSelected evenly spaced target angles anchored at the
//     seed's azimuth; each remaining slot takes the unclaimed directed
//     candidate nearest its target, breaking distance ties by higher SNR
//     and then lower ray index.
//
// Even spacing minimises the largest azimuth gap a subset of that size can
// leave, which is exactly what the circular span measures. The policy is
// deterministic and is pinned by tests; changing it changes az_span_deg and
// therefore the LOWSPAN warning. Candidates without an azimuth are only
// taken once every directed candidate is exhausted.
//
// Zero candidates yields an empty (non-nil error-free) result; the solver
// maps that to StatusInsufficientSamples.
func SelectRays(candidates []RayMeasurement, maxSelected int) []RayMeasurement {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= maxSelected {
		out := make([]RayMeasurement, len(candidates))
		copy(out, candidates)
		sort.SliceStable(out, func(i, j int) bool { return out[i].RayIdx < out[j].RayIdx })
		return out
	}

	// Stable candidate order: SNR descending, ray index ascending. This is
	// the seed order and the final tie-break everywhere below.
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		si, sj := snrOf(&candidates[order[a]]), snrOf(&candidates[order[b]])
		if si != sj {
			return si > sj
		}
		return candidates[order[a]].RayIdx < candidates[order[b]].RayIdx
	})

	selected := make([]RayMeasurement, 0, maxSelected)
	taken := make([]bool, len(candidates))

	// Seed: best SNR among the directed candidates, falling back to the
	// overall best when no ray carries an azimuth.
	seed := order[0]
	for _, ci := range order {
		if candidates[ci].AzimuthDeg != nil {
			seed = ci
			break
		}
	}
	selected = append(selected, candidates[seed])
	taken[seed] = true

	if candidates[seed].AzimuthDeg != nil {
		seedAz := norm360(*candidates[seed].AzimuthDeg, 0)
		step := 360.0 / float64(maxSelected)
		for slot := 1; slot < maxSelected; slot++ {
			target := math.Mod(seedAz+float64(slot)*step, 360)
			bestIdx := -1
			bestDist := math.Inf(1)
			for _, ci := range order {
				if taken[ci] || candidates[ci].AzimuthDeg == nil {
					continue
				}
				d := math.Abs(norm360(*candidates[ci].AzimuthDeg, 0) - target)
				d = math.Min(d, 360-d)
				if d < bestDist {
					bestDist = d
					bestIdx = ci
				}
			}
			if bestIdx < 0 {
				break
			}
			selected = append(selected, candidates[bestIdx])
			taken[bestIdx] = true
		}
	}

	// Fill any remaining capacity in SNR order. Only azimuth-less rays can
	// be left at this point, so they land strictly after the directed set.
	for _, ci := range order {
		if len(selected) >= maxSelected {
			break
		}
		if taken[ci] {
			continue
		}
		selected = append(selected, candidates[ci])
		taken[ci] = true
	}
	return selected
}

func snrOf(r *RayMeasurement) float64 {
	if r.IntensitySNRPlus1 == nil {
		return math.Inf(-1)
	}
	return *r.IntensitySNRPlus1
}
