package vad

import (
	"math"
	"testing"
)

func TestNorm360(t *testing.T) {
	cases := []struct {
		in, tol, want float64
	}{
		{0, 0, 0},
		{360, 0, 0},
		{-90, 0, 270},
		{725, 0, 5},
		{359.95, 0.1, 0},  // snaps across the wrap
		{0.05, 0.1, 0},    // snaps from above zero
		{359.8, 0.1, 359.8},
	}
	for _, tc := range cases {
		if got := norm360(tc.in, tc.tol); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("norm360(%g, %g) = %g, want %g", tc.in, tc.tol, got, tc.want)
		}
	}
}

func TestCircularSpanDeg(t *testing.T) {
	cases := []struct {
		name   string
		angles []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{42}, 0},
		{"quadrants", []float64{0, 90, 180, 270}, 270},
		{"tight cluster", []float64{10, 20}, 10},
		{"wraps zero", []float64{350, 10}, 20},
		{"even hexagon", []float64{0, 60, 120, 180, 240, 300}, 300},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := circularSpanDeg(tc.angles); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("span(%v) = %g, want %g", tc.angles, got, tc.want)
			}
		})
	}
}

func TestMedianAndMAD(t *testing.T) {
	vals := []float64{1, 9, 2, 8, 5}
	if got := median(vals); got != 5 {
		t.Errorf("median = %g, want 5", got)
	}
	even := []float64{1, 2, 3, 4}
	if got := median(even); got != 2.5 {
		t.Errorf("even median = %g, want 2.5", got)
	}
	// median(|x - 5|) over {4, 4, 3, 3, 0} = 3
	if got := mad(vals, 5); got != 3 {
		t.Errorf("mad = %g, want 3", got)
	}
	// median must not reorder the caller's slice
	if vals[0] != 1 || vals[4] != 5 {
		t.Error("median mutated its input")
	}
}

func TestBuildGateContextCoverage(t *testing.T) {
	p := &Params{}
	rays := []RayMeasurement{
		fullRay(0, 2, 0),
		fullRay(1, 2, 90),
		fullRay(2, 2, 180),
		fullRay(3, 2, 270),
	}
	gctx := BuildGateContext(rays, 1.0, p)

	cov := gctx.CoverageByGate[2]
	if cov.UniqueAzimuths != 4 {
		t.Errorf("unique azimuths = %d, want 4", cov.UniqueAzimuths)
	}
	if math.Abs(cov.SpanDeg-270) > 1e-9 {
		t.Errorf("span = %g, want 270", cov.SpanDeg)
	}
	if gctx.NonemptyAzBinsByGate[2] != 4 {
		t.Errorf("bins = %d, want 4", gctx.NonemptyAzBinsByGate[2])
	}
}

func TestBuildGateContextDuplicateSnapping(t *testing.T) {
	p := &Params{}
	rays := []RayMeasurement{
		fullRay(0, 0, 359.95), // wraps onto 0
		fullRay(1, 0, 0.0),
		fullRay(2, 0, 120),
		fullRay(3, 0, 240),
	}
	gctx := BuildGateContext(rays, 1.0, p)

	cov := gctx.CoverageByGate[0]
	if cov.UniqueAzimuths != 3 {
		t.Fatalf("expected wrap-around duplicate to collapse, got %d unique", cov.UniqueAzimuths)
	}

	dups := 0
	for i := range rays {
		if gctx.AzDupByKey[rays[i].Key()] {
			dups++
		}
	}
	if dups != 1 {
		t.Errorf("expected exactly one duplicate ray, got %d", dups)
	}
}

func TestBuildGateContextVerticalNeighbours(t *testing.T) {
	p := &Params{}
	var rays []RayMeasurement
	for gate, med := range []float64{2.0, 4.0, 6.0} {
		for i, az := range []float64{0, 120, 240} {
			r := fullRay(i, gate, az)
			vr := med
			r.DopplerMS = &vr
			rays = append(rays, r)
		}
	}
	gctx := BuildGateContext(rays, 1.0, p)

	// Gate 1's neighbours are gates 0 and 2: mean 4.0, deviation 0.
	if got := gctx.VertMetricByGate[1]; math.Abs(got) > 1e-9 {
		t.Errorf("middle gate metric = %g, want 0", got)
	}
	// Gate 0's only neighbour is gate 1: |2 - 4| = 2.
	if got := gctx.VertMetricByGate[0]; math.Abs(got-2.0) > 1e-9 {
		t.Errorf("edge gate metric = %g, want 2", got)
	}
}

func TestBuildGateContextSingleGateHasNoVertMetric(t *testing.T) {
	p := &Params{}
	rays := []RayMeasurement{
		fullRay(0, 7, 0),
		fullRay(1, 7, 120),
		fullRay(2, 7, 240),
	}
	gctx := BuildGateContext(rays, 1.0, p)
	if _, ok := gctx.VertMetricByGate[7]; ok {
		t.Error("a gate without neighbours must not get a vertical metric")
	}
}
