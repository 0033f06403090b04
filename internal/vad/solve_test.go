package vad

import (
	"math"
	"testing"
)

// synthRay builds a gate sample whose radial velocity is consistent with
// the wind vector (u, v, w) at the given beam geometry.
func synthRay(idx int, azDeg, elDeg, u, v, w float64) RayMeasurement {
	theta := azDeg * math.Pi / 180
	eps := elDeg * math.Pi / 180
	vr := u*math.Sin(theta)*math.Cos(eps) + v*math.Cos(theta)*math.Cos(eps) + w*math.Sin(eps)
	snr := 1.2
	return RayMeasurement{
		RayIdx:            idx,
		RangeGateIndex:    5,
		DopplerMS:         &vr,
		AzimuthDeg:        &azDeg,
		ElevationDeg:      &elDeg,
		IntensitySNRPlus1: &snr,
	}
}

func TestSolveRecoversSyntheticWind(t *testing.T) {
	const u, v, w = 5.0, 2.0, 0.5
	var rays []RayMeasurement
	for i, az := range []float64{0, 60, 120, 180, 240, 300} {
		rays = append(rays, synthRay(i, az, 75, u, v, w))
	}

	out := Solve(rays, &Params{})
	if out.Status != StatusOK {
		t.Fatalf("expected ok, got %s", out.Status)
	}
	if math.Abs(*out.UMS-u) > 1e-6 || math.Abs(*out.VMS-v) > 1e-6 || math.Abs(*out.WMS-w) > 1e-6 {
		t.Fatalf("wind mismatch: got (%g, %g, %g), want (%g, %g, %g)",
			*out.UMS, *out.VMS, *out.WMS, u, v, w)
	}
	if *out.R2 < 1.0-1e-9 {
		t.Errorf("expected R2 ~ 1 for noiseless data, got %g", *out.R2)
	}
	if *out.RMSEMS > 1e-6 {
		t.Errorf("expected near-zero RMSE, got %g", *out.RMSEMS)
	}
	if *out.ARank != 3 {
		t.Errorf("expected full rank 3, got %d", *out.ARank)
	}
	if math.IsInf(*out.CondNum, 1) {
		t.Errorf("expected finite condition number for a well-spread scan")
	}
	if len(out.SingularValues) != 3 {
		t.Errorf("expected 3 singular values, got %d", len(out.SingularValues))
	}
	for i := 1; i < len(out.SingularValues); i++ {
		if out.SingularValues[i] > out.SingularValues[i-1] {
			t.Errorf("singular values not descending: %v", out.SingularValues)
		}
	}
}

func TestSolveSpeedAndDirection(t *testing.T) {
	cases := []struct {
		name    string
		u, v    float64
		wantDir float64
	}{
		{"from north", 0, -3, 0},
		{"from east", -3, 0, 90},
		{"from south", 0, 3, 180},
		{"from west", 3, 0, 270},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rays []RayMeasurement
			for i, az := range []float64{10, 100, 190, 280} {
				rays = append(rays, synthRay(i, az, 70, tc.u, tc.v, 0))
			}
			out := Solve(rays, &Params{})
			if out.Status != StatusOK {
				t.Fatalf("expected ok, got %s", out.Status)
			}
			wantSpeed := math.Hypot(*out.UMS, *out.VMS)
			if math.Abs(*out.SpeedMS-wantSpeed) > 1e-9 {
				t.Errorf("speed %g is not hypot(u, v) = %g", *out.SpeedMS, wantSpeed)
			}
			if math.Abs(*out.DirDeg-tc.wantDir) > 1e-6 {
				t.Errorf("dir = %g, want %g", *out.DirDeg, tc.wantDir)
			}
			if *out.DirDeg < 0 || *out.DirDeg >= 360 {
				t.Errorf("dir %g outside [0, 360)", *out.DirDeg)
			}
		})
	}
}

func TestSolveInsufficientSamples(t *testing.T) {
	rays := []RayMeasurement{
		synthRay(0, 0, 75, 5, 2, 0),
		synthRay(1, 120, 75, 5, 2, 0),
	}
	out := Solve(rays, &Params{})
	if out.Status != StatusInsufficientSamples {
		t.Fatalf("expected insufficient_samples for 2 rays, got %s", out.Status)
	}
	if out.UMS != nil || out.SingularValues != nil {
		t.Errorf("expected no solver products on early exit")
	}
}

func TestSolveNoElevation(t *testing.T) {
	rays := []RayMeasurement{
		synthRay(0, 0, 75, 5, 2, 0),
		synthRay(1, 120, 75, 5, 2, 0),
		synthRay(2, 240, 75, 5, 2, 0),
	}
	rays[1].ElevationDeg = nil

	out := Solve(rays, &Params{})
	if out.Status != StatusNoElevation {
		t.Fatalf("expected no_elevation with required elevation, got %s", out.Status)
	}
}

func TestSolveElevationOptionalDropsRays(t *testing.T) {
	rays := []RayMeasurement{
		synthRay(0, 0, 75, 5, 2, 0),
		synthRay(1, 120, 75, 5, 2, 0),
		synthRay(2, 240, 75, 5, 2, 0),
	}
	rays[1].ElevationDeg = nil

	required := false
	out := Solve(rays, &Params{MinElevationRequired: &required})
	// Dropping the elevation-less ray leaves 2, below the solve floor.
	if out.Status != StatusInsufficientSamples {
		t.Fatalf("expected insufficient_samples after dropping, got %s", out.Status)
	}
}

func TestSolveRankDeficientGeometry(t *testing.T) {
	// Every beam along the same azimuth: the design matrix has rank < 3 but
	// a minimum-norm solution still exists.
	var rays []RayMeasurement
	for i := 0; i < 4; i++ {
		rays = append(rays, synthRay(i, 90, 75, 4, 0, 0))
	}

	p := &Params{}
	out := Solve(rays, p)
	if out.Status != StatusOK {
		t.Fatalf("expected ok for rank-deficient geometry, got %s", out.Status)
	}
	if *out.ARank >= 3 {
		t.Fatalf("expected deficient rank, got %d", *out.ARank)
	}
	if !math.IsInf(*out.CondNum, 1) {
		t.Errorf("expected infinite condition number, got %g", *out.CondNum)
	}

	flags := Classify(out, 0, p)
	found := false
	for _, f := range flags {
		if f == WarnLowRank {
			found = true
		}
	}
	if !found {
		t.Errorf("expected LOWRANK flag, got %v", flags)
	}
}

func TestSolveConstantTargets(t *testing.T) {
	// Purely vertical wind gives a constant radial velocity across azimuths;
	// SS_tot vanishes but the fit is exact, so R2 is defined as 1.
	var rays []RayMeasurement
	for i, az := range []float64{0, 120, 240} {
		rays = append(rays, synthRay(i, az, 75, 0, 0, 2))
	}
	out := Solve(rays, &Params{})
	if out.Status != StatusOK {
		t.Fatalf("expected ok, got %s", out.Status)
	}
	if *out.R2 != 1.0 {
		t.Errorf("expected R2 = 1 for an exact constant-target fit, got %g", *out.R2)
	}
}

func TestSolveRejectsNonFiniteInput(t *testing.T) {
	rays := []RayMeasurement{
		synthRay(0, 0, 75, 5, 2, 0),
		synthRay(1, 120, 75, 5, 2, 0),
		synthRay(2, 240, 75, 5, 2, 0),
	}
	bad := math.NaN()
	rays[2].DopplerMS = &bad

	out := Solve(rays, &Params{})
	if out.Status != StatusSolveFail {
		t.Fatalf("expected solve_fail for NaN doppler, got %s", out.Status)
	}
}

func TestSolveDeterministic(t *testing.T) {
	var rays []RayMeasurement
	for i, az := range []float64{5, 77, 141, 198, 263, 340} {
		rays = append(rays, synthRay(i, az, 62, -3.2, 7.9, 0.1))
	}
	a := Solve(rays, &Params{})
	b := Solve(rays, &Params{})
	if *a.UMS != *b.UMS || *a.VMS != *b.VMS || *a.WMS != *b.WMS ||
		*a.R2 != *b.R2 || *a.RMSEMS != *b.RMSEMS || *a.CondNum != *b.CondNum {
		t.Fatal("identical inputs produced different solutions")
	}
}
