package vad

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// minRaysToSolve is the hard floor for a 3-unknown retrieval.
const minRaysToSolve = 3

// ssTotEps is the threshold below which the target variance is treated as
// zero for the R² edge case.
const ssTotEps = 1e-12

// Solve fits (u, v, w) to the selected rays of one range gate.
//
// For ray i with azimuth θ_i (meteorological, clockwise from north) and
// elevation ε_i, the radial velocity satisfies
//
//	v_r,i = u·sinθ_i·cosε_i + v·cosθ_i·cosε_i + w·sinε_i
//
// The overdetermined system is solved by SVD least squares. Singular
// values, rank (relative tolerance rankTol), condition number, R² and RMSE
// are reported alongside the solution. A rank-deficient geometry still
// yields the minimum-norm solution with StatusOK; the classifier raises
// LOWRANK for it.
func Solve(selected []RayMeasurement, p *Params) SolveOutcome {
	if len(selected) < minRaysToSolve {
		return SolveOutcome{Status: StatusInsufficientSamples}
	}

	rays := selected
	if p.GetMinElevationRequired() {
		for i := range rays {
			if rays[i].ElevationDeg == nil {
				return SolveOutcome{Status: StatusNoElevation}
			}
		}
	} else {
		// Elevation not mandated: fit on the rays that have one.
		kept := make([]RayMeasurement, 0, len(rays))
		for i := range rays {
			if rays[i].ElevationDeg != nil {
				kept = append(kept, rays[i])
			}
		}
		if len(kept) < minRaysToSolve {
			return SolveOutcome{Status: StatusInsufficientSamples}
		}
		rays = kept
	}

	n := len(rays)
	aData := make([]float64, 0, n*3)
	b := make([]float64, 0, n)
	for i := range rays {
		r := &rays[i]
		if r.AzimuthDeg == nil || r.DopplerMS == nil {
			return SolveOutcome{Status: StatusSolveFail}
		}
		theta := *r.AzimuthDeg * math.Pi / 180.0
		eps := *r.ElevationDeg * math.Pi / 180.0
		vr := *r.DopplerMS
		row := [3]float64{
			math.Sin(theta) * math.Cos(eps),
			math.Cos(theta) * math.Cos(eps),
			math.Sin(eps),
		}
		if !isFinite(row[0]) || !isFinite(row[1]) || !isFinite(row[2]) || !isFinite(vr) {
			return SolveOutcome{Status: StatusSolveFail}
		}
		aData = append(aData, row[0], row[1], row[2])
		b = append(b, vr)
	}

	A := mat.NewDense(n, 3, aData)
	bVec := mat.NewDense(n, 1, b)

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDThin); !ok {
		return SolveOutcome{Status: StatusSolveFail}
	}

	svals := svd.Values(nil) // descending
	out := SolveOutcome{SingularValues: svals}

	rank := 0
	tol := p.GetRankTolerance()
	if svals[0] > 0 {
		for _, s := range svals {
			if s > tol*svals[0] {
				rank++
			}
		}
	}
	out.ARank = intPtr(rank)

	cond := math.Inf(1)
	if smin := svals[len(svals)-1]; smin > 0 {
		cond = svals[0] / smin
	}
	out.CondNum = floatPtr(cond)

	if rank == 0 {
		out.Status = StatusSolveFail
		return out
	}

	var x mat.Dense
	svd.SolveTo(&x, bVec, rank)

	u := x.At(0, 0)
	v := x.At(1, 0)
	w := x.At(2, 0)
	if !isFinite(u) || !isFinite(v) || !isFinite(w) {
		out.Status = StatusSolveFail
		return out
	}

	// Goodness of fit against the original targets.
	var ssRes, ssTot, meanB float64
	for _, bi := range b {
		meanB += bi
	}
	meanB /= float64(n)
	for i := 0; i < n; i++ {
		yhat := aData[i*3]*u + aData[i*3+1]*v + aData[i*3+2]*w
		d := b[i] - yhat
		ssRes += d * d
		t := b[i] - meanB
		ssTot += t * t
	}

	// Near-constant targets make 1 - SSres/SStot undefined: define R² as 1
	// when the residual also vanishes, else 0.
	var r2 float64
	if ssTot > ssTotEps {
		r2 = 1.0 - ssRes/ssTot
	} else if ssRes <= ssTotEps {
		r2 = 1.0
	}
	rmse := math.Sqrt(ssRes / float64(n))

	speed := math.Hypot(u, v)
	dir := math.Atan2(-u, -v) * 180.0 / math.Pi
	dir = math.Mod(dir, 360.0)
	if dir < 0 {
		dir += 360.0
	}

	out.Status = StatusOK
	out.UMS = floatPtr(u)
	out.VMS = floatPtr(v)
	out.WMS = floatPtr(w)
	out.SpeedMS = floatPtr(speed)
	out.DirDeg = floatPtr(dir)
	out.R2 = floatPtr(r2)
	out.RMSEMS = floatPtr(rmse)
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
