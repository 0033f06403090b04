package vad

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/wind.profile/internal/metrics"
)

// RaySource provides the raw gate measurements for one header, plus the
// instrument spectral width the QC rules baseline against.
type RaySource interface {
	FetchHeaderRays(ctx context.Context, headerID int64) (rays []RayMeasurement, instrumentSW float64, err error)
}

// RuleSource provides the active QC rule rows ordered by rule_order.
type RuleSource interface {
	FetchActiveRules(ctx context.Context) ([]QcRule, error)
}

// VerdictSink persists QC verdicts, upserting by ray key.
type VerdictSink interface {
	PersistVerdicts(ctx context.Context, headerID int64, verdicts map[RayKey]QcVerdict) error
}

// FitSink persists fit results, upserting by (run, header, gate). On
// conflict the stored row is fully replaced, never merged.
type FitSink interface {
	PersistFitResult(ctx context.Context, fit *FitResult) error
}

// Runner sequences QC tagging, ray selection, the VAD solve and warning
// classification for every (header, range gate) pair of a processing run.
//
// The rule set and parameters are snapshotted by Start and never re-read,
// so rule-table edits during a run cannot mix rule versions. Gate fits are
// independent and processed by a bounded worker pool; a failure in one gate
// is recorded and does not abort its siblings. Re-running a key overwrites
// the prior fit via the sink's upsert.
type Runner struct {
	Rays     RaySource
	Rules    RuleSource
	Verdicts VerdictSink
	Fits     FitSink

	RunID  string
	Params *Params

	ruleTag    string
	paramsJSON string
	bound      []boundRule
	started    bool
}

// fitKeyLocks serialises writes per (run, header, gate) key against
// concurrent re-runs of the same key inside one process. Across processes
// the sink's transactional upsert provides the same guarantee.
var fitKeyLocks sync.Map

type fitKey struct {
	runID    string
	headerID int64
	gate     int
}

func lockFitKey(k fitKey) *sync.Mutex {
	mu, _ := fitKeyLocks.LoadOrStore(k, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Start validates the configuration and snapshots the active rule set.
// Configuration errors are fatal to the whole run: no gate is processed.
func (r *Runner) Start(ctx context.Context) error {
	if r.Params == nil {
		r.Params = &Params{}
	}
	if err := r.Params.Validate(); err != nil {
		return err
	}
	if r.RunID == "" {
		return fmt.Errorf("%w: run ID must be set before Start", ErrConfig)
	}

	rules, err := r.Rules.FetchActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("fetch active rules: %w", err)
	}
	bound, unknown := BindRules(rules)
	for _, u := range unknown {
		log.Printf("[vad] skipping rule %d (%s): no registered implementation", u.RuleID, u.DefName)
	}
	r.bound = bound
	r.ruleTag = r.Params.GetRuleTag()
	r.paramsJSON = r.Params.MarshalSnapshot()
	r.started = true

	log.Printf("[vad] run %s started: %d active rules, tag=%s", r.RunID, len(bound), r.ruleTag)
	return nil
}

// RunHeaders processes a batch of headers. Per-header failures are logged
// and joined into the returned error but do not stop the remaining headers.
func (r *Runner) RunHeaders(ctx context.Context, headerIDs []int64) ([]FitResult, error) {
	var all []FitResult
	var errs []error
	for _, hid := range headerIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		fits, err := r.RunHeader(ctx, hid, nil)
		// A header can fail partially: keep whatever gates it did produce.
		all = append(all, fits...)
		if err != nil {
			log.Printf("[vad] run %s header %d failed: %v", r.RunID, hid, err)
			errs = append(errs, fmt.Errorf("header %d: %w", hid, err))
		}
	}
	return all, errors.Join(errs...)
}

// TagHeader runs the QC pass alone for one header: every ray is evaluated
// against the bound rule set and the verdicts are persisted, overwriting
// any prior pass. Returns how many rays passed and the total evaluated.
func (r *Runner) TagHeader(ctx context.Context, headerID int64) (passed, total int, err error) {
	if !r.started {
		return 0, 0, fmt.Errorf("%w: Runner.Start must be called first", ErrConfig)
	}

	rays, instrumentSW, err := r.Rays.FetchHeaderRays(ctx, headerID)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch rays: %w", err)
	}
	if len(rays) == 0 {
		return 0, 0, nil
	}

	_, verdicts, err := r.tagRays(ctx, headerID, rays, instrumentSW)
	if err != nil {
		return 0, 0, err
	}
	for _, v := range verdicts {
		if v.Selected {
			passed++
		}
	}
	return passed, len(verdicts), nil
}

// tagRays evaluates every ray, persists fresh verdicts and returns the
// tagged rays with QcSelected set from this pass.
func (r *Runner) tagRays(ctx context.Context, headerID int64, rays []RayMeasurement, instrumentSW float64) ([]RayMeasurement, map[RayKey]QcVerdict, error) {
	gctx := BuildGateContext(rays, instrumentSW, r.Params)

	verdicts := make(map[RayKey]QcVerdict, len(rays))
	for i := range rays {
		ray := &rays[i]
		v := Evaluate(ray, r.bound, gctx, r.Params)
		verdicts[ray.Key()] = v
		ray.QcSelected = v.Selected
		if v.Selected {
			metrics.RaysTagged.WithLabelValues("pass").Inc()
		} else {
			metrics.RaysTagged.WithLabelValues("fail").Inc()
		}
	}
	if err := r.Verdicts.PersistVerdicts(ctx, headerID, verdicts); err != nil {
		return nil, nil, fmt.Errorf("persist verdicts: %w", err)
	}
	return rays, verdicts, nil
}

// FitHeader fits the requested range gates of one header using the stored
// QC verdicts, without re-evaluating rules. A nil or empty gates argument
// means every gate present in the data.
func (r *Runner) FitHeader(ctx context.Context, headerID int64, gates []int) ([]FitResult, error) {
	if !r.started {
		return nil, fmt.Errorf("%w: Runner.Start must be called first", ErrConfig)
	}

	rays, _, err := r.Rays.FetchHeaderRays(ctx, headerID)
	if err != nil {
		return nil, fmt.Errorf("fetch rays: %w", err)
	}
	if len(rays) == 0 {
		return nil, nil
	}
	return r.fitGates(ctx, headerID, rays, gates)
}

// RunHeader processes one header: QC-tags every ray, then fits every
// requested range gate. A nil or empty gates argument means every gate
// present in the data. The returned fits are ordered by gate index.
func (r *Runner) RunHeader(ctx context.Context, headerID int64, gates []int) ([]FitResult, error) {
	if !r.started {
		return nil, fmt.Errorf("%w: Runner.Start must be called first", ErrConfig)
	}

	rays, instrumentSW, err := r.Rays.FetchHeaderRays(ctx, headerID)
	if err != nil {
		return nil, fmt.Errorf("fetch rays: %w", err)
	}
	if len(rays) == 0 {
		return nil, nil
	}

	rays, _, err = r.tagRays(ctx, headerID, rays, instrumentSW)
	if err != nil {
		return nil, err
	}
	return r.fitGates(ctx, headerID, rays, gates)
}

// fitGates fans the gate fits out over a bounded pool. Rays are bucketed
// by gate on their QcSelected flag, which either came from tagRays in this
// process or from the verdicts stored by an earlier QC pass.
func (r *Runner) fitGates(ctx context.Context, headerID int64, rays []RayMeasurement, gates []int) ([]FitResult, error) {
	passedByGate := make(map[int][]RayMeasurement)
	totalByGate := make(map[int]int)
	for i := range rays {
		ray := &rays[i]
		totalByGate[ray.RangeGateIndex]++
		if ray.QcSelected {
			passedByGate[ray.RangeGateIndex] = append(passedByGate[ray.RangeGateIndex], *ray)
		}
	}

	if len(gates) == 0 {
		for gi := range totalByGate {
			gates = append(gates, gi)
		}
	}
	sort.Ints(gates)

	// Gate fits are independent: fan out over a bounded pool. Each gate
	// write is atomic and self-contained, so cancelling between gates
	// leaves already-written fits intact.
	results := make([]*FitResult, len(gates))
	var sinkErrs []error
	var sinkMu sync.Mutex

	g, gtx := errgroup.WithContext(ctx)
	g.SetLimit(r.Params.GetWorkers())
	for i, gi := range gates {
		i, gi := i, gi
		g.Go(func() error {
			if err := gtx.Err(); err != nil {
				return err
			}
			fit := r.fitGate(headerID, gi, passedByGate[gi], totalByGate[gi])
			metrics.FitStatus.WithLabelValues(string(fit.Status)).Inc()

			key := fitKey{runID: r.RunID, headerID: headerID, gate: gi}
			mu := lockFitKey(key)
			mu.Lock()
			err := r.Fits.PersistFitResult(gtx, fit)
			mu.Unlock()
			if err != nil {
				// Persistence trouble in one gate must not sink its
				// siblings; collect and report at the end.
				sinkMu.Lock()
				sinkErrs = append(sinkErrs, fmt.Errorf("gate %d: %w", gi, err))
				sinkMu.Unlock()
				return nil
			}
			results[i] = fit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metrics.GatesProcessed.Add(float64(len(gates)))

	fits := make([]FitResult, 0, len(results))
	for _, f := range results {
		if f != nil {
			fits = append(fits, *f)
		}
	}
	return fits, errors.Join(sinkErrs...)
}

// fitGate runs selection, solve and classification for one gate and
// assembles the fit record. It never returns an error: data and numerical
// problems are encoded in the fit status.
func (r *Runner) fitGate(headerID int64, gate int, passed []RayMeasurement, total int) *FitResult {
	selected := SelectRays(passed, r.Params.GetMaxSelectedRays())

	fit := &FitResult{
		RunID:          r.RunID,
		HeaderID:       headerID,
		RangeGateIndex: gate,
		NTotalRays:     total,
		NSelectedRays:  len(selected),
		RuleTag:        r.ruleTag,
		CodeVersion:    CodeVersion,
		ParamsJSON:     r.paramsJSON,
	}

	// The three selection sequences stay index-aligned with one entry per
	// selected ray; a missing angle becomes NaN, which the store renders as
	// an empty CSV cell.
	var azimuths []float64
	for i := range selected {
		s := &selected[i]
		fit.SelectedRayIdx = append(fit.SelectedRayIdx, s.RayIdx)
		if s.AzimuthDeg != nil {
			fit.SelectedAzimuthsDeg = append(fit.SelectedAzimuthsDeg, *s.AzimuthDeg)
			azimuths = append(azimuths, *s.AzimuthDeg)
		} else {
			fit.SelectedAzimuthsDeg = append(fit.SelectedAzimuthsDeg, math.NaN())
		}
		if s.ElevationDeg != nil {
			fit.SelectedElevationsDeg = append(fit.SelectedElevationsDeg, *s.ElevationDeg)
		} else {
			fit.SelectedElevationsDeg = append(fit.SelectedElevationsDeg, math.NaN())
		}
	}
	fit.AzSpanDeg = circularSpanDeg(azimuths)

	solveStart := time.Now()
	outcome := Solve(selected, r.Params)
	metrics.SolveDuration.Observe(time.Since(solveStart).Seconds())
	fit.Status = outcome.Status
	fit.UMS = outcome.UMS
	fit.VMS = outcome.VMS
	fit.WMS = outcome.WMS
	fit.SpeedMS = outcome.SpeedMS
	fit.DirDeg = outcome.DirDeg
	fit.R2 = outcome.R2
	fit.RMSEMS = outcome.RMSEMS
	fit.SingularValues = outcome.SingularValues
	fit.CondNum = outcome.CondNum
	fit.ARank = outcome.ARank

	// Warnings are advisory annotations on an ok fit only; failed statuses
	// carry no flags.
	if outcome.Status == StatusOK {
		fit.WarnFlags = Classify(outcome, fit.AzSpanDeg, r.Params)
	}
	return fit
}
