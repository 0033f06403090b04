package winddb

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/wind.profile/internal/vad"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "wind_test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedHeader(t *testing.T, db *DB, filename string) (importID, headerID int64) {
	t.Helper()
	ctx := context.Background()
	importID, err := db.CreateImportRun(ctx, "/data/test", 1)
	if err != nil {
		t.Fatalf("CreateImportRun: %v", err)
	}
	headerID, err = db.UpsertHeader(ctx, &Header{
		ImportID:                  importID,
		Filename:                  filename,
		NumGates:                  3,
		RangeGateLengthM:          30.0,
		NumRaysInFile:             6,
		ScanType:                  "VAD",
		StartTime:                 time.Date(2024, 8, 15, 6, 0, 12, 0, time.UTC),
		InstrumentSpectralWidthMS: 1.0,
	})
	if err != nil {
		t.Fatalf("UpsertHeader: %v", err)
	}
	return importID, headerID
}

func seedGates(t *testing.T, db *DB, headerID int64) {
	t.Helper()
	var samples []GateSample
	for gate := 0; gate < 3; gate++ {
		for i, az := range []float64{0, 60, 120, 180, 240, 300} {
			samples = append(samples, GateSample{
				RayIdx:            i,
				RangeGateIndex:    gate,
				DopplerMS:         3.0,
				IntensitySNRPlus1: 1.2,
				Beta:              1e-6,
				SpectralWidthMS:   0.5,
				DecimalTimeHours:  6.5,
				AzimuthDeg:        az,
				ElevationDeg:      75,
				PitchDeg:          0.1,
				RollDeg:           0.1,
			})
		}
	}
	if err := db.InsertGateSamples(context.Background(), headerID, samples); err != nil {
		t.Fatalf("InsertGateSamples: %v", err)
	}
}

func TestNewDBSeedsDefaultRules(t *testing.T) {
	db := testDB(t)
	rules, err := db.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 11 {
		t.Fatalf("expected 11 seeded rules, got %d", len(rules))
	}
	for _, r := range rules {
		if !r.IsActive {
			t.Errorf("rule %s seeded inactive", r.DefName)
		}
		if _, ok := vad.LookupRule(r.DefName); !ok {
			t.Errorf("seeded rule %s has no implementation", r.DefName)
		}
	}
	// Reopening must not duplicate.
	if err := db.SeedDefaultRules(); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	rules, _ = db.ListRules(context.Background())
	if len(rules) != 11 {
		t.Fatalf("re-seed duplicated rules: %d", len(rules))
	}
}

func TestSetRuleActive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SetRuleActive(ctx, "check_snr_min", false); err != nil {
		t.Fatalf("SetRuleActive: %v", err)
	}
	active, err := db.FetchActiveRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 10 {
		t.Fatalf("expected 10 active rules after disabling one, got %d", len(active))
	}
	for _, r := range active {
		if r.DefName == "check_snr_min" {
			t.Fatal("disabled rule still reported active")
		}
	}

	if err := db.SetRuleActive(ctx, "no_such_rule", true); err == nil {
		t.Error("expected error for unknown rule name")
	}
}

func TestHeaderUpsertReimport(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "Wind_Profile_118_20240815_060012.hpl")

	// Re-importing the same filename under a new session must reuse the
	// header row and re-tie it to the new import.
	importID2, err := db.CreateImportRun(ctx, "/data/test2", 1)
	if err != nil {
		t.Fatal(err)
	}
	headerID2, err := db.UpsertHeader(ctx, &Header{
		ImportID:         importID2,
		Filename:         "Wind_Profile_118_20240815_060012.hpl",
		NumGates:         3,
		RangeGateLengthM: 30.0,
		NumRaysInFile:    6,
		StartTime:        time.Date(2024, 8, 15, 6, 0, 12, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if headerID2 != headerID {
		t.Fatalf("re-import allocated a new header: %d != %d", headerID2, headerID)
	}

	h, err := db.GetHeader(ctx, headerID)
	if err != nil {
		t.Fatal(err)
	}
	if h.ImportID != importID2 {
		t.Errorf("header not re-tied to new import: %d != %d", h.ImportID, importID2)
	}
}

func TestFetchHeaderRaysComputesGateCentre(t *testing.T) {
	db := testDB(t)
	_, headerID := seedHeader(t, db, "a.hpl")
	seedGates(t, db, headerID)

	rays, instrSW, err := db.FetchHeaderRays(context.Background(), headerID)
	if err != nil {
		t.Fatalf("FetchHeaderRays: %v", err)
	}
	if len(rays) != 18 {
		t.Fatalf("expected 18 rays, got %d", len(rays))
	}
	if instrSW != 1.0 {
		t.Errorf("instrument spectral width = %g, want 1.0", instrSW)
	}
	for _, r := range rays {
		want := (float64(r.RangeGateIndex) + 0.5) * 30.0
		if math.Abs(r.CenterOfGateM-want) > 1e-9 {
			t.Fatalf("gate %d centre = %g, want %g", r.RangeGateIndex, r.CenterOfGateM, want)
		}
		if r.DopplerMS == nil || *r.DopplerMS != 3.0 {
			t.Fatal("doppler not round-tripped")
		}
	}
}

func TestReimportRefreshesMeasurementsKeepsQC(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	seedGates(t, db, headerID)

	// Tag one ray, then re-import with a changed doppler.
	key := vad.RayKey{HeaderID: headerID, RayIdx: 0, RangeGateIndex: 0}
	err := db.PersistVerdicts(ctx, headerID, map[vad.RayKey]vad.QcVerdict{
		key: {Selected: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = db.InsertGateSamples(ctx, headerID, []GateSample{{
		RayIdx: 0, RangeGateIndex: 0, DopplerMS: -7.5,
		IntensitySNRPlus1: 1.3, Beta: 1e-6, SpectralWidthMS: 0.4,
		DecimalTimeHours: 6.5, AzimuthDeg: 0, ElevationDeg: 75,
	}}); err != nil {
		t.Fatal(err)
	}

	rays, err := db.FetchRays(ctx, headerID, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rays {
		if r.RayIdx != 0 {
			continue
		}
		if *r.DopplerMS != -7.5 {
			t.Errorf("doppler not refreshed: %g", *r.DopplerMS)
		}
		if !r.QcSelected {
			t.Error("re-import clobbered the QC verdict")
		}
	}
}

func TestPersistVerdictsAndPendingQC(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, h1 := seedHeader(t, db, "a.hpl")
	seedGates(t, db, h1)
	_, h2 := seedHeader(t, db, "b.hpl")
	seedGates(t, db, h2)

	pending, err := db.ListPendingQCHeaderIDs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both headers pending, got %v", pending)
	}

	verdicts := make(map[vad.RayKey]vad.QcVerdict)
	rays, _, _ := db.FetchHeaderRays(ctx, h1)
	for i, r := range rays {
		v := vad.QcVerdict{Selected: true}
		if i == 0 {
			v = vad.QcVerdict{Selected: false, FailedRuleIDs: []int64{2, 8}, FailedRuleCount: 2}
		}
		verdicts[r.Key()] = v
	}
	if err := db.PersistVerdicts(ctx, h1, verdicts); err != nil {
		t.Fatal(err)
	}

	pending, err = db.ListPendingQCHeaderIDs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != h2 {
		t.Fatalf("expected only header %d pending, got %v", h2, pending)
	}

	rays, _, _ = db.FetchHeaderRays(ctx, h1)
	selected := 0
	for _, r := range rays {
		if r.QcSelected {
			selected++
		}
	}
	if selected != 17 {
		t.Errorf("expected 17 selected rays, got %d", selected)
	}
}

func TestImportRunCascadeDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	importID, headerID := seedHeader(t, db, "a.hpl")
	seedGates(t, db, headerID)

	if err := db.DeleteImportRun(ctx, importID); err != nil {
		t.Fatalf("DeleteImportRun: %v", err)
	}
	if _, err := db.GetHeader(ctx, headerID); err == nil {
		t.Error("header survived the cascade")
	}
	rays, _, err := db.FetchHeaderRays(ctx, headerID)
	if err == nil && len(rays) != 0 {
		t.Error("gate rows survived the cascade")
	}

	if err := db.DeleteImportRun(ctx, importID); err == nil {
		t.Error("expected error deleting a missing import run")
	}
}

func TestProcRunLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	runID, err := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")
	if err != nil {
		t.Fatalf("CreateProcRun: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run ID")
	}

	runs, err := db.ListProcRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "running" || runs[0].FinishedAt != nil {
		t.Fatalf("unexpected fresh run state: %+v", runs)
	}

	if err := db.FinishProcRun(ctx, runID, "completed"); err != nil {
		t.Fatal(err)
	}
	runs, _ = db.ListProcRuns(ctx)
	if runs[0].Status != "completed" || runs[0].FinishedAt == nil {
		t.Fatalf("run not finished: %+v", runs[0])
	}

	if err := db.DeleteProcRun(ctx, runID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteProcRun(ctx, runID); err == nil {
		t.Error("expected error deleting a missing run")
	}
}

func fitFixture(runID string, headerID int64, gate int) *vad.FitResult {
	u, v, w := 5.0, 2.0, 0.5
	speed := math.Hypot(u, v)
	dir := 248.2
	r2 := 0.998
	rmse := 0.01
	cond := 3.7
	rank := 3
	return &vad.FitResult{
		RunID:                 runID,
		HeaderID:              headerID,
		RangeGateIndex:        gate,
		Status:                vad.StatusOK,
		UMS:                   &u,
		VMS:                   &v,
		WMS:                   &w,
		SpeedMS:               &speed,
		DirDeg:                &dir,
		R2:                    &r2,
		RMSEMS:                &rmse,
		NTotalRays:            6,
		NSelectedRays:         6,
		SelectedRayIdx:        []int{0, 1, 2, 3, 4, 5},
		SelectedAzimuthsDeg:   []float64{0, 60, 120, 180, 240, 300},
		SelectedElevationsDeg: []float64{75, 75, 75, 75, 75, 75},
		SingularValues:        []float64{1.2, 0.9, 0.8},
		CondNum:               &cond,
		ARank:                 &rank,
		AzSpanDeg:             300,
		WarnFlags:             nil,
		RuleTag:               "default",
		CodeVersion:           "go-vad-1.0.0",
		ParamsJSON:            "{}",
	}
}

func TestPersistFitResultRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	runID, err := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")
	if err != nil {
		t.Fatal(err)
	}

	if err := db.PersistFitResult(ctx, fitFixture(runID, headerID, 0)); err != nil {
		t.Fatalf("PersistFitResult: %v", err)
	}

	got, err := db.FetchFit(ctx, runID, headerID, 0)
	if err != nil {
		t.Fatalf("FetchFit: %v", err)
	}
	if got.Status != "ok" || *got.UMS != 5.0 || *got.VMS != 2.0 {
		t.Fatalf("fit fields mangled: %+v", got)
	}
	if got.SelectedRayIdx != "0,1,2,3,4,5" {
		t.Errorf("ray idx CSV = %q", got.SelectedRayIdx)
	}
	if got.SelectedAzDeg != "0.00,60.00,120.00,180.00,240.00,300.00" {
		t.Errorf("azimuth CSV = %q", got.SelectedAzDeg)
	}
	if got.SingularValues != "1.2000,0.9000,0.8000" {
		t.Errorf("singular values CSV = %q", got.SingularValues)
	}
	if got.WarnFlags != "" {
		t.Errorf("expected no warn flags, got %q", got.WarnFlags)
	}
	if *got.ARank != 3 {
		t.Errorf("rank = %d", *got.ARank)
	}
}

func TestPersistFitResultReplacesOnConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	runID, _ := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")

	if err := db.PersistFitResult(ctx, fitFixture(runID, headerID, 0)); err != nil {
		t.Fatal(err)
	}

	// Second pass degraded: the stored row must be fully replaced.
	second := &vad.FitResult{
		RunID:          runID,
		HeaderID:       headerID,
		RangeGateIndex: 0,
		Status:         vad.StatusInsufficientSamples,
		NTotalRays:     6,
		NSelectedRays:  1,
		SelectedRayIdx: []int{4},
		RuleTag:        "default",
		CodeVersion:    "go-vad-1.0.0",
		ParamsJSON:     "{}",
	}
	if err := db.PersistFitResult(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := db.FetchFit(ctx, runID, headerID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "insufficient_samples" {
		t.Fatalf("status not replaced: %s", got.Status)
	}
	if got.UMS != nil || got.SingularValues != "" || got.CondNum != nil {
		t.Errorf("stale solver fields survived the replace: %+v", got)
	}
	if got.SelectedRayIdx != "4" {
		t.Errorf("selection not replaced: %q", got.SelectedRayIdx)
	}

	fits, err := db.FetchFitsByRun(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fits) != 1 {
		t.Fatalf("upsert duplicated the row: %d fits", len(fits))
	}
}

func TestPersistFitResultInfiniteCondStoredNull(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	runID, _ := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")

	fit := fitFixture(runID, headerID, 2)
	inf := math.Inf(1)
	fit.CondNum = &inf
	fit.WarnFlags = []vad.WarnFlag{vad.WarnIllConditioned, vad.WarnLowRank}
	if err := db.PersistFitResult(ctx, fit); err != nil {
		t.Fatal(err)
	}

	got, err := db.FetchFit(ctx, runID, headerID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.CondNum != nil {
		t.Errorf("infinite cond should be NULL, got %g", *got.CondNum)
	}
	if got.WarnFlags != "ILLCOND,LOWRANK" {
		t.Errorf("warn flags = %q", got.WarnFlags)
	}
}

func TestPersistFitResultMissingAngleEmptyCSVCell(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	runID, _ := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")

	// A selected ray without an elevation carries a NaN placeholder; the
	// stored CSV must keep one cell per ray so the sequences stay aligned.
	fit := fitFixture(runID, headerID, 1)
	fit.SelectedRayIdx = []int{0, 1, 2}
	fit.SelectedAzimuthsDeg = []float64{0, 120, 240}
	fit.SelectedElevationsDeg = []float64{75, math.NaN(), 75}
	if err := db.PersistFitResult(ctx, fit); err != nil {
		t.Fatal(err)
	}

	got, err := db.FetchFit(ctx, runID, headerID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.SelectedElDeg != "75.00,,75.00" {
		t.Errorf("elevation CSV = %q, want an empty middle cell", got.SelectedElDeg)
	}
	if gotCells, wantCells := strings.Count(got.SelectedElDeg, ",")+1, 3; gotCells != wantCells {
		t.Errorf("elevation CSV has %d cells for %d rays", gotCells, wantCells)
	}
}

func TestFetchFitMissing(t *testing.T) {
	db := testDB(t)
	_, err := db.FetchFit(context.Background(), "nope", 1, 0)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestFetchProfile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	runID, _ := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")

	for gate := 0; gate < 3; gate++ {
		if err := db.PersistFitResult(ctx, fitFixture(runID, headerID, gate)); err != nil {
			t.Fatal(err)
		}
	}
	// One implausible fit that the profile must exclude.
	wild := fitFixture(runID, headerID, 3)
	fast := 500.0
	wild.SpeedMS = &fast
	if err := db.PersistFitResult(ctx, wild); err != nil {
		t.Fatal(err)
	}

	points, err := db.FetchProfile(ctx, runID, 100)
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 plottable points, got %d", len(points))
	}
	for i, p := range points {
		want := (float64(i) + 0.5) * 30.0
		if math.Abs(p.HeightM-want) > 1e-9 {
			t.Errorf("gate %d height = %g, want %g", i, p.HeightM, want)
		}
	}
}

func TestResetObservations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, headerID := seedHeader(t, db, "a.hpl")
	seedGates(t, db, headerID)
	runID, _ := db.CreateProcRun(ctx, "default", "go-vad-1.0.0", "{}")
	if err := db.PersistFitResult(ctx, fitFixture(runID, headerID, 0)); err != nil {
		t.Fatal(err)
	}

	if err := db.ResetObservations(ctx); err != nil {
		t.Fatalf("ResetObservations: %v", err)
	}

	counts, err := db.CountObservations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for table, n := range counts {
		if n != 0 {
			t.Errorf("%s not emptied: %d rows", table, n)
		}
	}

	rules, err := db.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 11 {
		t.Fatalf("reset touched the rule table: %d rules", len(rules))
	}

	// Autoincrement rewound: the next import starts from 1 again.
	importID, err := db.CreateImportRun(ctx, "/data/test", 0)
	if err != nil {
		t.Fatal(err)
	}
	if importID != 1 {
		t.Errorf("import sequence not rewound: got %d", importID)
	}
}
