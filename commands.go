package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/wind.profile/internal/api"
	"github.com/banshee-data/wind.profile/internal/hpl"
	"github.com/banshee-data/wind.profile/internal/metrics"
	"github.com/banshee-data/wind.profile/internal/vad"
	"github.com/banshee-data/wind.profile/internal/winddb"
)

func openDB(path string) *winddb.DB {
	db, err := winddb.NewDB(path)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", path, err)
	}
	return db
}

func loadParams(path string) *vad.Params {
	if path == "" {
		return &vad.Params{}
	}
	p, err := vad.LoadParams(path)
	if err != nil {
		log.Fatalf("Failed to load params %s: %v", path, err)
	}
	return p
}

func newRunner(db *winddb.DB, runID string, p *vad.Params) *vad.Runner {
	return &vad.Runner{
		Rays:     db,
		Rules:    db,
		Verdicts: db,
		Fits:     db,
		RunID:    runID,
		Params:   p,
	}
}

func handleImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	folder := fs.String("folder", "", "Folder containing .hpl scan files (required)")
	fs.Parse(args)

	if *folder == "" {
		fmt.Fprintln(os.Stderr, "Error: --folder flag is required")
		fs.Usage()
		os.Exit(1)
	}

	files, err := hpl.ListScanFiles(*folder)
	if err != nil {
		log.Fatalf("Failed to list scan files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("No wind-profile .hpl files found in %s", *folder)
	}

	db := openDB(*dbPath)
	defer db.Close()

	ctx := context.Background()
	importID, err := db.CreateImportRun(ctx, *folder, len(files))
	if err != nil {
		log.Fatalf("Failed to create import run: %v", err)
	}
	log.Printf("Import session started: import_id=%d files=%d", importID, len(files))

	processed := 0
	var grandTotal int64
	for i, path := range files {
		n, err := importFile(ctx, db, importID, path)
		if err != nil {
			metrics.FilesImported.WithLabelValues("error").Inc()
			log.Printf("[%d/%d] Failed %s: %v", i+1, len(files), path, err)
			continue
		}
		metrics.FilesImported.WithLabelValues("ok").Inc()
		metrics.GateRowsInserted.Add(float64(n))
		processed++
		grandTotal += n
		log.Printf("[%d/%d] Imported %s (%d gate rows)", i+1, len(files), path, n)
	}

	if err := db.FinishImportRun(ctx, importID); err != nil {
		log.Printf("Failed to finish import run: %v", err)
	}
	log.Printf("Import completed: import_id=%d files=%d/%d gate_rows=%d",
		importID, processed, len(files), grandTotal)
}

func importFile(ctx context.Context, db *winddb.DB, importID int64, path string) (int64, error) {
	parsed, err := hpl.ParseFile(path)
	if err != nil {
		return 0, err
	}

	h := parsed.Header
	headerID, err := db.UpsertHeader(ctx, &winddb.Header{
		ImportID:                  importID,
		Filename:                  h.Filename,
		SystemID:                  h.SystemID,
		NumGates:                  h.NumGates,
		RangeGateLengthM:          h.RangeGateLengthM,
		GateLengthPts:             h.GateLengthPts,
		PulsesPerRay:              h.PulsesPerRay,
		NumRaysInFile:             h.NumRaysInFile,
		ScanType:                  h.ScanType,
		FocusRange:                h.FocusRange,
		StartTime:                 h.StartTime,
		VelocityResolutionMS:      h.VelocityResolutionMS,
		RangeCenterFormula:        h.RangeCenterFormula,
		DataLine1Format:           h.DataLine1Format,
		DataLine2Format:           h.DataLine2Format,
		InstrumentSpectralWidthMS: h.InstrumentSpectralWidthMS,
	})
	if err != nil {
		return 0, err
	}

	var samples []winddb.GateSample
	for _, ray := range parsed.Rays {
		for _, g := range ray.Gates {
			samples = append(samples, winddb.GateSample{
				RayIdx:            ray.RayIdx,
				RangeGateIndex:    g.RangeGateIndex,
				DopplerMS:         g.DopplerMS,
				IntensitySNRPlus1: g.IntensitySNRPlus1,
				Beta:              g.Beta,
				SpectralWidthMS:   g.SpectralWidthMS,
				DecimalTimeHours:  ray.DecimalTimeHours,
				AzimuthDeg:        ray.AzimuthDeg,
				ElevationDeg:      ray.ElevationDeg,
				PitchDeg:          ray.PitchDeg,
				RollDeg:           ray.RollDeg,
			})
		}
	}
	if err := db.InsertGateSamples(ctx, headerID, samples); err != nil {
		return 0, err
	}
	return int64(len(samples)), nil
}

func handleQC(args []string) {
	fs := flag.NewFlagSet("qc", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	paramsPath := fs.String("params", "", "JSON processing parameter overrides")
	all := fs.Bool("all", false, "Re-tag every header, not just untagged ones")
	limit := fs.Int("limit", 1000, "Maximum number of pending headers to tag")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()

	ctx := signalContext()
	runner := newRunner(db, uuid.New().String(), loadParams(*paramsPath))
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("Failed to start QC pass: %v", err)
	}

	var headerIDs []int64
	var err error
	if *all {
		headerIDs, err = db.ListHeaderIDs(ctx)
	} else {
		headerIDs, err = db.ListPendingQCHeaderIDs(ctx, *limit)
	}
	if err != nil {
		log.Fatalf("Failed to list headers: %v", err)
	}
	if len(headerIDs) == 0 {
		log.Print("No headers to tag")
		return
	}

	var passed, total int
	for _, hid := range headerIDs {
		p, t, err := runner.TagHeader(ctx, hid)
		if err != nil {
			log.Printf("QC failed for header %d: %v", hid, err)
			continue
		}
		passed += p
		total += t
		log.Printf("Tagged header %d: %d/%d rays passed", hid, p, t)
	}
	log.Printf("QC completed: headers=%d rays=%d passed=%d", len(headerIDs), total, passed)
}

func handleFit(args []string) {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	paramsPath := fs.String("params", "", "JSON processing parameter overrides")
	fs.Parse(args)

	runPipeline(*dbPath, *paramsPath, false)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	paramsPath := fs.String("params", "", "JSON processing parameter overrides")
	fs.Parse(args)

	runPipeline(*dbPath, *paramsPath, true)
}

// runPipeline fits every header under a fresh processing run. With tag set,
// rays are QC-tagged first; otherwise the stored verdicts are trusted.
func runPipeline(dbPath, paramsPath string, tag bool) {
	db := openDB(dbPath)
	defer db.Close()

	ctx := signalContext()
	p := loadParams(paramsPath)

	runID, err := db.CreateProcRun(ctx, p.GetRuleTag(), vad.CodeVersion, p.MarshalSnapshot())
	if err != nil {
		log.Fatalf("Failed to create processing run: %v", err)
	}
	log.Printf("Processing run started: run_id=%s tag=%s", runID, p.GetRuleTag())

	runner := newRunner(db, runID, p)
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("Failed to start run: %v", err)
	}

	headerIDs, err := db.ListHeaderIDs(ctx)
	if err != nil {
		log.Fatalf("Failed to list headers: %v", err)
	}

	var fits []vad.FitResult
	var runErr error
	if tag {
		fits, runErr = runner.RunHeaders(ctx, headerIDs)
	} else {
		for _, hid := range headerIDs {
			hf, err := runner.FitHeader(ctx, hid, nil)
			if err != nil {
				log.Printf("Fit failed for header %d: %v", hid, err)
				runErr = err
				continue
			}
			fits = append(fits, hf...)
		}
	}

	status := "completed"
	if runErr != nil {
		status = "completed_with_errors"
	}
	if err := db.FinishProcRun(ctx, runID, status); err != nil {
		log.Printf("Failed to finish run: %v", err)
	}

	byStatus := make(map[vad.FitStatus]int)
	for i := range fits {
		byStatus[fits[i].Status]++
	}
	log.Printf("Run %s %s: headers=%d fits=%d ok=%d insufficient=%d no_elevation=%d solve_fail=%d",
		runID, status, len(headerIDs), len(fits),
		byStatus[vad.StatusOK], byStatus[vad.StatusInsufficientSamples],
		byStatus[vad.StatusNoElevation], byStatus[vad.StatusSolveFail])
}

func handleRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	deleteID := fs.String("delete", "", "Delete a run and its fits")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	ctx := context.Background()

	if *deleteID != "" {
		if err := db.DeleteProcRun(ctx, *deleteID); err != nil {
			log.Fatalf("Failed to delete run: %v", err)
		}
		fmt.Printf("Deleted run %s\n", *deleteID)
		return
	}

	runs, err := db.ListProcRuns(ctx)
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No processing runs")
		return
	}
	for _, r := range runs {
		started := time.Unix(int64(r.StartedAt), 0).UTC().Format(time.RFC3339)
		fmt.Printf("%s  %-22s  tag=%s  version=%s  started=%s\n",
			r.RunID, r.Status, r.RuleTag, r.CodeVersion, started)
	}
}

func handleImports(args []string) {
	fs := flag.NewFlagSet("imports", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	deleteID := fs.Int64("delete", 0, "Delete an import session and everything it imported")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	ctx := context.Background()

	if *deleteID != 0 {
		if err := db.DeleteImportRun(ctx, *deleteID); err != nil {
			log.Fatalf("Failed to delete import: %v", err)
		}
		fmt.Printf("Deleted import %d\n", *deleteID)
		return
	}

	imports, err := db.ListImportRuns(ctx)
	if err != nil {
		log.Fatalf("Failed to list imports: %v", err)
	}
	if len(imports) == 0 {
		fmt.Println("No import sessions")
		return
	}
	for _, imp := range imports {
		started := time.Unix(int64(imp.StartedAt), 0).UTC().Format(time.RFC3339)
		fmt.Printf("%-6d  files=%-4d  started=%s  %s\n",
			imp.ImportID, imp.FilesCount, started, imp.FolderPath)
	}
}

func handleRules(args []string) {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	enable := fs.String("enable", "", "Enable a rule by def_name")
	disable := fs.String("disable", "", "Disable a rule by def_name")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	ctx := context.Background()

	if *enable != "" {
		if err := db.SetRuleActive(ctx, *enable, true); err != nil {
			log.Fatalf("Failed to enable rule: %v", err)
		}
		fmt.Printf("Enabled %s\n", *enable)
		return
	}
	if *disable != "" {
		if err := db.SetRuleActive(ctx, *disable, false); err != nil {
			log.Fatalf("Failed to disable rule: %v", err)
		}
		fmt.Printf("Disabled %s\n", *disable)
		return
	}

	rules, err := db.ListRules(ctx)
	if err != nil {
		log.Fatalf("Failed to list rules: %v", err)
	}
	for _, r := range rules {
		state := "active"
		if !r.IsActive {
			state = "disabled"
		}
		fmt.Printf("%-4d  %-28s  %-6s  order=%-4d  %s\n", r.RuleID, r.DefName, r.Code, r.RuleOrder, state)
	}
}

func handleReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	ctx := context.Background()

	counts, err := db.CountObservations(ctx)
	if err != nil {
		log.Fatalf("Failed to count observations: %v", err)
	}
	fmt.Println("This will delete:")
	for _, t := range []string{"import_run", "wind_profile_header", "wind_profile_gate", "proc_run", "vad_gate_fit"} {
		fmt.Printf("  %-22s %d rows\n", t, counts[t])
	}
	fmt.Println("The QC rule table is preserved.")

	if !*yes {
		fmt.Print("Type 'yes' to continue: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			fmt.Println("Aborted")
			return
		}
	}

	if err := db.ResetObservations(ctx); err != nil {
		log.Fatalf("Reset failed: %v", err)
	}
	fmt.Println("Observation tables wiped")
}

func handleMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	force := fs.Int("force", -1, "Force the schema version (recovers a dirty state)")
	fs.Parse(args)

	// Open without applying the schema; that is migrate's job here.
	db, err := winddb.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", *dbPath, err)
	}
	defer db.Close()

	if *force >= 0 {
		if err := db.MigrateForce(*force); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Printf("Forced schema version to %d\n", *force)
		return
	}

	action := "up"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	switch action {
	case "up":
		if err := db.MigrateUp(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Database migrated")
	case "down":
		if err := db.MigrateDown(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Rolled back one migration")
	case "version":
		version, dirty, err := db.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		fmt.Printf("Schema version %d (dirty=%v)\n", version, dirty)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate action: %s (want up, down or version)\n", action)
		os.Exit(1)
	}
}

func handlePlot(args []string) {
	fs := flag.NewFlagSet("plot", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	runID := fs.String("run", "", "Processing run to plot (required)")
	out := fs.String("out", "wind_profile.html", "Output HTML file")
	fs.Parse(args)

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "Error: --run flag is required")
		fs.Usage()
		os.Exit(1)
	}

	db := openDB(*dbPath)
	defer db.Close()

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()

	if err := api.RenderProfileHTML(context.Background(), db, *runID, f); err != nil {
		log.Fatalf("Failed to render profile: %v", err)
	}
	fmt.Printf("Wrote %s\n", *out)
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "wind_profile.db", "SQLite database path")
	listen := fs.String("listen", ":8080", "HTTP listen address")
	fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()

	server := api.NewServer(db)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: server.ServeMux(),
	}

	ctx := signalContext()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	log.Printf("Serving on %s", *listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
