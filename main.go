package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/wind.profile/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "import":
		handleImport(args)
	case "qc":
		handleQC(args)
	case "fit":
		handleFit(args)
	case "run":
		handleRun(args)
	case "runs":
		handleRuns(args)
	case "imports":
		handleImports(args)
	case "reset":
		handleReset(args)
	case "migrate":
		handleMigrate(args)
	case "serve":
		handleServe(args)
	case "plot":
		handlePlot(args)
	case "rules":
		handleRules(args)
	case "version":
		fmt.Printf("wind-profile %s (commit %s, built %s)\n",
			version.Version, version.GitSHA, version.BuildTime)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`wind-profile - Doppler lidar wind-profile pipeline

Usage: wind-profile <command> [options]

Commands:
  import     Import a folder of .hpl scan files into the database
  qc         Run QC tagging over imported headers
  fit        Run VAD gate fits over QC-tagged headers
  run        Run QC tagging and fitting in one pass
  runs       List processing runs (use --delete to remove one)
  imports    List import sessions (use --delete to remove one)
  rules      List QC rules (use --enable/--disable to toggle one)
  reset      Wipe observation tables, preserving the QC rule set
  migrate    Manage the database schema version
  serve      Start the HTTP API and plot server
  plot       Render a run's wind profile to a standalone HTML file
  version    Show wind-profile version
  help       Show this help message

Common Flags:
  --db <file>       SQLite database path (default: wind_profile.db)
  --params <file>   JSON processing parameter overrides

Examples:
  # Import a day of scans
  wind-profile import --db wind_profile.db --folder /data/2024-08-15

  # QC-tag and fit everything in one pass
  wind-profile run --db wind_profile.db --params params.json

  # Inspect the results
  wind-profile serve --db wind_profile.db --listen :8080`)
}
