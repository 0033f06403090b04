// Package metrics exposes Prometheus instrumentation for the wind-profile
// pipeline. Collectors are registered on the default registry and served by
// the API server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windprofile_files_imported_total",
			Help: "Scan files processed by the importer",
		},
		[]string{"status"},
	)

	GateRowsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windprofile_gate_rows_inserted_total",
			Help: "Gate measurement rows written by the importer",
		},
	)

	RaysTagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windprofile_rays_tagged_total",
			Help: "Rays evaluated by the QC rule engine",
		},
		[]string{"verdict"},
	)

	GatesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "windprofile_gates_processed_total",
			Help: "Range gates run through the VAD retrieval",
		},
	)

	FitStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windprofile_fit_status_total",
			Help: "Fit outcomes by terminal status",
		},
		[]string{"status"},
	)

	SolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "windprofile_solve_duration_seconds",
			Help:    "Wall time of one range gate's VAD solve",
			Buckets: prometheus.DefBuckets,
		},
	)
)
