// Package api exposes the wind-profile archive over HTTP: JSON endpoints
// for runs and fits, a go-echarts profile plot and the Prometheus scrape
// endpoint.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/wind.profile/internal/units"
	"github.com/banshee-data/wind.profile/internal/winddb"
)

// Speeds at or above this are treated as retrieval artifacts and excluded
// from profile output.
const maxPlausibleSpeedMS = 100.0

type Server struct {
	db *winddb.DB
}

func NewServer(db *winddb.DB) *Server {
	return &Server{db: db}
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Welcome to the Wind Profile Server!"))
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/imports", s.listImports)
	mux.HandleFunc("/api/fits", s.listFits)
	mux.HandleFunc("/api/profile", s.getProfile)
	mux.HandleFunc("/api/healthz", s.healthz)
	mux.HandleFunc("/plot/profile", s.plotProfile)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.homeHandler)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		http.Error(w, fmt.Sprintf("database unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runs, err := s.db.ListProcRuns(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve runs: %v", err), http.StatusInternalServerError)
		return
	}

	type runJSON struct {
		RunID       string   `json:"run_id"`
		RuleTag     string   `json:"rule_tag"`
		CodeVersion string   `json:"code_version"`
		Status      string   `json:"status"`
		StartedAt   float64  `json:"started_at"`
		FinishedAt  *float64 `json:"finished_at,omitempty"`
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON{
			RunID:       run.RunID,
			RuleTag:     run.RuleTag,
			CodeVersion: run.CodeVersion,
			Status:      run.Status,
			StartedAt:   run.StartedAt,
			FinishedAt:  run.FinishedAt,
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) listImports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	imports, err := s.db.ListImportRuns(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve imports: %v", err), http.StatusInternalServerError)
		return
	}

	type importJSON struct {
		ImportID   int64    `json:"import_id"`
		FolderPath string   `json:"folder_path"`
		FilesCount int      `json:"files_count"`
		StartedAt  float64  `json:"started_at"`
		FinishedAt *float64 `json:"finished_at,omitempty"`
	}
	out := make([]importJSON, 0, len(imports))
	for _, imp := range imports {
		out = append(out, importJSON{
			ImportID:   imp.ImportID,
			FolderPath: imp.FolderPath,
			FilesCount: imp.FilesCount,
			StartedAt:  imp.StartedAt,
			FinishedAt: imp.FinishedAt,
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) listFits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	fits, err := s.db.FetchFitsByRun(r.Context(), runID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve fits: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, fits)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	speedUnits := r.URL.Query().Get("units")
	if speedUnits == "" {
		speedUnits = units.MPS
	}
	if !units.IsValid(speedUnits) {
		http.Error(w, fmt.Sprintf("invalid units %q (valid: %s)", speedUnits, units.GetValidUnitsString()), http.StatusBadRequest)
		return
	}

	points, err := s.db.FetchProfile(r.Context(), runID, maxPlausibleSpeedMS)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve profile: %v", err), http.StatusInternalServerError)
		return
	}
	// Velocities are stored in m/s; convert components and speed together so
	// the response stays internally consistent.
	if speedUnits != units.MPS {
		for i := range points {
			points[i].UMS = units.ConvertSpeed(points[i].UMS, speedUnits)
			points[i].VMS = units.ConvertSpeed(points[i].VMS, speedUnits)
			points[i].SpeedMS = units.ConvertSpeed(points[i].SpeedMS, speedUnits)
		}
	}
	s.writeJSON(w, points)
}
