package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/wind.profile/internal/winddb"
)

// Colour scale ceiling for horizontal wind speed. Stronger winds clip to
// the top colour rather than stretching the scale.
const plotVmaxSpeedMS = 25.0

// ErrNoPlottableFits is returned when a run has no ok fits under the
// plausibility ceiling.
var ErrNoPlottableFits = errors.New("no plottable fits for run")

// plotProfile renders a time/height heatmap (HTML) of horizontal wind speed
// for one run using go-echarts. Debugging aid; the run's full numbers are
// on /api/profile.
// Query params:
//   - run_id (required)
func (s *Server) plotProfile(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	err := RenderProfileHTML(r.Context(), s.db, runID, &buf)
	if errors.Is(err, ErrNoPlottableFits) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to render profile: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// RenderProfileHTML writes the go-echarts profile heatmap for one run as a
// standalone HTML document. Shared by the /plot/profile handler and the
// plot subcommand.
func RenderProfileHTML(ctx context.Context, db *winddb.DB, runID string, w io.Writer) error {
	points, err := db.FetchProfile(ctx, runID, maxPlausibleSpeedMS)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	if len(points) == 0 {
		return ErrNoPlottableFits
	}

	times, heights, data := pivotProfile(points)

	heatmap := charts.NewHeatMap()
	heatmap.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Wind Profile",
			Theme:     "dark",
			Width:     "1400px",
			Height:    "700px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Horizontal Wind Speed",
			Subtitle: fmt.Sprintf("run=%s scans=%d gates=%d", runID, len(times), len(heights)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "Scan start time"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "Height (m)", Data: heights}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        plotVmaxSpeedMS,
			InRange: &opts.VisualMapInRange{
				Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"},
			},
		}),
	)

	heatmap.SetXAxis(times).AddSeries("speed_ms", data)

	if err := heatmap.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// pivotProfile arranges profile points onto a (time, height) grid as
// echarts heatmap triples of category indices and speed.
func pivotProfile(points []winddb.ProfilePoint) ([]string, []string, []opts.HeatMapData) {
	timeIdx := make(map[string]int)
	heightIdx := make(map[float64]int)
	for _, p := range points {
		if _, ok := timeIdx[p.StartTime]; !ok {
			timeIdx[p.StartTime] = 0
		}
		if _, ok := heightIdx[p.HeightM]; !ok {
			heightIdx[p.HeightM] = 0
		}
	}

	times := make([]string, 0, len(timeIdx))
	for t := range timeIdx {
		times = append(times, t)
	}
	sort.Strings(times)
	for i, t := range times {
		timeIdx[t] = i
	}

	heightVals := make([]float64, 0, len(heightIdx))
	for h := range heightIdx {
		heightVals = append(heightVals, h)
	}
	sort.Float64s(heightVals)
	heights := make([]string, len(heightVals))
	for i, h := range heightVals {
		heightIdx[h] = i
		heights[i] = fmt.Sprintf("%.0f", h)
	}

	data := make([]opts.HeatMapData, 0, len(points))
	for _, p := range points {
		data = append(data, opts.HeatMapData{
			Value: [3]interface{}{timeIdx[p.StartTime], heightIdx[p.HeightM], p.SpeedMS},
		})
	}
	return times, heights, data
}
