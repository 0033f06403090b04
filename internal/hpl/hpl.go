// Package hpl parses Halo Photonics .hpl scan files: a key/value text
// header followed by per-ray data blocks, one attitude line and one line
// per range gate.
package hpl

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Header is the metadata block at the top of a scan file.
type Header struct {
	Filename                  string
	SystemID                  int
	NumGates                  int
	RangeGateLengthM          float64
	GateLengthPts             int
	PulsesPerRay              int
	NumRaysInFile             int
	ScanType                  string
	FocusRange                int
	StartTime                 time.Time
	VelocityResolutionMS      float64
	RangeCenterFormula        string
	DataLine1Format           string
	DataLine2Format           string
	InstrumentSpectralWidthMS float64
}

// Gate is one range-gate measurement within a ray.
type Gate struct {
	RangeGateIndex    int
	DopplerMS         float64
	IntensitySNRPlus1 float64
	Beta              float64
	SpectralWidthMS   float64
}

// Ray is one beam: the attitude line plus its gate measurements.
type Ray struct {
	RayIdx           int
	DecimalTimeHours float64
	AzimuthDeg       float64
	ElevationDeg     float64
	PitchDeg         float64
	RollDeg          float64
	Gates            []Gate
}

// File is a fully parsed scan file.
type File struct {
	Header Header
	Rays   []Ray
}

var (
	startTimeRe = regexp.MustCompile(`^(\d{8})\s+(\d{2}):(\d{2}):(\d{2})(?:\.(\d+))?$`)
	spectralRe  = regexp.MustCompile(`Instrument spectral width\s*=\s*([0-9.]+)`)

	// Wind_Profile_<site>_<YYYYMMDD>_<HHMMSS>.hpl
	filenameRe = regexp.MustCompile(`(?i)^Wind_Profile_[0-9]+_([0-9]{8})_([0-9]{6})\.hpl$`)
)

// headerScanLimit bounds how far into a file the header is searched;
// malformed files fail fast instead of scanning gate data for keys.
const headerScanLimit = 300

// ParseStartTime parses the header's "Start time" value, e.g.
// "20240815 06:00:12.34". Fractional seconds are optional.
func ParseStartTime(s string) (time.Time, error) {
	m := startTimeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized start time format: %q", s)
	}
	ymd, hh, mm, ss, frac := m[1], m[2], m[3], m[4], m[5]
	year, _ := strconv.Atoi(ymd[:4])
	month, _ := strconv.Atoi(ymd[4:6])
	day, _ := strconv.Atoi(ymd[6:8])
	h, _ := strconv.Atoi(hh)
	mi, _ := strconv.Atoi(mm)
	sec, _ := strconv.Atoi(ss)

	// Pad/truncate the fraction to microseconds, matching how the archive's
	// existing timestamps were recorded.
	usec := 0
	if frac != "" {
		padded := (frac + "000000")[:6]
		usec, _ = strconv.Atoi(padded)
	}
	return time.Date(year, time.Month(month), day, h, mi, sec, usec*1000, time.UTC), nil
}

// ParseFile reads and parses one .hpl file.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	parsed, err := Parse(lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return parsed, nil
}

// Parse parses the lines of one scan file.
func Parse(lines []string) (*File, error) {
	header, dataStart, err := parseHeader(lines)
	if err != nil {
		return nil, err
	}

	rays, err := parseDataBlocks(lines, dataStart, header.NumRaysInFile, header.NumGates)
	if err != nil {
		return nil, err
	}
	return &File{Header: *header, Rays: rays}, nil
}

func parseHeader(lines []string) (*Header, int, error) {
	kv := make(map[string]string)
	limit := headerScanLimit
	if len(lines) < limit {
		limit = len(lines)
	}

	dataStart := -1
	for i := 0; i < limit; i++ {
		ln := lines[i]
		if k, v, ok := strings.Cut(ln, ":"); ok {
			kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if strings.Contains(ln, "Range of measurement") {
			if _, v, ok := strings.Cut(ln, "="); ok {
				kv["Range of measurement"] = strings.TrimSpace(v)
			} else {
				kv["Range of measurement"] = strings.TrimSpace(ln)
			}
		}
		// The format descriptions sit on the line after their label.
		if strings.HasPrefix(strings.TrimSpace(ln), "Data line 1") && i+1 < len(lines) {
			kv["Data line 1 format"] = strings.TrimSpace(lines[i+1])
		}
		if strings.HasPrefix(strings.TrimSpace(ln), "Data line 2") && i+1 < len(lines) {
			kv["Data line 2 format"] = strings.TrimSpace(lines[i+1])
		}
		if m := spectralRe.FindStringSubmatch(ln); m != nil {
			kv["Instrument spectral width"] = m[1]
			dataStart = i + 1
			break
		}
	}
	if dataStart < 0 {
		return nil, 0, fmt.Errorf("instrument spectral width not found in header")
	}

	h := &Header{
		ScanType:           kv["Scan type"],
		RangeCenterFormula: kv["Range of measurement"],
		DataLine1Format:    kv["Data line 1 format"],
		DataLine2Format:    kv["Data line 2 format"],
	}

	// Filename is required: header upserts key on it, so a blank one would
	// silently merge distinct scans into a single header row.
	required := []struct {
		key string
		set func(string) error
	}{
		{"Filename", func(s string) error {
			if s == "" {
				return fmt.Errorf("empty value")
			}
			h.Filename = s
			return nil
		}},
		{"Number of gates", func(s string) (err error) { h.NumGates, err = strconv.Atoi(s); return }},
		{"Range gate length (m)", func(s string) (err error) { h.RangeGateLengthM, err = strconv.ParseFloat(s, 64); return }},
		{"No. of rays in file", func(s string) (err error) { h.NumRaysInFile, err = strconv.Atoi(s); return }},
		{"Instrument spectral width", func(s string) (err error) { h.InstrumentSpectralWidthMS, err = strconv.ParseFloat(s, 64); return }},
	}
	for _, r := range required {
		v, ok := kv[r.key]
		if !ok {
			return nil, 0, fmt.Errorf("header missing %q", r.key)
		}
		if err := r.set(v); err != nil {
			return nil, 0, fmt.Errorf("header %q: %w", r.key, err)
		}
	}

	// Optional numeric keys; absent or malformed values are left zero.
	h.SystemID, _ = strconv.Atoi(kv["System ID"])
	h.GateLengthPts, _ = strconv.Atoi(kv["Gate length (pts)"])
	h.PulsesPerRay, _ = strconv.Atoi(kv["Pulses/ray"])
	h.FocusRange, _ = strconv.Atoi(kv["Focus range"])
	h.VelocityResolutionMS, _ = strconv.ParseFloat(kv["Resolution (m/s)"], 64)

	if v, ok := kv["Start time"]; ok {
		t, err := ParseStartTime(v)
		if err != nil {
			return nil, 0, err
		}
		h.StartTime = t
	} else {
		return nil, 0, fmt.Errorf("header missing %q", "Start time")
	}

	return h, dataStart, nil
}

func parseDataBlocks(lines []string, start, numRays, numGates int) ([]Ray, error) {
	need := start + numRays*(1+numGates)
	if len(lines) < need {
		return nil, fmt.Errorf("truncated file: need %d lines for %d rays, have %d", need, numRays, len(lines))
	}

	rays := make([]Ray, 0, numRays)
	idx := start
	for ray := 0; ray < numRays; ray++ {
		parts := strings.Fields(lines[idx])
		if len(parts) < 5 {
			return nil, fmt.Errorf("ray %d: bad attitude line at %d", ray, idx)
		}
		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			v, err := strconv.ParseFloat(parts[i], 64)
			if err != nil {
				return nil, fmt.Errorf("ray %d: attitude field %d: %w", ray, i, err)
			}
			vals[i] = v
		}

		r := Ray{
			RayIdx:           ray,
			DecimalTimeHours: vals[0],
			AzimuthDeg:       vals[1],
			ElevationDeg:     vals[2],
			PitchDeg:         vals[3],
			RollDeg:          vals[4],
			Gates:            make([]Gate, 0, numGates),
		}
		for g := 0; g < numGates; g++ {
			sp := strings.Fields(lines[idx+1+g])
			if len(sp) < 5 {
				return nil, fmt.Errorf("ray %d gate %d: bad gate line", ray, g)
			}
			gate := Gate{RangeGateIndex: g}
			if rg, err := strconv.ParseFloat(sp[0], 64); err == nil {
				gate.RangeGateIndex = int(rg)
			}
			fields := []*float64{&gate.DopplerMS, &gate.IntensitySNRPlus1, &gate.Beta, &gate.SpectralWidthMS}
			for i, dst := range fields {
				v, err := strconv.ParseFloat(sp[i+1], 64)
				if err != nil {
					return nil, fmt.Errorf("ray %d gate %d field %d: %w", ray, g, i+1, err)
				}
				*dst = v
			}
			r.Gates = append(r.Gates, gate)
		}
		rays = append(rays, r)
		idx += 1 + numGates
	}
	return rays, nil
}

// ListScanFiles returns the wind-profile .hpl files directly under dir,
// sorted by the timestamp embedded in their names so imports run in
// chronological order.
func ListScanFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type stamped struct {
		path string
		ts   string
	}
	var files []stamped
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		files = append(files, stamped{
			path: filepath.Join(dir, e.Name()),
			ts:   m[1] + m[2],
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts < files[j].ts })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
