package vad

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParamsDefaults(t *testing.T) {
	p := &Params{}
	if got := p.GetMaxSelectedRays(); got != 6 {
		t.Errorf("max_selected_rays default = %d, want 6", got)
	}
	if !p.GetMinElevationRequired() {
		t.Error("min_elevation_required should default to true")
	}
	if got := p.GetIllConditionThresh(); got != 1e6 {
		t.Errorf("ill_condition_threshold default = %g, want 1e6", got)
	}
	if got := p.GetMinAzimuthSpanDeg(); got != 120.0 {
		t.Errorf("min_azimuth_span_deg default = %g, want 120", got)
	}
	if got := p.GetRuleTag(); got != "default" {
		t.Errorf("rule_tag default = %q, want default", got)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default params must validate: %v", err)
	}
}

func TestParamsValidateRejections(t *testing.T) {
	two := 2
	zero := 0.0
	onePointFive := 1.5
	half := 0.5
	noWorkers := 0
	cases := []struct {
		name string
		p    Params
	}{
		{"too few rays", Params{MaxSelectedRays: &two}},
		{"rank tolerance zero", Params{RankTolerance: &zero}},
		{"rank tolerance above one", Params{RankTolerance: &onePointFive}},
		{"cond threshold too small", Params{IllConditionThresh: &half}},
		{"no workers", Params{Workers: &noWorkers}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("error %v does not wrap ErrConfig", err)
			}
		})
	}
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.json")
	content := `{"max_selected_rays": 8, "min_r2": 0.7, "rule_tag": "strict"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams failed: %v", err)
	}
	if p.GetMaxSelectedRays() != 8 {
		t.Errorf("max_selected_rays = %d, want 8", p.GetMaxSelectedRays())
	}
	if p.GetMinR2() != 0.7 {
		t.Errorf("min_r2 = %g, want 0.7", p.GetMinR2())
	}
	if p.GetRuleTag() != "strict" {
		t.Errorf("rule_tag = %q, want strict", p.GetRuleTag())
	}
	// Untouched fields keep defaults.
	if p.GetSnrMin() != 0.015 {
		t.Errorf("snr_min = %g, want default 0.015", p.GetSnrMin())
	}
}

func TestLoadParamsRejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "params.txt")
	os.WriteFile(txt, []byte("{}"), 0o644)
	if _, err := LoadParams(txt); err == nil {
		t.Error("expected rejection of non-.json extension")
	}

	invalid := filepath.Join(dir, "invalid.json")
	os.WriteFile(invalid, []byte(`{"max_selected_rays": 1}`), 0o644)
	if _, err := LoadParams(invalid); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for out-of-range value, got %v", err)
	}

	if _, err := LoadParams(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMarshalSnapshotStable(t *testing.T) {
	p := &Params{}
	a := p.MarshalSnapshot()
	b := p.MarshalSnapshot()
	if a != b {
		t.Fatal("snapshot is not stable across calls")
	}
	for _, key := range []string{"max_selected_rays", "rank_tolerance", "mad_k", "vert_consist_max_ms"} {
		if !strings.Contains(a, key) {
			t.Errorf("snapshot missing %q: %s", key, a)
		}
	}
}
