package vad

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func outcomeWith(cond, r2 float64, rank int) SolveOutcome {
	return SolveOutcome{
		Status:  StatusOK,
		CondNum: floatPtr(cond),
		R2:      floatPtr(r2),
		ARank:   intPtr(rank),
	}
}

func TestClassifyNoFlagsOnHealthyFit(t *testing.T) {
	flags := Classify(outcomeWith(10, 0.95, 3), 300, &Params{})
	if len(flags) != 0 {
		t.Fatalf("expected no flags, got %v", flags)
	}
}

func TestClassifyIndividualFlags(t *testing.T) {
	p := &Params{}
	cases := []struct {
		name    string
		outcome SolveOutcome
		span    float64
		want    []WarnFlag
	}{
		{"ill conditioned", outcomeWith(1e6 + 1, 0.95, 3), 300, []WarnFlag{WarnIllConditioned}},
		{"at threshold is fine", outcomeWith(1e6, 0.95, 3), 300, nil},
		{"low span", outcomeWith(10, 0.95, 3), 119.9, []WarnFlag{WarnLowSpan}},
		{"low r2", outcomeWith(10, 0.49, 3), 300, []WarnFlag{WarnLowR2}},
		{"low rank", outcomeWith(10, 0.95, 2), 300, []WarnFlag{WarnLowRank}},
		{"infinite cond", outcomeWith(math.Inf(1), 0.95, 1), 300, []WarnFlag{WarnIllConditioned, WarnLowRank}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.outcome, tc.span, p)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("flags mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyEmissionOrder(t *testing.T) {
	// All four conditions at once must come out in the fixed order.
	flags := Classify(outcomeWith(1e9, 0.1, 1), 30, &Params{})
	want := []WarnFlag{WarnIllConditioned, WarnLowSpan, WarnLowR2, WarnLowRank}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if JoinWarnFlags(flags) != "ILLCOND,LOWSPAN,LOWR2,LOWRANK" {
		t.Errorf("unexpected CSV form: %s", JoinWarnFlags(flags))
	}
}
