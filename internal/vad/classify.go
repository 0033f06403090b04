package vad

// Classify derives the advisory warning flags for a completed fit. All
// rules are evaluated independently and the union is returned in a fixed
// order (ILLCOND, LOWSPAN, LOWR2, LOWRANK) so re-runs produce identical
// annotations. Flags never alter the fit status; the orchestrator only
// classifies StatusOK outcomes.
func Classify(outcome SolveOutcome, azSpanDeg float64, p *Params) []WarnFlag {
	var flags []WarnFlag
	if outcome.CondNum != nil && *outcome.CondNum > p.GetIllConditionThresh() {
		flags = append(flags, WarnIllConditioned)
	}
	if azSpanDeg < p.GetMinAzimuthSpanDeg() {
		flags = append(flags, WarnLowSpan)
	}
	if outcome.R2 != nil && *outcome.R2 < p.GetMinR2() {
		flags = append(flags, WarnLowR2)
	}
	if outcome.ARank != nil && *outcome.ARank < minRaysToSolve {
		flags = append(flags, WarnLowRank)
	}
	return flags
}
