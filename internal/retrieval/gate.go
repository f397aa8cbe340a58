package retrieval

import (
	"time"

	"spark/internal/config"
	"spark/internal/feedback"
	"spark/internal/logging"
	"spark/internal/types"
)

// Stable error codes persisted on packets and turn records.
const (
	CodeGateSuppressed      = "AE_GATE_SUPPRESSED"
	CodeDuplicateSuppressed = "AE_DUPLICATE_SUPPRESSED"
	CodeNoCandidates        = "AE_NO_CANDIDATES"
	CodeEmitDisabled        = "AE_EMIT_DISABLED"
	CodeDegraded            = "AE_DEGRADED"
)

// recentAdvisory is one line of recent_advice.jsonl, used for the
// repetition penalty.
type recentAdvisory struct {
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// Gate applies the active profile to ranked advice rows.
type Gate struct {
	profile config.GateProfile
	recent  []recentAdvisory
}

// NewGate builds a gate with the recent-emission texts preloaded from
// disk. Recent rows older than a day carry no penalty and are skipped.
func NewGate(profile config.GateProfile, recent []recentAdvisory) *Gate {
	cutoff := time.Now().Add(-24 * time.Hour)
	kept := make([]recentAdvisory, 0, len(recent))
	for _, r := range recent {
		if r.TS.After(cutoff) {
			kept = append(kept, r)
		}
	}
	return &Gate{profile: profile, recent: kept}
}

// GateResult is the whole-turn gate outcome.
type GateResult struct {
	Passed    []types.Advice
	ErrorCode string // set when Passed is empty
}

// Apply filters ranked rows through the profile thresholds. When nothing
// passes, the error code reflects the dominant drop reason.
func (g *Gate) Apply(rows []types.Advice) GateResult {
	if len(rows) == 0 {
		return GateResult{ErrorCode: CodeNoCandidates}
	}

	var passed []types.Advice
	duplicates, suppressed := 0, 0
	policyBudget := g.profile.MaxPolicyScore

	for _, r := range rows {
		if g.profile.MaxAdvicePerTurn > 0 && len(passed) >= g.profile.MaxAdvicePerTurn {
			break
		}
		if r.RankScore < g.profile.MinRankScore {
			suppressed++
			continue
		}
		if r.Actionability < g.profile.MinActionability {
			suppressed++
			continue
		}
		if g.repetitionPenalty(r.Text) > g.profile.MaxRepetitionPenalty {
			duplicates++
			continue
		}
		if r.PolicyFloor {
			if policyBudget-r.RankScore < 0 {
				suppressed++
				continue
			}
			policyBudget -= r.RankScore
		}
		passed = append(passed, r)
	}

	if len(passed) == 0 {
		code := CodeGateSuppressed
		if duplicates > 0 && suppressed == 0 {
			code = CodeDuplicateSuppressed
		}
		logging.Gates("turn suppressed: %d below thresholds, %d duplicates (%s)", suppressed, duplicates, code)
		return GateResult{ErrorCode: code}
	}
	logging.Gates("gate passed %d/%d rows (%d duplicate, %d suppressed)", len(passed), len(rows), duplicates, suppressed)
	return GateResult{Passed: passed}
}

// repetitionPenalty is the highest text similarity against recently
// emitted advice.
func (g *Gate) repetitionPenalty(text string) float64 {
	max := 0.0
	for _, r := range g.recent {
		if sim := feedback.TextSimilarity(text, r.Text); sim > max {
			max = sim
		}
	}
	return max
}
