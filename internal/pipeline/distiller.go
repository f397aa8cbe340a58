package pipeline

import (
	"strings"

	"spark/internal/logging"
	"spark/internal/types"
)

// safetyTerms mark must-not territory. Any of these in the evidence or
// insight makes the distillation a POLICY.
var safetyTerms = []string{"never", "must not", "do not ever", "production", "force push", "delete", "secret", "credential", "drop table"}

// Distiller converts detected patterns into typed EIDOS distillations and
// cognitive insights.
type Distiller struct{}

func NewDistiller() *Distiller { return &Distiller{} }

// Distill maps a pattern onto the EIDOS taxonomy. Returns nil when the
// pattern carries no reusable statement.
//
// The taxonomy rules, in priority order:
//   - safety-critical must-not            -> POLICY
//   - negated pattern with anti-triggers  -> ANTI_PATTERN
//   - observed failure with a root cause  -> SHARP_EDGE
//   - imperative with a guarded outcome   -> HEURISTIC
func (d *Distiller) Distill(p *types.DetectedPattern) *types.Distillation {
	statement := p.Insight
	if statement == "" {
		return nil
	}

	dist := &types.Distillation{
		Statement:    statement,
		Triggers:     p.Triggers,
		AntiTriggers: p.AntiTriggers,
		Confidence:   p.Confidence,
	}

	switch {
	case p.SafetyMust || containsAny(statement, safetyTerms) || containsAny(p.Evidence, safetyTerms):
		dist.Type = types.DistillPolicy
	case p.Rejected != "" && len(p.AntiTriggers) > 0:
		dist.Type = types.DistillAntiPattern
	case p.Outcome == "fail" && p.RootCause != "":
		dist.Type = types.DistillSharpEdge
	case p.Outcome != "":
		dist.Type = types.DistillHeuristic
	default:
		// An unguarded imperative is still a heuristic, just weaker.
		dist.Type = types.DistillHeuristic
		dist.Confidence *= 0.8
	}

	// An anti-pattern without anti-triggers cannot be stored; downgrade.
	if dist.Type == types.DistillAntiPattern && len(dist.AntiTriggers) == 0 {
		dist.Type = types.DistillHeuristic
	}

	logging.PipelineDebug("distilled %s from %s pattern: %q", dist.Type, p.Type, statement)
	return dist
}

// InsightFrom builds the cognitive insight counterpart of a pattern.
// Returns nil for patterns with no insight text.
func (d *Distiller) InsightFrom(p *types.DetectedPattern) *types.Insight {
	if p.Insight == "" {
		return nil
	}
	ins := &types.Insight{
		Category:    categoryFor(p),
		Text:        p.Insight,
		Triggers:    p.Triggers,
		Reliability: 0,
	}
	ins.InsightKey = ins.Key()
	return ins
}

func categoryFor(p *types.DetectedPattern) types.InsightCategory {
	switch p.Type {
	case types.PatternCorrection:
		return types.CategoryUserUnderstanding
	case types.PatternWhy, types.PatternSemanticIntent:
		return types.CategoryReasoning
	case types.PatternRepetition, types.PatternEngagementSurprise:
		return types.CategoryFailure
	case types.PatternSentiment:
		if p.Outcome == "fail" {
			return types.CategoryReliability
		}
		return types.CategoryPreference
	default:
		return types.CategoryReasoning
	}
}

func containsAny(text string, terms []string) bool {
	t := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(t, term) {
			return true
		}
	}
	return false
}
