package pipeline

import (
	"strings"
	"time"

	"spark/internal/types"
)

// intentFamilies maps an intent family name to its marker terms. First
// family whose markers dominate the prompt wins.
var intentFamilies = []struct {
	family  string
	markers []string
}{
	{"debugging", []string{"bug", "error", "crash", "fails", "failing", "broken", "fix", "traceback", "panic"}},
	{"testing", []string{"test", "tests", "coverage", "assert", "flaky", "regression"}},
	{"refactoring", []string{"refactor", "rename", "clean up", "cleanup", "simplify", "extract", "restructure"}},
	{"implementation", []string{"add", "implement", "create", "build", "write", "support", "feature"}},
	{"configuration", []string{"config", "configure", "env", "setting", "deploy", "install", "setup"}},
	{"exploration", []string{"how does", "where is", "what does", "explain", "show me", "find"}},
}

// SemanticIntentDetector classifies user prompts into a coarse intent
// family. The family becomes a trigger term so retrieval can prefer advice
// learned under the same kind of work.
type SemanticIntentDetector struct{}

func NewSemanticIntentDetector() *SemanticIntentDetector { return &SemanticIntentDetector{} }

func (d *SemanticIntentDetector) Name() string { return "semantic_intent" }

func (d *SemanticIntentDetector) ProcessEvent(e *types.Event) []types.DetectedPattern {
	if e.EventType != types.EventUserPrompt || e.Prompt == "" {
		return nil
	}

	prompt := strings.ToLower(e.Prompt)
	bestFamily := ""
	bestHits := 0
	for _, f := range intentFamilies {
		hits := 0
		for _, m := range f.markers {
			if strings.Contains(prompt, m) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestFamily = f.family
		}
	}
	if bestHits == 0 {
		return nil
	}

	p := types.DetectedPattern{
		Type:       types.PatternSemanticIntent,
		SessionID:  e.SessionID,
		Confidence: minFloat(0.4+0.15*float64(bestHits), 0.85),
		Evidence:   e.Prompt,
		Insight:    "Current work is " + bestFamily,
		Triggers:   types.UniqueSorted(append(types.Tokenize(e.Prompt), bestFamily)),
		DetectedAt: time.Now().UTC(),
	}
	p.PatternID = "pt_" + p.Signature()
	return []types.DetectedPattern{p}
}

// IntentFamily classifies a free-text query the same way the detector
// does. Shared with the retrieval layer so both sides agree on families.
func IntentFamily(text string) string {
	t := strings.ToLower(text)
	best, bestHits := "", 0
	for _, f := range intentFamilies {
		hits := 0
		for _, m := range f.markers {
			if strings.Contains(t, m) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = f.family
		}
	}
	if best == "" {
		return "general"
	}
	return best
}
