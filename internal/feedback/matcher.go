package feedback

import (
	"strings"
	"time"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/types"
)

// Match statuses.
const (
	MatchActed      = "acted"
	MatchSkipped    = "skipped"
	MatchUnresolved = "unresolved"
)

// unresolvedConfidence is the hint attached when no source matched.
const unresolvedConfidence = 0.35

// Match is the resolved outcome for one emitted advisory.
type Match struct {
	Status     string    `json:"status"` // acted | skipped | unresolved
	Helpful    *bool     `json:"helpful,omitempty"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"` // explicit | report | implicit | none
	TraceBound bool      `json:"trace_bound"`
	MatchedAt  time.Time `json:"matched_at,omitempty"`
}

// Matcher resolves emitted advisories against the three outcome sources.
type Matcher struct {
	root string
	cfg  config.FeedbackConfig
}

// NewMatcher creates a matcher over the workspace root.
func NewMatcher(root string, cfg config.FeedbackConfig) *Matcher {
	return &Matcher{root: root, cfg: cfg}
}

// Resolve finds the outcome for one emitted advisory. The three sources
// are searched within the window; the earliest match wins. No match
// yields unresolved with a fixed low confidence.
func (m *Matcher) Resolve(adv EmittedAdvisory) Match {
	window := time.Duration(m.cfg.MatchWindowHours) * time.Hour
	if window <= 0 {
		window = 6 * time.Hour
	}
	deadline := adv.TS.Add(window)

	best := Match{Status: MatchUnresolved, Confidence: unresolvedConfidence, Source: "none"}
	consider := func(c Match) {
		if c.MatchedAt.IsZero() || c.MatchedAt.Before(adv.TS) || c.MatchedAt.After(deadline) {
			return
		}
		if best.Status == MatchUnresolved || c.MatchedAt.Before(best.MatchedAt) {
			best = c
		}
	}

	// 1. Explicit feedback rows naming this advice ID.
	_ = readJSONL(feedbackPath(m.root), func(r FeedbackRow) {
		for _, id := range r.AdviceIDs {
			if id != adv.AdviceID {
				continue
			}
			status := MatchSkipped
			if r.Followed {
				status = MatchActed
			}
			consider(Match{
				Status:     status,
				Helpful:    r.Helpful,
				Confidence: 0.95,
				Source:     "explicit",
				TraceBound: r.TraceID != "" && r.TraceID == adv.TraceID,
				MatchedAt:  r.TS,
			})
			return
		}
	})

	// 2. Advisory report rows with similar recommendation text.
	minSim := m.cfg.TextSimilarityMin
	if minSim <= 0 {
		minSim = 0.58
	}
	_ = readJSONL(reportsPath(m.root), func(r ReportRow) {
		if r.Type != "spark_advisory" {
			return
		}
		if TextSimilarity(r.Recommendation, adv.Text) < minSim {
			return
		}
		status := MatchSkipped
		if r.Decision == "outcome" {
			status = MatchActed
		}
		consider(Match{
			Status:     status,
			Confidence: 0.7,
			Source:     "report",
			TraceBound: r.TraceID != "" && r.TraceID == adv.TraceID,
			MatchedAt:  r.TS,
		})
	})

	// 3. Implicit outcomes for the same session and tool.
	_ = readJSONL(outcomesPath(m.root), func(r OutcomeRow) {
		if r.SessionID != adv.SessionID || r.ToolName != adv.ToolName {
			return
		}
		var helpful *bool
		switch {
		case strings.HasSuffix(r.EventType, "success"):
			h := true
			helpful = &h
		case strings.HasSuffix(r.EventType, "failure"):
			h := false
			helpful = &h
		default:
			return
		}
		consider(Match{
			Status:     MatchActed,
			Helpful:    helpful,
			Confidence: 0.5,
			Source:     "implicit",
			TraceBound: r.TraceID != "" && r.TraceID == adv.TraceID,
			MatchedAt:  r.TS,
		})
	})

	if best.Status == MatchUnresolved {
		logging.Feedback("advice %s unresolved within %v window", adv.AdviceID, window)
	}
	return best
}

// TextSimilarity is a token-level Jaccard similarity in [0,1]. Both the
// report matcher and its tests rely on the exact same tokenization as the
// lexical scorer.
func TextSimilarity(a, b string) float64 {
	ta := types.UniqueSorted(types.Tokenize(a))
	tb := types.UniqueSorted(types.Tokenize(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	inter := 0
	for _, t := range tb {
		if set[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
