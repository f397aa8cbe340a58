package feedback

import (
	"time"

	"spark/internal/logging"
)

// Scorecard aggregates advisory KPIs over a window. Strict variants are
// computed only over matches whose trace ID round-tripped end to end;
// strict counts can never exceed their non-strict counterparts.
type Scorecard struct {
	WindowHours float64 `json:"window_hours"`

	Turns   int            `json:"turns"`
	Emitted int            `json:"emitted_turns"`
	NoEmit  int            `json:"no_emit_turns"`
	ByCode  map[string]int `json:"no_emit_by_code,omitempty"`

	Advisories int `json:"advisories"`
	Resolved   int `json:"resolved"`
	Acted      int `json:"acted"`
	Positive   int `json:"positive"`
	Noisy      int `json:"noisy"`
	Edited     int `json:"edited"`

	EmitAccuracy       float64 `json:"emit_accuracy"`
	NoEmitRate         float64 `json:"no_emit_rate"`
	AcceptanceRate     float64 `json:"acceptance_rate"`
	OverrideRate       float64 `json:"override_rate"`
	NoisyRate          float64 `json:"noisy_rate"`
	EditedRate         float64 `json:"edited_rate"`
	RetrievalMatchRate float64 `json:"retrieval_match_rate"`
	PositiveEffectRate float64 `json:"positive_effect_rate"`

	StrictWithOutcome       int     `json:"strict_with_outcome"`
	StrictActed             int     `json:"strict_acted"`
	StrictActedOnRate       float64 `json:"strict_acted_on_rate"`
	StrictTraceCoverage     float64 `json:"strict_trace_coverage"`
	StrictEffectivenessRate float64 `json:"strict_effectiveness_rate"`
}

// BuildScorecard resolves every advisory emitted inside the window and
// folds the turn log on top. A zero window means all history.
func BuildScorecard(root string, window time.Duration, m *Matcher) (*Scorecard, error) {
	now := time.Now()
	inWindow := func(ts time.Time) bool {
		return window <= 0 || now.Sub(ts) <= window
	}

	sc := &Scorecard{
		WindowHours: window.Hours(),
		ByCode:      make(map[string]int),
	}

	if err := readJSONL(engineLogPath(root), func(r TurnRecord) {
		if !inWindow(r.TS) {
			return
		}
		sc.Turns++
		if r.Decision == "emit" {
			sc.Emitted++
		} else {
			sc.NoEmit++
			if r.ErrorCode != "" {
				sc.ByCode[r.ErrorCode]++
			}
		}
	}); err != nil {
		return nil, err
	}

	var advisories []EmittedAdvisory
	if err := readJSONL(adviceLogPath(root), func(a EmittedAdvisory) {
		if inWindow(a.TS) {
			advisories = append(advisories, a)
		}
	}); err != nil {
		return nil, err
	}

	// Noisy and edited are per-row flags on explicit feedback, counted
	// independently of which advisory they bind to.
	feedbackRows := 0
	if err := readJSONL(feedbackPath(root), func(r FeedbackRow) {
		if !inWindow(r.TS) {
			return
		}
		feedbackRows++
		if r.Noisy {
			sc.Noisy++
		}
		if r.Edited {
			sc.Edited++
		}
	}); err != nil {
		return nil, err
	}

	sc.Advisories = len(advisories)
	strictPositive := 0
	strictBound := 0
	for _, adv := range advisories {
		match := m.Resolve(adv)
		if match.Status == MatchUnresolved {
			continue
		}
		sc.Resolved++
		if match.Status == MatchActed {
			sc.Acted++
			if match.Helpful != nil && *match.Helpful {
				sc.Positive++
			}
		}
		if match.TraceBound {
			strictBound++
			sc.StrictWithOutcome++
			if match.Status == MatchActed {
				sc.StrictActed++
				if match.Helpful != nil && *match.Helpful {
					strictPositive++
				}
			}
		}
	}

	sc.NoEmitRate = ratio(sc.NoEmit, sc.Turns)
	sc.AcceptanceRate = ratio(sc.Acted, sc.Resolved)
	sc.OverrideRate = ratio(sc.Resolved-sc.Acted, sc.Resolved)
	sc.NoisyRate = ratio(sc.Noisy, feedbackRows)
	sc.EditedRate = ratio(sc.Edited, feedbackRows)
	sc.RetrievalMatchRate = ratio(sc.Resolved, sc.Advisories)
	sc.PositiveEffectRate = ratio(sc.Positive, sc.Acted)
	// Emitted advice that was acted on counts as an accurate emission.
	sc.EmitAccuracy = ratio(sc.Acted, sc.Advisories)
	sc.StrictActedOnRate = ratio(sc.StrictActed, sc.StrictWithOutcome)
	sc.StrictTraceCoverage = ratio(strictBound, sc.Advisories)
	sc.StrictEffectivenessRate = ratio(strictPositive, sc.StrictActed)

	logging.Feedback("scorecard: %d turns, %d advisories, %d resolved (%d strict), acted-on %.2f",
		sc.Turns, sc.Advisories, sc.Resolved, sc.StrictWithOutcome, sc.AcceptanceRate)
	return sc, nil
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
