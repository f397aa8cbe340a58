package pipeline

import (
	"time"

	"spark/internal/types"
)

// EngagementSurpriseDetector watches the rhythm of a session. A long,
// detailed prompt immediately after a tool failure means the user stepped
// in to steer; that moment carries more signal than the median prompt.
type EngagementSurpriseDetector struct {
	lastFailure map[string]int64 // session -> monotonic ns of last failure
	promptLens  map[string][]int // session -> recent prompt lengths
}

func NewEngagementSurpriseDetector() *EngagementSurpriseDetector {
	return &EngagementSurpriseDetector{
		lastFailure: make(map[string]int64),
		promptLens:  make(map[string][]int),
	}
}

func (d *EngagementSurpriseDetector) Name() string { return "engagement_surprise" }

func (d *EngagementSurpriseDetector) ProcessEvent(e *types.Event) []types.DetectedPattern {
	switch e.EventType {
	case types.EventPostToolFailure:
		d.lastFailure[e.SessionID] = e.MonotonicNS
		return nil
	case types.EventSessionEnd:
		delete(d.lastFailure, e.SessionID)
		delete(d.promptLens, e.SessionID)
		return nil
	case types.EventUserPrompt:
	default:
		return nil
	}

	lens := append(d.promptLens[e.SessionID], len(e.Prompt))
	if len(lens) > 20 {
		lens = lens[len(lens)-20:]
	}
	d.promptLens[e.SessionID] = lens

	failNS, hadFailure := d.lastFailure[e.SessionID]
	afterFailure := hadFailure && e.MonotonicNS-failNS < int64(2*time.Minute)
	unusuallyLong := len(lens) >= 5 && len(e.Prompt) > 3*median(lens)

	if !afterFailure || !unusuallyLong {
		return nil
	}
	delete(d.lastFailure, e.SessionID)

	p := types.DetectedPattern{
		Type:       types.PatternEngagementSurprise,
		SessionID:  e.SessionID,
		Confidence: 0.65,
		Evidence:   e.Prompt,
		Insight:    "User intervenes with detailed guidance after failures; surface failure context early",
		Triggers:   types.UniqueSorted(append(types.Tokenize(e.Prompt), "failure")),
		Outcome:    "fail",
		DetectedAt: time.Now().UTC(),
	}
	p.PatternID = "pt_" + p.Signature()
	return []types.DetectedPattern{p}
}

func median(xs []int) int {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]int, len(xs))
	copy(sorted, xs)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	return sorted[len(sorted)/2]
}
