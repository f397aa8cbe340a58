package pipeline

import (
	"strings"
	"time"

	"spark/internal/types"
)

var (
	positiveMarkers = []string{"perfect", "great", "thanks", "thank you", "nice", "exactly", "works now", "that worked", "love it"}
	negativeMarkers = []string{"frustrat", "annoying", "again?", "still broken", "still failing", "ugh", "why is this so hard", "wasting", "this is wrong"}
)

// SentimentDetector reads user prompts for emotional charge. Strong
// negative sentiment right after a tool action is a reliability signal;
// strong positive sentiment validates the preceding approach.
type SentimentDetector struct {
	actions *actionBuffer
}

func NewSentimentDetector() *SentimentDetector {
	return &SentimentDetector{actions: newActionBuffer(5)}
}

func (d *SentimentDetector) Name() string { return "sentiment" }

func (d *SentimentDetector) ProcessEvent(e *types.Event) []types.DetectedPattern {
	switch e.EventType {
	case types.EventPostTool, types.EventPostToolFailure:
		d.actions.record(e)
		return nil
	case types.EventSessionEnd:
		d.actions.drop(e.SessionID)
		return nil
	case types.EventUserPrompt:
	default:
		return nil
	}

	prompt := strings.ToLower(e.Prompt)
	if prompt == "" {
		return nil
	}

	score := 0
	for _, m := range positiveMarkers {
		if strings.Contains(prompt, m) {
			score++
		}
	}
	for _, m := range negativeMarkers {
		if strings.Contains(prompt, m) {
			score--
		}
	}
	if score == 0 {
		return nil
	}

	p := types.DetectedPattern{
		Type:       types.PatternSentiment,
		SessionID:  e.SessionID,
		Evidence:   e.Prompt,
		DetectedAt: time.Now().UTC(),
		Triggers:   types.UniqueSorted(types.Tokenize(e.Prompt)),
	}
	if score > 0 {
		p.Outcome = "pass"
		p.Confidence = 0.5 + 0.1*float64(min(score, 3))
	} else {
		p.Outcome = "fail"
		p.Confidence = 0.5 + 0.1*float64(min(-score, 3))
	}
	if last := d.actions.last(e.SessionID); last != nil {
		p.ToolName = last.ToolName
	}
	p.PatternID = "pt_" + p.Signature()
	return []types.DetectedPattern{p}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
