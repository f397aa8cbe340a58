package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"spark/internal/types"
)

const repetitionThreshold = 3

// RepetitionDetector notices the agent hammering the same tool with the
// same input within a session. Three identical calls is a loop, not
// persistence.
type RepetitionDetector struct {
	counts map[string]map[string]int // session -> call signature -> count
}

func NewRepetitionDetector() *RepetitionDetector {
	return &RepetitionDetector{counts: make(map[string]map[string]int)}
}

func (d *RepetitionDetector) Name() string { return "repetition" }

func (d *RepetitionDetector) ProcessEvent(e *types.Event) []types.DetectedPattern {
	switch e.EventType {
	case types.EventSessionEnd:
		delete(d.counts, e.SessionID)
		return nil
	case types.EventPreTool:
	default:
		return nil
	}

	input, _ := json.Marshal(e.ToolInput)
	sig := types.StableHash(e.ToolName, string(input))

	if d.counts[e.SessionID] == nil {
		d.counts[e.SessionID] = make(map[string]int)
	}
	d.counts[e.SessionID][sig]++
	n := d.counts[e.SessionID][sig]
	if n < repetitionThreshold {
		return nil
	}

	p := types.DetectedPattern{
		Type:       types.PatternRepetition,
		SessionID:  e.SessionID,
		ToolName:   e.ToolName,
		Confidence: minFloat(0.5+0.1*float64(n-repetitionThreshold), 0.9),
		Evidence:   fmt.Sprintf("%s called %d times with identical input", e.ToolName, n),
		Insight:    fmt.Sprintf("When using %s, repeated identical calls suggest a loop; change the approach instead of retrying", e.ToolName),
		Triggers:   types.UniqueSorted([]string{lower(e.ToolName), "retry", "loop"}),
		Outcome:    "fail",
		DetectedAt: time.Now().UTC(),
	}
	p.PatternID = "pt_" + p.Signature()
	return []types.DetectedPattern{p}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
