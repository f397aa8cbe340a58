package pipeline

import (
	"regexp"
	"strings"
	"time"

	"spark/internal/types"
)

var whyPattern = regexp.MustCompile(`(?i)\bwhy\s+(?:did|does|do|is|are|was|were|can'?t|won'?t|not)\b(.*)`)

// WhyDetector captures explanation-seeking prompts. A user asking "why"
// after an action signals the agent skipped reasoning the user needed; the
// subject of the question becomes a reasoning insight.
type WhyDetector struct {
	actions *actionBuffer
}

func NewWhyDetector() *WhyDetector {
	return &WhyDetector{actions: newActionBuffer(5)}
}

func (d *WhyDetector) Name() string { return "why" }

func (d *WhyDetector) ProcessEvent(e *types.Event) []types.DetectedPattern {
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

	m := whyPattern.FindStringSubmatch(e.Prompt)
	if m == nil {
		return nil
	}
	subject := trimClause(m[1])

	p := types.DetectedPattern{
		Type:       types.PatternWhy,
		SessionID:  e.SessionID,
		Confidence: 0.6,
		Evidence:   e.Prompt,
		Triggers:   types.UniqueSorted(types.Tokenize(e.Prompt)),
		DetectedAt: time.Now().UTC(),
	}
	if last := d.actions.last(e.SessionID); last != nil {
		p.ToolName = last.ToolName
		p.Insight = "When using " + last.ToolName + ", explain the reasoning before acting"
		if subject != "" {
			p.Insight += " (user questioned: " + subject + ")"
		}
	} else if subject != "" {
		p.Insight = "Explain reasoning around " + strings.TrimSpace(subject)
	}
	p.PatternID = "pt_" + p.Signature()
	return []types.DetectedPattern{p}
}
