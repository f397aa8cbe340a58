// Package pipeline consumes the event queue and turns raw tool-lifecycle
// events into cognitive insights and EIDOS distillations. Detectors run
// single-threaded per bridge cycle; each keeps private per-session state
// and is deterministic with respect to event order within a session.
package pipeline

import (
	"strings"

	"spark/internal/types"
)

func lower(s string) string { return strings.ToLower(s) }

// Detector is the common contract all detectors implement. ProcessEvent
// never blocks and never returns an error; a detector that cannot use an
// event returns nil.
type Detector interface {
	Name() string
	ProcessEvent(e *types.Event) []types.DetectedPattern
}

// DefaultDetectors returns the fixed detector set in execution order.
func DefaultDetectors() []Detector {
	return []Detector{
		NewCorrectionDetector(),
		NewSentimentDetector(),
		NewRepetitionDetector(),
		NewSemanticIntentDetector(),
		NewWhyDetector(),
		NewEngagementSurpriseDetector(),
	}
}

// toolAction is one buffered tool call, used by detectors that need to see
// what the agent just did when the user reacts.
type toolAction struct {
	ToolName string
	Input    map[string]any
	Failed   bool
	ErrorMsg string
	TraceID  string
}

// actionBuffer keeps the last N tool calls per session.
type actionBuffer struct {
	max      int
	sessions map[string][]toolAction
}

func newActionBuffer(max int) *actionBuffer {
	return &actionBuffer{max: max, sessions: make(map[string][]toolAction)}
}

func (b *actionBuffer) record(e *types.Event) {
	switch e.EventType {
	case types.EventPostTool, types.EventPostToolFailure:
	default:
		return
	}
	a := toolAction{
		ToolName: e.ToolName,
		Input:    e.ToolInput,
		Failed:   e.EventType == types.EventPostToolFailure,
		ErrorMsg: e.Error,
		TraceID:  e.TraceID,
	}
	buf := append(b.sessions[e.SessionID], a)
	if len(buf) > b.max {
		buf = buf[len(buf)-b.max:]
	}
	b.sessions[e.SessionID] = buf
}

// last returns the most recent action for a session, nil when empty.
func (b *actionBuffer) last(sessionID string) *toolAction {
	buf := b.sessions[sessionID]
	if len(buf) == 0 {
		return nil
	}
	return &buf[len(buf)-1]
}

func (b *actionBuffer) drop(sessionID string) {
	delete(b.sessions, sessionID)
}
