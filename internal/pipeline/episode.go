package pipeline

import (
	"fmt"

	"spark/internal/eidos"
	"spark/internal/types"
)

// episodeTracker feeds tool outcomes into per-session episode enforcers.
// Insights the distiller produced for an event count as the step's cited
// memory, so a session that keeps executing without yielding anything
// learnable trips the memory watchers.
type episodeTracker struct {
	sessions map[string]*eidos.Enforcer
}

func newEpisodeTracker() *episodeTracker {
	return &episodeTracker{sessions: make(map[string]*eidos.Enforcer)}
}

// Observe converts one processed event into an episode step. Returns the
// verdict and true when the episode reached a terminal phase; the session
// starts a fresh episode on its next tool outcome.
func (t *episodeTracker) Observe(e *types.Event, cited []string) (eidos.Verdict, bool) {
	if e.EventType == types.EventSessionEnd {
		delete(t.sessions, e.SessionID)
		return eidos.Verdict{}, false
	}
	if e.EventType != types.EventPostTool && e.EventType != types.EventPostToolFailure {
		return eidos.Verdict{}, false
	}

	enf, ok := t.sessions[e.SessionID]
	if !ok {
		enf = eidos.NewEnforcer(0)
		t.sessions[e.SessionID] = enf
	}

	step := eidos.Step{
		Action:      e.ToolName,
		Evidence:    evidenceFor(e),
		MemoryCited: cited,
		TraceID:     e.TraceID,
	}
	if e.EventType == types.EventPostToolFailure {
		step.Error = e.Error
		step.Evaluation = "fail"
		step.Confidence = 0.4
	} else {
		step.Evaluation = "pass"
		step.Confidence = 0.7
	}
	if len(e.ToolInput) > 0 && (e.ToolName == "Edit" || e.ToolName == "Write" || e.ToolName == "MultiEdit") {
		step.DiffDigest = types.StableHash(e.ToolName, fmt.Sprintf("%v", e.ToolInput))
	}

	v := enf.Admit(step)
	terminal := v.Phase == eidos.PhaseConsolidate || v.Phase == eidos.PhaseEscalate
	if terminal {
		delete(t.sessions, e.SessionID)
	}
	return v, terminal
}

// evidenceFor derives a per-step evidence string: the tool plus what it
// acted on or how it failed. Identical evidence twice in one episode is
// what the no-new-info watcher catches.
func evidenceFor(e *types.Event) string {
	if e.Error != "" {
		return e.ToolName + ": " + e.Error
	}
	if len(e.ToolInput) > 0 {
		return e.ToolName + ": " + types.StableHash(fmt.Sprintf("%v", e.ToolInput))
	}
	return e.ToolName + "@" + e.TraceID
}
