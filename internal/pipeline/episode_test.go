package pipeline

import (
	"testing"

	"spark/internal/eidos"
	"spark/internal/types"
)

func postTool(session, tool, trace string, fail bool, input map[string]any) *types.Event {
	e := &types.Event{
		EventType: types.EventPostTool,
		SessionID: session,
		TraceID:   trace,
		ToolName:  tool,
		ToolInput: input,
	}
	if fail {
		e.EventType = types.EventPostToolFailure
		e.Error = "exit status 1"
	}
	return e
}

func TestEpisodeConsolidatesOnPassStreak(t *testing.T) {
	tr := newEpisodeTracker()

	v, terminal := tr.Observe(postTool("s1", "Bash", "tr_1", false, map[string]any{"cmd": "go vet"}), nil)
	if terminal {
		t.Fatalf("first pass must not be terminal, got %v", v)
	}
	v, terminal = tr.Observe(postTool("s1", "Bash", "tr_2", false, map[string]any{"cmd": "ls"}), []string{"ck_1"})
	if !terminal || v.Phase != eidos.PhaseConsolidate {
		t.Fatalf("two passes should consolidate, got %v terminal=%v", v, terminal)
	}

	// The session gets a fresh episode afterwards.
	if _, terminal = tr.Observe(postTool("s1", "Bash", "tr_3", false, map[string]any{"cmd": "pwd"}), nil); terminal {
		t.Fatal("fresh episode must not inherit terminal state")
	}
}

func TestEpisodeEscalatesOnRepeatedError(t *testing.T) {
	tr := newEpisodeTracker()

	var v eidos.Verdict
	var terminal bool
	for i := 0; i < 3; i++ {
		v, terminal = tr.Observe(postTool("s1", "Bash", "tr_1", true, nil), nil)
		if terminal {
			break
		}
	}
	if !terminal || v.Phase != eidos.PhaseEscalate {
		t.Fatalf("repeated identical failures should escalate, got %v terminal=%v", v, terminal)
	}
}

func TestEpisodeIgnoresNonToolEvents(t *testing.T) {
	tr := newEpisodeTracker()
	if _, terminal := tr.Observe(promptEvent("s1", "hello"), nil); terminal {
		t.Fatal("prompt events are not episode steps")
	}
	if len(tr.sessions) != 0 {
		t.Fatal("non-tool events must not open episodes")
	}
}
