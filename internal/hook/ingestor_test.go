package hook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"spark/internal/paths"
	"spark/internal/queue"
	"spark/internal/types"
)

func rawJSON(t *testing.T, v map[string]any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestReadEventRequiredFields(t *testing.T) {
	_, err := ReadEvent(strings.NewReader(`{"session_id":"s1"}`))
	require.Error(t, err)

	_, err = ReadEvent(strings.NewReader(`{"hook_event_name":"PreToolUse"}`))
	require.Error(t, err)

	_, err = ReadEvent(strings.NewReader(`{"hook_event_name":"PreToolUse","session_id":"s1"}`))
	require.Error(t, err, "cwd is required")

	_, err = ReadEvent(strings.NewReader(`{"hook_event_name":"SomethingElse","session_id":"s1","cwd":"/repo"}`))
	require.Error(t, err)

	e, err := ReadEvent(strings.NewReader(rawJSON(t, map[string]any{
		"hook_event_name": "PreToolUse",
		"session_id":      "s1",
		"tool_name":       "Edit",
		"cwd":             "/repo",
	})))
	require.NoError(t, err)
	require.Equal(t, types.EventPreTool, e.EventType)
	require.Equal(t, "Edit", e.ToolName)
}

func TestNormalizeCapsFields(t *testing.T) {
	root := t.TempDir()
	e := &types.Event{
		EventType: types.EventUserPrompt,
		SessionID: "s1",
		Prompt:    strings.Repeat("x", maxFieldBytes+100),
		Error:     strings.Repeat("e", maxFieldBytes+100),
		ToolInput: map[string]any{"blob": strings.Repeat("y", maxFieldBytes+100)},
	}
	Normalize(root, e)

	require.Len(t, e.Prompt, maxFieldBytes)
	require.Len(t, e.Error, maxFieldBytes)
	require.Equal(t, true, e.ToolInput["_truncated"])
	require.False(t, e.Timestamp.IsZero())
	require.NotEmpty(t, e.TraceID)
}

func TestTraceLifecycleBinding(t *testing.T) {
	root := t.TempDir()

	pre := &types.Event{EventType: types.EventPreTool, SessionID: "s1", ToolName: "Edit"}
	Normalize(root, pre)

	post := &types.Event{EventType: types.EventPostTool, SessionID: "s1", ToolName: "Edit"}
	Normalize(root, post)
	require.Equal(t, pre.TraceID, post.TraceID, "lifecycle must share one trace id")

	// The lifecycle is consumed; the next pair gets its own id.
	pre2 := &types.Event{EventType: types.EventPreTool, SessionID: "s1", ToolName: "Edit"}
	Normalize(root, pre2)
	require.NotEqual(t, pre.TraceID, pre2.TraceID)

	// Tools do not cross-contaminate within a session.
	preBash := &types.Event{EventType: types.EventPreTool, SessionID: "s1", ToolName: "Bash"}
	Normalize(root, preBash)
	postEdit := &types.Event{EventType: types.EventPostTool, SessionID: "s1", ToolName: "Edit"}
	Normalize(root, postEdit)
	require.Equal(t, pre2.TraceID, postEdit.TraceID)
}

func TestOrphanPostToolDeterministic(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	a := &types.Event{EventType: types.EventPostToolFailure, SessionID: "s1", ToolName: "Edit"}
	b := &types.Event{EventType: types.EventPostToolFailure, SessionID: "s1", ToolName: "Edit"}
	Normalize(rootA, a)
	Normalize(rootB, b)
	require.Equal(t, a.TraceID, b.TraceID, "orphan trace ids must replay identically")
}

func TestRunSwallowsBadInputAndAppendsGood(t *testing.T) {
	root := t.TempDir()

	Run(root, strings.NewReader("not json at all"))
	data, err := os.ReadFile(filepath.Join(root, paths.HookErrorsFile))
	require.NoError(t, err)
	require.Contains(t, string(data), "malformed")

	Run(root, strings.NewReader(rawJSON(t, map[string]any{
		"hook_event_name": "UserPromptSubmit",
		"session_id":      "s1",
		"cwd":             "/repo",
		"prompt":          "no, I meant use a small diff",
	})))

	events, _, err := queue.NewReader(root).DrainNew(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventUserPrompt, events[0].EventType)
}
