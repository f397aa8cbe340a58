// Package hook implements the single-shot hook ingestor: one JSON event on
// stdin per invocation, normalized and appended to the durable queue. This
// runs inside the host agent's synchronous pre-tool path, so the budget is
// tight (p99 < 25ms): no SQLite, no network, one file append. Every failure
// is swallowed - the host must never see an error from Spark.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"spark/internal/paths"
	"spark/internal/queue"
	"spark/internal/types"

	"github.com/google/uuid"
)

const (
	// maxStdinBytes caps stdin reads. Hook payloads are small JSON objects;
	// 1 MiB is generous headroom that prevents unbounded allocation.
	maxStdinBytes = 1 << 20

	// maxFieldBytes caps individual unbounded fields (prompt, tool error,
	// serialized tool input) before they hit the queue.
	maxFieldBytes = 16 * 1024
)

// rawEvent is the JSON the host agent sends on stdin.
type rawEvent struct {
	HookEventName string         `json:"hook_event_name"`
	SessionID     string         `json:"session_id"`
	CWD           string         `json:"cwd"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	ToolError     string         `json:"tool_error"`
	Prompt        string         `json:"prompt"`
	TraceID       string         `json:"trace_id"`
	Payload       map[string]any `json:"payload"`
}

var processStart = time.Now()

// Run reads one event from r, normalizes it and appends it to the queue
// under root. Errors are written to the sidechannel log and swallowed;
// the caller always exits 0.
func Run(root string, r io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			sidechannel(root, fmt.Sprintf("panic: %v", rec))
		}
	}()

	e, err := ReadEvent(r)
	if err != nil {
		sidechannel(root, err.Error())
		return
	}
	Normalize(root, e)
	if err := queue.Append(root, e); err != nil {
		sidechannel(root, err.Error())
	}
}

// ReadEvent parses a single raw event from r. hook_event_name, session_id
// and cwd are required; everything else is optional.
func ReadEvent(r io.Reader) (*types.Event, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxStdinBytes))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed hook event: %w", err)
	}
	if raw.HookEventName == "" || raw.SessionID == "" || raw.CWD == "" {
		return nil, fmt.Errorf("hook event missing hook_event_name, session_id or cwd")
	}
	et := types.EventTypeFromHook(raw.HookEventName)
	if et == "" {
		return nil, fmt.Errorf("unknown hook event %q", raw.HookEventName)
	}
	return &types.Event{
		EventType: et,
		HookEvent: raw.HookEventName,
		SessionID: raw.SessionID,
		TraceID:   raw.TraceID,
		ToolName:  raw.ToolName,
		ToolInput: raw.ToolInput,
		Prompt:    raw.Prompt,
		Error:     raw.ToolError,
		CWD:       raw.CWD,
		Payload:   raw.Payload,
	}, nil
}

// Normalize fills timestamps, synthesizes a trace ID when the host did not
// send one, and caps unbounded fields.
func Normalize(root string, e *types.Event) {
	e.Timestamp = time.Now().UTC()
	e.MonotonicNS = int64(time.Since(processStart))

	if e.TraceID == "" {
		e.TraceID = traceFor(root, e)
	}

	e.Prompt = capString(e.Prompt, maxFieldBytes)
	e.Error = capString(e.Error, maxFieldBytes)
	e.ToolInput = capInput(e.ToolInput)
}

// traceState is the per-session sidecar binding PreToolUse to the matching
// PostToolUse/Failure so the whole lifecycle shares one trace ID.
type traceState struct {
	Open map[string]string `json:"open"` // tool name -> trace id
}

// traceFor synthesizes a trace ID stable within one tool lifecycle.
// PreToolUse opens a lifecycle; PostToolUse/Failure consumes it. Other
// events get a session-scoped ID.
func traceFor(root string, e *types.Event) string {
	switch e.EventType {
	case types.EventPreTool:
		id := "tr_" + uuid.NewString()
		st := loadTraceState(root, e.SessionID)
		st.Open[e.ToolName] = id
		saveTraceState(root, e.SessionID, st)
		return id
	case types.EventPostTool, types.EventPostToolFailure:
		st := loadTraceState(root, e.SessionID)
		if id, ok := st.Open[e.ToolName]; ok {
			delete(st.Open, e.ToolName)
			saveTraceState(root, e.SessionID, st)
			return id
		}
		// No matching PreToolUse recorded; derive deterministically so a
		// replay of the same stream yields the same ID.
		return "tr_" + types.StableHash(e.SessionID, e.ToolName, "orphan")
	default:
		return "tr_" + types.StableHash(e.SessionID, string(e.EventType))
	}
}

func loadTraceState(root, sessionID string) *traceState {
	st := &traceState{Open: make(map[string]string)}
	data, err := os.ReadFile(paths.TraceState(root, sessionID))
	if err != nil {
		return st
	}
	_ = json.Unmarshal(data, st)
	if st.Open == nil {
		st.Open = make(map[string]string)
	}
	return st
}

func saveTraceState(root, sessionID string, st *traceState) {
	path := paths.TraceState(root, sessionID)
	_ = os.MkdirAll(filepath.Join(paths.Queue(root), paths.TraceStateDir), 0755)
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0644)
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// capInput bounds the serialized size of tool_input. Oversized inputs are
// replaced by a truncation marker rather than partially mangled JSON.
func capInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil || len(data) <= maxFieldBytes {
		return in
	}
	return map[string]any{
		"_truncated":     true,
		"_original_size": len(data),
	}
}

// sidechannel logs ingestion failures without ever touching stdout/stderr
// in a way the host would interpret.
func sidechannel(root, msg string) {
	f, err := os.OpenFile(filepath.Join(root, paths.HookErrorsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), msg)
}
