// Package feedback closes the advisory loop: it matches later outcomes
// back to emitted advisories, learns per-source effectiveness, computes
// KPI scorecards, and evaluates the production gates. Missing files read
// as empty and malformed JSONL lines are skipped; the package never
// fabricates a match.
package feedback

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"spark/internal/paths"
	"spark/internal/types"
)

// EmittedAdvisory is one row of advisor/advice_log.jsonl, written by the
// retrieval engine at emission time.
type EmittedAdvisory struct {
	AdviceID  string             `json:"advice_id"`
	PacketID  string             `json:"packet_id"`
	Text      string             `json:"text"`
	Source    types.AdviceSource `json:"source"`
	ToolName  string             `json:"tool_name"`
	SessionID string             `json:"session_id"`
	TraceID   string             `json:"trace_id"`
	TS        time.Time          `json:"ts"`
}

// FeedbackRow is one explicit entry of advisor/advice_feedback.jsonl.
type FeedbackRow struct {
	AdviceIDs []string  `json:"advice_ids"`
	Followed  bool      `json:"followed"`
	Helpful   *bool     `json:"helpful,omitempty"`
	Noisy     bool      `json:"noisy,omitempty"`
	Edited    bool      `json:"edited,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	TS        time.Time `json:"ts"`
}

// ReportRow is one entry of reports.jsonl; only spark_advisory rows
// participate in matching.
type ReportRow struct {
	Type           string    `json:"type"`
	Recommendation string    `json:"recommendation"`
	Decision       string    `json:"decision"` // outcome | decision
	TraceID        string    `json:"trace_id,omitempty"`
	TS             time.Time `json:"ts"`
}

// OutcomeRow is one implicit entry of outcomes.jsonl.
type OutcomeRow struct {
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	EventType string    `json:"event_type"` // ends in success / failure
	TraceID   string    `json:"trace_id,omitempty"`
	TS        time.Time `json:"ts"`
}

// TurnRecord is one row of advisory_engine.jsonl, one per retrieval turn.
type TurnRecord struct {
	TS        time.Time `json:"ts"`
	TraceID   string    `json:"trace_id"`
	ToolName  string    `json:"tool_name"`
	Decision  string    `json:"decision"` // emit | no_emit
	ErrorCode string    `json:"error_code,omitempty"`
	Emitted   int       `json:"emitted"`
}

// readJSONL decodes every well-formed line of a JSONL file into out via
// fn. Missing files are empty; malformed lines are skipped.
func readJSONL[T any](path string, fn func(T)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			continue
		}
		fn(v)
	}
	return scanner.Err()
}

// appendJSONL appends one JSON line to a file, creating it if needed.
func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// File path helpers for the feedback surfaces.
func adviceLogPath(root string) string {
	return filepath.Join(paths.Advisor(root), paths.AdviceLogFile)
}
func feedbackPath(root string) string {
	return filepath.Join(paths.Advisor(root), paths.FeedbackFile)
}
func implicitPath(root string) string {
	return filepath.Join(paths.Advisor(root), paths.ImplicitFile)
}
func reportsPath(root string) string {
	return filepath.Join(root, paths.ReportsFile)
}
func outcomesPath(root string) string {
	return filepath.Join(root, paths.OutcomesFile)
}
func engineLogPath(root string) string {
	return filepath.Join(root, paths.EngineLogFile)
}

// AppendEmitted logs one emitted advisory.
func AppendEmitted(root string, e EmittedAdvisory) error {
	return appendJSONL(adviceLogPath(root), e)
}

// AppendFeedback logs one explicit feedback row.
func AppendFeedback(root string, r FeedbackRow) error {
	return appendJSONL(feedbackPath(root), r)
}

// AppendOutcome logs one implicit outcome row.
func AppendOutcome(root string, r OutcomeRow) error {
	return appendJSONL(outcomesPath(root), r)
}

// AppendTurn logs one retrieval turn record.
func AppendTurn(root string, r TurnRecord) error {
	return appendJSONL(engineLogPath(root), r)
}
