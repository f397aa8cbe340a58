// Package paths resolves the on-disk layout of the Spark workspace.
// Everything Spark persists lives under a single root (default ~/.spark),
// overridable via SPARK_WORKSPACE for tests and multi-profile setups.
package paths

import (
	"os"
	"path/filepath"
)

// File and directory names under the workspace root.
const (
	QueueDir        = "queue"
	EventsFile      = "events.jsonl"
	CursorFile      = "cursor.json"
	ArchiveDir      = "archive"
	TraceStateDir   = "traces"
	AdvisorDir      = "advisor"
	AdviceLogFile   = "advice_log.jsonl"
	RecentFile      = "recent_advice.jsonl"
	EffectFile      = "effectiveness.json"
	MetricsFile     = "metrics.json"
	ImplicitFile    = "implicit_feedback.jsonl"
	FeedbackFile    = "advice_feedback.jsonl"
	PacketsDir      = "advice_packets"
	PacketIndexFile = "index.json"
	EngineLogFile   = "advisory_engine.jsonl"
	OutcomesFile    = "outcomes.jsonl"
	TuneablesFile   = "tuneables.json"
	HeartbeatFile   = "bridge_worker_heartbeat.json"
	DriftFile       = "tuneable_drift.jsonl"
	HookErrorsFile  = "hook_errors.log"
	DatabaseFile    = "spark.db"
	BankDir         = "bank"
	ChipsDir        = "chips"
	LogsDir         = "logs"
	ReportsFile     = "reports.jsonl"
	TrialsDir       = "trials"
)

// Root returns the Spark workspace root. SPARK_WORKSPACE wins; otherwise
// ~/.spark. Falls back to .spark in the current directory when the home
// directory cannot be resolved.
func Root() string {
	if ws := os.Getenv("SPARK_WORKSPACE"); ws != "" {
		return ws
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spark"
	}
	return filepath.Join(home, ".spark")
}

// Queue returns the queue directory under root.
func Queue(root string) string { return filepath.Join(root, QueueDir) }

// Events returns the append-only event log path.
func Events(root string) string { return filepath.Join(root, QueueDir, EventsFile) }

// Cursor returns the queue consumer cursor path.
func Cursor(root string) string { return filepath.Join(root, QueueDir, CursorFile) }

// TraceState returns the per-session trace sidecar path.
func TraceState(root, sessionID string) string {
	return filepath.Join(root, QueueDir, TraceStateDir, sessionID+".json")
}

// Advisor returns the advisor state directory.
func Advisor(root string) string { return filepath.Join(root, AdvisorDir) }

// Packets returns the packet store directory.
func Packets(root string) string { return filepath.Join(root, PacketsDir) }

// Database returns the SQLite store path.
func Database(root string) string { return filepath.Join(root, DatabaseFile) }

// Tuneables returns the hot-reloaded config path.
func Tuneables(root string) string { return filepath.Join(root, TuneablesFile) }

// Heartbeat returns the bridge worker liveness snapshot path.
func Heartbeat(root string) string { return filepath.Join(root, HeartbeatFile) }

// EnsureLayout creates the directories Spark writes into. Idempotent.
func EnsureLayout(root string) error {
	dirs := []string{
		root,
		Queue(root),
		filepath.Join(root, QueueDir, ArchiveDir),
		filepath.Join(root, QueueDir, TraceStateDir),
		Advisor(root),
		Packets(root),
		filepath.Join(root, BankDir),
		filepath.Join(root, ChipsDir),
		filepath.Join(root, LogsDir),
		filepath.Join(root, TrialsDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
