// Package logging provides config-driven categorized file-based logging for Spark.
// Logs are written to ~/.spark/logs/ with separate files per category.
// Logging is controlled by the logging section of tuneables.json - when
// debug_mode is false, no logs are written. The host agent never sees any
// of this output.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and workspace layout
	CategoryHook     Category = "hook"     // Hook ingestor
	CategoryQueue    Category = "queue"    // Event queue append/drain
	CategoryBridge   Category = "bridge"   // Bridge worker cycles
	CategoryPipeline Category = "pipeline" // Detectors and distiller
	CategoryMemGate  Category = "memgate"  // Memory gate decisions
	CategoryStore    Category = "store"    // SQLite store operations
	CategoryRetrieve Category = "retrieve" // Source fan-out
	CategoryRank     Category = "rank"     // Hybrid scoring
	CategoryRerank   Category = "rerank"   // LLM rerank calls
	CategoryPackets  Category = "packets"  // Packet store
	CategoryFeedback Category = "feedback" // Matcher and KPI
	CategoryGates    Category = "gates"    // Production gates
	CategoryEmbed    Category = "embed"    // Embedding engine
	CategoryMind     Category = "mind"     // Mind API client
	CategoryChips    Category = "chips"    // Chip observers
	CategoryConfig   Category = "config"   // Tuneables reload/drift
	CategoryAdapters Category = "adapters" // Host rule-file adapters
	CategoryTrial    Category = "trial"    // Day trial orchestration
)

// Settings mirrors the logging section of tuneables.json. The config
// package owns parsing; it pushes snapshots here via Apply to avoid a
// circular import.
type Settings struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// StructuredLogEntry is the JSON log line shape.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	TraceID   string         `json:"trace,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets the log directory and initial settings. Call once at
// startup with the workspace root; config reloads call Apply afterwards.
func Initialize(root string, s Settings) error {
	if root == "" {
		return fmt.Errorf("workspace root required")
	}
	logsDir = filepath.Join(root, "logs")
	Apply(s)

	if !s.DebugMode {
		return nil // Silent no-op in production mode
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== Spark logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// Apply installs a new settings snapshot. Registered as a reload callback
// by the config package so tuneables edits take effect without restart.
func Apply(s Settings) {
	configMu.Lock()
	defer configMu.Unlock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) emit(level int, tag, format string, args ...any) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	configMu.RLock()
	jsonFormat := settings.JSONFormat
	configMu.RUnlock()
	if jsonFormat {
		l.logJSON(tag, msg)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, "DEBUG", format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.emit(LevelInfo, "INFO", format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) { l.emit(LevelWarn, "WARN", format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, "ERROR", format, args...) }

// WithTrace writes a structured entry tagged with a trace ID.
func (l *Logger) WithTrace(traceID, level, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		TraceID:   traceID,
		Fields:    fields,
	}
	if data, err := json.Marshal(entry); err == nil {
		l.logger.Printf("%s", data)
		return
	}
	l.logger.Printf("[%s] %s | trace=%s fields=%v", level, msg, traceID, fields)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Hook logs to the hook category.
func Hook(format string, args ...any) { Get(CategoryHook).Info(format, args...) }

// Queue logs to the queue category.
func Queue(format string, args ...any) { Get(CategoryQueue).Info(format, args...) }

// QueueDebug logs debug to the queue category.
func QueueDebug(format string, args ...any) { Get(CategoryQueue).Debug(format, args...) }

// Bridge logs to the bridge category.
func Bridge(format string, args ...any) { Get(CategoryBridge).Info(format, args...) }

// BridgeDebug logs debug to the bridge category.
func BridgeDebug(format string, args ...any) { Get(CategoryBridge).Debug(format, args...) }

// Pipeline logs to the pipeline category.
func Pipeline(format string, args ...any) { Get(CategoryPipeline).Info(format, args...) }

// PipelineDebug logs debug to the pipeline category.
func PipelineDebug(format string, args ...any) { Get(CategoryPipeline).Debug(format, args...) }

// MemGate logs to the memgate category.
func MemGate(format string, args ...any) { Get(CategoryMemGate).Info(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Retrieve logs to the retrieve category.
func Retrieve(format string, args ...any) { Get(CategoryRetrieve).Info(format, args...) }

// RetrieveDebug logs debug to the retrieve category.
func RetrieveDebug(format string, args ...any) { Get(CategoryRetrieve).Debug(format, args...) }

// Rank logs to the rank category.
func Rank(format string, args ...any) { Get(CategoryRank).Debug(format, args...) }

// Rerank logs to the rerank category.
func Rerank(format string, args ...any) { Get(CategoryRerank).Info(format, args...) }

// Packets logs to the packets category.
func Packets(format string, args ...any) { Get(CategoryPackets).Info(format, args...) }

// PacketsDebug logs debug to the packets category.
func PacketsDebug(format string, args ...any) { Get(CategoryPackets).Debug(format, args...) }

// Feedback logs to the feedback category.
func Feedback(format string, args ...any) { Get(CategoryFeedback).Info(format, args...) }

// Gates logs to the gates category.
func Gates(format string, args ...any) { Get(CategoryGates).Info(format, args...) }

// Embed logs to the embed category.
func Embed(format string, args ...any) { Get(CategoryEmbed).Info(format, args...) }

// EmbedDebug logs debug to the embed category.
func EmbedDebug(format string, args ...any) { Get(CategoryEmbed).Debug(format, args...) }

// Mind logs to the mind category.
func Mind(format string, args ...any) { Get(CategoryMind).Info(format, args...) }

// Chips logs to the chips category.
func Chips(format string, args ...any) { Get(CategoryChips).Info(format, args...) }

// Config logs to the config category.
func Config(format string, args ...any) { Get(CategoryConfig).Info(format, args...) }

// ConfigWarn logs warning to the config category.
func ConfigWarn(format string, args ...any) { Get(CategoryConfig).Warn(format, args...) }

// Adapters logs to the adapters category.
func Adapters(format string, args ...any) { Get(CategoryAdapters).Info(format, args...) }

// Trial logs to the trial category.
func Trial(format string, args ...any) { Get(CategoryTrial).Info(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
