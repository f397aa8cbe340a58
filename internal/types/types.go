// Package types holds the shared data model of the Spark advisory engine:
// tool-lifecycle events, detected patterns, cognitive insights, EIDOS
// distillations, chip insights and advice rows. Components cross-reference
// these entities by stable string IDs only; the owning store is the single
// writer for each entity.
package types

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType classifies a normalized tool-lifecycle event.
type EventType string

const (
	EventPreTool         EventType = "pre_tool"
	EventPostTool        EventType = "post_tool"
	EventPostToolFailure EventType = "post_tool_failure"
	EventUserPrompt      EventType = "user_prompt"
	EventSessionStart    EventType = "session_start"
	EventSessionEnd      EventType = "session_end"
)

// Hook event names as sent by the host agent.
const (
	HookSessionStart       = "SessionStart"
	HookSessionEnd         = "SessionEnd"
	HookUserPromptSubmit   = "UserPromptSubmit"
	HookPreToolUse         = "PreToolUse"
	HookPostToolUse        = "PostToolUse"
	HookPostToolUseFailure = "PostToolUseFailure"
)

// Event is one normalized entry in the durable event queue.
// TraceID is stable within one tool lifecycle (PreToolUse through
// PostToolUse/Failure); MonotonicNS is monotone per session.
type Event struct {
	EventType   EventType      `json:"event_type"`
	HookEvent   string         `json:"hook_event"`
	SessionID   string         `json:"session_id"`
	TraceID     string         `json:"trace_id"`
	Timestamp   time.Time      `json:"timestamp"`
	MonotonicNS int64          `json:"monotonic_ns"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Error       string         `json:"tool_error,omitempty"`
	CWD         string         `json:"cwd"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EventTypeFromHook maps a host hook event name to the normalized type.
// Returns empty for unknown names.
func EventTypeFromHook(hookEvent string) EventType {
	switch hookEvent {
	case HookPreToolUse:
		return EventPreTool
	case HookPostToolUse:
		return EventPostTool
	case HookPostToolUseFailure:
		return EventPostToolFailure
	case HookUserPromptSubmit:
		return EventUserPrompt
	case HookSessionStart:
		return EventSessionStart
	case HookSessionEnd:
		return EventSessionEnd
	}
	return ""
}

// =============================================================================
// DETECTED PATTERNS
// =============================================================================

// PatternType identifies which detector produced a pattern.
type PatternType string

const (
	PatternCorrection         PatternType = "correction"
	PatternSentiment          PatternType = "sentiment"
	PatternRepetition         PatternType = "repetition"
	PatternSemanticIntent     PatternType = "semantic_intent"
	PatternWhy                PatternType = "why"
	PatternEngagementSurprise PatternType = "engagement_surprise"
)

// DetectedPattern is the common output of all detectors.
type DetectedPattern struct {
	PatternID    string      `json:"pattern_id"`
	Type         PatternType `json:"type"`
	SessionID    string      `json:"session_id"`
	ToolName     string      `json:"tool_name,omitempty"`
	Confidence   float64     `json:"confidence"`
	Evidence     string      `json:"evidence"`
	Wanted       string      `json:"wanted,omitempty"`
	Rejected     string      `json:"rejected,omitempty"`
	Insight      string      `json:"suggested_insight,omitempty"`
	Triggers     []string    `json:"triggers,omitempty"`
	AntiTriggers []string    `json:"anti_triggers,omitempty"`
	RootCause    string      `json:"root_cause,omitempty"`
	SafetyMust   bool        `json:"safety_must,omitempty"`
	Outcome      string      `json:"outcome,omitempty"` // pass | fail | ""
	DetectedAt   time.Time   `json:"detected_at"`
}

// Signature returns a stable identity for novelty/recurrence tracking.
// Timestamps are deliberately excluded so replaying the event log yields
// the same signatures.
func (p *DetectedPattern) Signature() string {
	return StableHash(string(p.Type), p.ToolName, p.Insight, p.Wanted, p.Rejected)
}

// =============================================================================
// COGNITIVE INSIGHTS
// =============================================================================

// InsightCategory buckets cognitive insights for reporting and promotion.
type InsightCategory string

const (
	CategoryUserUnderstanding InsightCategory = "user_understanding"
	CategoryReasoning         InsightCategory = "reasoning"
	CategoryFailure           InsightCategory = "failure"
	CategoryReliability       InsightCategory = "reliability"
	CategoryPreference        InsightCategory = "preference"
)

// Insight is a durable, triggerable unit of learned knowledge.
// Reliability only moves up through validation events; Promoted implies
// reliability and validation_count passed the configured thresholds.
type Insight struct {
	InsightKey      string          `json:"insight_key"`
	Category        InsightCategory `json:"category"`
	Text            string          `json:"text"`
	Triggers        []string        `json:"triggers"`
	Reliability     float64         `json:"reliability"`
	ValidationCount int             `json:"validation_count"`
	Promoted        bool            `json:"promoted"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Key derives the stable insight key from category and text.
func (i *Insight) Key() string {
	return StableHash(string(i.Category), strings.ToLower(strings.TrimSpace(i.Text)))
}

// =============================================================================
// EIDOS DISTILLATIONS
// =============================================================================

// DistillationType is the EIDOS taxonomy of distilled knowledge.
type DistillationType string

const (
	DistillHeuristic   DistillationType = "heuristic"
	DistillSharpEdge   DistillationType = "sharp_edge"
	DistillPolicy      DistillationType = "policy"
	DistillAntiPattern DistillationType = "anti_pattern"
)

// Distillation is a typed EIDOS unit. ANTI_PATTERN entries must carry at
// least one anti-trigger; POLICY entries receive a score floor at ranking
// time so safety advice stays visible regardless of effectiveness.
type Distillation struct {
	DistillationID  string           `json:"distillation_id"`
	Type            DistillationType `json:"type"`
	Statement       string           `json:"statement"`
	Triggers        []string         `json:"triggers"`
	AntiTriggers    []string         `json:"anti_triggers,omitempty"`
	Domains         []string         `json:"domains,omitempty"`
	Confidence      float64          `json:"confidence"`
	Effectiveness   float64          `json:"effectiveness"`
	ValidationCount int              `json:"validation_count"`
	Retired         bool             `json:"retired"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// =============================================================================
// CHIP INSIGHTS
// =============================================================================

// ChipInsight is a pluggable, project-scoped observation. Telemetry chips
// feed metrics only and are never emitted as advice.
type ChipInsight struct {
	ChipID          string  `json:"chip_id"`
	Trigger         string  `json:"trigger"`
	Statement       string  `json:"statement"`
	CognitiveValue  float64 `json:"cognitive_value"`
	Actionability   float64 `json:"actionability"`
	Transferability float64 `json:"transferability"`
	Telemetry       bool    `json:"telemetry,omitempty"`
}

// =============================================================================
// ADVICE
// =============================================================================

// AdviceSource names the retrieval source that produced an advice row.
type AdviceSource string

const (
	SourceCognitive AdviceSource = "cognitive"
	SourceEidos     AdviceSource = "eidos"
	SourceChip      AdviceSource = "chip"
	SourceBank      AdviceSource = "bank"
	SourceMind      AdviceSource = "mind"
	SourceSemantic  AdviceSource = "semantic"
	SourceTrigger   AdviceSource = "trigger"
)

// Advice is one candidate (and, after the gate, one emitted) advisory row.
// Built per retrieval turn, logged into a packet, never mutated after.
type Advice struct {
	AdviceID     string       `json:"advice_id"`
	InsightKey   string       `json:"insight_key,omitempty"`
	Text         string       `json:"text"`
	Source       AdviceSource `json:"source"`
	Confidence   float64      `json:"confidence"`
	ContextMatch float64      `json:"context_match"`
	Reason       string       `json:"reason,omitempty"`

	// Ranking annotations, filled by the scorer.
	RankScore     float64 `json:"rank_score,omitempty"`
	Actionability float64 `json:"actionability,omitempty"`
	PolicyFloor   bool    `json:"policy_floor,omitempty"`
	LLMReranked   bool    `json:"llm_reranked,omitempty"`
}

// Valid reports whether the advice can be surfaced at all: non-empty text
// and a resolvable source.
func (a *Advice) Valid() bool {
	if strings.TrimSpace(a.Text) == "" {
		return false
	}
	switch a.Source {
	case SourceCognitive, SourceEidos, SourceChip, SourceBank, SourceMind, SourceSemantic, SourceTrigger:
		return true
	}
	return false
}

// =============================================================================
// HELPERS
// =============================================================================

// StableHash produces a short, stable hex digest of its parts. Used for
// insight keys, pattern signatures and synthesized trace IDs.
func StableHash(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Tokenize lowercases and splits text into terms, dropping short tokens.
// Shared by the lexical scorer and trigger matching so both sides agree on
// what a "term" is.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// UniqueSorted deduplicates and sorts terms for stable storage.
func UniqueSorted(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
