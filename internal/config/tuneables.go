// Package config owns tuneables.json: the hot-reloaded runtime configuration
// of the advisory engine. Consumers register a reload callback once at init
// and receive a fresh snapshot whenever the file changes on disk. Invalid
// deltas are ignored with warnings; the previous snapshot stays active.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"spark/internal/logging"
)

// Tuneables is the full runtime configuration. Every field has a safe
// default; a missing tuneables.json means "all defaults".
type Tuneables struct {
	Logging    logging.Settings `json:"logging"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Gate       GateConfig       `json:"gate"`
	MemoryGate MemoryGateConfig `json:"memory_gate"`
	Packets    PacketsConfig    `json:"packets"`
	Feedback   FeedbackConfig   `json:"feedback"`
	Production ProductionConfig `json:"production_gates"`
	Queue      QueueConfig      `json:"queue"`
	Emotion    EmotionConfig    `json:"emotion"`
	Embeddings EmbeddingsConfig `json:"embeddings"`
	Rerank     RerankConfig     `json:"rerank"`
	Mind       MindConfig       `json:"mind"`
}

// RetrievalConfig controls source fan-out and hybrid scoring.
type RetrievalConfig struct {
	SemanticContextMin   float64 `json:"semantic_context_min"`
	LexicalWeight        float64 `json:"lexical_weight"`
	IntentCoverageWeight float64 `json:"intent_coverage_weight"`
	SupportBoost         float64 `json:"support_boost"`
	AgenticMode          bool    `json:"agentic_mode"`
	Parallelism          int     `json:"parallelism"`
	SourceTimeoutMS      int     `json:"source_timeout_ms"`
	MaxCandidates        int     `json:"max_candidates"`
}

// GateProfile is one advisory-gate threshold set.
type GateProfile struct {
	MinRankScore         float64 `json:"min_rank_score"`
	MinActionability     float64 `json:"min_actionability"`
	MaxRepetitionPenalty float64 `json:"max_repetition_penalty"`
	MaxPolicyScore       float64 `json:"max_policy_score"`
	MaxAdvicePerTurn     int     `json:"max_advice_per_turn"`
}

// GateConfig selects the active advisory-gate profile.
type GateConfig struct {
	ActiveProfile string                 `json:"active_profile"`
	Profiles      map[string]GateProfile `json:"profiles"`
	EmitEnabled   bool                   `json:"emit_enabled"`
}

// Profile resolves the active profile, falling back to defaults when the
// named profile does not exist.
func (g GateConfig) Profile() GateProfile {
	if p, ok := g.Profiles[g.ActiveProfile]; ok {
		return p
	}
	return defaultGateProfile()
}

// MemoryGateConfig controls durable-vs-cache routing of candidates.
type MemoryGateConfig struct {
	DurableThreshold float64 `json:"durable_threshold"`
	CacheTTLMinHours int     `json:"cache_ttl_min_hours"`
	CacheTTLMaxHours int     `json:"cache_ttl_max_hours"`
	NoveltyWindowDays int    `json:"novelty_window_days"`
	RecurrenceMin     int    `json:"recurrence_min"`
}

// PacketsConfig controls the advisory packet store.
type PacketsConfig struct {
	TTLHours             int `json:"ttl_hours"`
	TraceHistoryMax      int `json:"trace_event_history_max"`
	HistoryDedupWindowMS int `json:"history_dedup_window_ms"`
}

// FeedbackConfig controls outcome matching.
type FeedbackConfig struct {
	MatchWindowHours  int     `json:"match_window_hours"`
	TextSimilarityMin float64 `json:"text_similarity_min"`
	TraceStrict       bool    `json:"trace_strict"`
}

// ProductionConfig holds the production-gate thresholds.
type ProductionConfig struct {
	MinStrictActedOnRate      float64 `json:"min_strict_acted_on_rate"`
	MinStrictTraceCoverage    float64 `json:"min_strict_trace_coverage"`
	MinStrictEffectivenessRate float64 `json:"min_strict_effectiveness_rate"`
	MinStrictWithOutcome      int     `json:"min_strict_with_outcome"`
	RequireTraceBinding       bool    `json:"require_trace_binding"`
	MaxStrictWindowS          int     `json:"max_strict_window_s"`
	MinQualityRate            float64 `json:"min_quality_rate"`
	MaxQualityRate            float64 `json:"max_quality_rate"`
	MaxQueueDepth             int     `json:"max_queue_depth"`
	MaxChipToCognitiveRatio   float64 `json:"max_chip_to_cognitive_ratio"`
}

// QueueConfig controls event queue retention.
type QueueConfig struct {
	ArchiveAfterDays int `json:"archive_after_days"`
	DrainBatch       int `json:"drain_batch"`
}

// EmotionConfig controls the optional emotion-state ranking weight.
type EmotionConfig struct {
	Enabled bool    `json:"enabled"`
	Weight  float64 `json:"weight"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	Enabled        bool   `json:"enabled"`
	Provider       string `json:"provider"` // ollama | genai
	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`
	GenAIModel     string `json:"genai_model"`
}

// RerankConfig controls the optional LLM rerank stage.
type RerankConfig struct {
	Enabled       bool   `json:"enabled"`
	Provider      string `json:"provider"` // openai | anthropic | gemini | minimax | ollama
	Model         string `json:"model"`
	MinCandidates int    `json:"min_candidates"`
	TimeoutMS     int    `json:"timeout_ms"`
}

// MindConfig controls the optional Mind API source.
type MindConfig struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env"`
	TimeoutMS int    `json:"timeout_ms"`
	RatePerS  float64 `json:"rate_per_s"`
}

func defaultGateProfile() GateProfile {
	return GateProfile{
		MinRankScore:         0.45,
		MinActionability:     0.30,
		MaxRepetitionPenalty: 0.60,
		MaxPolicyScore:       3.0,
		MaxAdvicePerTurn:     3,
	}
}

// Defaults returns the baseline configuration. Drift is measured against
// this shape.
func Defaults() Tuneables {
	return Tuneables{
		Logging: logging.Settings{Level: "info"},
		Retrieval: RetrievalConfig{
			SemanticContextMin:   0.35,
			LexicalWeight:        0.35,
			IntentCoverageWeight: 0.15,
			SupportBoost:         0.10,
			Parallelism:          4,
			SourceTimeoutMS:      1500,
			MaxCandidates:        24,
		},
		Gate: GateConfig{
			ActiveProfile: "balanced",
			Profiles: map[string]GateProfile{
				"balanced": defaultGateProfile(),
				"strict": {
					MinRankScore:         0.60,
					MinActionability:     0.45,
					MaxRepetitionPenalty: 0.40,
					MaxPolicyScore:       3.0,
					MaxAdvicePerTurn:     2,
				},
				"permissive": {
					MinRankScore:         0.30,
					MinActionability:     0.15,
					MaxRepetitionPenalty: 0.80,
					MaxPolicyScore:       4.0,
					MaxAdvicePerTurn:     5,
				},
			},
			EmitEnabled: true,
		},
		MemoryGate: MemoryGateConfig{
			DurableThreshold:  0.5,
			CacheTTLMinHours:  24,
			CacheTTLMaxHours:  72,
			NoveltyWindowDays: 7,
			RecurrenceMin:     3,
		},
		Packets: PacketsConfig{
			TTLHours:             24 * 14,
			TraceHistoryMax:      50,
			HistoryDedupWindowMS: 2000,
		},
		Feedback: FeedbackConfig{
			MatchWindowHours:  6,
			TextSimilarityMin: 0.58,
		},
		Production: ProductionConfig{
			MinStrictActedOnRate:       0.25,
			MinStrictTraceCoverage:     0.60,
			MinStrictEffectivenessRate: 0.30,
			MinStrictWithOutcome:       5,
			RequireTraceBinding:        true,
			MaxStrictWindowS:           6 * 3600,
			MinQualityRate:             0.20,
			MaxQualityRate:             0.98,
			MaxQueueDepth:              5000,
			MaxChipToCognitiveRatio:    3.0,
		},
		Queue: QueueConfig{ArchiveAfterDays: 14, DrainBatch: 500},
		Emotion: EmotionConfig{Weight: 0.10},
		Embeddings: EmbeddingsConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Rerank: RerankConfig{
			Provider:      "openai",
			MinCandidates: 4,
			TimeoutMS:     1800,
		},
		Mind: MindConfig{
			APIKeyEnv: "SPARK_MIND_API_KEY",
			TimeoutMS: 1500,
			RatePerS:  2,
		},
	}
}

// Load reads tuneables.json, applies env overrides and validates. A missing
// file yields defaults; a malformed or invalid file yields an error (the
// caller keeps the previous snapshot).
func Load(path string) (Tuneables, error) {
	t := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&t)
			return t, nil
		}
		return t, fmt.Errorf("read tuneables: %w", err)
	}

	warnUnknownKeys(data)

	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuneables: %w", err)
	}
	applyEnvOverrides(&t)
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate rejects out-of-range values. Kept strict: a tuneables edit that
// fails validation is ignored wholesale rather than partially applied.
func (t *Tuneables) Validate() error {
	inUnit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("tuneables: %s must be in [0,1], got %v", name, v)
		}
		return nil
	}
	checks := []error{
		inUnit("retrieval.semantic_context_min", t.Retrieval.SemanticContextMin),
		inUnit("retrieval.lexical_weight", t.Retrieval.LexicalWeight),
		inUnit("retrieval.intent_coverage_weight", t.Retrieval.IntentCoverageWeight),
		inUnit("memory_gate.durable_threshold", t.MemoryGate.DurableThreshold),
		inUnit("feedback.text_similarity_min", t.Feedback.TextSimilarityMin),
		inUnit("production_gates.min_strict_acted_on_rate", t.Production.MinStrictActedOnRate),
		inUnit("production_gates.min_strict_trace_coverage", t.Production.MinStrictTraceCoverage),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if t.Retrieval.Parallelism < 1 {
		return fmt.Errorf("tuneables: retrieval.parallelism must be >= 1")
	}
	if t.Packets.TTLHours < 1 {
		return fmt.Errorf("tuneables: packets.ttl_hours must be >= 1")
	}
	if t.MemoryGate.CacheTTLMinHours > t.MemoryGate.CacheTTLMaxHours {
		return fmt.Errorf("tuneables: memory_gate cache TTL min > max")
	}
	return nil
}

// knownSections is the accepted top-level key set; anything else is warned
// about and ignored by json.Unmarshal anyway.
var knownSections = map[string]bool{
	"logging": true, "retrieval": true, "gate": true, "memory_gate": true,
	"packets": true, "feedback": true, "production_gates": true,
	"queue": true, "emotion": true, "embeddings": true, "rerank": true,
	"mind": true,
}

func warnUnknownKeys(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for k := range raw {
		if !knownSections[k] {
			logging.ConfigWarn("tuneables: unknown section %q ignored", k)
		}
	}
}

func applyEnvOverrides(t *Tuneables) {
	if v := os.Getenv("SPARK_TRACE_STRICT"); v != "" {
		t.Feedback.TraceStrict = v == "1"
	}
	if v := os.Getenv("SPARK_EMBEDDINGS"); v != "" {
		t.Embeddings.Enabled = v == "1"
	}
	if v := os.Getenv("SPARK_ADVISORY_EMIT"); v != "" {
		t.Gate.EmitEnabled = v != "0"
	}
}

// SourceTimeout returns the per-source retrieval timeout as a duration.
func (r RetrievalConfig) SourceTimeout() time.Duration {
	if r.SourceTimeoutMS <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(r.SourceTimeoutMS) * time.Millisecond
}
