// Package eidos implements the deterministic control plane over learning
// episodes. An episode is a budgeted sequence of steps; the enforcer
// checks every step before admission and a set of watchers can block
// progress and escalate the phase. Watchers gate, they never decide
// content.
package eidos

import (
	"strings"

	"spark/internal/logging"
	"spark/internal/types"
)

// Phase is the episode lifecycle state.
type Phase string

const (
	PhaseExplore     Phase = "EXPLORE"
	PhaseDiagnose    Phase = "DIAGNOSE"
	PhaseExecute     Phase = "EXECUTE"
	PhaseConsolidate Phase = "CONSOLIDATE"
	PhaseEscalate    Phase = "ESCALATE"
)

// Step is one proposed action inside an episode.
type Step struct {
	Action      string   `json:"action"`
	Evidence    string   `json:"evidence"`
	MemoryCited []string `json:"memory_cited,omitempty"`
	Confidence  float64  `json:"confidence"`
	TraceID     string   `json:"trace_id"`
	DiffDigest  string   `json:"diff_digest,omitempty"` // stable hash of the change, empty for read-only steps
	Error       string   `json:"error,omitempty"`
	Evaluation  string   `json:"evaluation,omitempty"` // pass | fail | ""
}

// Verdict is the enforcer's decision for one step.
type Verdict struct {
	Accepted bool     `json:"accepted"`
	Reasons  []string `json:"reasons,omitempty"` // failing check names
	Phase    Phase    `json:"phase"`             // phase after this step
}

// Watcher block reasons. Stable names so trials can aggregate them.
const (
	blockBudget        = "budget_exceeded"
	blockFields        = "step_fields_missing"
	blockMemory        = "memory_not_cited"
	blockRepeatError   = "repeat_error"
	blockNoNewInfo     = "no_new_info"
	blockDiffThrash    = "diff_thrash"
	blockStagnation    = "confidence_stagnation"
	blockMemoryBypass  = "memory_bypass"
	blockTraceGap      = "trace_gap"
)

// Thresholds for the watchers.
const (
	repeatErrorMin       = 2 // identical consecutive errors
	stagnationWindow     = 3 // steps with flat confidence
	stagnationEpsilon    = 0.02
	memoryBypassMax      = 3 // consecutive uncited steps before block
	consolidatePassCount = 2 // consecutive passes in EXECUTE
)

// Enforcer admits steps into one episode. Deterministic: the same step
// sequence always yields the same verdicts and phase trail.
type Enforcer struct {
	budget int
	phase  Phase

	steps          []Step
	lastError      string
	errorStreak    int
	evidenceSeen   map[string]bool
	uncitedStreak  int
	confidences    []float64
	diffs          []string
	passStreak     int
	lastTraceID    string
}

// NewEnforcer creates an episode enforcer with a step budget.
func NewEnforcer(budget int) *Enforcer {
	if budget <= 0 {
		budget = 20
	}
	return &Enforcer{
		budget:       budget,
		phase:        PhaseExplore,
		evidenceSeen: make(map[string]bool),
	}
}

// Phase returns the current episode phase.
func (e *Enforcer) Phase() Phase { return e.phase }

// Steps returns the number of admitted steps.
func (e *Enforcer) Steps() int { return len(e.steps) }

// Admit checks one step against the base contract and all watchers.
// A blocked step is not recorded and escalates the phase.
func (e *Enforcer) Admit(s Step) Verdict {
	var reasons []string

	// Base contract first.
	if len(e.steps) >= e.budget {
		reasons = append(reasons, blockBudget)
	}
	if strings.TrimSpace(s.Action) == "" || strings.TrimSpace(s.Evidence) == "" {
		reasons = append(reasons, blockFields)
	}
	if e.phase == PhaseExecute && len(s.MemoryCited) == 0 {
		// Executing without consulting memory defeats the whole loop.
		reasons = append(reasons, blockMemory)
	}

	reasons = append(reasons, e.watch(s)...)

	if len(reasons) > 0 {
		e.phase = PhaseEscalate
		logging.Get(logging.CategoryPipeline).Warn("step blocked (%s): %v", s.Action, reasons)
		return Verdict{Accepted: false, Reasons: reasons, Phase: e.phase}
	}

	e.record(s)
	e.advancePhase(s)
	return Verdict{Accepted: true, Phase: e.phase}
}

// watch runs the blocking watchers against the proposed step.
func (e *Enforcer) watch(s Step) []string {
	var reasons []string

	if s.Error != "" && s.Error == e.lastError && e.errorStreak+1 >= repeatErrorMin {
		reasons = append(reasons, blockRepeatError)
	}

	evKey := types.StableHash(strings.ToLower(strings.TrimSpace(s.Evidence)))
	if e.evidenceSeen[evKey] {
		reasons = append(reasons, blockNoNewInfo)
	}

	// Diff thrash: proposing the digest from two steps ago means we are
	// flip-flopping between two states.
	if s.DiffDigest != "" && len(e.diffs) >= 2 && s.DiffDigest == e.diffs[len(e.diffs)-2] &&
		s.DiffDigest != e.diffs[len(e.diffs)-1] {
		reasons = append(reasons, blockDiffThrash)
	}

	if len(e.confidences) >= stagnationWindow {
		flat := true
		recent := e.confidences[len(e.confidences)-stagnationWindow:]
		for _, c := range recent {
			if abs(c-s.Confidence) > stagnationEpsilon {
				flat = false
				break
			}
		}
		if flat {
			reasons = append(reasons, blockStagnation)
		}
	}

	if len(s.MemoryCited) == 0 && e.uncitedStreak+1 > memoryBypassMax {
		reasons = append(reasons, blockMemoryBypass)
	}

	if s.TraceID == "" {
		reasons = append(reasons, blockTraceGap)
	}

	return reasons
}

func (e *Enforcer) record(s Step) {
	e.steps = append(e.steps, s)
	if s.Error != "" && s.Error == e.lastError {
		e.errorStreak++
	} else {
		e.errorStreak = 0
	}
	e.lastError = s.Error
	e.evidenceSeen[types.StableHash(strings.ToLower(strings.TrimSpace(s.Evidence)))] = true
	if len(s.MemoryCited) == 0 {
		e.uncitedStreak++
	} else {
		e.uncitedStreak = 0
	}
	e.confidences = append(e.confidences, s.Confidence)
	if s.DiffDigest != "" {
		e.diffs = append(e.diffs, s.DiffDigest)
	}
	e.lastTraceID = s.TraceID
}

// advancePhase applies the rule-driven transitions. Only step evaluations
// and counters move the phase; watchers escalate separately.
func (e *Enforcer) advancePhase(s Step) {
	switch e.phase {
	case PhaseExplore:
		if s.Evaluation == "fail" || s.Error != "" {
			e.phase = PhaseDiagnose
			e.passStreak = 0
		} else if s.Evaluation == "pass" {
			e.phase = PhaseExecute
			e.passStreak = 1
		}
	case PhaseDiagnose:
		if s.Evaluation == "pass" {
			e.phase = PhaseExecute
			e.passStreak = 1
		}
	case PhaseExecute:
		if s.Evaluation == "fail" || s.Error != "" {
			e.phase = PhaseDiagnose
			e.passStreak = 0
		} else if s.Evaluation == "pass" {
			e.passStreak++
			if e.passStreak >= consolidatePassCount {
				e.phase = PhaseConsolidate
			}
		}
	case PhaseConsolidate, PhaseEscalate:
		// Terminal for this episode; a new enforcer starts the next one.
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
