// Package packets persists emitted advisory packets and their feedback
// counters. A packet is frozen at emission; only the feedback/outcome APIs
// mutate its counters afterwards, and every mutation flows through
// normalization so invariants hold on disk.
package packets

import (
	"sort"
	"time"

	"spark/internal/types"
)

// Outcome statuses accepted by RecordOutcome.
const (
	StatusActed   = "acted"
	StatusBlocked = "blocked"
	StatusHarmful = "harmful"
	StatusIgnored = "ignored"
)

// TraceEvent is one normalized entry in a packet's usage history.
type TraceEvent struct {
	TraceID string    `json:"trace_id"`
	Event   string    `json:"event"` // feedback | acted | blocked | harmful | ignored
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
	Notes   string    `json:"notes,omitempty"`
}

// Packet is the frozen advice set of one emission turn plus its counters.
type Packet struct {
	PacketID     string         `json:"packet_id"`
	TraceID      string         `json:"trace_id"`
	ToolName     string         `json:"tool_name"`
	IntentFamily string         `json:"intent_family,omitempty"`
	TaskPlane    string         `json:"task_plane,omitempty"`
	AdviceItems  []types.Advice `json:"advice_items"`
	ErrorCode    string         `json:"error_code,omitempty"` // set on no_emit packets
	CreatedTS    time.Time      `json:"created_ts"`
	UpdatedTS    time.Time      `json:"updated_ts"`
	TTLHours     int            `json:"ttl_hours"`

	FeedbackCount  int `json:"feedback_count"`
	HelpfulCount   int `json:"helpful_count"`
	UnhelpfulCount int `json:"unhelpful_count"`
	NoisyCount     int `json:"noisy_count"`
	ActedCount     int `json:"acted_count"`
	BlockedCount   int `json:"blocked_count"`
	HarmfulCount   int `json:"harmful_count"`
	IgnoredCount   int `json:"ignored_count"`

	EffectivenessScore float64      `json:"effectiveness_score"`
	LastTraceID        string       `json:"last_trace_id,omitempty"`
	TraceUsageHistory  []TraceEvent `json:"trace_usage_history,omitempty"`
}

// Expired reports whether the packet's TTL has elapsed at the given time.
func (p *Packet) Expired(now time.Time) bool {
	if p.TTLHours <= 0 {
		return false
	}
	return now.After(p.UpdatedTS.Add(time.Duration(p.TTLHours) * time.Hour))
}

// HasAdvice reports whether the packet contains the given advice ID.
func (p *Packet) HasAdvice(adviceID string) bool {
	for _, a := range p.AdviceItems {
		if a.AdviceID == adviceID {
			return true
		}
	}
	return false
}

// EffectivenessScore is a pure function of the counters: replaying the
// same feedback sequence always yields the same score. Monotone up in
// positive signals, down in negative ones, always within [0,1].
func EffectivenessScore(p *Packet) float64 {
	positive := float64(p.HelpfulCount + p.ActedCount)
	negative := float64(p.UnhelpfulCount+p.BlockedCount+p.IgnoredCount) + 2*float64(p.HarmfulCount) + 0.5*float64(p.NoisyCount)
	if positive+negative == 0 {
		return 0.5 // no evidence either way
	}
	return positive / (positive + negative)
}

// normalize repairs a packet in place: effectiveness within [0,1],
// non-negative counters, helpful/unhelpful bounded by feedback, history
// deduplicated within the window, capped and stably ordered, and
// last_trace_id pointing at a recorded event.
func normalize(p *Packet, historyMax int, dedupWindow time.Duration) {
	clampCounter(&p.FeedbackCount)
	clampCounter(&p.HelpfulCount)
	clampCounter(&p.UnhelpfulCount)
	clampCounter(&p.NoisyCount)
	clampCounter(&p.ActedCount)
	clampCounter(&p.BlockedCount)
	clampCounter(&p.HarmfulCount)
	clampCounter(&p.IgnoredCount)

	if p.HelpfulCount+p.UnhelpfulCount > p.FeedbackCount {
		p.FeedbackCount = p.HelpfulCount + p.UnhelpfulCount
	}

	// Stable order first so dedup keeps the earliest entry of a burst.
	sort.SliceStable(p.TraceUsageHistory, func(i, j int) bool {
		a, b := p.TraceUsageHistory[i], p.TraceUsageHistory[j]
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		if a.TraceID != b.TraceID {
			return a.TraceID < b.TraceID
		}
		return a.Event < b.Event
	})

	// Dedup by (trace_id, event) within the window.
	var kept []TraceEvent
	lastAt := make(map[[2]string]time.Time)
	for _, ev := range p.TraceUsageHistory {
		key := [2]string{ev.TraceID, ev.Event}
		if prev, ok := lastAt[key]; ok && ev.TS.Sub(prev) < dedupWindow {
			continue
		}
		lastAt[key] = ev.TS
		kept = append(kept, ev)
	}
	if historyMax > 0 && len(kept) > historyMax {
		kept = kept[len(kept)-historyMax:]
	}
	p.TraceUsageHistory = kept

	if len(kept) > 0 {
		p.LastTraceID = kept[len(kept)-1].TraceID
	} else {
		p.LastTraceID = ""
	}

	p.EffectivenessScore = EffectivenessScore(p)
	if p.EffectivenessScore < 0 {
		p.EffectivenessScore = 0
	}
	if p.EffectivenessScore > 1 {
		p.EffectivenessScore = 1
	}
}

func clampCounter(n *int) {
	if *n < 0 {
		*n = 0
	}
}
