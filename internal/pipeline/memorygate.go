package pipeline

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/types"
)

// Signal caps. Each signal saturates at its cap; the total saturates at 1.
const (
	capImpact          = 0.30
	capNovelty         = 0.20
	capSurprise        = 0.30
	capRecurrence      = 0.20
	capIrreversibility = 0.40
)

var (
	impactTerms         = []string{"fixed", "root cause", "solved", "resolved", "works now"}
	irreversibleTerms   = []string{"production", "force push", "delete", "secret", "credential", "migration", "drop", "rm -rf"}
	irreversibleDomains = map[string]bool{"deploy": true, "database": true, "security": true}
)

// GateScore is the per-signal breakdown of one memory-gate decision.
type GateScore struct {
	Impact          float64 `json:"impact"`
	Novelty         float64 `json:"novelty"`
	Surprise        float64 `json:"surprise"`
	Recurrence      float64 `json:"recurrence"`
	Irreversibility float64 `json:"irreversibility"`
	Total           float64 `json:"total"`
}

// GateDecision routes a candidate: durable memory or short-lived cache.
type GateDecision struct {
	Score   GateScore
	Durable bool
	TTL     time.Duration // meaningful only when !Durable
}

// MemoryGate scores candidates on five capped signals and routes them.
// Its state (seen signatures, lesson counts) is per-process and rebuilds
// naturally from the event log on restart.
type MemoryGate struct {
	cfg       config.MemoryGateConfig
	seen      map[string]time.Time // pattern signature -> last seen
	lessons   map[string]int       // lesson hash -> occurrence count
	shortTerm *gocache.Cache       // cache-routed candidates, keyed by signature
}

// NewMemoryGate creates a gate with the given routing config.
func NewMemoryGate(cfg config.MemoryGateConfig) *MemoryGate {
	maxTTL := time.Duration(cfg.CacheTTLMaxHours) * time.Hour
	if maxTTL <= 0 {
		maxTTL = 72 * time.Hour
	}
	return &MemoryGate{
		cfg:       cfg,
		seen:      make(map[string]time.Time),
		lessons:   make(map[string]int),
		shortTerm: gocache.New(maxTTL, 30*time.Minute),
	}
}

// Reconfigure swaps the routing thresholds on a tuneables reload.
func (g *MemoryGate) Reconfigure(cfg config.MemoryGateConfig) {
	g.cfg = cfg
}

// Evaluate scores one candidate and routes it. Mutates gate state: the
// signature is marked seen and the lesson count advances, so calling twice
// with the same pattern yields a lower novelty the second time.
func (g *MemoryGate) Evaluate(p *types.DetectedPattern) GateDecision {
	sig := p.Signature()
	now := time.Now()

	var s GateScore

	// Impact: explicit pass outcome or impact keywords in the evidence.
	if p.Outcome == "pass" || containsAny(p.Evidence, impactTerms) || containsAny(p.Insight, impactTerms) {
		s.Impact = capImpact
	}

	// Novelty: signature unseen within the novelty window.
	windowDays := g.cfg.NoveltyWindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	if last, ok := g.seen[sig]; !ok || now.Sub(last) >= time.Duration(windowDays)*24*time.Hour {
		s.Novelty = capNovelty
	}
	g.seen[sig] = now

	// Surprise: confident pattern that failed, or doubtful one that passed.
	if (p.Confidence >= 0.7 && p.Outcome == "fail") || (p.Confidence <= 0.4 && p.Outcome == "pass") {
		s.Surprise = capSurprise
	}

	// Recurrence: same lesson seen enough times.
	lessonKey := types.StableHash(strings.ToLower(p.Insight))
	g.lessons[lessonKey]++
	recurrenceMin := g.cfg.RecurrenceMin
	if recurrenceMin <= 0 {
		recurrenceMin = 3
	}
	if g.lessons[lessonKey] >= recurrenceMin {
		s.Recurrence = capRecurrence
	}

	// Irreversibility: dangerous-territory keywords or domain tags.
	if containsAny(p.Evidence, irreversibleTerms) || containsAny(p.Insight, irreversibleTerms) {
		s.Irreversibility = capIrreversibility
	} else {
		for _, t := range p.Triggers {
			if irreversibleDomains[t] {
				s.Irreversibility = capIrreversibility
				break
			}
		}
	}

	s.Total = s.Impact + s.Novelty + s.Surprise + s.Recurrence + s.Irreversibility
	if s.Total > 1.0 {
		s.Total = 1.0
	}

	threshold := g.cfg.DurableThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	decision := GateDecision{Score: s, Durable: s.Total >= threshold}
	if !decision.Durable {
		decision.TTL = g.cacheTTL(s.Total, threshold)
		g.shortTerm.Set(sig, p, decision.TTL)
	}

	logging.MemGate("pattern %s scored %.2f (impact=%.2f novelty=%.2f surprise=%.2f recur=%.2f irrev=%.2f) durable=%v",
		sig, s.Total, s.Impact, s.Novelty, s.Surprise, s.Recurrence, s.Irreversibility, decision.Durable)
	return decision
}

// cacheTTL scales the cache lifetime with the score: a near-miss keeps its
// candidate around longer than noise.
func (g *MemoryGate) cacheTTL(total, threshold float64) time.Duration {
	minH := g.cfg.CacheTTLMinHours
	maxH := g.cfg.CacheTTLMaxHours
	if minH <= 0 {
		minH = 24
	}
	if maxH <= minH {
		maxH = minH + 48
	}
	frac := total / threshold
	if frac > 1 {
		frac = 1
	}
	hours := float64(minH) + frac*float64(maxH-minH)
	return time.Duration(hours * float64(time.Hour))
}

// Cached returns a short-term candidate by signature, if still alive.
func (g *MemoryGate) Cached(signature string) (*types.DetectedPattern, bool) {
	v, ok := g.shortTerm.Get(signature)
	if !ok {
		return nil, false
	}
	p, ok := v.(*types.DetectedPattern)
	return p, ok
}
