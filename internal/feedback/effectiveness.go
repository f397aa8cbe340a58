package feedback

import (
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"spark/internal/logging"
	"spark/internal/types"
)

// Effectiveness learning constants. Deliberately not tuneables: changing
// the half-life mid-flight would make historical multipliers incomparable.
const (
	effectivenessHalfLife = 14 * 24 * time.Hour
	minSamples            = 3
)

// Multiplier bounds. 1.0 is neutral; a source can earn at most ±20%.
const (
	multiplierFloor = 0.8
	multiplierCeil  = 1.2
)

// ImplicitFeedbackRow is one entry of advisor/implicit_feedback.jsonl.
type ImplicitFeedbackRow struct {
	Source   types.AdviceSource `json:"source"`
	Positive bool               `json:"positive"`
	TS       time.Time          `json:"ts"`
}

// AppendImplicit logs one implicit per-source signal.
func AppendImplicit(root string, r ImplicitFeedbackRow) error {
	return appendJSONL(implicitPath(root), r)
}

// Effectiveness learns a per-source score multiplier from the feedback
// logs with exponential time decay. Results are cached briefly; the logs
// are append-only so staleness is bounded and harmless.
type Effectiveness struct {
	root  string
	cache *gocache.Cache
}

// NewEffectiveness creates the per-source effectiveness tracker.
func NewEffectiveness(root string) *Effectiveness {
	return &Effectiveness{
		root:  root,
		cache: gocache.New(time.Minute, 5*time.Minute),
	}
}

// Multiplier returns the learned multiplier for a source, neutral 1.0
// when fewer than minSamples decayed records exist.
func (e *Effectiveness) Multiplier(source types.AdviceSource) float64 {
	if v, ok := e.cache.Get(string(source)); ok {
		return v.(float64)
	}
	m := e.compute(source)
	e.cache.Set(string(source), m, gocache.DefaultExpiration)
	return m
}

func (e *Effectiveness) compute(source types.AdviceSource) float64 {
	now := time.Now()
	var posWeight, totalWeight float64
	count := 0

	add := func(positive bool, ts time.Time) {
		age := now.Sub(ts)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, age.Hours()/effectivenessHalfLife.Hours())
		totalWeight += w
		if positive {
			posWeight += w
		}
		count++
	}

	_ = readJSONL(implicitPath(e.root), func(r ImplicitFeedbackRow) {
		if r.Source == source {
			add(r.Positive, r.TS)
		}
	})

	// Explicit feedback names advice IDs; the advice log resolves them to
	// their sources.
	sourceByAdvice := make(map[string]types.AdviceSource)
	_ = readJSONL(adviceLogPath(e.root), func(a EmittedAdvisory) {
		sourceByAdvice[a.AdviceID] = a.Source
	})
	_ = readJSONL(feedbackPath(e.root), func(r FeedbackRow) {
		if r.Helpful == nil {
			return
		}
		for _, id := range r.AdviceIDs {
			if sourceByAdvice[id] == source {
				add(*r.Helpful, r.TS)
			}
		}
	})

	if count < minSamples || totalWeight == 0 {
		return 1.0
	}
	score := posWeight / totalWeight
	m := multiplierFloor + score*(multiplierCeil-multiplierFloor)
	logging.Feedback("source %s effectiveness %.2f over %d samples (multiplier %.2f)", source, score, count, m)
	return m
}

// Invalidate drops the cached multipliers, forcing a recompute on next
// use. Called after feedback writes in the same process.
func (e *Effectiveness) Invalidate() {
	e.cache.Flush()
}
