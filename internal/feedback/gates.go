package feedback

import (
	"fmt"

	"spark/internal/config"
)

// GateMetrics is the snapshot the production gates judge. Callers fill it
// from a Scorecard plus the live queue and store counters.
type GateMetrics struct {
	StrictActedOnRate       float64
	StrictTraceCoverage     float64
	StrictEffectivenessRate float64
	StrictWithOutcome       int
	TraceBindingActive      bool
	MatchWindowS            int
	QualityRate             float64
	QueueDepth              int64
	ChipToCognitiveRatio    float64
}

// GateReport is the production-readiness verdict.
type GateReport struct {
	Ready   bool     `json:"ready"`
	Failing []string `json:"failing,omitempty"`
}

// MetricsFromScorecard lifts the strict KPIs out of a scorecard. Quality
// rate is the positive-effect rate; queue depth and chip ratio come from
// the caller.
func MetricsFromScorecard(sc *Scorecard, cfg config.FeedbackConfig, traceBinding bool, queueDepth int64, chipRatio float64) GateMetrics {
	return GateMetrics{
		StrictActedOnRate:       sc.StrictActedOnRate,
		StrictTraceCoverage:     sc.StrictTraceCoverage,
		StrictEffectivenessRate: sc.StrictEffectivenessRate,
		StrictWithOutcome:       sc.StrictWithOutcome,
		TraceBindingActive:      traceBinding,
		MatchWindowS:            cfg.MatchWindowHours * 3600,
		QualityRate:             sc.PositiveEffectRate,
		QueueDepth:              queueDepth,
		ChipToCognitiveRatio:    chipRatio,
	}
}

// EvaluateGates checks a metrics snapshot against the production
// thresholds. Pure: it reads nothing and mutates nothing, so the same
// inputs always yield the same verdict. Thresholds left at zero are
// treated as disabled.
func EvaluateGates(m GateMetrics, cfg config.ProductionConfig) GateReport {
	var failing []string
	fail := func(name string) { failing = append(failing, name) }

	if cfg.MinStrictActedOnRate > 0 && m.StrictActedOnRate < cfg.MinStrictActedOnRate {
		fail("strict_acted_on_rate")
	}
	if cfg.MinStrictTraceCoverage > 0 && m.StrictTraceCoverage < cfg.MinStrictTraceCoverage {
		fail("strict_trace_coverage")
	}
	if cfg.MinStrictEffectivenessRate > 0 && m.StrictEffectivenessRate < cfg.MinStrictEffectivenessRate {
		fail("strict_effectiveness_rate")
	}
	if cfg.MinStrictWithOutcome > 0 && m.StrictWithOutcome < cfg.MinStrictWithOutcome {
		fail("strict_with_outcome")
	}
	if cfg.RequireTraceBinding && !m.TraceBindingActive {
		fail("trace_binding")
	}
	if cfg.MaxStrictWindowS > 0 && m.MatchWindowS > cfg.MaxStrictWindowS {
		fail("strict_window")
	}
	if cfg.MinQualityRate > 0 && m.QualityRate < cfg.MinQualityRate {
		fail("quality_rate_low")
	}
	if cfg.MaxQualityRate > 0 && m.QualityRate > cfg.MaxQualityRate {
		fail("quality_rate_high")
	}
	if cfg.MaxQueueDepth > 0 && m.QueueDepth > int64(cfg.MaxQueueDepth) {
		fail("queue_depth")
	}
	if cfg.MaxChipToCognitiveRatio > 0 && m.ChipToCognitiveRatio > cfg.MaxChipToCognitiveRatio {
		fail("chip_to_cognitive_ratio")
	}

	return GateReport{Ready: len(failing) == 0, Failing: failing}
}

// Summary renders the report for CLI output.
func (r GateReport) Summary() string {
	if r.Ready {
		return "production gates: ready"
	}
	return fmt.Sprintf("production gates: NOT ready (%d failing: %v)", len(r.Failing), r.Failing)
}
