package retrieval

import (
	"sort"
	"strings"

	"spark/internal/config"
	"spark/internal/feedback"
	"spark/internal/logging"
	"spark/internal/types"
)

// Reliability factor shape. POLICY rows get a floor so safety advice
// stays visible even at zero observed effectiveness, plus a type weight
// reflecting that a violated policy costs more than a missed heuristic.
const (
	reliabilityBase   = 0.7
	reliabilitySlope  = 0.6
	policyFloor       = 1.15
	policyTypeWeight  = 1.4
	validationBoost   = 1.1
	validationMinimum = 5
)

// Scorer ranks candidates with hybrid lexical/semantic fusion.
type Scorer struct {
	cfg config.RetrievalConfig
	eff *feedback.Effectiveness
}

// NewScorer creates a scorer. A nil effectiveness tracker means all
// source multipliers are neutral.
func NewScorer(cfg config.RetrievalConfig, eff *feedback.Effectiveness) *Scorer {
	return &Scorer{cfg: cfg, eff: eff}
}

// Score fills RankScore, ContextMatch and Actionability on every
// candidate and returns the advice rows sorted by rank, descending.
// Ties break on advice ID so replays produce identical orderings.
func (s *Scorer) Score(q Query, candidates []Candidate) []types.Advice {
	support := supportCounts(candidates)

	rows := make([]types.Advice, 0, len(candidates))
	for _, c := range candidates {
		adv := c.Advice
		adv.ContextMatch = s.contextMatch(q, c, support[normalizeText(adv.Text)])
		if adv.Actionability == 0 {
			adv.Actionability = actionabilityOf(adv.Text)
		}
		adv.PolicyFloor = c.Policy
		adv.RankScore = s.rank(c, adv)
		rows = append(rows, adv)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].RankScore != rows[j].RankScore {
			return rows[i].RankScore > rows[j].RankScore
		}
		return rows[i].AdviceID < rows[j].AdviceID
	})

	if max := s.cfg.MaxCandidates; max > 0 && len(rows) > max {
		rows = rows[:max]
	}
	for _, r := range rows {
		logging.Rank("%s [%s] rank=%.3f ctx=%.3f act=%.2f", r.AdviceID, r.Source, r.RankScore, r.ContextMatch, r.Actionability)
	}
	return rows
}

// rank composes confidence, context match, the reliability factor and
// the learned per-source multiplier.
func (s *Scorer) rank(c Candidate, adv types.Advice) float64 {
	score := adv.Confidence * adv.ContextMatch

	if c.Policy {
		score *= policyTypeWeight
	}
	if c.HasReliability {
		floor := 1.0
		if c.Policy {
			floor = policyFloor
		}
		factor := reliabilityBase + c.Effectiveness*reliabilitySlope
		if factor < floor {
			factor = floor
		}
		score *= factor
	}
	if c.ValidationCount >= validationMinimum {
		score *= validationBoost
	}
	if s.eff != nil {
		score *= s.eff.Multiplier(adv.Source)
	}
	return score
}

// contextMatch fuses semantic and lexical similarity, plus the intent
// and agentic support boosts. Semantic similarity below the configured
// minimum is treated as absent.
func (s *Scorer) contextMatch(q Query, c Candidate, support int) float64 {
	lex := lexicalOverlap(q.Terms, c.Advice.Text)

	sem := c.SemanticSim
	if sem < s.cfg.SemanticContextMin {
		sem = 0
	}

	var fused float64
	if sem > 0 {
		fused = (1-s.cfg.LexicalWeight)*sem + s.cfg.LexicalWeight*lex
	} else {
		fused = lex
	}

	if q.Intent != "" && q.Intent != "general" && strings.Contains(strings.ToLower(c.Advice.Text), q.Intent) {
		fused += s.cfg.IntentCoverageWeight
	}
	if s.cfg.AgenticMode && support >= 2 {
		fused += s.cfg.SupportBoost
	}
	if fused > 1 {
		fused = 1
	}
	return fused
}

// lexicalOverlap is a coverage-style term overlap: the fraction of query
// terms present in the candidate text, dampened for very short texts.
func lexicalOverlap(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	terms := make(map[string]bool)
	for _, t := range types.Tokenize(text) {
		terms[t] = true
	}
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range queryTerms {
		if terms[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// supportCounts counts how many sources produced each normalized text.
func supportCounts(candidates []Candidate) map[string]int {
	bySources := make(map[string]map[types.AdviceSource]bool)
	for _, c := range candidates {
		key := normalizeText(c.Advice.Text)
		if bySources[key] == nil {
			bySources[key] = make(map[types.AdviceSource]bool)
		}
		bySources[key][c.Advice.Source] = true
	}
	out := make(map[string]int, len(bySources))
	for key, srcs := range bySources {
		out[key] = len(srcs)
	}
	return out
}

func normalizeText(text string) string {
	return strings.Join(types.UniqueSorted(types.Tokenize(text)), " ")
}

var imperativeMarkers = []string{
	"prefer ", "use ", "avoid ", "never ", "always ", "check ", "run ",
	"verify ", "do not ", "don't ", "ensure ", "before ",
}

// actionabilityOf estimates how directly a text can be acted on. Chip
// insights carry an explicit score; everything else gets this heuristic.
func actionabilityOf(text string) float64 {
	t := strings.ToLower(text)
	score := 0.3
	for _, m := range imperativeMarkers {
		if strings.Contains(t, m) {
			score = 0.7
			break
		}
	}
	if strings.HasPrefix(t, "when ") || strings.HasPrefix(t, "if ") {
		score += 0.1
	}
	if len(types.Tokenize(text)) >= 4 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}
