package retrieval

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"spark/internal/bank"
	"spark/internal/chips"
	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/mind"
	"spark/internal/store"
	"spark/internal/types"
)

const perSourceLimit = 8

// Candidate pairs an advice row with the raw signals the scorer consumes.
type Candidate struct {
	Advice          types.Advice
	SemanticSim     float64
	Effectiveness   float64
	ValidationCount int
	Policy          bool
	HasReliability  bool
}

// Source contributes candidates for one query. Errors and timeouts mean
// the source contributes nothing this turn; they never fail the turn.
type Source interface {
	Name() types.AdviceSource
	Fetch(ctx context.Context, q Query) ([]Candidate, error)
}

// ===== COGNITIVE STORE =====

type cognitiveSource struct{ store *store.Store }

func (s cognitiveSource) Name() types.AdviceSource { return types.SourceCognitive }

func (s cognitiveSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	insights, err := s.store.FindByTriggers(q.Terms, perSourceLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(insights))
	for _, ins := range insights {
		out = append(out, Candidate{
			Advice: types.Advice{
				AdviceID:   "adv_" + types.StableHash("cognitive", ins.InsightKey),
				InsightKey: ins.InsightKey,
				Text:       ins.Text,
				Source:     types.SourceCognitive,
				Confidence: ins.Reliability,
				Reason:     "learned insight (" + string(ins.Category) + ")",
			},
			Effectiveness:   ins.Reliability,
			ValidationCount: ins.ValidationCount,
			HasReliability:  true,
		})
	}
	return out, nil
}

// ===== EIDOS DISTILLATIONS =====

type eidosSource struct{ store *store.Store }

func (s eidosSource) Name() types.AdviceSource { return types.SourceEidos }

func (s eidosSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	dists, err := s.store.StructuralRetrieve(q.Terms, perSourceLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(dists))
	for _, d := range dists {
		policy := d.Type == types.DistillPolicy
		// POLICY stays visible regardless of effectiveness; everything else
		// below the retirement floor is not worth surfacing.
		if !policy && d.Effectiveness > 0 && d.Effectiveness < 0.15 {
			continue
		}
		out = append(out, Candidate{
			Advice: types.Advice{
				AdviceID:   "adv_" + types.StableHash("eidos", d.DistillationID),
				Text:       d.Statement,
				Source:     types.SourceEidos,
				Confidence: d.Confidence,
				Reason:     "distilled " + string(d.Type),
			},
			Effectiveness:   d.Effectiveness,
			ValidationCount: d.ValidationCount,
			Policy:          policy,
			HasReliability:  true,
		})
	}
	return out, nil
}

// ===== CHIPS =====

type chipSource struct{ registry *chips.Registry }

func (s chipSource) Name() types.AdviceSource { return types.SourceChip }

func (s chipSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	active := s.registry.ActiveInsights(q.CWD)
	out := make([]Candidate, 0, len(active))
	for _, ci := range active {
		out = append(out, Candidate{
			Advice: types.Advice{
				AdviceID:      "adv_" + types.StableHash("chip", ci.ChipID, ci.Statement),
				Text:          ci.Statement,
				Source:        types.SourceChip,
				Confidence:    ci.CognitiveValue,
				Actionability: ci.Actionability,
				Reason:        "chip " + ci.ChipID,
			},
		})
	}
	return out, nil
}

// ===== BANK =====

type bankSource struct{ bank *bank.Bank }

func (s bankSource) Name() types.AdviceSource { return types.SourceBank }

func (s bankSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	rules := s.bank.RulesFor(q.ToolName)
	out := make([]Candidate, 0, len(rules))
	for _, a := range rules {
		out = append(out, Candidate{Advice: a})
	}
	return out, nil
}

// ===== SEMANTIC VECTORS =====

type semanticSource struct {
	store  *store.Store
	minSim float64
}

func (s semanticSource) Name() types.AdviceSource { return types.SourceSemantic }

func (s semanticSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	hits, err := s.store.RecallSemantic(ctx, q.Text, perSourceLimit, s.minSim)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			Advice: types.Advice{
				AdviceID:   "adv_" + types.StableHash("semantic", h.RefKey),
				Text:       h.Content,
				Source:     types.SourceSemantic,
				Confidence: h.Similarity,
				Reason:     "semantic recall",
			},
			SemanticSim: h.Similarity,
		})
	}
	return out, nil
}

// ===== MIND API =====

type mindSource struct{ client *mind.Client }

func (s mindSource) Name() types.AdviceSource { return types.SourceMind }

func (s mindSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	rows, err := s.client.Retrieve(ctx, q.Text, q.ToolName, perSourceLimit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, a := range rows {
		out = append(out, Candidate{Advice: a})
	}
	return out, nil
}

// FanOut fetches from all sources with bounded parallelism and a
// per-source timeout, then merges results in the fixed source order so
// downstream ranking ties break deterministically.
func FanOut(ctx context.Context, cfg config.RetrievalConfig, sources []Source, q Query) []Candidate {
	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = 4
	}
	timeout := cfg.SourceTimeout()

	results := make([][]Candidate, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for i, src := range sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := time.Now()
			rows, err := src.Fetch(sctx, q)
			if err != nil {
				logging.RetrieveDebug("source %s contributed nothing: %v", src.Name(), err)
				return nil
			}
			if sctx.Err() != nil {
				// Timed-out sources discard partial results.
				logging.Retrieve("source %s timed out after %v", src.Name(), time.Since(start))
				return nil
			}
			for j := range rows {
				if !rows[j].Advice.Valid() {
					rows[j] = Candidate{}
				}
			}
			results[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	var merged []Candidate
	for _, rows := range results {
		for _, c := range rows {
			if c.Advice.Valid() {
				merged = append(merged, c)
			}
		}
	}
	logging.Retrieve("fan-out for %s: %d candidates from %d sources", q.ToolName, len(merged), len(sources))
	return merged
}

// DefaultSources wires the fixed fetch order. Nil components are skipped;
// a nil store drops both SQLite-backed sources.
func DefaultSources(st *store.Store, registry *chips.Registry, b *bank.Bank, m *mind.Client, cfg config.RetrievalConfig) []Source {
	var out []Source
	if st != nil {
		out = append(out, cognitiveSource{store: st}, eidosSource{store: st})
	}
	if registry != nil {
		out = append(out, chipSource{registry: registry})
	}
	if b != nil {
		out = append(out, bankSource{bank: b})
	}
	if st != nil {
		out = append(out, semanticSource{store: st, minSim: cfg.SemanticContextMin})
	}
	if m != nil {
		out = append(out, mindSource{client: m})
	}
	if len(out) == 0 {
		logging.Retrieve("no retrieval sources configured")
	}
	return out
}
