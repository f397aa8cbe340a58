package retrieval

import (
	"context"
	"math"
	"testing"
	"time"

	"spark/internal/config"
	"spark/internal/feedback"
	"spark/internal/packets"
	"spark/internal/paths"
	"spark/internal/types"
)

func TestBuildQuery(t *testing.T) {
	q := BuildQuery("Edit", map[string]any{"file_path": "config.yaml"},
		"fix the failing test in the parser", "sess_1", "tr_T", "/repo")
	if q.ToolName != "Edit" || q.TraceID != "tr_T" {
		t.Fatalf("query fields wrong: %+v", q)
	}
	if q.Intent != "debugging" && q.Intent != "testing" {
		t.Fatalf("intent family = %q", q.Intent)
	}
	found := false
	for _, term := range q.Terms {
		if term == "config" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool input terms missing from query: %v", q.Terms)
	}
}

func TestPolicyFloorKeepsSafetyAdviceVisible(t *testing.T) {
	s := NewScorer(config.Defaults().Retrieval, nil)
	c := Candidate{
		Advice:         types.Advice{Confidence: 0.8},
		Policy:         true,
		HasReliability: true,
		Effectiveness:  0.0,
	}
	adv := c.Advice
	adv.ContextMatch = 0.75

	got := s.rank(c, adv)
	want := 0.8 * 0.75 * 1.4 * 1.15
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("policy rank = %f, want %f", got, want)
	}
	if got < 0.45 {
		t.Fatalf("policy advice must clear the default min rank, got %f", got)
	}
}

func TestValidationBoostApplied(t *testing.T) {
	s := NewScorer(config.Defaults().Retrieval, nil)
	base := Candidate{
		Advice:         types.Advice{Confidence: 0.8},
		HasReliability: true,
		Effectiveness:  0.5,
	}
	adv := base.Advice
	adv.ContextMatch = 0.5

	validated := base
	validated.ValidationCount = 5
	if s.rank(validated, adv) <= s.rank(base, adv) {
		t.Fatal("validation_count >= 5 must boost the rank")
	}
}

func TestScorerDeterministicOrder(t *testing.T) {
	q := BuildQuery("Edit", nil, "prefer small diffs when editing files", "s", "tr", "/")
	cands := []Candidate{
		{Advice: types.Advice{AdviceID: "adv_b", Text: "prefer small diffs", Source: types.SourceBank, Confidence: 0.6}},
		{Advice: types.Advice{AdviceID: "adv_a", Text: "prefer small diffs", Source: types.SourceCognitive, Confidence: 0.6}},
		{Advice: types.Advice{AdviceID: "adv_c", Text: "unrelated database remark", Source: types.SourceBank, Confidence: 0.9}},
	}
	s := NewScorer(config.Defaults().Retrieval, nil)
	first := s.Score(q, cands)
	second := s.Score(q, cands)
	if len(first) != len(second) {
		t.Fatalf("length mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].AdviceID != second[i].AdviceID {
			t.Fatalf("order unstable at %d: %s vs %s", i, first[i].AdviceID, second[i].AdviceID)
		}
	}
	// Equal-rank rows break ties by advice ID.
	if first[0].AdviceID != "adv_a" || first[1].AdviceID != "adv_b" {
		t.Fatalf("tie break wrong: %s, %s", first[0].AdviceID, first[1].AdviceID)
	}
}

func TestLexicalOverlap(t *testing.T) {
	terms := types.UniqueSorted(types.Tokenize("prefer small diffs when editing"))
	if got := lexicalOverlap(terms, "prefer small diffs when editing"); got != 1.0 {
		t.Fatalf("full overlap = %f", got)
	}
	if got := lexicalOverlap(terms, "database connection pooling"); got != 0 {
		t.Fatalf("disjoint overlap = %f", got)
	}
	if got := lexicalOverlap(nil, "anything"); got != 0 {
		t.Fatalf("empty query overlap = %f", got)
	}
}

func TestGateErrorCodes(t *testing.T) {
	profile := config.Defaults().Gate.Profile()

	g := NewGate(profile, nil)
	if res := g.Apply(nil); res.ErrorCode != CodeNoCandidates {
		t.Fatalf("empty input code = %q", res.ErrorCode)
	}

	low := []types.Advice{{AdviceID: "a", Text: "prefer small diffs", RankScore: 0.1, Actionability: 0.7}}
	if res := g.Apply(low); res.ErrorCode != CodeGateSuppressed {
		t.Fatalf("low rank code = %q", res.ErrorCode)
	}

	recent := []recentAdvisory{{Text: "prefer small diffs", TS: time.Now()}}
	g = NewGate(profile, recent)
	dup := []types.Advice{{AdviceID: "a", Text: "prefer small diffs", RankScore: 0.9, Actionability: 0.7}}
	if res := g.Apply(dup); res.ErrorCode != CodeDuplicateSuppressed {
		t.Fatalf("duplicate code = %q", res.ErrorCode)
	}
}

func TestGateMaxAdvicePerTurn(t *testing.T) {
	profile := config.Defaults().Gate.Profile()
	rows := make([]types.Advice, 6)
	for i := range rows {
		rows[i] = types.Advice{
			AdviceID:      string(rune('a' + i)),
			Text:          "distinct advisory number " + string(rune('a'+i)),
			RankScore:     0.9,
			Actionability: 0.7,
		}
	}
	res := NewGate(profile, nil).Apply(rows)
	if len(res.Passed) != profile.MaxAdvicePerTurn {
		t.Fatalf("passed %d rows, want %d", len(res.Passed), profile.MaxAdvicePerTurn)
	}
}

// fixedSource feeds canned candidates into the fan-out.
type fixedSource struct {
	name types.AdviceSource
	rows []Candidate
}

func (s fixedSource) Name() types.AdviceSource { return s.name }
func (s fixedSource) Fetch(ctx context.Context, q Query) ([]Candidate, error) {
	return s.rows, nil
}

func testEngine(t *testing.T, sources []Source) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	if err := paths.EnsureLayout(root); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	cfg := config.Defaults()
	pk := packets.NewStore(root, cfg.Packets)
	return NewEngine(root, cfg, sources, pk, feedback.NewEffectiveness(root)), root
}

func TestEngineEmitTurn(t *testing.T) {
	src := fixedSource{name: types.SourceBank, rows: []Candidate{{
		Advice: types.Advice{
			AdviceID:   "adv_1",
			Text:       "prefer small diffs when editing large files",
			Source:     types.SourceBank,
			Confidence: 0.9,
		},
		HasReliability: true,
		Effectiveness:  0.9,
	}}}
	e, root := testEngine(t, []Source{src})

	res := e.Advise(context.Background(), TurnRequest{
		ToolName:  "Edit",
		UserText:  "prefer small diffs when editing large files",
		SessionID: "sess_1",
		TraceID:   "tr_T",
	})
	if res.Decision != "emit" || len(res.Advice) != 1 {
		t.Fatalf("expected emit with one row, got %+v", res)
	}
	if len(res.Lines) != 1 || len(res.Lines[0]) > maxAdviceLineLen {
		t.Fatalf("lines malformed: %v", res.Lines)
	}

	var turns []feedback.TurnRecord
	if err := readJSONLLocal(root+"/advisory_engine.jsonl", func(r feedback.TurnRecord) { turns = append(turns, r) }); err != nil {
		t.Fatalf("read turn log: %v", err)
	}
	if len(turns) != 1 || turns[0].Decision != "emit" || turns[0].TraceID != "tr_T" {
		t.Fatalf("turn record wrong: %+v", turns)
	}

	pk := packets.NewStore(root, config.Defaults().Packets)
	got, err := pk.FindByTrace("tr_T")
	if err != nil || got == nil || len(got.AdviceItems) != 1 {
		t.Fatalf("emitted packet missing: %+v, %v", got, err)
	}
}

func TestEngineNoEmitStillWritesPacket(t *testing.T) {
	e, root := testEngine(t, []Source{fixedSource{name: types.SourceBank}})

	res := e.Advise(context.Background(), TurnRequest{ToolName: "Edit", TraceID: "tr_T"})
	if res.Decision != "no_emit" || res.ErrorCode != CodeNoCandidates {
		t.Fatalf("expected no_emit AE_NO_CANDIDATES, got %+v", res)
	}
	if len(res.Lines) != 0 {
		t.Fatalf("no_emit must produce zero lines: %v", res.Lines)
	}

	pk := packets.NewStore(root, config.Defaults().Packets)
	got, err := pk.FindByTrace("tr_T")
	if err != nil || got == nil {
		t.Fatalf("no_emit packet missing: %v", err)
	}
	if got.ErrorCode != CodeNoCandidates || len(got.AdviceItems) != 0 {
		t.Fatalf("no_emit packet wrong: %+v", got)
	}
}

func TestEngineEmitDisabled(t *testing.T) {
	e, _ := testEngine(t, []Source{fixedSource{name: types.SourceBank}})
	cfg := config.Defaults()
	cfg.Gate.EmitEnabled = false
	e.Reconfigure(cfg)

	res := e.Advise(context.Background(), TurnRequest{ToolName: "Edit"})
	if res.Decision != "no_emit" || res.ErrorCode != CodeEmitDisabled {
		t.Fatalf("expected AE_EMIT_DISABLED, got %+v", res)
	}
}

func TestEngineDegradedWithoutSources(t *testing.T) {
	e, _ := testEngine(t, nil)
	res := e.Advise(context.Background(), TurnRequest{ToolName: "Edit"})
	if res.Decision != "no_emit" || res.ErrorCode != CodeDegraded {
		t.Fatalf("expected AE_DEGRADED, got %+v", res)
	}
}
