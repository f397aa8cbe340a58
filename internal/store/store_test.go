package store

import (
	"path/filepath"
	"testing"

	"spark/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spark.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsightUpsertAndLookup(t *testing.T) {
	s := openTestStore(t)

	ins := &types.Insight{
		Category: types.CategoryPreference,
		Text:     "User prefers table-driven tests over assertion helpers",
		Triggers: []string{"test", "testing", "assert"},
	}
	if err := s.UpsertInsight(ins); err != nil {
		t.Fatalf("UpsertInsight failed: %v", err)
	}
	if ins.InsightKey == "" {
		t.Fatal("expected key to be derived")
	}

	got, err := s.GetInsight(ins.InsightKey)
	if err != nil {
		t.Fatalf("GetInsight failed: %v", err)
	}
	if got == nil || got.Text != ins.Text {
		t.Fatalf("lookup mismatch: got %+v", got)
	}
	if got.Reliability != 0 || got.ValidationCount != 0 || got.Promoted {
		t.Fatalf("fresh insight should start unvalidated: %+v", got)
	}

	// Upsert again with refreshed triggers; counters must survive.
	if err := s.RecordValidation(ins.InsightKey, "pass", "tr_1"); err != nil {
		t.Fatalf("RecordValidation failed: %v", err)
	}
	ins.Triggers = append(ins.Triggers, "subtest")
	if err := s.UpsertInsight(ins); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	got, _ = s.GetInsight(ins.InsightKey)
	if got.ValidationCount != 1 {
		t.Fatalf("validation count lost on upsert: %d", got.ValidationCount)
	}
}

func TestReliabilityMonotone(t *testing.T) {
	s := openTestStore(t)

	ins := &types.Insight{
		Category: types.CategoryFailure,
		Text:     "Retries without backoff overwhelm the API",
		Triggers: []string{"retry", "api"},
	}
	if err := s.UpsertInsight(ins); err != nil {
		t.Fatalf("UpsertInsight failed: %v", err)
	}

	prev := 0.0
	for i := 0; i < 10; i++ {
		outcome := "pass"
		if i%3 == 2 {
			outcome = "fail"
		}
		if err := s.RecordValidation(ins.InsightKey, outcome, ""); err != nil {
			t.Fatalf("RecordValidation failed: %v", err)
		}
		got, _ := s.GetInsight(ins.InsightKey)
		if got.Reliability < prev {
			t.Fatalf("reliability decreased: %.4f -> %.4f", prev, got.Reliability)
		}
		if got.Reliability > 1.0 {
			t.Fatalf("reliability exceeded 1.0: %.4f", got.Reliability)
		}
		prev = got.Reliability
	}
}

func TestPromoteEligible(t *testing.T) {
	s := openTestStore(t)

	ins := &types.Insight{
		Category: types.CategoryReasoning,
		Text:     "Check the queue cursor before blaming the detector",
		Triggers: []string{"queue", "cursor"},
	}
	if err := s.UpsertInsight(ins); err != nil {
		t.Fatalf("UpsertInsight failed: %v", err)
	}

	promoted, err := s.PromoteEligible()
	if err != nil {
		t.Fatalf("PromoteEligible failed: %v", err)
	}
	if len(promoted) != 0 {
		t.Fatalf("nothing should be promotable yet, got %d", len(promoted))
	}

	for i := 0; i < 6; i++ {
		if err := s.RecordValidation(ins.InsightKey, "pass", ""); err != nil {
			t.Fatalf("RecordValidation failed: %v", err)
		}
	}
	promoted, err = s.PromoteEligible()
	if err != nil {
		t.Fatalf("PromoteEligible failed: %v", err)
	}
	if len(promoted) != 1 || !promoted[0].Promoted {
		t.Fatalf("expected one promoted insight, got %+v", promoted)
	}

	// Promotion is one-way and idempotent.
	promoted, _ = s.PromoteEligible()
	if len(promoted) != 0 {
		t.Fatalf("re-promotion should be empty, got %d", len(promoted))
	}
}

func TestAntiPatternRequiresAntiTrigger(t *testing.T) {
	s := openTestStore(t)

	d := &types.Distillation{
		Type:      types.DistillAntiPattern,
		Statement: "Do not pipe curl output straight into a shell",
		Triggers:  []string{"curl", "shell"},
	}
	if err := s.UpsertDistillation(d); err == nil {
		t.Fatal("anti_pattern without anti-trigger must be rejected")
	}

	d.AntiTriggers = []string{"sandbox"}
	if err := s.UpsertDistillation(d); err != nil {
		t.Fatalf("UpsertDistillation failed: %v", err)
	}
}

func TestStructuralRetrieveAntiTriggers(t *testing.T) {
	s := openTestStore(t)

	heuristic := &types.Distillation{
		Type:       types.DistillHeuristic,
		Statement:  "Prefer rg over grep for repo-wide searches",
		Triggers:   []string{"grep", "search"},
		Confidence: 0.8,
	}
	anti := &types.Distillation{
		Type:         types.DistillAntiPattern,
		Statement:    "Never force-push a shared branch",
		Triggers:     []string{"push", "git"},
		AntiTriggers: []string{"fork"},
		Confidence:   0.9,
	}
	for _, d := range []*types.Distillation{heuristic, anti} {
		if err := s.UpsertDistillation(d); err != nil {
			t.Fatalf("UpsertDistillation failed: %v", err)
		}
	}

	hits, err := s.StructuralRetrieve([]string{"git", "push"}, 10)
	if err != nil {
		t.Fatalf("StructuralRetrieve failed: %v", err)
	}
	if len(hits) != 1 || hits[0].DistillationID != anti.DistillationID {
		t.Fatalf("expected the git anti-pattern, got %+v", hits)
	}

	// Anti-trigger in context suppresses it.
	hits, err = s.StructuralRetrieve([]string{"git", "push", "fork"}, 10)
	if err != nil {
		t.Fatalf("StructuralRetrieve failed: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("anti-trigger should suppress, got %+v", hits)
	}
}

func TestRetireStaleSparesPolicy(t *testing.T) {
	s := openTestStore(t)

	policy := &types.Distillation{
		Type:       types.DistillPolicy,
		Statement:  "Always run migrations inside a transaction",
		Triggers:   []string{"migration"},
		Confidence: 0.9,
	}
	weak := &types.Distillation{
		Type:       types.DistillHeuristic,
		Statement:  "Sort imports alphabetically",
		Triggers:   []string{"import"},
		Confidence: 0.3,
	}
	for _, d := range []*types.Distillation{policy, weak} {
		if err := s.UpsertDistillation(d); err != nil {
			t.Fatalf("UpsertDistillation failed: %v", err)
		}
	}
	for i := 0; i < 6; i++ {
		if err := s.Strengthen(policy.DistillationID, false); err != nil {
			t.Fatalf("Strengthen failed: %v", err)
		}
		if err := s.Strengthen(weak.DistillationID, false); err != nil {
			t.Fatalf("Strengthen failed: %v", err)
		}
	}

	n, err := s.RetireStale()
	if err != nil {
		t.Fatalf("RetireStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the heuristic retired, got %d", n)
	}
	got, _ := s.GetDistillation(policy.DistillationID)
	if got.Retired {
		t.Fatal("policy distillation must never be retired")
	}
	hits, _ := s.StructuralRetrieve([]string{"import"}, 10)
	if len(hits) != 0 {
		t.Fatalf("retired distillation should not be retrievable: %+v", hits)
	}
}

func TestStatsCounts(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertInsight(&types.Insight{
		Category: types.CategoryUserUnderstanding,
		Text:     "User works in short bursts late at night",
		Triggers: []string{"session"},
	}); err != nil {
		t.Fatalf("UpsertInsight failed: %v", err)
	}
	stats := s.Stats()
	if stats["cognitive_insights"] != 1 {
		t.Fatalf("expected one insight in stats, got %v", stats)
	}
}
