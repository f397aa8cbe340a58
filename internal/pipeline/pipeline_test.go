package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"spark/internal/config"
	"spark/internal/paths"
	"spark/internal/queue"
	"spark/internal/store"
	"spark/internal/types"
)

func failureEvent(session, tool string) *types.Event {
	return &types.Event{
		EventType: types.EventPostToolFailure,
		HookEvent: types.HookPostToolUseFailure,
		SessionID: session,
		TraceID:   "tr_" + session + "_" + tool,
		Timestamp: time.Now().UTC(),
		ToolName:  tool,
		ToolInput: map[string]any{"file": "config.yaml"},
		Error:     "patch did not apply",
	}
}

func promptEvent(session, text string) *types.Event {
	return &types.Event{
		EventType: types.EventUserPrompt,
		HookEvent: types.HookUserPromptSubmit,
		SessionID: session,
		TraceID:   "tr_" + session + "_prompt",
		Timestamp: time.Now().UTC(),
		Prompt:    text,
	}
}

func TestCorrectionCapture(t *testing.T) {
	d := NewCorrectionDetector()

	if got := d.ProcessEvent(failureEvent("s1", "Edit")); got != nil {
		t.Fatalf("tool event should produce no patterns, got %+v", got)
	}
	patterns := d.ProcessEvent(promptEvent("s1", "no, I meant use a small diff"))
	if len(patterns) != 1 {
		t.Fatalf("expected one correction pattern, got %d", len(patterns))
	}
	p := patterns[0]
	if p.Type != types.PatternCorrection {
		t.Fatalf("wrong type: %s", p.Type)
	}
	if p.ToolName != "Edit" {
		t.Fatalf("pattern not bound to preceding action: %+v", p)
	}
	if !strings.HasPrefix(p.Insight, "When using Edit, ") {
		t.Fatalf("insight not actionable: %q", p.Insight)
	}
	if p.Outcome != "fail" || p.RootCause == "" {
		t.Fatalf("failure context lost: %+v", p)
	}

	dist := NewDistiller()
	ins := dist.InsightFrom(&p)
	if ins == nil || ins.Category != types.CategoryUserUnderstanding {
		t.Fatalf("correction should yield a user_understanding insight, got %+v", ins)
	}
}

func TestCorrectionIgnoresFillers(t *testing.T) {
	d := NewCorrectionDetector()
	d.ProcessEvent(failureEvent("s1", "Bash"))
	for _, text := range []string{"no problem, go ahead", "no worries", "no rush on this"} {
		if got := d.ProcessEvent(promptEvent("s1", text)); got != nil {
			t.Fatalf("filler %q treated as correction: %+v", text, got)
		}
	}
}

func TestCorrectionWithoutActionIsWeaker(t *testing.T) {
	d := NewCorrectionDetector()
	patterns := d.ProcessEvent(promptEvent("s2", "no, I meant the other file"))
	if len(patterns) != 1 {
		t.Fatalf("expected one pattern, got %d", len(patterns))
	}
	if patterns[0].Confidence >= 0.9 {
		t.Fatalf("unbound correction should be discounted, conf=%.2f", patterns[0].Confidence)
	}
	if patterns[0].ToolName != "" {
		t.Fatalf("no action to bind to, got tool %q", patterns[0].ToolName)
	}
}

func TestRepetitionDetector(t *testing.T) {
	d := NewRepetitionDetector()
	ev := &types.Event{
		EventType: types.EventPreTool,
		SessionID: "s1",
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "go test ./..."},
	}
	for i := 0; i < 2; i++ {
		if got := d.ProcessEvent(ev); got != nil {
			t.Fatalf("call %d should not trip the detector", i+1)
		}
	}
	got := d.ProcessEvent(ev)
	if len(got) != 1 || got[0].Type != types.PatternRepetition {
		t.Fatalf("third identical call should trip repetition, got %+v", got)
	}

	// A different input resets nothing for the old signature but does not trip.
	other := *ev
	other.ToolInput = map[string]any{"command": "go vet ./..."}
	if got := d.ProcessEvent(&other); got != nil {
		t.Fatalf("different input must not trip: %+v", got)
	}
}

func TestDistillerTaxonomy(t *testing.T) {
	d := NewDistiller()

	cases := []struct {
		name string
		p    types.DetectedPattern
		want types.DistillationType
	}{
		{
			name: "safety must-not becomes policy",
			p:    types.DetectedPattern{Insight: "Never force push to main", SafetyMust: true, Triggers: []string{"git"}},
			want: types.DistillPolicy,
		},
		{
			name: "negated with anti-triggers becomes anti-pattern",
			p: types.DetectedPattern{
				Insight: "When using Bash, avoid piping curl to sh", Rejected: "piping curl to sh",
				AntiTriggers: []string{"sandbox"}, Triggers: []string{"bash"},
			},
			want: types.DistillAntiPattern,
		},
		{
			name: "failure with root cause becomes sharp edge",
			p: types.DetectedPattern{
				Insight: "When using Edit, anchor on unique context", Outcome: "fail",
				RootCause: "ambiguous match", Triggers: []string{"edit"},
			},
			want: types.DistillSharpEdge,
		},
		{
			name: "guarded imperative becomes heuristic",
			p:    types.DetectedPattern{Insight: "When using Grep, scope to the package first", Outcome: "pass", Triggers: []string{"grep"}},
			want: types.DistillHeuristic,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Distill(&tc.p)
			if got == nil || got.Type != tc.want {
				t.Fatalf("got %+v, want type %s", got, tc.want)
			}
		})
	}

	if got := d.Distill(&types.DetectedPattern{}); got != nil {
		t.Fatalf("pattern without insight must distill to nothing, got %+v", got)
	}
}

func TestMemoryGateScoreBounds(t *testing.T) {
	g := NewMemoryGate(config.Defaults().MemoryGate)

	// Everything fires at once: total must still cap at 1.0.
	p := &types.DetectedPattern{
		Type:       types.PatternCorrection,
		Insight:    "Never delete production secrets",
		Evidence:   "fixed root cause: deleted production secret by mistake",
		Confidence: 0.2,
		Outcome:    "pass",
		Triggers:   []string{"security"},
	}
	var last GateDecision
	for i := 0; i < 4; i++ {
		last = g.Evaluate(p)
		if last.Score.Total > 1.0 {
			t.Fatalf("total exceeded 1.0: %+v", last.Score)
		}
	}
	if !last.Durable {
		t.Fatalf("maximal candidate must route durable: %+v", last.Score)
	}
}

func TestMemoryGateCacheRouting(t *testing.T) {
	g := NewMemoryGate(config.Defaults().MemoryGate)

	p := &types.DetectedPattern{
		Type:       types.PatternSentiment,
		Insight:    "User liked the summary format",
		Evidence:   "nice, thanks",
		Confidence: 0.5,
		Outcome:    "",
	}
	dec := g.Evaluate(p)
	if dec.Durable {
		t.Fatalf("weak candidate must route to cache: %+v", dec.Score)
	}
	if dec.TTL < 24*time.Hour || dec.TTL > 72*time.Hour {
		t.Fatalf("cache TTL out of range: %v", dec.TTL)
	}
	if _, ok := g.Cached(p.Signature()); !ok {
		t.Fatal("cache-routed pattern should be retrievable by signature")
	}
}

func TestMemoryGateNoveltyDecays(t *testing.T) {
	g := NewMemoryGate(config.Defaults().MemoryGate)
	p := &types.DetectedPattern{
		Type:       types.PatternWhy,
		Insight:    "When using Bash, explain the reasoning before acting",
		Confidence: 0.6,
	}
	first := g.Evaluate(p)
	second := g.Evaluate(p)
	if second.Score.Novelty >= first.Score.Novelty && first.Score.Novelty > 0 {
		t.Fatalf("novelty should drop on re-evaluation: %.2f -> %.2f",
			first.Score.Novelty, second.Score.Novelty)
	}
}

// drainDeterminism: splitting the same event log across cycles must yield
// the same learned state as one big drain.
func TestBridgeDrainDeterminism(t *testing.T) {
	mkEvents := func(root string) {
		for _, e := range []*types.Event{
			failureEvent("s1", "Edit"),
			promptEvent("s1", "no, I meant use a small diff"),
			failureEvent("s1", "Bash"),
			promptEvent("s1", "no, I meant run the unit tests only"),
		} {
			if err := queue.Append(root, e); err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}
	}

	run := func(root string, batch, cycles int) map[types.InsightCategory]int {
		if err := paths.EnsureLayout(root); err != nil {
			t.Fatalf("layout failed: %v", err)
		}
		mkEvents(root)
		st, err := store.Open(paths.Database(root))
		if err != nil {
			t.Fatalf("store open failed: %v", err)
		}
		defer st.Close()

		mgr := config.NewManager(paths.Tuneables(root), "")
		b := NewBridge(root, mgr, st)
		b.reader = queue.NewReader(root)
		for i := 0; i < cycles; i++ {
			// Force the batch size through a local drain to exercise
			// multi-cycle consumption deterministically.
			events, commit, err := b.reader.DrainNew(batch)
			if err != nil {
				t.Fatalf("drain failed: %v", err)
			}
			for j := range events {
				b.processEvent(context.Background(), &events[j])
			}
			if err := b.reader.Commit(commit); err != nil {
				t.Fatalf("commit failed: %v", err)
			}
		}
		byCat, err := st.ByCategory()
		if err != nil {
			t.Fatalf("ByCategory failed: %v", err)
		}
		return byCat
	}

	single := run(t.TempDir(), 0, 1)  // one drain of everything
	split := run(t.TempDir(), 2, 2)   // two cycles of two events
	if diff := cmp.Diff(single, split); diff != "" {
		t.Fatalf("category map diverged between drain shapes:\n%s", diff)
	}
	if len(single) == 0 {
		t.Fatal("expected at least one insight category")
	}
}

// countEmbedder is a deterministic bag-of-words embedding stub.
type countEmbedder struct{}

func (countEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for _, tok := range types.Tokenize(text) {
		h := 0
		for _, r := range tok {
			h = h*31 + int(r)
		}
		vec[((h%8)+8)%8]++
	}
	return vec, nil
}

func (c countEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = c.Embed(ctx, t)
	}
	return out, nil
}

func (countEmbedder) Dimensions() int { return 8 }
func (countEmbedder) Name() string    { return "count" }

func TestBridgeIndexesDurableContent(t *testing.T) {
	root := t.TempDir()
	if err := paths.EnsureLayout(root); err != nil {
		t.Fatalf("layout failed: %v", err)
	}
	st, err := store.Open(paths.Database(root))
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	defer st.Close()
	st.SetEmbeddingEngine(countEmbedder{})

	for _, e := range []*types.Event{
		failureEvent("s1", "Edit"),
		promptEvent("s1", "no, I meant use a small diff"),
	} {
		if err := queue.Append(root, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	mgr := config.NewManager(paths.Tuneables(root), "")
	b := NewBridge(root, mgr, st)
	if _, err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	stats := st.Stats()
	if stats["cognitive_insights"] == 0 {
		t.Fatal("expected at least one durable insight")
	}
	if stats["semantic_vectors"] == 0 {
		t.Fatal("durable insights must be written to the semantic index")
	}

	hits, err := st.RecallSemantic(context.Background(), "use a small diff", 5, 0)
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("semantic recall found nothing for freshly indexed content")
	}
}

func TestBridgeHeartbeatAndDegraded(t *testing.T) {
	root := t.TempDir()
	if err := paths.EnsureLayout(root); err != nil {
		t.Fatalf("layout failed: %v", err)
	}
	mgr := config.NewManager(paths.Tuneables(root), "")

	b := NewBridge(root, mgr, nil)
	if !b.Degraded() {
		t.Fatal("nil store must put the bridge in degraded mode")
	}
	if err := queue.Append(root, promptEvent("s1", "hello")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	n, err := b.RunCycle(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("degraded cycle should be a no-op, got n=%d err=%v", n, err)
	}

	hb := ReadHeartbeat(root)
	if hb == nil || !hb.Degraded {
		t.Fatalf("heartbeat missing or not degraded: %+v", hb)
	}
	if hb.QueueDepth == 0 {
		t.Fatal("degraded bridge must leave the queue untouched")
	}

	// Attach a real store: the preserved history drains normally.
	st, err := store.Open(filepath.Join(root, "spark.db"))
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	defer st.Close()
	b2 := NewBridge(root, mgr, st)
	n, err = b2.RunCycle(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("recovered bridge should drain the backlog, got n=%d err=%v", n, err)
	}
}
