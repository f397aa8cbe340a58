package packets

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spark/internal/config"
	"spark/internal/types"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "advice_packets"), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	return NewStore(root, config.Defaults().Packets), root
}

func testPacket(id, trace string) *Packet {
	now := time.Now().UTC().Truncate(time.Second)
	return &Packet{
		PacketID: id,
		TraceID:  trace,
		ToolName: "Edit",
		AdviceItems: []types.Advice{
			{AdviceID: "a1", Text: "anchor on unique context", Source: types.SourceBank},
			{AdviceID: "a2", Text: "prefer small diffs", Source: types.SourceCognitive},
		},
		CreatedTS: now,
		UpdatedTS: now,
		TTLHours:  24,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestSaveAndLookup(t *testing.T) {
	s, _ := testStore(t)
	p := testPacket("pk_1", "tr_T")
	if err := s.SavePacket(p); err != nil {
		t.Fatalf("SavePacket failed: %v", err)
	}

	got, err := s.GetPacket("pk_1")
	if err != nil || got == nil {
		t.Fatalf("GetPacket failed: %v, %v", got, err)
	}
	if got.TraceID != "tr_T" || len(got.AdviceItems) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	byTrace, err := s.FindByTrace("tr_T")
	if err != nil || byTrace == nil || byTrace.PacketID != "pk_1" {
		t.Fatalf("FindByTrace failed: %+v, %v", byTrace, err)
	}
	byAdvice, err := s.FindByAdvice("a2")
	if err != nil || byAdvice == nil || byAdvice.PacketID != "pk_1" {
		t.Fatalf("FindByAdvice failed: %+v, %v", byAdvice, err)
	}
}

func TestSaveIdempotentBytes(t *testing.T) {
	s, root := testStore(t)
	if err := s.SavePacket(testPacket("pk_1", "tr_T")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	path := filepath.Join(root, "advice_packets", "pk_1.json")
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	got, _ := s.GetPacket("pk_1")
	if err := s.SavePacket(got); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("save(get(id)) must produce identical bytes")
	}
}

func TestFeedbackForAdvice(t *testing.T) {
	s, _ := testStore(t)
	if err := s.SavePacket(testPacket("pk_1", "tr_T")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	res := s.RecordFeedbackForAdvice("a2", boolPtr(true), false, true, "explicit", "tr_T")
	if !res.OK || res.MatchedAdviceID != "a2" {
		t.Fatalf("expected ok with matched a2, got %+v", res)
	}
	got, _ := s.GetPacket("pk_1")
	if got.HelpfulCount != 1 {
		t.Fatalf("helpful_count = %d, want 1", got.HelpfulCount)
	}
	if got.ActedCount != 1 || got.FeedbackCount != 1 {
		t.Fatalf("counters wrong: %+v", got)
	}
	if got.LastTraceID != "tr_T" {
		t.Fatalf("last_trace_id = %q", got.LastTraceID)
	}

	res = s.RecordFeedbackForAdvice("missing", boolPtr(true), false, false, "explicit", "tr_T")
	if res.OK || res.Reason != "advice_not_found" {
		t.Fatalf("unknown advice must fail cleanly: %+v", res)
	}
}

func TestOutcomeStatuses(t *testing.T) {
	s, _ := testStore(t)
	if err := s.SavePacket(testPacket("pk_1", "tr_T")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if res := s.RecordOutcome("pk_1", "exploded", "implicit", "Edit", "tr_T", "", false); res.OK || res.Reason != "invalid_status" {
		t.Fatalf("invalid status must be rejected: %+v", res)
	}

	if res := s.RecordOutcome("pk_1", StatusActed, "implicit", "Edit", "tr_a", "", true); !res.OK {
		t.Fatalf("acted failed: %+v", res)
	}
	if res := s.RecordOutcome("pk_1", StatusBlocked, "implicit", "Edit", "tr_b", "", true); !res.OK {
		t.Fatalf("blocked failed: %+v", res)
	}
	if res := s.RecordOutcome("pk_1", StatusIgnored, "implicit", "Edit", "tr_c", "", true); !res.OK {
		t.Fatalf("ignored failed: %+v", res)
	}

	got, _ := s.GetPacket("pk_1")
	if got.ActedCount != 1 || got.BlockedCount != 1 || got.IgnoredCount != 1 {
		t.Fatalf("status counters wrong: %+v", got)
	}
	// count_effectiveness maps acted->helpful, blocked->unhelpful; ignored never counts.
	if got.HelpfulCount != 1 || got.UnhelpfulCount != 1 || got.FeedbackCount != 2 {
		t.Fatalf("effectiveness counters wrong: %+v", got)
	}
	if got.HelpfulCount+got.UnhelpfulCount > got.FeedbackCount {
		t.Fatalf("counter invariant violated: %+v", got)
	}
}

func TestEffectivenessPureAndMonotone(t *testing.T) {
	base := &Packet{HelpfulCount: 3, ActedCount: 2, UnhelpfulCount: 1}
	if EffectivenessScore(base) != EffectivenessScore(base) {
		t.Fatal("score must be deterministic")
	}
	better := *base
	better.HelpfulCount++
	if EffectivenessScore(&better) <= EffectivenessScore(base) {
		t.Fatal("more helpful must not lower the score")
	}
	worse := *base
	worse.HarmfulCount++
	if EffectivenessScore(&worse) >= EffectivenessScore(base) {
		t.Fatal("more harmful must not raise the score")
	}
	empty := &Packet{}
	if s := EffectivenessScore(empty); s < 0 || s > 1 {
		t.Fatalf("score out of range: %f", s)
	}
}

func TestHistoryDedupWindow(t *testing.T) {
	s, _ := testStore(t)
	p := testPacket("pk_1", "tr_T")
	ts := time.Now().UTC()
	p.TraceUsageHistory = []TraceEvent{
		{TraceID: "tr_T", Event: "feedback", TS: ts},
		{TraceID: "tr_T", Event: "feedback", TS: ts.Add(500 * time.Millisecond)}, // inside 2s window
		{TraceID: "tr_T", Event: "feedback", TS: ts.Add(5 * time.Second)},        // outside
		{TraceID: "tr_T", Event: "acted", TS: ts.Add(time.Second)},               // different event
	}
	if err := s.SavePacket(p); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ := s.GetPacket("pk_1")
	if len(got.TraceUsageHistory) != 3 {
		t.Fatalf("expected 3 history entries after dedup, got %d: %+v",
			len(got.TraceUsageHistory), got.TraceUsageHistory)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, _ := testStore(t)
	p := testPacket("pk_old", "tr_old")
	p.TTLHours = 1
	p.CreatedTS = time.Now().UTC().Add(-3 * time.Hour)
	p.UpdatedTS = p.CreatedTS
	if err := s.SavePacket(p); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.GetPacket("pk_old")
	if err != nil {
		t.Fatalf("GetPacket errored: %v", err)
	}
	if got != nil {
		t.Fatal("expired packet must read as not-found")
	}

	n, err := s.Sweep()
	if err != nil || n != 1 {
		t.Fatalf("sweep should remove one packet, got n=%d err=%v", n, err)
	}
	if _, err := os.Stat(s.packetPath("pk_old")); !os.IsNotExist(err) {
		t.Fatal("swept packet file must be gone")
	}
}

func TestConcurrentFeedbackNoLostIncrements(t *testing.T) {
	s, _ := testStore(t)
	if err := s.SavePacket(testPacket("pk_1", "tr_T")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordFeedback("pk_1", boolPtr(true), false, false, "explicit", "")
		}()
	}
	wg.Wait()

	got, _ := s.GetPacket("pk_1")
	if got.FeedbackCount != n || got.HelpfulCount != n {
		t.Fatalf("lost increments: feedback=%d helpful=%d want %d", got.FeedbackCount, got.HelpfulCount, n)
	}
}
