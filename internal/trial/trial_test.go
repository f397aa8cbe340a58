package trial

import (
	"os"
	"path/filepath"
	"testing"

	"spark/internal/config"
	"spark/internal/paths"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	if err := paths.EnsureLayout(root); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	return NewManager(root, config.Defaults()), root
}

func TestTrialLifecycle(t *testing.T) {
	m, root := testManager(t)

	if cur, err := m.Current(); err != nil || cur != nil {
		t.Fatalf("fresh workspace must have no trial: %+v, %v", cur, err)
	}

	s, err := m.Start("pilot")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Start("second"); err == nil {
		t.Fatal("starting over a running trial must fail")
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Scorecard == nil {
		t.Fatal("snapshot must carry a scorecard")
	}

	sum, err := m.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sum.TrialID != s.TrialID || sum.Snapshots != 1 {
		t.Fatalf("summary wrong: %+v", sum)
	}

	if _, err := os.Stat(filepath.Join(root, paths.TrialsDir, s.TrialID, "summary.json")); err != nil {
		t.Fatalf("summary file missing: %v", err)
	}
	if cur, _ := m.Current(); cur != nil {
		t.Fatal("closed trial must clear current state")
	}
	if _, err := m.Snapshot(); err == nil {
		t.Fatal("snapshot without a trial must fail")
	}
}
