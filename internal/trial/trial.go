// Package trial runs a time-boxed production evaluation: start a trial,
// snapshot the KPI scorecard and gate verdict while it runs, close it
// with a summary. All state lives under trials/ in the workspace.
package trial

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"spark/internal/config"
	"spark/internal/feedback"
	"spark/internal/logging"
	"spark/internal/paths"
)

// State is the active trial descriptor, stored at trials/current.json.
type State struct {
	TrialID   string    `json:"trial_id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is one KPI observation during a trial.
type Snapshot struct {
	TakenAt   time.Time           `json:"taken_at"`
	Scorecard *feedback.Scorecard `json:"scorecard"`
	Gates     feedback.GateReport `json:"gates"`
}

// Summary is the terminal trial record.
type Summary struct {
	State
	ClosedAt  time.Time `json:"closed_at"`
	Snapshots int       `json:"snapshots"`
	Final     Snapshot  `json:"final"`
}

// Manager orchestrates trials over one workspace.
type Manager struct {
	root string
	cfg  config.Tuneables
}

// NewManager creates a trial manager.
func NewManager(root string, cfg config.Tuneables) *Manager {
	return &Manager{root: root, cfg: cfg}
}

func (m *Manager) trialsDir() string       { return filepath.Join(m.root, paths.TrialsDir) }
func (m *Manager) currentPath() string     { return filepath.Join(m.trialsDir(), "current.json") }
func (m *Manager) dirFor(id string) string { return filepath.Join(m.trialsDir(), id) }

// Current returns the active trial, or nil when none is running.
func (m *Manager) Current() (*State, error) {
	data, err := os.ReadFile(m.currentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("trial state corrupt: %w", err)
	}
	return &s, nil
}

// Start begins a new trial. Fails when one is already running.
func (m *Manager) Start(name string) (*State, error) {
	if cur, err := m.Current(); err != nil {
		return nil, err
	} else if cur != nil {
		return nil, fmt.Errorf("trial %s already running since %s", cur.TrialID, cur.StartedAt.Format(time.RFC3339))
	}

	s := State{
		TrialID:   "trial_" + uuid.NewString()[:8],
		Name:      name,
		StartedAt: time.Now().UTC(),
	}
	if err := os.MkdirAll(m.dirFor(s.TrialID), 0755); err != nil {
		return nil, err
	}
	if err := writeJSON(m.currentPath(), s); err != nil {
		return nil, err
	}
	logging.Trial("started %s (%s)", s.TrialID, name)
	return &s, nil
}

// Snapshot records one observation for the active trial and returns it.
func (m *Manager) Snapshot() (*Snapshot, error) {
	cur, err := m.Current()
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("no trial running")
	}

	snap, err := m.observe(cur)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.dirFor(cur.TrialID), "snapshots.jsonl")
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, err
	}
	logging.Trial("%s snapshot: ready=%v, %d advisories", cur.TrialID, snap.Gates.Ready, snap.Scorecard.Advisories)
	return snap, nil
}

// Close ends the active trial, writing the summary with a final
// observation.
func (m *Manager) Close() (*Summary, error) {
	cur, err := m.Current()
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("no trial running")
	}

	final, err := m.observe(cur)
	if err != nil {
		return nil, err
	}

	count := 0
	snapPath := filepath.Join(m.dirFor(cur.TrialID), "snapshots.jsonl")
	if data, err := os.ReadFile(snapPath); err == nil {
		for _, b := range data {
			if b == '\n' {
				count++
			}
		}
	}

	sum := Summary{State: *cur, ClosedAt: time.Now().UTC(), Snapshots: count, Final: *final}
	if err := writeJSON(filepath.Join(m.dirFor(cur.TrialID), "summary.json"), sum); err != nil {
		return nil, err
	}
	if err := os.Remove(m.currentPath()); err != nil {
		return nil, err
	}
	logging.Trial("closed %s after %d snapshots, ready=%v", cur.TrialID, count, final.Gates.Ready)
	return &sum, nil
}

// observe builds a scorecard over the trial window and evaluates gates.
func (m *Manager) observe(cur *State) (*Snapshot, error) {
	window := time.Since(cur.StartedAt)
	matcher := feedback.NewMatcher(m.root, m.cfg.Feedback)
	sc, err := feedback.BuildScorecard(m.root, window, matcher)
	if err != nil {
		return nil, err
	}
	metrics := feedback.MetricsFromScorecard(sc, m.cfg.Feedback, m.cfg.Production.RequireTraceBinding, 0, 0)
	report := feedback.EvaluateGates(metrics, m.cfg.Production)
	return &Snapshot{TakenAt: time.Now().UTC(), Scorecard: sc, Gates: report}, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
