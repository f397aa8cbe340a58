package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"spark/internal/logging"
	"spark/internal/types"
)

// Promotion thresholds. An insight becomes promoted once enough independent
// validations agree; promotion is one-way.
const (
	promoteReliabilityMin = 0.70
	promoteValidationMin  = 3
)

// UpsertInsight inserts a new insight or refreshes the triggers/text of an
// existing one. Reliability and validation counters are never overwritten
// here; they only move through RecordValidation.
func (s *Store) UpsertInsight(ins *types.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ins.InsightKey == "" {
		ins.InsightKey = ins.Key()
	}
	if strings.TrimSpace(ins.Text) == "" {
		return fmt.Errorf("insight text required")
	}
	triggers, err := json.Marshal(types.UniqueSorted(ins.Triggers))
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cognitive_insights (insight_key, category, text, triggers, reliability, validation_count, promoted)
		VALUES (?, ?, ?, ?, ?, 0, FALSE)
		ON CONFLICT(insight_key) DO UPDATE SET
			text = excluded.text,
			triggers = excluded.triggers`,
		ins.InsightKey, string(ins.Category), ins.Text, string(triggers), clamp01(ins.Reliability))
	if err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}
	logging.StoreDebug("upserted insight %s (%s)", ins.InsightKey, ins.Category)
	return nil
}

// GetInsight loads one insight by key.
func (s *Store) GetInsight(key string) (*types.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT insight_key, category, text, triggers, reliability, validation_count, promoted, created_at
		FROM cognitive_insights WHERE insight_key = ?`, key)
	ins, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ins, err
}

// FindByTriggers returns insights whose trigger terms overlap the query
// terms, most reliable first. The table stays small (hundreds of rows), so
// matching happens in process rather than in SQL.
func (s *Store) FindByTriggers(terms []string, limit int) ([]types.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	want := make(map[string]bool, len(terms))
	for _, t := range terms {
		want[t] = true
	}

	rows, err := s.db.Query(`
		SELECT insight_key, category, text, triggers, reliability, validation_count, promoted, created_at
		FROM cognitive_insights
		ORDER BY reliability DESC, validation_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	var out []types.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			continue
		}
		for _, trig := range ins.Triggers {
			if want[trig] {
				out = append(out, *ins)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// RecordValidation logs one validation outcome ("pass" or "fail") and, on
// pass, moves reliability monotonically toward 1. Failures are recorded for
// the audit trail but never lower reliability; demotion is not a thing.
func (s *Store) RecordValidation(key, outcome, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO insight_validations (insight_key, outcome, trace_id)
		VALUES (?, ?, ?)`, key, outcome, traceID); err != nil {
		return fmt.Errorf("record validation: %w", err)
	}

	if outcome == "pass" {
		// reliability += (1 - reliability) * 0.2: asymptotic, never past 1.
		if _, err := tx.Exec(`
			UPDATE cognitive_insights
			SET reliability = reliability + (1.0 - reliability) * 0.2,
			    validation_count = validation_count + 1
			WHERE insight_key = ?`, key); err != nil {
			return fmt.Errorf("bump reliability: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE cognitive_insights
			SET validation_count = validation_count + 1
			WHERE insight_key = ?`, key); err != nil {
			return fmt.Errorf("bump validation count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.StoreDebug("validation %s for insight %s (trace %s)", outcome, key, traceID)
	return nil
}

// PromoteEligible marks insights past the promotion thresholds and returns
// the newly promoted rows so the caller can surface them to collaborators.
func (s *Store) PromoteEligible() ([]types.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT insight_key, category, text, triggers, reliability, validation_count, promoted, created_at
		FROM cognitive_insights
		WHERE promoted = FALSE AND reliability >= ? AND validation_count >= ?`,
		promoteReliabilityMin, promoteValidationMin)
	if err != nil {
		return nil, fmt.Errorf("query promotable: %w", err)
	}
	var eligible []types.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			continue
		}
		eligible = append(eligible, *ins)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range eligible {
		if _, err := s.db.Exec(`UPDATE cognitive_insights SET promoted = TRUE WHERE insight_key = ?`,
			eligible[i].InsightKey); err != nil {
			return eligible[:i], fmt.Errorf("promote %s: %w", eligible[i].InsightKey, err)
		}
		eligible[i].Promoted = true
		logging.Store("promoted insight %s (reliability=%.2f, validations=%d)",
			eligible[i].InsightKey, eligible[i].Reliability, eligible[i].ValidationCount)
	}
	return eligible, nil
}

// ListPromoted returns promoted insights, most reliable first. Used by
// the context exporters.
func (s *Store) ListPromoted(limit int) ([]types.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT insight_key, category, text, triggers, reliability, validation_count, promoted, created_at
		FROM cognitive_insights
		WHERE promoted = TRUE
		ORDER BY reliability DESC, validation_count DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query promoted: %w", err)
	}
	defer rows.Close()

	var out []types.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			continue
		}
		out = append(out, *ins)
	}
	return out, rows.Err()
}

// ByCategory returns insight counts per category for the scorecard.
func (s *Store) ByCategory() (map[types.InsightCategory]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT category, COUNT(*) FROM cognitive_insights GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.InsightCategory]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			continue
		}
		out[types.InsightCategory(cat)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInsight(r rowScanner) (*types.Insight, error) {
	var ins types.Insight
	var cat, triggers string
	var createdAt time.Time
	if err := r.Scan(&ins.InsightKey, &cat, &ins.Text, &triggers,
		&ins.Reliability, &ins.ValidationCount, &ins.Promoted, &createdAt); err != nil {
		return nil, err
	}
	ins.Category = types.InsightCategory(cat)
	ins.CreatedAt = createdAt
	_ = json.Unmarshal([]byte(triggers), &ins.Triggers)
	return &ins, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
