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

// Retirement policy: a distillation whose effectiveness stays below the
// floor across enough validations gets retired. POLICY entries are exempt;
// safety advice is never silently dropped.
const (
	retireEffectivenessFloor = 0.15
	retireValidationMin      = 5
)

// UpsertDistillation inserts or refreshes a distillation. ANTI_PATTERN
// entries must carry at least one anti-trigger so the retriever knows what
// context rules them out.
func (s *Store) UpsertDistillation(d *types.Distillation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(d.Statement) == "" {
		return fmt.Errorf("distillation statement required")
	}
	switch d.Type {
	case types.DistillHeuristic, types.DistillSharpEdge, types.DistillPolicy, types.DistillAntiPattern:
	default:
		return fmt.Errorf("unknown distillation type %q", d.Type)
	}
	if d.Type == types.DistillAntiPattern && len(d.AntiTriggers) == 0 {
		return fmt.Errorf("anti_pattern distillation requires at least one anti-trigger")
	}
	if d.DistillationID == "" {
		d.DistillationID = "ds_" + types.StableHash(string(d.Type), strings.ToLower(strings.TrimSpace(d.Statement)))
	}

	triggers, _ := json.Marshal(types.UniqueSorted(d.Triggers))
	antiTriggers, _ := json.Marshal(types.UniqueSorted(d.AntiTriggers))
	domains, _ := json.Marshal(types.UniqueSorted(d.Domains))

	_, err := s.db.Exec(`
		INSERT INTO eidos_distillations
			(distillation_id, type, statement, triggers, anti_triggers, domains, confidence, effectiveness, validation_count, retired, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, FALSE, CURRENT_TIMESTAMP)
		ON CONFLICT(distillation_id) DO UPDATE SET
			statement = excluded.statement,
			triggers = excluded.triggers,
			anti_triggers = excluded.anti_triggers,
			domains = excluded.domains,
			confidence = MAX(confidence, excluded.confidence),
			retired = FALSE,
			updated_at = CURRENT_TIMESTAMP`,
		d.DistillationID, string(d.Type), d.Statement, string(triggers), string(antiTriggers),
		string(domains), clamp01(d.Confidence), clamp01(d.Effectiveness))
	if err != nil {
		return fmt.Errorf("upsert distillation: %w", err)
	}
	logging.StoreDebug("upserted distillation %s (%s)", d.DistillationID, d.Type)
	return nil
}

// GetDistillation loads one distillation by ID.
func (s *Store) GetDistillation(id string) (*types.Distillation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT distillation_id, type, statement, triggers, anti_triggers, domains,
		       confidence, effectiveness, validation_count, retired, created_at, updated_at
		FROM eidos_distillations WHERE distillation_id = ?`, id)
	d, err := scanDistillation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// Strengthen records one outcome for a distillation. Positive outcomes move
// effectiveness up asymptotically; negative ones decay it. Either way the
// validation counter advances.
func (s *Store) Strengthen(id string, positive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stmt string
	if positive {
		stmt = `UPDATE eidos_distillations
			SET effectiveness = effectiveness + (1.0 - effectiveness) * 0.2,
			    validation_count = validation_count + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE distillation_id = ?`
	} else {
		stmt = `UPDATE eidos_distillations
			SET effectiveness = effectiveness * 0.8,
			    validation_count = validation_count + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE distillation_id = ?`
	}
	res, err := s.db.Exec(stmt, id)
	if err != nil {
		return fmt.Errorf("strengthen distillation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("distillation %s not found", id)
	}
	return nil
}

// RetireStale retires non-POLICY distillations whose effectiveness fell
// below the floor after enough validations. Returns the number retired.
func (s *Store) RetireStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE eidos_distillations
		SET retired = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE retired = FALSE
		  AND type != ?
		  AND effectiveness < ?
		  AND validation_count >= ?`,
		string(types.DistillPolicy), retireEffectivenessFloor, retireValidationMin)
	if err != nil {
		return 0, fmt.Errorf("retire distillations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("retired %d stale distillations", n)
	}
	return int(n), nil
}

// StructuralRetrieve returns live distillations whose triggers overlap the
// query terms and whose anti-triggers do not. POLICY entries matching on
// triggers are always included regardless of effectiveness.
func (s *Store) StructuralRetrieve(terms []string, limit int) ([]types.Distillation, error) {
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
		SELECT distillation_id, type, statement, triggers, anti_triggers, domains,
		       confidence, effectiveness, validation_count, retired, created_at, updated_at
		FROM eidos_distillations
		WHERE retired = FALSE
		ORDER BY effectiveness DESC, confidence DESC`)
	if err != nil {
		return nil, fmt.Errorf("query distillations: %w", err)
	}
	defer rows.Close()

	var out []types.Distillation
	for rows.Next() {
		d, err := scanDistillation(rows)
		if err != nil {
			continue
		}
		if matchesTriggers(d, want) {
			out = append(out, *d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func matchesTriggers(d *types.Distillation, want map[string]bool) bool {
	for _, anti := range d.AntiTriggers {
		if want[anti] {
			return false
		}
	}
	for _, trig := range d.Triggers {
		if want[trig] {
			return true
		}
	}
	return false
}

func scanDistillation(r rowScanner) (*types.Distillation, error) {
	var d types.Distillation
	var typ, triggers, domains string
	var antiTriggers sql.NullString
	var createdAt, updatedAt time.Time
	if err := r.Scan(&d.DistillationID, &typ, &d.Statement, &triggers, &antiTriggers, &domains,
		&d.Confidence, &d.Effectiveness, &d.ValidationCount, &d.Retired, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Type = types.DistillationType(typ)
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt
	_ = json.Unmarshal([]byte(triggers), &d.Triggers)
	if antiTriggers.Valid {
		_ = json.Unmarshal([]byte(antiTriggers.String), &d.AntiTriggers)
	}
	_ = json.Unmarshal([]byte(domains), &d.Domains)
	return &d, nil
}
