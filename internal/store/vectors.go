package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"spark/internal/embedding"
	"spark/internal/logging"
)

// SemanticHit is one vector-recall result.
type SemanticHit struct {
	RefKey     string  `json:"ref_key"`
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// IndexVector embeds content and stores it under a stable reference key.
// Re-indexing the same key replaces the previous vector. No-op with an
// error when no embedding engine is configured.
func (s *Store) IndexVector(ctx context.Context, refKey, source, content string) error {
	s.mu.RLock()
	engine := s.embeddingEngine
	s.mu.RUnlock()
	if engine == nil {
		return fmt.Errorf("no embedding engine configured")
	}

	vec, err := engine.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed %s: %w", refKey, err)
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO semantic_vectors (ref_key, source, content, embedding)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ref_key) DO UPDATE SET
			source = excluded.source,
			content = excluded.content,
			embedding = excluded.embedding`,
		refKey, source, content, string(data))
	if err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	logging.StoreDebug("indexed vector %s (source=%s, dim=%d)", refKey, source, len(vec))
	return nil
}

// RecallSemantic embeds the query and returns the top-K most similar
// indexed entries above minSimilarity. Vectors are compared in process;
// the table is small enough that a full scan beats maintaining an ANN
// index, and the vec0 path stays optional.
func (s *Store) RecallSemantic(ctx context.Context, query string, k int, minSimilarity float64) ([]SemanticHit, error) {
	s.mu.RLock()
	engine := s.embeddingEngine
	s.mu.RUnlock()
	if engine == nil {
		return nil, fmt.Errorf("no embedding engine configured")
	}
	if k <= 0 {
		k = 10
	}

	timer := logging.StartTimer(logging.CategoryStore, "RecallSemantic")
	defer timer.Stop()

	queryVec, err := engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT ref_key, source, content, embedding FROM semantic_vectors WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var hits []SemanticHit
	skipped := 0
	for rows.Next() {
		var refKey, source, content, embJSON string
		if err := rows.Scan(&refKey, &source, &content, &embJSON); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			skipped++
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			skipped++
			continue
		}
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, SemanticHit{RefKey: refKey, Source: source, Content: content, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return hits, err
	}
	if skipped > 0 {
		logging.StoreDebug("RecallSemantic skipped %d rows (dimension mismatch or corrupt embedding)", skipped)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteVector removes one indexed entry.
func (s *Store) DeleteVector(refKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM semantic_vectors WHERE ref_key = ?`, refKey)
	return err
}

// VectorSearchAvailable reports whether semantic recall can run: an engine
// is configured. The sqlite-vec extension accelerates it when present but
// is not required.
func (s *Store) VectorSearchAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddingEngine != nil
}
