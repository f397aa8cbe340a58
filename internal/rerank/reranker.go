package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/types"
)

// Reranker asks an LLM to reorder ranked candidates. Strictly optional:
// every failure path falls back to the incoming order.
type Reranker struct {
	client        LLMClient
	minCandidates int
}

// New builds a reranker from config. Returns nil when the stage is
// disabled or no usable client could be resolved.
func New(cfg config.RerankConfig) *Reranker {
	if !cfg.Enabled {
		return nil
	}
	client := NewClient(cfg.Provider, cfg.Model, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	if client == nil {
		return nil
	}
	minC := cfg.MinCandidates
	if minC <= 0 {
		minC = 4
	}
	logging.Rerank("reranker enabled with %s (min_candidates=%d)", client.Name(), minC)
	return &Reranker{client: client, minCandidates: minC}
}

// NewWithClient wires an explicit client. Used by tests.
func NewWithClient(client LLMClient, minCandidates int) *Reranker {
	if client == nil {
		return nil
	}
	if minCandidates <= 0 {
		minCandidates = 4
	}
	return &Reranker{client: client, minCandidates: minCandidates}
}

// Rerank reorders candidates by asking the model for a JSON array of
// advice IDs. Returns the (possibly reordered) rows and whether the
// rerank actually applied. Malformed responses and unknown IDs never
// fail the turn: a bad answer leaves the scoring order intact.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []types.Advice) ([]types.Advice, bool) {
	if r == nil || len(candidates) < r.minCandidates {
		return candidates, false
	}

	timer := logging.StartTimer(logging.CategoryRerank, "Rerank")
	defer timer.Stop()

	raw, err := r.client.Complete(ctx, buildPrompt(query, candidates))
	if err != nil {
		logging.Rerank("rerank call failed, keeping scoring order: %v", err)
		return candidates, false
	}

	ids, ok := parseIDArray(raw)
	if !ok {
		logging.Rerank("rerank response malformed, keeping scoring order")
		return candidates, false
	}

	byID := make(map[string]int, len(candidates))
	for i, c := range candidates {
		byID[c.AdviceID] = i
	}

	// IDs outside the candidate set are ignored. Candidates the model did
	// not mention keep their relative order at the tail.
	used := make([]bool, len(candidates))
	out := make([]types.Advice, 0, len(candidates))
	for _, id := range ids {
		idx, ok := byID[id]
		if !ok || used[idx] {
			continue
		}
		row := candidates[idx]
		row.LLMReranked = true
		out = append(out, row)
		used[idx] = true
	}
	if len(out) == 0 {
		return candidates, false
	}
	for i, c := range candidates {
		if !used[i] {
			out = append(out, c)
		}
	}
	logging.Rerank("reranked %d/%d candidates via %s", countReranked(out), len(out), r.client.Name())
	return out, true
}

func buildPrompt(query string, candidates []types.Advice) string {
	var b strings.Builder
	b.WriteString("You rank advisory notes for a coding agent. Context:\n")
	b.WriteString(query)
	b.WriteString("\n\nCandidates:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s text=%q\n", c.AdviceID, c.Text)
	}
	b.WriteString("\nReply with ONLY a JSON array of the candidate ids, most relevant first.")
	return b.String()
}

// parseIDArray extracts the first JSON array of strings from the model
// output, tolerating surrounding prose and code fences.
func parseIDArray(raw string) ([]string, bool) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ids); err != nil {
		return nil, false
	}
	if len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

func countReranked(rows []types.Advice) int {
	n := 0
	for _, r := range rows {
		if r.LLMReranked {
			n++
		}
	}
	return n
}
