// Package retrieval runs one advisory turn: fan out over the knowledge
// sources, score candidates with hybrid lexical/semantic fusion, optionally
// rerank via LLM, gate, and emit. A turn is terminal; there are no retries.
package retrieval

import (
	"sort"
	"strings"

	"spark/internal/pipeline"
	"spark/internal/types"
)

// Query is the per-turn retrieval context.
type Query struct {
	ToolName  string
	SessionID string
	TraceID   string
	CWD       string
	Text      string
	Terms     []string
	Intent    string
}

// BuildQuery assembles the query context from the tool call and recent
// user text. Tool input values contribute terms; nested structures are
// flattened one level deep.
func BuildQuery(toolName string, toolInput map[string]any, userText, sessionID, traceID, cwd string) Query {
	var sb strings.Builder
	sb.WriteString(toolName)
	sb.WriteByte(' ')
	for _, k := range sortedKeys(toolInput) {
		sb.WriteString(k)
		sb.WriteByte(' ')
		appendValue(&sb, toolInput[k])
	}
	sb.WriteString(userText)

	text := sb.String()
	return Query{
		ToolName:  toolName,
		SessionID: sessionID,
		TraceID:   traceID,
		CWD:       cwd,
		Text:      text,
		Terms:     types.UniqueSorted(types.Tokenize(text)),
		Intent:    pipeline.IntentFamily(userText),
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendValue(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case string:
		sb.WriteString(t)
		sb.WriteByte(' ')
	case []any:
		for _, e := range t {
			appendValue(sb, e)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			if s, ok := t[k].(string); ok {
				sb.WriteString(s)
				sb.WriteByte(' ')
			}
		}
	}
}
