package retrieval

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"spark/internal/config"
	"spark/internal/feedback"
	"spark/internal/logging"
	"spark/internal/packets"
	"spark/internal/paths"
	"spark/internal/rerank"
	"spark/internal/types"
)

const maxAdviceLineLen = 240

// TurnRequest is one PreToolUse advisory request from the host.
type TurnRequest struct {
	ToolName  string
	ToolInput map[string]any
	UserText  string
	SessionID string
	TraceID   string
	CWD       string
}

// TurnResult is the terminal outcome of one advisory turn.
type TurnResult struct {
	Decision  string // emit | no_emit
	ErrorCode string
	PacketID  string
	Advice    []types.Advice
	Lines     []string
}

// Engine runs the advisory turn state machine:
// RETRIEVE -> SCORE -> RERANK? -> GATE -> EMIT|NO_EMIT. Turns are
// terminal; a failed stage degrades to no_emit rather than retrying.
type Engine struct {
	root    string
	sources []Source
	packets *packets.Store
	eff     *feedback.Effectiveness

	mu       sync.RWMutex
	cfg      config.Tuneables
	reranker *rerank.Reranker
}

// NewEngine wires the turn engine. Reranker may be nil (stage skipped);
// an empty source list makes every turn degrade.
func NewEngine(root string, cfg config.Tuneables, sources []Source, pk *packets.Store, eff *feedback.Effectiveness) *Engine {
	return &Engine{
		root:     root,
		sources:  sources,
		packets:  pk,
		eff:      eff,
		cfg:      cfg,
		reranker: rerank.New(cfg.Rerank),
	}
}

// Reconfigure swaps the config snapshot on hot reload.
func (e *Engine) Reconfigure(t config.Tuneables) {
	e.mu.Lock()
	e.cfg = t
	e.reranker = rerank.New(t.Rerank)
	e.mu.Unlock()
}

// Advise runs one turn. It always writes a turn record and a packet,
// even on no_emit, so every decision is traceable afterwards.
func (e *Engine) Advise(ctx context.Context, req TurnRequest) *TurnResult {
	e.mu.RLock()
	cfg := e.cfg
	reranker := e.reranker
	e.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryRetrieve, "advisory turn")
	defer timer.Stop()

	traceID := req.TraceID
	if traceID == "" {
		traceID = "tr_" + uuid.NewString()
	}
	q := BuildQuery(req.ToolName, req.ToolInput, req.UserText, req.SessionID, traceID, req.CWD)

	switch {
	case !cfg.Gate.EmitEnabled:
		return e.finish(q, nil, CodeEmitDisabled)
	case len(e.sources) == 0:
		return e.finish(q, nil, CodeDegraded)
	}

	// RETRIEVE
	candidates := FanOut(ctx, cfg.Retrieval, e.sources, q)
	if len(candidates) == 0 {
		return e.finish(q, nil, CodeNoCandidates)
	}

	// SCORE
	rows := NewScorer(cfg.Retrieval, e.eff).Score(q, candidates)

	// RERANK (optional, silent fallback)
	if reranker != nil {
		rctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Rerank.TimeoutMS)*time.Millisecond)
		rows, _ = reranker.Rerank(rctx, q.Text, rows)
		cancel()
	}

	// GATE
	gate := NewGate(cfg.Gate.Profile(), e.loadRecent())
	result := gate.Apply(rows)
	if result.ErrorCode != "" {
		return e.finish(q, nil, result.ErrorCode)
	}

	// EMIT
	return e.finish(q, result.Passed, "")
}

// finish persists the turn outcome: packet, turn record, and on emit the
// advisory log rows plus the repetition-penalty history.
func (e *Engine) finish(q Query, passed []types.Advice, errorCode string) *TurnResult {
	decision := "emit"
	if errorCode != "" {
		decision = "no_emit"
	}

	e.mu.RLock()
	ttlHours := e.cfg.Packets.TTLHours
	e.mu.RUnlock()

	packetID := "pk_" + uuid.NewString()
	if e.packets != nil {
		now := time.Now().UTC()
		p := &packets.Packet{
			PacketID:     packetID,
			TraceID:      q.TraceID,
			ToolName:     q.ToolName,
			IntentFamily: q.Intent,
			AdviceItems:  passed,
			ErrorCode:    errorCode,
			CreatedTS:    now,
			UpdatedTS:    now,
			TTLHours:     ttlHours,
		}
		if err := e.packets.SavePacket(p); err != nil {
			logging.Packets("turn packet save failed: %v", err)
		}
	}

	if err := feedback.AppendTurn(e.root, feedback.TurnRecord{
		TS:        time.Now().UTC(),
		TraceID:   q.TraceID,
		ToolName:  q.ToolName,
		Decision:  decision,
		ErrorCode: errorCode,
		Emitted:   len(passed),
	}); err != nil {
		logging.Retrieve("turn record append failed: %v", err)
	}

	res := &TurnResult{Decision: decision, ErrorCode: errorCode, PacketID: packetID, Advice: passed}
	if decision == "no_emit" {
		logging.Retrieve("turn %s for %s: no_emit (%s)", q.TraceID, q.ToolName, errorCode)
		return res
	}

	now := time.Now().UTC()
	for _, a := range passed {
		if err := feedback.AppendEmitted(e.root, feedback.EmittedAdvisory{
			AdviceID:  a.AdviceID,
			PacketID:  packetID,
			Text:      a.Text,
			Source:    a.Source,
			ToolName:  q.ToolName,
			SessionID: q.SessionID,
			TraceID:   q.TraceID,
			TS:        now,
		}); err != nil {
			logging.Retrieve("advice log append failed: %v", err)
		}
		e.appendRecent(recentAdvisory{Text: a.Text, TS: now})
		res.Lines = append(res.Lines, formatLine(a))
	}
	logging.Retrieve("turn %s for %s: emitted %d advisories", q.TraceID, q.ToolName, len(passed))
	return res
}

// formatLine renders one emitted advisory, capped for host display.
func formatLine(a types.Advice) string {
	line := "[" + string(a.Source) + "] " + a.Text
	if len(line) > maxAdviceLineLen {
		cut := maxAdviceLineLen - 3
		for cut > 0 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		line = line[:cut] + "..."
	}
	return line
}

func (e *Engine) recentPath() string {
	return filepath.Join(paths.Advisor(e.root), paths.RecentFile)
}

func (e *Engine) loadRecent() []recentAdvisory {
	var out []recentAdvisory
	_ = readJSONLLocal(e.recentPath(), func(r recentAdvisory) { out = append(out, r) })
	return out
}

func (e *Engine) appendRecent(r recentAdvisory) {
	if err := appendJSONLLocal(e.recentPath(), r); err != nil {
		logging.Retrieve("recent advice append failed: %v", err)
	}
}
