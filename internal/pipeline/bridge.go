package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/paths"
	"spark/internal/queue"
	"spark/internal/store"
	"spark/internal/types"
)

// Maintenance cadence, in cycles.
const (
	archiveEvery = 120
	retireEvery  = 60
	promoteEvery = 20
)

// Heartbeat is the liveness snapshot the bridge writes each cycle. The
// status CLI and the production gates read it.
type Heartbeat struct {
	TS              time.Time `json:"ts"`
	PID             int       `json:"pid"`
	Cycles          int64     `json:"cycles"`
	LastCycleMS     int64     `json:"last_cycle_ms"`
	EventsProcessed int64     `json:"events_processed"`
	QueueDepth      int64     `json:"queue_depth"`
	Degraded        bool      `json:"degraded"`
}

// Bridge is the background worker that drains the queue and feeds the
// learning stores. One Bridge per process; cycles are cooperative and
// single-threaded so detector state stays deterministic.
type Bridge struct {
	root      string
	mgr       *config.Manager
	store     *store.Store
	reader    *queue.Reader
	detectors []Detector
	distiller *Distiller
	gate      *MemoryGate
	episodes  *episodeTracker

	cycles    int64
	processed int64
	degraded  bool
}

// NewBridge wires the worker. A nil store puts the bridge in degraded
// mode: it heartbeats and leaves the queue untouched so no history is
// lost, but learns nothing until restart.
func NewBridge(root string, mgr *config.Manager, st *store.Store) *Bridge {
	b := &Bridge{
		root:      root,
		mgr:       mgr,
		store:     st,
		reader:    queue.NewReader(root),
		detectors: DefaultDetectors(),
		distiller: NewDistiller(),
		gate:      NewMemoryGate(mgr.Current().MemoryGate),
		episodes:  newEpisodeTracker(),
		degraded:  st == nil,
	}
	mgr.OnReload("memory_gate", func(t config.Tuneables) {
		b.gate.Reconfigure(t.MemoryGate)
	})
	return b
}

// Degraded reports whether the bridge is running without a store.
func (b *Bridge) Degraded() bool { return b.degraded }

// Run loops cycles until ctx is done.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logging.Bridge("bridge worker started (interval=%v, degraded=%v)", interval, b.degraded)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Bridge("bridge worker stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			if _, err := b.RunCycle(ctx); err != nil {
				logging.Get(logging.CategoryBridge).Error("cycle failed: %v", err)
			}
		}
	}
}

// RunCycle drains one batch, runs it through the detectors, distills, and
// routes candidates through the memory gate. Returns the number of events
// processed. The cursor only commits after the batch is fully processed.
func (b *Bridge) RunCycle(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		b.cycles++
		b.writeHeartbeat(time.Since(start))
	}()

	if b.degraded {
		return 0, nil
	}

	batch := b.mgr.Current().Queue.DrainBatch
	events, commit, err := b.reader.DrainNew(batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		b.maintenance()
		return 0, nil
	}

	for i := range events {
		if ctx.Err() != nil {
			// Commit only what we finished; the rest drains next cycle.
			return i, ctx.Err()
		}
		b.processEvent(ctx, &events[i])
	}
	if err := b.reader.Commit(commit); err != nil {
		return len(events), err
	}
	b.processed += int64(len(events))
	logging.Bridge("cycle %d processed %d events in %v", b.cycles, len(events), time.Since(start))

	b.maintenance()
	return len(events), nil
}

func (b *Bridge) processEvent(ctx context.Context, e *types.Event) {
	var cited []string
	for _, det := range b.detectors {
		for _, p := range det.ProcessEvent(e) {
			if key := b.admit(ctx, &p, e); key != "" {
				cited = append(cited, key)
			}
		}
	}
	if v, terminal := b.episodes.Observe(e, cited); terminal {
		logging.Bridge("episode closed for session %s: phase=%s reasons=%v",
			e.SessionID, v.Phase, v.Reasons)
	}
}

// admit routes one detected pattern: memory-gate score decides durable
// store vs short-lived cache. Returns the insight key when one was written.
func (b *Bridge) admit(ctx context.Context, p *types.DetectedPattern, e *types.Event) string {
	decision := b.gate.Evaluate(p)
	if !decision.Durable {
		logging.PipelineDebug("pattern %s cached for %v", p.PatternID, decision.TTL)
		return ""
	}

	var citedKey string
	if ins := b.distiller.InsightFrom(p); ins != nil {
		if err := b.store.UpsertInsight(ins); err != nil {
			logging.Get(logging.CategoryPipeline).Error("insight upsert failed: %v", err)
		} else {
			citedKey = ins.InsightKey
			if p.Outcome == "pass" {
				_ = b.store.RecordValidation(ins.InsightKey, "pass", e.TraceID)
			}
			b.indexVector(ctx, ins.InsightKey, "cognitive", ins.Text)
		}
	}
	if dist := b.distiller.Distill(p); dist != nil {
		if err := b.store.UpsertDistillation(dist); err != nil {
			logging.Get(logging.CategoryPipeline).Error("distillation upsert failed: %v", err)
		} else {
			b.indexVector(ctx, dist.DistillationID, "eidos", dist.Statement)
		}
	}
	return citedKey
}

// indexVector adds durable content to the semantic index. Best-effort: a
// failed embed never blocks admission.
func (b *Bridge) indexVector(ctx context.Context, refKey, source, content string) {
	if !b.store.VectorSearchAvailable() {
		return
	}
	if err := b.store.IndexVector(ctx, refKey, source, content); err != nil {
		logging.PipelineDebug("vector index for %s failed: %v", refKey, err)
	}
}

// maintenance runs the slow housekeeping on a cycle cadence so no single
// cycle pays for all of it.
func (b *Bridge) maintenance() {
	if b.cycles%promoteEvery == promoteEvery-1 {
		if promoted, err := b.store.PromoteEligible(); err == nil && len(promoted) > 0 {
			logging.Bridge("promoted %d insights", len(promoted))
		}
	}
	if b.cycles%retireEvery == retireEvery-1 {
		_, _ = b.store.RetireStale()
	}
	if b.cycles%archiveEvery == archiveEvery-1 {
		days := b.mgr.Current().Queue.ArchiveAfterDays
		if days > 0 {
			if err := queue.Archive(b.root, time.Duration(days)*24*time.Hour); err != nil {
				logging.QueueDebug("archive failed: %v", err)
			}
		}
	}
}

func (b *Bridge) writeHeartbeat(elapsed time.Duration) {
	hb := Heartbeat{
		TS:              time.Now().UTC(),
		PID:             os.Getpid(),
		Cycles:          b.cycles,
		LastCycleMS:     elapsed.Milliseconds(),
		EventsProcessed: b.processed,
		QueueDepth:      b.reader.Depth(),
		Degraded:        b.degraded,
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	tmp := paths.Heartbeat(b.root) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, paths.Heartbeat(b.root))
}

// ReadHeartbeat loads the last heartbeat, nil when the bridge never ran.
func ReadHeartbeat(root string) *Heartbeat {
	data, err := os.ReadFile(paths.Heartbeat(root))
	if err != nil {
		return nil
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil
	}
	return &hb
}
