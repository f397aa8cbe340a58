package packets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/paths"
)

// Result is the caller-facing outcome of a feedback/outcome call.
// Contract violations surface here as {ok:false, reason}; they are never
// raised into the host.
type Result struct {
	OK              bool   `json:"ok"`
	Reason          string `json:"reason,omitempty"`
	MatchedAdviceID string `json:"matched_advice_id,omitempty"`
}

// indexEntry is one row of advice_packets/index.json.
type indexEntry struct {
	PacketID      string    `json:"packet_id"`
	TraceID       string    `json:"trace_id"`
	Tool          string    `json:"tool"`
	UpdatedTS     time.Time `json:"updated_ts"`
	Effectiveness float64   `json:"effectiveness_score"`
	AdviceIDs     []string  `json:"advice_ids,omitempty"`
}

type indexFile struct {
	Entries []indexEntry `json:"entries"`
}

// Store persists packets as one JSON file each plus a rewritten index.
// The index mutex guards index rewrites; per-packet locks serialize
// counter updates so concurrent feedback never loses increments.
type Store struct {
	root string

	cfgMu sync.RWMutex
	cfg   config.PacketsConfig

	indexMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a packet store rooted at the workspace.
func NewStore(root string, cfg config.PacketsConfig) *Store {
	return &Store{root: root, cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

// Reconfigure swaps TTL/history settings on a tuneables reload.
func (s *Store) Reconfigure(cfg config.PacketsConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Store) config() config.PacketsConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Store) packetLock(packetID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[packetID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[packetID] = l
	}
	return l
}

func (s *Store) packetPath(packetID string) string {
	return filepath.Join(paths.Packets(s.root), packetID+".json")
}

// SavePacket normalizes and writes one packet, then refreshes the index.
// Saving the same packet twice produces identical on-disk bytes.
func (s *Store) SavePacket(p *Packet) error {
	cfg := s.config()
	if p.PacketID == "" {
		return fmt.Errorf("packet_id required")
	}
	if p.TTLHours <= 0 {
		p.TTLHours = cfg.TTLHours
	}
	normalize(p, cfg.TraceHistoryMax, time.Duration(cfg.HistoryDedupWindowMS)*time.Millisecond)

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if err := os.MkdirAll(paths.Packets(s.root), 0755); err != nil {
		return fmt.Errorf("create packets dir: %w", err)
	}
	tmp := s.packetPath(p.PacketID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	if err := os.Rename(tmp, s.packetPath(p.PacketID)); err != nil {
		return fmt.Errorf("rename packet: %w", err)
	}
	if err := s.updateIndex(p); err != nil {
		return err
	}
	logging.PacketsDebug("saved packet %s (trace=%s, advice=%d)", p.PacketID, p.TraceID, len(p.AdviceItems))
	return nil
}

// GetPacket loads one packet. Expired or missing packets return nil.
func (s *Store) GetPacket(packetID string) (*Packet, error) {
	p, err := s.load(packetID)
	if err != nil || p == nil {
		return nil, err
	}
	if p.Expired(time.Now()) {
		return nil, nil
	}
	return p, nil
}

func (s *Store) load(packetID string) (*Packet, error) {
	data, err := os.ReadFile(s.packetPath(packetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		// Corrupt packet: report and treat as missing.
		logging.Get(logging.CategoryPackets).Error("packet %s corrupt: %v", packetID, err)
		return nil, nil
	}
	return &p, nil
}

// FindByTrace returns the newest live packet bound to a trace ID.
func (s *Store) FindByTrace(traceID string) (*Packet, error) {
	entries := s.snapshotIndex()
	for _, e := range entries {
		if e.TraceID == traceID {
			if p, err := s.GetPacket(e.PacketID); err == nil && p != nil {
				return p, nil
			}
		}
	}
	return nil, nil
}

// FindByAdvice returns the newest live packet containing an advice ID.
func (s *Store) FindByAdvice(adviceID string) (*Packet, error) {
	entries := s.snapshotIndex()
	for _, e := range entries {
		for _, id := range e.AdviceIDs {
			if id == adviceID {
				if p, err := s.GetPacket(e.PacketID); err == nil && p != nil && p.HasAdvice(adviceID) {
					return p, nil
				}
			}
		}
	}
	return nil, nil
}

// RecordFeedback applies one explicit feedback signal to a packet.
// helpful may be nil (feedback without a helpfulness verdict).
func (s *Store) RecordFeedback(packetID string, helpful *bool, noisy, followed bool, source, traceID string) Result {
	lock := s.packetLock(packetID)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.load(packetID)
	if err != nil || p == nil {
		return Result{OK: false, Reason: "packet_not_found"}
	}

	p.FeedbackCount++
	if helpful != nil {
		if *helpful {
			p.HelpfulCount++
		} else {
			p.UnhelpfulCount++
		}
	}
	if noisy {
		p.NoisyCount++
	}
	if followed {
		p.ActedCount++
	}
	s.appendHistory(p, traceID, "feedback", source, "")
	p.UpdatedTS = time.Now().UTC()
	if err := s.SavePacket(p); err != nil {
		return Result{OK: false, Reason: "save_failed"}
	}
	logging.Packets("feedback on %s (helpful=%v noisy=%v followed=%v trace=%s)", packetID, helpful, noisy, followed, traceID)
	return Result{OK: true}
}

// RecordOutcome applies one outcome status to a packet. When
// countEffectiveness is set, acted also counts helpful and
// blocked/harmful count unhelpful.
func (s *Store) RecordOutcome(packetID, status, source, toolName, traceID, notes string, countEffectiveness bool) Result {
	switch status {
	case StatusActed, StatusBlocked, StatusHarmful, StatusIgnored:
	default:
		return Result{OK: false, Reason: "invalid_status"}
	}

	lock := s.packetLock(packetID)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.load(packetID)
	if err != nil || p == nil {
		return Result{OK: false, Reason: "packet_not_found"}
	}

	switch status {
	case StatusActed:
		p.ActedCount++
		if countEffectiveness {
			p.HelpfulCount++
			p.FeedbackCount++
		}
	case StatusBlocked:
		p.BlockedCount++
		if countEffectiveness {
			p.UnhelpfulCount++
			p.FeedbackCount++
		}
	case StatusHarmful:
		p.HarmfulCount++
		if countEffectiveness {
			p.UnhelpfulCount++
			p.FeedbackCount++
		}
	case StatusIgnored:
		p.IgnoredCount++
	}
	if toolName != "" && p.ToolName == "" {
		p.ToolName = toolName
	}
	s.appendHistory(p, traceID, status, source, notes)
	p.UpdatedTS = time.Now().UTC()
	if err := s.SavePacket(p); err != nil {
		return Result{OK: false, Reason: "save_failed"}
	}
	logging.Packets("outcome %s on %s (trace=%s)", status, packetID, traceID)
	return Result{OK: true}
}

// RecordFeedbackForAdvice locates the newest packet containing the advice
// and delegates to RecordFeedback.
func (s *Store) RecordFeedbackForAdvice(adviceID string, helpful *bool, noisy, followed bool, source, traceID string) Result {
	if adviceID == "" {
		return Result{OK: false, Reason: "missing_advice_id"}
	}
	p, err := s.FindByAdvice(adviceID)
	if err != nil || p == nil {
		return Result{OK: false, Reason: "advice_not_found"}
	}
	res := s.RecordFeedback(p.PacketID, helpful, noisy, followed, source, traceID)
	if res.OK {
		res.MatchedAdviceID = adviceID
	}
	return res
}

// RecordOutcomeForAdvice locates the newest packet containing the advice
// and delegates to RecordOutcome.
func (s *Store) RecordOutcomeForAdvice(adviceID, status, source, toolName, traceID, notes string, countEffectiveness bool) Result {
	if adviceID == "" {
		return Result{OK: false, Reason: "missing_advice_id"}
	}
	p, err := s.FindByAdvice(adviceID)
	if err != nil || p == nil {
		return Result{OK: false, Reason: "advice_not_found"}
	}
	res := s.RecordOutcome(p.PacketID, status, source, toolName, traceID, notes, countEffectiveness)
	if res.OK {
		res.MatchedAdviceID = adviceID
	}
	return res
}

func (s *Store) appendHistory(p *Packet, traceID, event, source, notes string) {
	if traceID == "" {
		return
	}
	p.TraceUsageHistory = append(p.TraceUsageHistory, TraceEvent{
		TraceID: traceID,
		Event:   event,
		TS:      time.Now().UTC(),
		Source:  source,
		Notes:   notes,
	})
}

// Sweep removes expired packets and their index rows. Returns the number
// removed. Readers are safe: they snapshot the index and re-check file
// existence on load.
func (s *Store) Sweep() (int, error) {
	now := time.Now()
	entries := s.snapshotIndex()
	removed := 0
	for _, e := range entries {
		p, err := s.load(e.PacketID)
		if err != nil || p == nil {
			continue
		}
		if !p.Expired(now) {
			continue
		}
		lock := s.packetLock(e.PacketID)
		lock.Lock()
		if err := os.Remove(s.packetPath(e.PacketID)); err == nil {
			removed++
		}
		lock.Unlock()
	}
	if removed > 0 {
		if err := s.rebuildIndex(); err != nil {
			return removed, err
		}
		logging.Packets("TTL sweep removed %d packets", removed)
	}
	return removed, nil
}

// ===== INDEX =====

func (s *Store) indexPath() string {
	return filepath.Join(paths.Packets(s.root), paths.PacketIndexFile)
}

// snapshotIndex returns the index rows newest-first. A missing or corrupt
// index reads as empty.
func (s *Store) snapshotIndex() []indexEntry {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.readIndexLocked()
}

func (s *Store) readIndexLocked() []indexEntry {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		logging.Get(logging.CategoryPackets).Error("packet index corrupt: %v", err)
		return nil
	}
	sort.SliceStable(f.Entries, func(i, j int) bool {
		return f.Entries[i].UpdatedTS.After(f.Entries[j].UpdatedTS)
	})
	return f.Entries
}

// updateIndex upserts one packet's row and rewrites the index atomically.
func (s *Store) updateIndex(p *Packet) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries := s.readIndexLocked()
	adviceIDs := make([]string, 0, len(p.AdviceItems))
	for _, a := range p.AdviceItems {
		adviceIDs = append(adviceIDs, a.AdviceID)
	}
	row := indexEntry{
		PacketID:      p.PacketID,
		TraceID:       p.TraceID,
		Tool:          p.ToolName,
		UpdatedTS:     p.UpdatedTS,
		Effectiveness: p.EffectivenessScore,
		AdviceIDs:     adviceIDs,
	}
	replaced := false
	for i := range entries {
		if entries[i].PacketID == p.PacketID {
			entries[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, row)
	}
	return s.writeIndexLocked(entries)
}

// rebuildIndex drops rows whose packet file no longer exists.
func (s *Store) rebuildIndex() error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries := s.readIndexLocked()
	kept := entries[:0]
	for _, e := range entries {
		if _, err := os.Stat(s.packetPath(e.PacketID)); err == nil {
			kept = append(kept, e)
		}
	}
	return s.writeIndexLocked(kept)
}

func (s *Store) writeIndexLocked(entries []indexEntry) error {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedTS.After(entries[j].UpdatedTS)
	})
	data, err := json.MarshalIndent(indexFile{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return os.Rename(tmp, s.indexPath())
}
