package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"spark/internal/logging"
)

// ReloadFunc receives a fresh tuneables snapshot after a successful reload.
type ReloadFunc func(Tuneables)

// Manager holds the live tuneables snapshot and pushes reloads to
// registered consumers. One Manager per process; consumers register once
// at init and must not block in their callback.
type Manager struct {
	path     string
	baseline Tuneables

	mu        sync.RWMutex
	current   Tuneables
	lastMTime time.Time

	cbMu      sync.Mutex
	callbacks map[string]ReloadFunc // keyed by consumer/section name

	driftPath      string
	driftThreshold float64
}

// NewManager loads the initial snapshot from path. Load failures fall back
// to defaults so a broken tuneables file never prevents startup.
func NewManager(path, driftPath string) *Manager {
	m := &Manager{
		path:           path,
		baseline:       Defaults(),
		callbacks:      make(map[string]ReloadFunc),
		driftPath:      driftPath,
		driftThreshold: 0.25,
	}
	t, err := Load(path)
	if err != nil {
		logging.ConfigWarn("initial tuneables load failed, using defaults: %v", err)
		t = Defaults()
	}
	m.current = t
	if st, err := os.Stat(path); err == nil {
		m.lastMTime = st.ModTime()
	}
	return m
}

// Current returns the live snapshot. Cheap; callers should not cache it
// beyond one operation.
func (m *Manager) Current() Tuneables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback under a unique consumer key. Registering
// the same key twice replaces the previous callback.
func (m *Manager) OnReload(key string, fn ReloadFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks[key] = fn
}

// Watch blocks until ctx is done, reloading on fsnotify events with an
// mtime-polling fallback (some editors replace the file in ways fsnotify
// misses, and network filesystems drop events).
func (m *Manager) Watch(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.ConfigWarn("fsnotify unavailable, polling only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(m.path); err != nil {
			// File may not exist yet; polling will pick it up.
			logging.Get(logging.CategoryConfig).Debug("fsnotify add %s: %v", m.path, err)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reloadIfChanged()
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.reloadIfChanged()
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				logging.Get(logging.CategoryConfig).Debug("fsnotify error: %v", err)
			}
		}
	}
}

// reloadIfChanged reloads when the file mtime moved. Invalid deltas are
// ignored with a warning; the previous snapshot stays live.
func (m *Manager) reloadIfChanged() {
	st, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.RLock()
	unchanged := !st.ModTime().After(m.lastMTime)
	m.mu.RUnlock()
	if unchanged {
		return
	}

	t, err := Load(m.path)
	if err != nil {
		logging.ConfigWarn("tuneables reload rejected: %v", err)
		m.mu.Lock()
		m.lastMTime = st.ModTime()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.current = t
	m.lastMTime = st.ModTime()
	m.mu.Unlock()

	logging.Config("tuneables reloaded from %s", m.path)
	m.notify(t)
	m.recordDrift(t)
}

func (m *Manager) notify(t Tuneables) {
	m.cbMu.Lock()
	fns := make([]ReloadFunc, 0, len(m.callbacks))
	for _, fn := range m.callbacks {
		fns = append(fns, fn)
	}
	m.cbMu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

// Drift returns the normalized distance between the runtime snapshot and
// the baseline: the fraction of leaf fields that differ, in [0,1].
func (m *Manager) Drift() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return driftDistance(m.baseline, m.current)
}

type driftRecord struct {
	TS        time.Time `json:"ts"`
	Distance  float64   `json:"distance"`
	Threshold float64   `json:"threshold"`
	Alert     bool      `json:"alert"`
}

// recordDrift appends the runtime-vs-baseline distance to the drift log and
// warns when it crosses the alert threshold.
func (m *Manager) recordDrift(t Tuneables) {
	if m.driftPath == "" {
		return
	}
	d := driftDistance(m.baseline, t)
	rec := driftRecord{TS: time.Now().UTC(), Distance: d, Threshold: m.driftThreshold, Alert: d > m.driftThreshold}
	if rec.Alert {
		logging.ConfigWarn("tuneable drift %.2f exceeds threshold %.2f", d, m.driftThreshold)
	}
	f, err := os.OpenFile(m.driftPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "%s\n", line)
}

// driftDistance flattens both configs to JSON leaves and counts differing
// values over the union of paths.
func driftDistance(a, b Tuneables) float64 {
	fa := flatten(a)
	fb := flatten(b)
	paths := make(map[string]bool, len(fa)+len(fb))
	for k := range fa {
		paths[k] = true
	}
	for k := range fb {
		paths[k] = true
	}
	if len(paths) == 0 {
		return 0
	}
	diff := 0
	for k := range paths {
		if !reflect.DeepEqual(fa[k], fb[k]) {
			diff++
		}
	}
	return float64(diff) / float64(len(paths))
}

func flatten(t Tuneables) map[string]any {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		obj, ok := v.(map[string]any)
		if !ok {
			out[prefix] = v
			return
		}
		for k, child := range obj {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			walk(p, child)
		}
	}
	walk("", raw)
	return out
}
