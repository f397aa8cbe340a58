// Package chips loads pluggable observer bundles. A chip is a YAML
// manifest contributing domain-specific insights, activated only when the
// current project path matches one of its declared roots. Telemetry-marked
// insights feed metrics and are never emitted as advice.
package chips

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"spark/internal/logging"
	"spark/internal/paths"
	"spark/internal/types"
)

// Manifest is one chip bundle on disk.
type Manifest struct {
	ChipID       string        `yaml:"chip_id"`
	Name         string        `yaml:"name"`
	ProjectPaths []string      `yaml:"project_paths"` // empty = active everywhere
	Insights     []ChipInsight `yaml:"insights"`
}

// ChipInsight is the YAML shape of one chip-contributed insight.
type ChipInsight struct {
	Trigger         string  `yaml:"trigger"`
	Statement       string  `yaml:"statement"`
	CognitiveValue  float64 `yaml:"cognitive_value"`
	Actionability   float64 `yaml:"actionability"`
	Transferability float64 `yaml:"transferability"`
	Telemetry       bool    `yaml:"telemetry"`
}

// Registry holds the loaded chip set. Reload-safe: Load swaps the whole
// slice under the lock.
type Registry struct {
	mu    sync.RWMutex
	chips []Manifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Load reads every *.yaml manifest under the chips directory, or under
// SPARK_SKILLS_DIR when set. Malformed manifests are skipped with a
// warning; one bad chip never takes down the rest.
func (r *Registry) Load(root string) error {
	dir := os.Getenv("SPARK_SKILLS_DIR")
	if dir == "" {
		dir = filepath.Join(root, paths.ChipsDir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var loaded []Manifest
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logging.Get(logging.CategoryChips).Warn("chip %s unreadable: %v", name, err)
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			logging.Get(logging.CategoryChips).Warn("chip %s malformed: %v", name, err)
			continue
		}
		if m.ChipID == "" {
			m.ChipID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		loaded = append(loaded, m)
	}

	r.mu.Lock()
	r.chips = loaded
	r.mu.Unlock()
	logging.Chips("loaded %d chips from %s", len(loaded), dir)
	return nil
}

// ActiveInsights returns the insights of chips active for the given
// working directory, telemetry entries excluded. Path activation is a
// prefix match so a chip rooted at /repo covers /repo/sub/dir.
func (r *Registry) ActiveInsights(cwd string) []types.ChipInsight {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ChipInsight
	for _, chip := range r.chips {
		if !chip.activeFor(cwd) {
			continue
		}
		for _, ci := range chip.Insights {
			if ci.Telemetry {
				continue
			}
			out = append(out, types.ChipInsight{
				ChipID:          chip.ChipID,
				Trigger:         ci.Trigger,
				Statement:       ci.Statement,
				CognitiveValue:  ci.CognitiveValue,
				Actionability:   ci.Actionability,
				Transferability: ci.Transferability,
			})
		}
	}
	return out
}

// TelemetryInsights returns the metrics-only entries of active chips.
func (r *Registry) TelemetryInsights(cwd string) []types.ChipInsight {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ChipInsight
	for _, chip := range r.chips {
		if !chip.activeFor(cwd) {
			continue
		}
		for _, ci := range chip.Insights {
			if !ci.Telemetry {
				continue
			}
			out = append(out, types.ChipInsight{
				ChipID:    chip.ChipID,
				Trigger:   ci.Trigger,
				Statement: ci.Statement,
				Telemetry: true,
			})
		}
	}
	return out
}

// Count returns the number of loaded chips.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chips)
}

func (m *Manifest) activeFor(cwd string) bool {
	if len(m.ProjectPaths) == 0 {
		return true
	}
	clean := filepath.Clean(cwd)
	for _, p := range m.ProjectPaths {
		root := filepath.Clean(p)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
