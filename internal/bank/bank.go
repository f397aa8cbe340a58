// Package bank serves hand-authored canned rules keyed by tool name. The
// bank ships with embedded defaults and merges user-authored YAML files
// from the workspace bank directory on top.
package bank

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"spark/internal/logging"
	"spark/internal/paths"
	"spark/internal/types"
)

//go:embed default_bank.yaml
var defaultBankYAML []byte

// Rule is one canned advisory.
type Rule struct {
	Tool       string   `yaml:"tool"` // "*" matches every tool
	Text       string   `yaml:"text"`
	Confidence float64  `yaml:"confidence"`
	Triggers   []string `yaml:"triggers"`
}

type bankFile struct {
	Rules []Rule `yaml:"rules"`
}

// Bank holds the merged rule set.
type Bank struct {
	mu    sync.RWMutex
	rules []Rule
}

// Load builds a bank from the embedded defaults plus every *.yaml under
// the workspace bank directory. User files are additive; malformed files
// are skipped with a warning.
func Load(root string) (*Bank, error) {
	b := &Bank{}

	var embedded bankFile
	if err := yaml.Unmarshal(defaultBankYAML, &embedded); err != nil {
		return nil, err
	}
	rules := embedded.Rules

	dir := filepath.Join(root, paths.BankDir)
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			var f bankFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				logging.Get(logging.CategoryRetrieve).Warn("bank file %s malformed: %v", name, err)
				continue
			}
			rules = append(rules, f.Rules...)
		}
	}

	b.rules = rules
	logging.Retrieve("bank loaded with %d rules", len(rules))
	return b, nil
}

// RulesFor returns the canned advice rows for one tool, wildcard rules
// included.
func (b *Bank) RulesFor(tool string) []types.Advice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Advice
	for _, r := range b.rules {
		if r.Tool != "*" && !strings.EqualFold(r.Tool, tool) {
			continue
		}
		conf := r.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		out = append(out, types.Advice{
			AdviceID:   "adv_" + types.StableHash("bank", r.Tool, r.Text),
			Text:       r.Text,
			Source:     types.SourceBank,
			Confidence: conf,
			Reason:     "bank rule for " + r.Tool,
		})
	}
	return out
}

// Size returns the total rule count.
func (b *Bank) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rules)
}
