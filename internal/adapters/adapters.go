// Package adapters exports the advisory context into host agent files.
// Each host reads a different file; Spark owns only the marked section
// between its markers and never touches user content around it.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"spark/internal/logging"
)

const (
	beginMarker = "<!-- SPARK:BEGIN -->"
	endMarker   = "<!-- SPARK:END -->"

	// PayloadFile is the machine-readable export next to the host files.
	PayloadFile = "SPARK_ADVISORY_PAYLOAD.json"

	schemaVersion = 1

	// StaleAfter is the age at which `spark status` flags the export.
	StaleAfter = 24 * time.Hour
)

// Target is one host agent context file.
type Target struct {
	Host     string
	FileName string
}

// Targets lists the supported hosts in sync order.
func Targets() []Target {
	return []Target{
		{Host: "claude", FileName: "CLAUDE.md"},
		{Host: "codex", FileName: "SPARK_CONTEXT_FOR_CODEX.md"},
		{Host: "windsurf", FileName: ".windsurfrules"},
		{Host: "gpt", FileName: "GPT.md"},
		{Host: "gemini", FileName: "GEMINI.md"},
	}
}

// Payload is the machine-readable advisory export.
type Payload struct {
	SchemaVersion int       `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Lines         []string  `json:"advisory_lines"`
}

// Syncer writes the advisory section into host files under a project
// directory.
type Syncer struct {
	targets []Target
}

// NewSyncer builds a syncer honouring SPARK_SYNC_TARGETS (comma list of
// host names; empty means all).
func NewSyncer() *Syncer {
	all := Targets()
	filter := os.Getenv("SPARK_SYNC_TARGETS")
	if filter == "" {
		return &Syncer{targets: all}
	}
	wanted := make(map[string]bool)
	for _, h := range strings.Split(filter, ",") {
		wanted[strings.TrimSpace(strings.ToLower(h))] = true
	}
	var kept []Target
	for _, t := range all {
		if wanted[t.Host] {
			kept = append(kept, t)
		}
	}
	return &Syncer{targets: kept}
}

// Sync writes the advisory lines into every target under dir plus the
// JSON payload. Returns the files written. Hosts whose file write fails
// are skipped with a log line; the sync itself only fails when the
// payload cannot be written.
func (s *Syncer) Sync(dir string, lines []string) ([]string, error) {
	section := buildSection(lines)
	var written []string

	for _, t := range s.targets {
		path := filepath.Join(dir, t.FileName)
		if err := writeSection(path, section); err != nil {
			logging.Adapters("sync %s skipped: %v", t.FileName, err)
			continue
		}
		written = append(written, t.FileName)
		if t.Host == "codex" {
			notifyCodex()
		}
	}

	payload := Payload{SchemaVersion: schemaVersion, GeneratedAt: time.Now().UTC(), Lines: lines}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return written, err
	}
	payloadPath := filepath.Join(dir, PayloadFile)
	if err := os.WriteFile(payloadPath, append(data, '\n'), 0644); err != nil {
		return written, fmt.Errorf("write payload: %w", err)
	}
	written = append(written, PayloadFile)

	logging.Adapters("synced %d host files into %s", len(written), dir)
	return written, nil
}

func buildSection(lines []string) string {
	var sb strings.Builder
	sb.WriteString(beginMarker)
	sb.WriteString("\n## Spark advisory context\n\n")
	if len(lines) == 0 {
		sb.WriteString("_No advisories for this project yet._\n")
	}
	for _, l := range lines {
		sb.WriteString("- ")
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.WriteString(endMarker)
	return sb.String()
}

// writeSection replaces the marked section in place, appending it when
// the file has no markers yet. Everything outside the markers is
// preserved byte for byte.
func writeSection(path, section string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	content := string(existing)
	begin := strings.Index(content, beginMarker)
	end := strings.Index(content, endMarker)

	var out string
	switch {
	case begin >= 0 && end > begin:
		out = content[:begin] + section + content[end+len(endMarker):]
	case content == "":
		out = section + "\n"
	default:
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		out = content + "\n" + section + "\n"
	}
	return os.WriteFile(path, []byte(out), 0644)
}

// Staleness reports the payload age under dir and whether an export
// exists at all.
func Staleness(dir string) (time.Duration, bool) {
	info, err := os.Stat(filepath.Join(dir, PayloadFile))
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}

// Stale reports whether the export under dir is missing or too old.
func Stale(dir string) bool {
	age, ok := Staleness(dir)
	return !ok || age > StaleAfter
}

// notifyCodex runs SPARK_CODEX_CMD after a codex sync, best effort.
func notifyCodex() {
	cmdline := os.Getenv("SPARK_CODEX_CMD")
	if cmdline == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	if err := cmd.Run(); err != nil {
		logging.Adapters("codex notify command failed: %v", err)
	}
}
