package adapters

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSyncWritesAllTargets(t *testing.T) {
	t.Setenv("SPARK_SYNC_TARGETS", "")
	t.Setenv("SPARK_CODEX_CMD", "")
	dir := t.TempDir()
	s := NewSyncer()

	written, err := s.Sync(dir, []string{"prefer small diffs"})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(written) != len(Targets())+1 {
		t.Fatalf("written = %v", written)
	}
	data, err := os.ReadFile(filepath.Join(dir, "CLAUDE.md"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "prefer small diffs") {
		t.Fatalf("advisory line missing: %s", data)
	}
}

func TestSyncPreservesUserContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CLAUDE.md")
	user := "# My project\n\nHand-written notes.\n"
	if err := os.WriteFile(path, []byte(user), 0644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	s := NewSyncer()
	if _, err := s.Sync(dir, []string{"first"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), user) {
		t.Fatalf("user content damaged:\n%s", data)
	}
	if !strings.Contains(string(data), "first") {
		t.Fatal("section missing")
	}
}

func TestSyncIdempotentSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CLAUDE.md")
	s := NewSyncer()

	if _, err := s.Sync(dir, []string{"first"}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, err := s.Sync(dir, []string{"second"}); err != nil {
		t.Fatalf("re-sync failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if strings.Count(content, beginMarker) != 1 || strings.Count(content, endMarker) != 1 {
		t.Fatalf("markers duplicated:\n%s", content)
	}
	if strings.Contains(content, "first") || !strings.Contains(content, "second") {
		t.Fatalf("section not replaced:\n%s", content)
	}
}

func TestSyncTargetsFilter(t *testing.T) {
	t.Setenv("SPARK_SYNC_TARGETS", "claude,gemini")
	dir := t.TempDir()
	s := NewSyncer()

	written, err := s.Sync(dir, nil)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(written) != 3 { // two hosts plus payload
		t.Fatalf("written = %v", written)
	}
	if _, err := os.Stat(filepath.Join(dir, "GPT.md")); !os.IsNotExist(err) {
		t.Fatal("filtered host must not be written")
	}
}

func TestStaleness(t *testing.T) {
	dir := t.TempDir()
	if !Stale(dir) {
		t.Fatal("missing payload must read as stale")
	}
	s := NewSyncer()
	if _, err := s.Sync(dir, nil); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if Stale(dir) {
		t.Fatal("fresh payload must not be stale")
	}
}
