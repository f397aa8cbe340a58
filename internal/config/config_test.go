package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTuneables(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "tuneables.json"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Retrieval, got.Retrieval)
	assert.Equal(t, Defaults().MemoryGate, got.MemoryGate)
}

func TestLoadMergesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuneables.json")
	writeTuneables(t, path, `{"retrieval":{"lexical_weight":0.5}}`)

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Retrieval.LexicalWeight)
	// Untouched sections keep their defaults.
	assert.Equal(t, Defaults().Retrieval.Parallelism, got.Retrieval.Parallelism)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuneables.json")
	writeTuneables(t, path, `{"retrieval":{"lexical_weight":1.7}}`)
	_, err := Load(path)
	require.Error(t, err)

	writeTuneables(t, path, `{"memory_gate":{"cache_ttl_min_hours":100,"cache_ttl_max_hours":10}}`)
	_, err = Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPARK_ADVISORY_EMIT", "0")
	t.Setenv("SPARK_TRACE_STRICT", "1")

	got, err := Load(filepath.Join(t.TempDir(), "tuneables.json"))
	require.NoError(t, err)
	assert.False(t, got.Gate.EmitEnabled)
	assert.True(t, got.Feedback.TraceStrict)
}

func TestGateProfileFallback(t *testing.T) {
	g := Defaults().Gate
	g.ActiveProfile = "does_not_exist"
	assert.Equal(t, defaultGateProfile(), g.Profile())

	g.ActiveProfile = "strict"
	assert.Equal(t, 0.60, g.Profile().MinRankScore)
}

func TestReloadCallbackDelivery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuneables.json")
	m := NewManager(path, "")

	delivered := make(chan Tuneables, 1)
	m.OnReload("test", func(t Tuneables) { delivered <- t })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, 20*time.Millisecond)
		close(done)
	}()

	// mtime granularity: make sure the write lands after the initial stat.
	time.Sleep(50 * time.Millisecond)
	writeTuneables(t, path, `{"retrieval":{"lexical_weight":0.5}}`)

	select {
	case got := <-delivered:
		assert.Equal(t, 0.5, got.Retrieval.LexicalWeight)
		assert.Equal(t, 0.5, m.Current().Retrieval.LexicalWeight)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never delivered")
	}

	cancel()
	<-done
}

func TestInvalidReloadKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuneables.json")
	writeTuneables(t, path, `{"retrieval":{"lexical_weight":0.5}}`)
	m := NewManager(path, "")
	require.Equal(t, 0.5, m.Current().Retrieval.LexicalWeight)

	time.Sleep(20 * time.Millisecond)
	writeTuneables(t, path, `{"retrieval":{"lexical_weight":2.0}}`)
	m.reloadIfChanged()

	assert.Equal(t, 0.5, m.Current().Retrieval.LexicalWeight, "invalid delta must be ignored wholesale")
}

func TestDriftRecording(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuneables.json")
	driftPath := filepath.Join(dir, "tuneable_drift.jsonl")
	m := NewManager(path, driftPath)

	assert.Equal(t, 0.0, m.Drift(), "defaults have zero drift")

	writeTuneables(t, path, `{"retrieval":{"lexical_weight":0.9},"gate":{"emit_enabled":false}}`)
	time.Sleep(20 * time.Millisecond)
	m.reloadIfChanged()

	assert.Greater(t, m.Drift(), 0.0)
	data, err := os.ReadFile(driftPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"distance"`)
}
