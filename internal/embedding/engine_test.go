package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both backends must satisfy the Engine surface against the pinned
// library versions.
var (
	_ Engine = (*OllamaEngine)(nil)
	_ Engine = (*GenAIEngine)(nil)
)

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	_, err := NewEngine(Config{Provider: "word2vec"})
	require.Error(t, err)
}

func TestGenAIEngineRequiresKey(t *testing.T) {
	_, err := NewGenAIEngine("", "gemini-embedding-001")
	require.Error(t, err)
}

func TestOllamaEngineDefaults(t *testing.T) {
	e, err := NewOllamaEngine("", "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", e.endpoint)
	assert.Equal(t, "embeddinggemma", e.model)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	require.Error(t, err)
}
