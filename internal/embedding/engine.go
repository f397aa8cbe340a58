// Package embedding provides vector embedding generation for semantic
// recall. Supports Ollama (local) and Google GenAI (cloud) backends; when
// neither is configured the advisory engine degrades to lexical-only
// retrieval.
package embedding

import (
	"context"
	"fmt"
	"math"

	"spark/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	Provider string `json:"provider"` // "ollama" or "genai"

	OllamaEndpoint string `json:"ollama_endpoint"` // default http://localhost:11434
	OllamaModel    string `json:"ollama_model"`    // default embeddinggemma

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // default gemini-embedding-001
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbed, "NewEngine")
	defer timer.Stop()

	logging.Embed("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error
	switch cfg.Provider {
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbed).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embed("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i] * b[i])
		aMag += float64(a[i] * a[i])
		bMag += float64(b[i] * b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// MeanPool averages a set of vectors into one. Used to fold a multi-part
// context (prompt + tool + recent errors) into a single query vector.
func MeanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	out := make([]float32, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
		n++
	}
	if n == 0 {
		return nil
	}
	for i := range out {
		out[i] /= float32(n)
	}
	return out
}
