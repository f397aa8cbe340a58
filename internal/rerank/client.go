// Package rerank implements the optional LLM rerank stage of retrieval.
// A small adapter protocol (base URL, API key env var, request shape)
// covers every provider; unknown or unauthenticated providers silently
// disable reranking.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"spark/internal/logging"
)

// LLMClient is the minimal completion surface the reranker needs.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// requestShape selects the wire format of a provider.
type requestShape int

const (
	shapeOpenAIChat requestShape = iota // OpenAI-compatible /chat/completions
	shapeAnthropic                      // Anthropic /messages
	shapeGemini                         // Gemini :generateContent
)

// providerSpec is the adapter protocol: where to call, which env var holds
// the key, and how to shape the request.
type providerSpec struct {
	baseURL      string
	apiKeyEnv    string
	defaultModel string
	shape        requestShape
	keyOptional  bool // local providers need no key
}

var providerSpecs = map[string]providerSpec{
	"openai":    {baseURL: "https://api.openai.com/v1", apiKeyEnv: "OPENAI_API_KEY", defaultModel: "gpt-4o-mini", shape: shapeOpenAIChat},
	"anthropic": {baseURL: "https://api.anthropic.com/v1", apiKeyEnv: "ANTHROPIC_API_KEY", defaultModel: "claude-3-5-haiku-latest", shape: shapeAnthropic},
	"gemini":    {baseURL: "https://generativelanguage.googleapis.com/v1beta", apiKeyEnv: "GEMINI_API_KEY", defaultModel: "gemini-2.0-flash", shape: shapeGemini},
	"minimax":   {baseURL: "https://api.minimax.io/v1", apiKeyEnv: "MINIMAX_API_KEY", defaultModel: "MiniMax-Text-01", shape: shapeOpenAIChat},
	"ollama":    {baseURL: "http://localhost:11434/v1", defaultModel: "llama3.1", shape: shapeOpenAIChat, keyOptional: true},
}

// NewClient resolves a provider name to a client. Returns nil for unknown
// providers or missing keys; the caller treats nil as rerank-disabled.
func NewClient(provider, model string, timeout time.Duration) LLMClient {
	spec, ok := providerSpecs[provider]
	if !ok {
		logging.Rerank("unknown rerank provider %q, rerank disabled", provider)
		return nil
	}
	apiKey := ""
	if spec.apiKeyEnv != "" {
		apiKey = os.Getenv(spec.apiKeyEnv)
	}
	if apiKey == "" && !spec.keyOptional {
		logging.Rerank("rerank disabled: %s not set", spec.apiKeyEnv)
		return nil
	}
	if model == "" {
		model = spec.defaultModel
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &httpClient{
		provider: provider,
		spec:     spec,
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: timeout},
	}
}

type httpClient struct {
	provider string
	spec     providerSpec
	apiKey   string
	model    string
	http     *http.Client
}

func (c *httpClient) Name() string { return c.provider + ":" + c.model }

func (c *httpClient) Complete(ctx context.Context, prompt string) (string, error) {
	switch c.spec.shape {
	case shapeAnthropic:
		return c.completeAnthropic(ctx, prompt)
	case shapeGemini:
		return c.completeGemini(ctx, prompt)
	default:
		return c.completeOpenAI(ctx, prompt)
	}
}

// ===== OPENAI-COMPATIBLE =====

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *httpClient) completeOpenAI(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 256,
	})
	if err != nil {
		return "", err
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	raw, err := c.post(ctx, c.spec.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// ===== ANTHROPIC =====

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *httpClient) completeAnthropic(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: 256,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	raw, err := c.post(ctx, c.spec.baseURL+"/messages", body, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("API error: %s", resp.Error.Message)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content")
}

// ===== GEMINI =====

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *httpClient) completeGemini(ctx context.Context, prompt string) (string, error) {
	var req geminiRequest
	req.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	req.Contents[0].Parts = []struct {
		Text string `json:"text"`
	}{{Text: prompt}}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.spec.baseURL, c.model, c.apiKey)
	raw, err := c.post(ctx, url, body, nil)
	if err != nil {
		return "", err
	}
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (c *httpClient) post(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
