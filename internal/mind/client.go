// Package mind is the best-effort client for a remote Mind API retrieval
// source. Every call is rate-limited and hard-timeboxed; any failure
// yields zero rows, never an error the retrieval turn has to handle.
package mind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/types"
)

// Client queries the remote Mind API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// New builds a client from config. Returns nil (disabled) when the source
// is off, the base URL is missing, or the key env var is unset.
func New(cfg config.MindConfig) *Client {
	if !cfg.Enabled || cfg.BaseURL == "" {
		return nil
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		logging.Mind("mind source disabled: %s not set", cfg.APIKeyEnv)
		return nil
	}
	perSecond := cfg.RatePerS
	if perSecond <= 0 {
		perSecond = 2
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		timeout: timeout,
	}
}

type queryRequest struct {
	Query string `json:"query"`
	Tool  string `json:"tool,omitempty"`
	Limit int    `json:"limit"`
}

type queryResponse struct {
	Results []struct {
		ID         string  `json:"id"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"results"`
}

// Retrieve fetches remote advice rows. Best effort: rate limiting,
// timeouts and transport errors all return an empty slice with the error
// for the log; the caller treats any error as "source contributed
// nothing".
func (c *Client) Retrieve(ctx context.Context, query, tool string, limit int) ([]types.Advice, error) {
	if c == nil {
		return nil, nil
	}
	if !c.limiter.Allow() {
		return nil, fmt.Errorf("mind rate limit")
	}
	if limit <= 0 {
		limit = 5
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{Query: query, Tool: tool, Limit: limit})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mind request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mind returned status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mind response malformed: %w", err)
	}

	advice := make([]types.Advice, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Text == "" {
			continue
		}
		id := r.ID
		if id == "" {
			id = "adv_" + types.StableHash("mind", r.Text)
		}
		advice = append(advice, types.Advice{
			AdviceID:   id,
			Text:       r.Text,
			Source:     types.SourceMind,
			Confidence: clamp01(r.Confidence),
			Reason:     "mind remote retrieval",
		})
	}
	logging.Mind("retrieved %d rows for query %q", len(advice), query)
	return advice, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
