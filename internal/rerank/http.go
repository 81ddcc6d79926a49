package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// DefaultModel is the cross-encoder served by default.
const DefaultModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"

// HTTPConfig holds the settings for an HTTPCrossEncoder.
type HTTPConfig struct {
	// Endpoint is the server base URL, e.g. "http://localhost:8080".
	Endpoint string
	// Model is sent with each request for servers hosting several models.
	Model string
	// APIKey is sent as a Bearer token when set.
	APIKey string
	// Timeout bounds one request. Defaults to 20s if zero.
	Timeout time.Duration
}

// HTTPCrossEncoder calls a text-embeddings-inference style /rerank endpoint.
// It is safe for concurrent use.
type HTTPCrossEncoder struct {
	// endpoint is the base URL without a trailing slash.
	endpoint string
	// model is the requested cross-encoder.
	model string
	// apiKey is the optional Bearer token.
	apiKey string
	// client is the shared HTTP client.
	client *http.Client
}

var _ CrossEncoder = (*HTTPCrossEncoder)(nil)

// NewHTTPCrossEncoder constructs an HTTPCrossEncoder from cfg.
func NewHTTPCrossEncoder(cfg *HTTPConfig) *HTTPCrossEncoder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &HTTPCrossEncoder{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Model     string   `json:"model,omitempty"`
	RawScores bool     `json:"raw_scores"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score implements CrossEncoder.
func (e *HTTPCrossEncoder) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(rerankRequest{Query: query, Texts: docs, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rerank: request failed: %w: %w", rag.ErrTransient, err)
		}
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var items []rerankItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(docs) {
			return nil, fmt.Errorf("rerank: index %d out of range [0, %d)", it.Index, len(docs))
		}
		scores[it.Index] = it.Score
		seen[it.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank: no score for document %d", i)
		}
	}
	return scores, nil
}

// Ping checks that the endpoint answers /health.
func (e *HTTPCrossEncoder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("rerank: create health request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("rerank: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rerank: health: HTTP %d", resp.StatusCode)
	}
	return nil
}
