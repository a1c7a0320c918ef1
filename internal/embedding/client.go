// Package embedding is the outbound adapter for the embedding provider.
// It speaks the OpenAI-compatible /v1/embeddings wire format.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/planpilot-ai/planpilot/internal/config"
)

// ErrorKind classifies embedding failures for the indexer.
type ErrorKind string

const (
	// RateLimited: provider returned 429. Retryable after backoff.
	RateLimited ErrorKind = "rate_limited"
	// InvalidInput: the provider rejected the text itself. Retrying
	// the same item cannot succeed.
	InvalidInput ErrorKind = "invalid_input"
	// Auth: credential rejected.
	Auth ErrorKind = "auth"
	// Transient: network or 5xx failures.
	Transient ErrorKind = "transient"
)

// Error is a classified embedding failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("embedding: %s (status %d)", e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to Transient.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return Transient
}

// Client requests embeddings from the provider. Outbound calls are
// throttled by a token-bucket limiter so batch indexing cannot exhaust
// the provider quota.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an embedding client.
func NewClient(cfg config.EmbeddingConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
	}
}

// Model returns the embedding model identifier. It doubles as the
// index's model version.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: Transient, Err: err}
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, &Error{Kind: InvalidInput, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: Transient, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: Transient, Err: fmt.Errorf("calling embedding provider: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: RateLimited, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: Auth, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &Error{Kind: InvalidInput, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: Transient, Status: resp.StatusCode}
	}

	var parsed embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&parsed); err != nil {
		return nil, &Error{Kind: Transient, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &Error{Kind: Transient,
			Err: fmt.Errorf("provider returned %d vectors for %d inputs", len(parsed.Data), len(texts))}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &Error{Kind: Transient, Err: fmt.Errorf("vector index %d out of range", d.Index)}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
