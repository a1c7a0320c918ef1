// Package llm calls the Claude messages API with bounded retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/planpilot-ai/planpilot/internal/metrics"
)

// ErrorKind classifies completion failures for callers.
type ErrorKind string

const (
	// RateLimited: provider returned 429 and retries were exhausted.
	RateLimited ErrorKind = "rate_limited"
	// Timeout: the request or the whole retry budget timed out.
	Timeout ErrorKind = "timeout"
	// InvalidResponse: the provider answered with something unusable.
	InvalidResponse ErrorKind = "invalid_response"
	// Unauthorized: credential rejected. Never retried.
	Unauthorized ErrorKind = "unauthorized"
)

// Error is a classified completion failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm: %s (status %d)", e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to Timeout for plain
// context errors and InvalidResponse otherwise.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return InvalidResponse
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion request: a system prompt carrying the
// assembled context plus the conversation turns.
type Request struct {
	System   string
	Messages []Message
}

// Gateway calls the Claude messages API.
type Gateway struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	maxRetries int
	http       *http.Client

	// baseInterval seeds the retry backoff; tests shrink it.
	baseInterval time.Duration
}

// Config configures the gateway.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	MaxRetries int
	Timeout    time.Duration
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: cfg.Timeout},

		baseInterval: 500 * time.Millisecond,
	}
}

// Model returns the configured model identifier.
func (g *Gateway) Model() string { return g.model }

const apiVersion = "2023-06-01"

type apiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the request and returns the model's text. Rate limits
// and transient failures are retried with exponential backoff and
// jitter up to the configured attempt budget; auth and malformed-input
// failures are surfaced immediately.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), uint64(g.maxRetries)), ctx)

	attempt := 0
	answer, err := backoff.RetryWithData(func() (string, error) {
		attempt++
		if attempt > 1 {
			metrics.LLMRetriesTotal.Inc()
		}
		return g.complete(ctx, req)
	}, policy)
	if err != nil {
		if ctx.Err() != nil && KindOf(err) != Unauthorized {
			return "", &Error{Kind: Timeout, Err: err}
		}
		return "", err
	}
	return answer, nil
}

func (g *Gateway) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.baseInterval
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0 // the retry count and ctx bound us
	return b
}

func (g *Gateway) complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(apiRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    req.System,
		Messages:  req.Messages,
	})
	if err != nil {
		return "", backoff.Permanent(&Error{Kind: InvalidResponse, Err: fmt.Errorf("marshaling request: %w", err)})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(&Error{Kind: InvalidResponse, Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", backoff.Permanent(&Error{Kind: Timeout, Err: err})
		}
		// Per-request client timeouts surface as url.Error with Timeout set.
		return "", &Error{Kind: Timeout, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", backoff.Permanent(&Error{Kind: Unauthorized, Status: resp.StatusCode})
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{Kind: RateLimited, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return "", &Error{Kind: InvalidResponse, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return "", backoff.Permanent(&Error{Kind: InvalidResponse, Status: resp.StatusCode})
	}

	var parsed apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&parsed); err != nil {
		return "", backoff.Permanent(&Error{Kind: InvalidResponse, Err: fmt.Errorf("decoding response: %w", err)})
	}
	if parsed.Error != nil {
		return "", backoff.Permanent(&Error{Kind: InvalidResponse,
			Err: fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message)})
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", backoff.Permanent(&Error{Kind: InvalidResponse, Err: errors.New("response carries no text content")})
	}
	return text, nil
}
