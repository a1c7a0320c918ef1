// Package planfix is the outbound adapter for the external
// project-management API. It exposes paged entity listings and maps
// provider responses onto the ordered field sequences the rest of the
// system works with.
package planfix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/planpilot-ai/planpilot/internal/config"
	"github.com/planpilot-ai/planpilot/internal/entity"
)

// ErrorKind classifies API failures for the sync engine.
type ErrorKind string

const (
	// Transient covers network errors, 429 and 5xx. Retryable.
	Transient ErrorKind = "transient"
	// Auth covers 401/403. Fatal to the job, never retried.
	Auth ErrorKind = "auth"
	// SchemaMismatch means the response shape changed upstream.
	// Fatal; the offending payload sample is carried for logging.
	SchemaMismatch ErrorKind = "schema_mismatch"
)

// Error is a classified Planfix API failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Sample string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planfix: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("planfix: %s (status %d)", e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to Transient for
// unclassified errors (network failures, timeouts).
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Transient
}

// Record is one entity as returned by a listing page.
type Record struct {
	ExternalID string
	Fields     []entity.Field
	UpdatedAt  time.Time
	Deleted    bool
}

// Page is one page of a listing pass.
type Page struct {
	Records []Record
	HasMore bool
}

// PageOptions controls a listing request.
type PageOptions struct {
	Offset       int
	Limit        int
	UpdatedSince *time.Time
}

// Client talks to the Planfix REST API.
type Client struct {
	baseURL string
	apiKey  string
	account string
	http    *http.Client
}

// NewClient creates a Planfix client. The per-request timeout acts as
// the sync engine's per-page timeout.
func NewClient(cfg config.PlanfixConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		account: cfg.Account,
		http:    &http.Client{Timeout: cfg.PageTimeout},
	}
}

// collection names and salient fields per kind, in canonical order.
var kindRoutes = map[entity.Kind]struct {
	path   string
	fields []string
}{
	entity.KindTask:    {"tasks", []string{"title", "description", "status", "priority", "deadline", "project", "assignees"}},
	entity.KindProject: {"projects", []string{"name", "description", "status", "created"}},
	entity.KindUser:    {"users", []string{"name", "position", "email", "status"}},
	entity.KindComment: {"comments", []string{"task", "author", "text", "created"}},
}

// FetchPage lists one page of entities of the given kind.
func (c *Client) FetchPage(ctx context.Context, kind entity.Kind, opts PageOptions) (Page, error) {
	route, ok := kindRoutes[kind]
	if !ok {
		return Page{}, &Error{Kind: SchemaMismatch, Err: fmt.Errorf("unknown kind %q", kind)}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	q.Set("offset", strconv.Itoa(opts.Offset))
	if opts.UpdatedSince != nil {
		q.Set("updatedSince", opts.UpdatedSince.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/"+route.path+"?"+q.Encode(), nil)
	if err != nil {
		return Page{}, &Error{Kind: Transient, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Account", c.account)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, &Error{Kind: Transient, Err: fmt.Errorf("fetching %s page: %w", kind, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Page{}, &Error{Kind: Transient, Err: fmt.Errorf("reading %s page: %w", kind, err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, &Error{Kind: Auth, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Page{}, &Error{Kind: Transient, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return Page{}, &Error{Kind: SchemaMismatch, Status: resp.StatusCode, Sample: sample(body)}
	}

	return parsePage(kind, route.path, route.fields, body, opts.Limit)
}

func parsePage(kind entity.Kind, collection string, fieldOrder []string, body []byte, limit int) (Page, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Page{}, &Error{Kind: SchemaMismatch, Sample: sample(body), Err: err}
	}

	raw, ok := envelope[collection]
	if !ok {
		return Page{}, &Error{Kind: SchemaMismatch, Sample: sample(body),
			Err: fmt.Errorf("missing %q collection", collection)}
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return Page{}, &Error{Kind: SchemaMismatch, Sample: sample(raw), Err: err}
	}

	page := Page{HasMore: len(items) == limit}
	for _, item := range items {
		rec, err := parseRecord(kind, fieldOrder, item)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func parseRecord(kind entity.Kind, fieldOrder []string, item map[string]json.RawMessage) (Record, error) {
	id, err := scalarString(item["id"])
	if err != nil || id == "" {
		body, _ := json.Marshal(item)
		return Record{}, &Error{Kind: SchemaMismatch, Sample: sample(body),
			Err: fmt.Errorf("%s record without id", kind)}
	}

	rec := Record{ExternalID: id}

	if raw, ok := item["deleted"]; ok {
		_ = json.Unmarshal(raw, &rec.Deleted)
	}
	if raw, ok := item["updatedAt"]; ok {
		var ts string
		if json.Unmarshal(raw, &ts) == nil {
			rec.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	for _, name := range fieldOrder {
		raw, ok := item[name]
		if !ok {
			continue
		}
		val, err := scalarString(raw)
		if err != nil {
			body, _ := json.Marshal(item)
			return Record{}, &Error{Kind: SchemaMismatch, Sample: sample(body),
				Err: fmt.Errorf("field %q of %s %s: %w", name, kind, id, err)}
		}
		rec.Fields = append(rec.Fields, entity.Field{Name: name, Value: val})
	}
	return rec, nil
}

// scalarString flattens the value shapes Planfix uses: plain strings,
// numbers, {"name": ...} reference objects, and arrays of either.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String(), nil
	}
	var ref struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &ref) == nil && ref.Name != "" {
		return ref.Name, nil
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		out := ""
		for i, el := range list {
			v, err := scalarString(el)
			if err != nil {
				return "", err
			}
			if i > 0 {
				out += ", "
			}
			out += v
		}
		return out, nil
	}
	return "", fmt.Errorf("unsupported value shape %s", sample(raw))
}

func sample(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
