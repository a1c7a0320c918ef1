// Package query answers natural-language questions over synchronized
// project data: embed the question, retrieve similar entities, pack
// them into a context block, and complete through the language model.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planpilot-ai/planpilot/internal/assembler"
	"github.com/planpilot-ai/planpilot/internal/chat"
	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/index"
	"github.com/planpilot-ai/planpilot/internal/llm"
	"github.com/planpilot-ai/planpilot/internal/metrics"
)

// Citation names one entity an answer drew on.
type Citation struct {
	Ref   entity.Ref `json:"ref"`
	Score float64    `json:"score"`
}

// Request is one question.
type Request struct {
	Query     string
	SessionID *uuid.UUID
}

// Answer is the orchestrator's result.
type Answer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Degraded  bool       `json:"degraded"`
	Cached    bool       `json:"cached"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the serving index surface the orchestrator reads.
type Searcher interface {
	Search(query []float32, k int) []index.Hit
}

// EntityReader resolves hits to their stored entities.
type EntityReader interface {
	Get(ctx context.Context, kind entity.Kind, externalID string) (*entity.Entity, error)
}

// Completer produces the final answer text.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Orchestrator wires the retrieval pipeline together.
type Orchestrator struct {
	embedder  Embedder
	searcher  Searcher
	store     EntityReader
	assembler *assembler.Assembler
	gateway   Completer
	cache     *Cache
	history   *chat.History
	topK      int
}

// New creates an orchestrator.
func New(embedder Embedder, searcher Searcher, store EntityReader, asm *assembler.Assembler,
	gateway Completer, cache *Cache, history *chat.History, topK int) *Orchestrator {
	return &Orchestrator{
		embedder:  embedder,
		searcher:  searcher,
		store:     store,
		assembler: asm,
		gateway:   gateway,
		cache:     cache,
		history:   history,
		topK:      topK,
	}
}

// Answer runs the full pipeline. Retrieval failures degrade to an
// uncontextualized completion instead of failing the request; only the
// language model call itself is fatal. Session requests bypass the
// answer cache, because identical questions mean different things in
// different conversations.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Answer, error) {
	normalized := normalize(req.Query)
	if normalized == "" {
		return nil, errors.New("empty query")
	}

	assembled, degraded := o.retrieve(ctx, req.Query)
	fingerprint := Fingerprint(normalized, assembled.Chunks)

	if req.SessionID == nil && !degraded {
		if cached, err := o.cache.Get(ctx, fingerprint); err != nil {
			slog.Warn("answer cache read failed", "error", err)
		} else if cached != nil {
			metrics.RecordQuery("cache_hit")
			return &Answer{Answer: cached.Answer, Citations: cached.Citations, Cached: true}, nil
		}
	}

	messages, err := o.conversation(ctx, req)
	if err != nil {
		return nil, err
	}

	text, err := o.gateway.Complete(ctx, llm.Request{
		System:   systemPrompt(assembled, degraded),
		Messages: messages,
	})
	if err != nil {
		metrics.RecordQuery("error")
		return nil, fmt.Errorf("completing answer: %w", err)
	}

	answer := &Answer{
		Answer:    text,
		Citations: citations(assembled.Chunks),
		Degraded:  degraded,
		SessionID: req.SessionID,
	}

	o.finish(ctx, req, fingerprint, answer, degraded)
	return answer, nil
}

// retrieve embeds the question and assembles context from the index.
// Any failure on this path returns an empty context and the degraded
// flag; the caller still gets an answer, just an uninformed one.
func (o *Orchestrator) retrieve(ctx context.Context, query string) (assembler.Context, bool) {
	vectors, err := o.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		slog.Warn("embedding query failed, answering without context", "error", err)
		return assembler.Context{}, true
	}

	hits := o.searcher.Search(vectors[0], o.topK)
	candidates := make([]assembler.Candidate, 0, len(hits))
	for _, hit := range hits {
		ent, err := o.store.Get(ctx, hit.Ref.Kind, hit.Ref.ExternalID)
		if err != nil {
			// The index can briefly lead the store around deletes.
			if !errors.Is(err, entity.ErrNotFound) {
				slog.Warn("resolving retrieval hit", "ref", hit.Ref, "error", err)
			}
			continue
		}
		if ent.Deleted {
			continue
		}
		candidates = append(candidates, assembler.Candidate{Entity: *ent, Score: hit.Score})
	}

	return o.assembler.Assemble(candidates), false
}

// conversation builds the message list: session history first, then
// the current question.
func (o *Orchestrator) conversation(ctx context.Context, req Request) ([]llm.Message, error) {
	var messages []llm.Message
	if req.SessionID != nil {
		turns, err := o.history.Recent(ctx, *req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session history: %w", err)
		}
		for _, turn := range turns {
			messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
		}
	}
	return append(messages, llm.Message{Role: "user", Content: req.Query}), nil
}

// finish records the outcome: metrics, session history, and the answer
// cache. Nothing here can fail the already-produced answer. A canceled
// request is never cached, since its answer may be incomplete.
func (o *Orchestrator) finish(ctx context.Context, req Request, fingerprint string, answer *Answer, degraded bool) {
	switch {
	case degraded:
		metrics.RecordQuery("degraded")
	default:
		metrics.RecordQuery("cache_miss")
	}

	if req.SessionID != nil {
		now := time.Now().UTC()
		session := *req.SessionID
		if err := o.history.Append(ctx, session, chat.Turn{Role: "user", Content: req.Query, Timestamp: now}); err != nil {
			slog.Warn("recording session turn", "session_id", session, "error", err)
		} else if err := o.history.Append(ctx, session, chat.Turn{Role: "assistant", Content: answer.Answer, Timestamp: now}); err != nil {
			slog.Warn("recording session turn", "session_id", session, "error", err)
		}
		return
	}

	if degraded || ctx.Err() != nil {
		return
	}
	cached := &CachedAnswer{Answer: answer.Answer, Citations: answer.Citations, CreatedAt: time.Now().UTC()}
	if err := o.cache.Set(ctx, fingerprint, cached); err != nil {
		slog.Warn("answer cache write failed", "error", err)
	}
}

// Fingerprint derives the cache key for a question against a concrete
// context. The cited content hashes are sorted so chunk order cannot
// split the cache.
func Fingerprint(normalizedQuery string, chunks []assembler.Chunk) string {
	hashes := make([]string, len(chunks))
	for i, chunk := range chunks {
		hashes[i] = chunk.ContentHash
	}
	sort.Strings(hashes)

	h := sha256.New()
	h.Write([]byte(normalizedQuery))
	for _, hash := range hashes {
		h.Write([]byte{0})
		h.Write([]byte(hash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalize collapses whitespace and case so trivially different
// phrasings of the same question share a cache entry.
func normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func citations(chunks []assembler.Chunk) []Citation {
	out := make([]Citation, len(chunks))
	for i, chunk := range chunks {
		out[i] = Citation{Ref: chunk.Ref, Score: chunk.Score}
	}
	return out
}

const promptHeader = `You are PlanPilot, an assistant answering questions about the team's projects, tasks, and people. Ground every statement in the context below and say so when the context does not cover the question.`

func systemPrompt(assembled assembler.Context, degraded bool) string {
	if degraded || assembled.Text == "" {
		return promptHeader + "\n\nNo project context is available for this question."
	}
	return promptHeader + "\n\nContext:\n\n" + assembled.Text
}
