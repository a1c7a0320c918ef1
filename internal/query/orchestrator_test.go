package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planpilot-ai/planpilot/internal/assembler"
	"github.com/planpilot-ai/planpilot/internal/chat"
	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/index"
	"github.com/planpilot-ai/planpilot/internal/llm"
)

type stubEmbedder struct {
	vec  []float32
	fail bool
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

type stubStore struct {
	entities map[entity.Ref]entity.Entity
}

func (s *stubStore) Get(_ context.Context, kind entity.Kind, id string) (*entity.Entity, error) {
	e, ok := s.entities[entity.Ref{Kind: kind, ExternalID: id}]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return &e, nil
}

type stubCompleter struct {
	calls    int
	requests []llm.Request
	text     string
	err      error
}

func (s *stubCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

type fixture struct {
	orch      *Orchestrator
	embedder  *stubEmbedder
	store     *stubStore
	completer *stubCompleter
	index     *index.Index
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	embedder := &stubEmbedder{vec: []float32{1, 0}}
	store := &stubStore{entities: map[entity.Ref]entity.Entity{}}
	completer := &stubCompleter{text: "the answer"}
	ix := index.New("test-model")

	orch := New(embedder, ix, store, assembler.New(8000, 0), completer,
		NewCache(client, 10*time.Minute), chat.NewHistory(client, 10, time.Hour), 5)

	return &fixture{orch: orch, embedder: embedder, store: store, completer: completer, index: ix}
}

func (f *fixture) addTask(id, title string, vec []float32) entity.Entity {
	fields := []entity.Field{{Name: "title", Value: title}}
	ent := entity.Entity{
		ExternalID:  id,
		Kind:        entity.KindTask,
		Fields:      fields,
		ContentHash: entity.HashFields(fields),
		UpdatedAt:   time.Now().UTC(),
	}
	f.store.entities[ent.Ref()] = ent
	f.index.Add(index.Record{
		Kind: ent.Kind, ExternalID: ent.ExternalID, Vector: vec,
		ContentHash: ent.ContentHash, ModelVersion: "test-model", UpdatedAt: ent.UpdatedAt,
	})
	return ent
}

func TestAnswer_CitesRetrievedEntities(t *testing.T) {
	f := setup(t)
	f.addTask("1", "release blocked by login bug", []float32{1, 0})
	f.addTask("2", "unrelated paperwork", []float32{0, 1})

	ans, err := f.orch.Answer(context.Background(), Request{Query: "what blocks the release?"})
	require.NoError(t, err)

	assert.Equal(t, "the answer", ans.Answer)
	assert.False(t, ans.Degraded)
	require.NotEmpty(t, ans.Citations)
	assert.Equal(t, "1", ans.Citations[0].Ref.ExternalID)

	require.Len(t, f.completer.requests, 1)
	assert.Contains(t, f.completer.requests[0].System, "release blocked by login bug")
	assert.Equal(t, "what blocks the release?", f.completer.requests[0].Messages[0].Content)
}

func TestAnswer_StableQueryServedFromCache(t *testing.T) {
	f := setup(t)
	f.addTask("1", "stable task", []float32{1, 0})

	first, err := f.orch.Answer(context.Background(), Request{Query: "What is open?"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Same question, trivially rephrased, over unchanged data.
	second, err := f.orch.Answer(context.Background(), Request{Query: "  what IS open? "})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Citations, second.Citations)
	assert.Equal(t, 1, f.completer.calls, "cache hit must not reach the model")
}

func TestAnswer_ContentChangeInvalidatesCache(t *testing.T) {
	f := setup(t)
	f.addTask("1", "before", []float32{1, 0})

	_, err := f.orch.Answer(context.Background(), Request{Query: "what is open?"})
	require.NoError(t, err)

	// The cited entity changes: same question must re-run the model.
	f.addTask("1", "after", []float32{1, 0})
	ans, err := f.orch.Answer(context.Background(), Request{Query: "what is open?"})
	require.NoError(t, err)

	assert.False(t, ans.Cached)
	assert.Equal(t, 2, f.completer.calls)
}

func TestAnswer_SessionBypassesCacheAndCarriesHistory(t *testing.T) {
	f := setup(t)
	f.addTask("1", "stable task", []float32{1, 0})
	session := uuid.New()

	_, err := f.orch.Answer(context.Background(), Request{Query: "what is open?", SessionID: &session})
	require.NoError(t, err)

	ans, err := f.orch.Answer(context.Background(), Request{Query: "what is open?", SessionID: &session})
	require.NoError(t, err)

	assert.False(t, ans.Cached, "identical questions differ across conversations")
	assert.Equal(t, 2, f.completer.calls)

	// The second call carries the first exchange plus the new question.
	msgs := f.completer.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)
	assert.Equal(t, "user", msgs[2].Role)
}

func TestAnswer_DegradesWhenRetrievalFails(t *testing.T) {
	f := setup(t)
	f.embedder.fail = true

	ans, err := f.orch.Answer(context.Background(), Request{Query: "anything?"})
	require.NoError(t, err)

	assert.True(t, ans.Degraded)
	assert.Empty(t, ans.Citations)
	assert.Contains(t, f.completer.requests[0].System, "No project context is available")
}

func TestAnswer_DegradedAnswerNotCached(t *testing.T) {
	f := setup(t)
	f.embedder.fail = true

	_, err := f.orch.Answer(context.Background(), Request{Query: "anything?"})
	require.NoError(t, err)

	f.embedder.fail = false
	ans, err := f.orch.Answer(context.Background(), Request{Query: "anything?"})
	require.NoError(t, err)
	assert.False(t, ans.Cached, "degraded answers must not populate the cache")
	assert.Equal(t, 2, f.completer.calls)
}

func TestAnswer_DeletedEntityNeverCited(t *testing.T) {
	f := setup(t)
	ent := f.addTask("1", "soft deleted", []float32{1, 0})
	ent.Deleted = true
	f.store.entities[ent.Ref()] = ent

	ans, err := f.orch.Answer(context.Background(), Request{Query: "anything?"})
	require.NoError(t, err)
	assert.Empty(t, ans.Citations)
}

func TestAnswer_CompletionFailureSurfaces(t *testing.T) {
	f := setup(t)
	f.addTask("1", "task", []float32{1, 0})
	f.completer.err = &llm.Error{Kind: llm.RateLimited, Status: 429}

	_, err := f.orch.Answer(context.Background(), Request{Query: "what is open?"})
	require.Error(t, err)
	assert.Equal(t, llm.RateLimited, llm.KindOf(err))
}

func TestAnswer_EmptyQueryRejected(t *testing.T) {
	f := setup(t)
	_, err := f.orch.Answer(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.Zero(t, f.completer.calls)
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := assembler.Chunk{ContentHash: "aaa"}
	b := assembler.Chunk{ContentHash: "bbb"}

	assert.Equal(t,
		Fingerprint("q", []assembler.Chunk{a, b}),
		Fingerprint("q", []assembler.Chunk{b, a}))
	assert.NotEqual(t,
		Fingerprint("q", []assembler.Chunk{a}),
		Fingerprint("q", []assembler.Chunk{b}))
	assert.NotEqual(t,
		Fingerprint("q1", []assembler.Chunk{a}),
		Fingerprint("q2", []assembler.Chunk{a}))
}
