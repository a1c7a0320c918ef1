package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/planfix"
)

type fakeSource struct {
	pages   map[entity.Kind][]planfix.Page
	fetches map[entity.Kind][]int
	failAt  map[entity.Kind]int // offset at which to fail exactly once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:   map[entity.Kind][]planfix.Page{},
		fetches: map[entity.Kind][]int{},
		failAt:  map[entity.Kind]int{},
	}
}

func (s *fakeSource) FetchPage(_ context.Context, kind entity.Kind, opts planfix.PageOptions) (planfix.Page, error) {
	s.fetches[kind] = append(s.fetches[kind], opts.Offset)
	if off, ok := s.failAt[kind]; ok && off == opts.Offset {
		delete(s.failAt, kind)
		return planfix.Page{}, &planfix.Error{Kind: planfix.Transient, Err: context.DeadlineExceeded}
	}

	pages := s.pages[kind]
	idx := opts.Offset / opts.Limit
	if idx >= len(pages) {
		return planfix.Page{}, nil
	}
	return pages[idx], nil
}

type fakeStore struct {
	entities map[entity.Ref]entity.Entity
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: map[entity.Ref]entity.Entity{}}
}

func (s *fakeStore) Upsert(_ context.Context, e *entity.Entity, seq int64) (entity.UpsertResult, error) {
	ref := e.Ref()
	stored, ok := s.entities[ref]
	now := time.Now().UTC()

	result := entity.Updated
	switch {
	case !ok:
		result = entity.Inserted
	case stored.SyncSeq > seq:
		return entity.Stale, nil
	case stored.ContentHash == e.ContentHash:
		stored.SyncSeq = seq
		stored.SyncedAt = now
		stored.Deleted = false
		s.entities[ref] = stored
		return entity.Unchanged, nil
	}

	saved := *e
	saved.SyncSeq = seq
	saved.SyncedAt = now
	s.entities[ref] = saved
	return result, nil
}

func (s *fakeStore) MarkDeleted(_ context.Context, kind entity.Kind, externalID string, seq int64) error {
	ref := entity.Ref{Kind: kind, ExternalID: externalID}
	if e, ok := s.entities[ref]; ok && !e.Deleted {
		e.Deleted = true
		e.SyncSeq = seq
		s.entities[ref] = e
	}
	return nil
}

func (s *fakeStore) MarkDeletedBelowSeq(_ context.Context, kind entity.Kind, seq int64) ([]entity.Ref, error) {
	var refs []entity.Ref
	for ref, e := range s.entities {
		if ref.Kind == kind && !e.Deleted && e.SyncSeq < seq {
			e.Deleted = true
			e.SyncSeq = seq
			s.entities[ref] = e
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (s *fakeStore) ListChangedBySeq(_ context.Context, seq int64) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, e := range s.entities {
		if e.SyncSeq == seq {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeRuns struct {
	runs map[uuid.UUID]Run
	seq  int64
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[uuid.UUID]Run{}}
}

func (r *fakeRuns) NextSeq(context.Context) (int64, error) {
	r.seq++
	return r.seq, nil
}

func (r *fakeRuns) Create(_ context.Context, run *Run) error {
	r.save(run)
	return nil
}

func (r *fakeRuns) Get(_ context.Context, id uuid.UUID) (*Run, error) {
	run, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := map[entity.Kind]int{}
	for k, v := range run.Checkpoint {
		cp[k] = v
	}
	run.Checkpoint = cp
	return &run, nil
}

func (r *fakeRuns) LastCompleted(context.Context) (*Run, error) {
	var latest *Run
	for id := range r.runs {
		run := r.runs[id]
		if run.Status == RunCompleted && (latest == nil || run.Seq > latest.Seq) {
			latest = &run
		}
	}
	return latest, nil
}

func (r *fakeRuns) SaveCheckpoint(_ context.Context, run *Run) error {
	r.save(run)
	return nil
}

func (r *fakeRuns) Complete(_ context.Context, run *Run) error {
	now := time.Now().UTC()
	run.Status = RunCompleted
	run.FinishedAt = &now
	r.save(run)
	return nil
}

func (r *fakeRuns) Fail(_ context.Context, id uuid.UUID, msg string) error {
	run := r.runs[id]
	run.Status = RunFailed
	run.Error = msg
	r.runs[id] = run
	return nil
}

func (r *fakeRuns) save(run *Run) {
	saved := *run
	saved.Checkpoint = map[entity.Kind]int{}
	for k, v := range run.Checkpoint {
		saved.Checkpoint[k] = v
	}
	r.runs[run.ID] = saved
}

func taskRecord(id, title string) planfix.Record {
	return planfix.Record{
		ExternalID: id,
		Fields: []entity.Field{
			{Name: "title", Value: title},
			{Name: "status", Value: "open"},
		},
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRun_PagesThroughAllKinds(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "first"), taskRecord("2", "second")}, HasMore: true},
		{Records: []planfix.Record{taskRecord("3", "third")}},
	}
	source.pages[entity.KindProject] = []planfix.Page{
		{Records: []planfix.Record{{ExternalID: "p1", Fields: []entity.Field{{Name: "name", Value: "Apollo"}}}}},
	}

	store := newFakeStore()
	engine := NewEngine(source, store, newFakeRuns(), 2)

	cs, run, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)

	assert.Len(t, cs.Added, 4)
	assert.Empty(t, cs.Updated)
	assert.Empty(t, cs.Deleted)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 4, run.Added)
	assert.Equal(t, []int{0, 2}, source.fetches[entity.KindTask])
	// Kinds with no data still get one (empty) listing call.
	assert.Len(t, source.fetches[entity.KindUser], 1)
	assert.Len(t, source.fetches[entity.KindComment], 1)
}

func TestRun_UnchangedEntitiesNotInChangeSet(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "stable"), taskRecord("2", "stable")}},
	}
	store := newFakeStore()
	runs := newFakeRuns()
	engine := NewEngine(source, store, runs, 10)

	first, _, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)
	require.Len(t, first.Added, 2)

	// Same content again: nothing to re-embed.
	second, run, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)
	assert.True(t, second.Empty())
	assert.Equal(t, 2, run.Unchanged)
}

func TestRun_DeletedRecordsProduceDeletes(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "doomed")}},
	}
	store := newFakeStore()
	runs := newFakeRuns()
	engine := NewEngine(source, store, runs, 10)

	_, _, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)

	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{{ExternalID: "1", Deleted: true}}},
	}
	cs, run, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)

	require.Len(t, cs.Deleted, 1)
	assert.Equal(t, entity.Ref{Kind: entity.KindTask, ExternalID: "1"}, cs.Deleted[0])
	assert.Equal(t, 1, run.Deleted)
	assert.True(t, store.entities[cs.Deleted[0]].Deleted)
}

func TestRun_FullSyncDetectsAbsence(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "kept"), taskRecord("2", "dropped")}},
	}
	store := newFakeStore()
	runs := newFakeRuns()
	engine := NewEngine(source, store, runs, 10)

	_, _, err := engine.Run(context.Background(), Job{ID: uuid.New(), Full: true})
	require.NoError(t, err)

	// Task 2 vanished upstream without a tombstone.
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "kept")}},
	}
	cs, run, err := engine.Run(context.Background(), Job{ID: uuid.New(), Full: true})
	require.NoError(t, err)

	require.Len(t, cs.Deleted, 1)
	assert.Equal(t, "2", cs.Deleted[0].ExternalID)
	assert.Equal(t, 1, run.Deleted)
	// The surviving task is unchanged, not re-added.
	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Updated)
}

func TestRun_ResumesFromCheckpointAfterTransientFailure(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "first"), taskRecord("2", "second")}, HasMore: true},
		{Records: []planfix.Record{taskRecord("3", "third")}},
	}
	source.failAt[entity.KindTask] = 2 // page 2 fails once

	store := newFakeStore()
	runs := newFakeRuns()
	engine := NewEngine(source, store, runs, 2)

	jobID := uuid.New()
	_, _, err := engine.Run(context.Background(), Job{ID: jobID})
	require.Error(t, err)
	assert.Equal(t, planfix.Transient, planfix.KindOf(err))

	saved, getErr := runs.Get(context.Background(), jobID)
	require.NoError(t, getErr)
	assert.Equal(t, RunFailed, saved.Status)
	assert.Equal(t, 2, saved.Checkpoint[entity.KindTask], "page 1 must be checkpointed")

	// Redelivery: the run resumes at offset 2 and does not refetch page 1.
	cs, run, err := engine.Run(context.Background(), Job{ID: jobID})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, []int{0, 2, 2}, source.fetches[entity.KindTask])

	// Page-1 entities recovered from the store, page-2 from the fetch:
	// every synced entity appears exactly once.
	ids := map[string]int{}
	for _, e := range append(cs.Added, cs.Updated...) {
		ids[e.ExternalID]++
	}
	assert.Equal(t, map[string]int{"1": 1, "2": 1, "3": 1}, ids)
}

func TestRun_CompletedJobReturnsRecoveredChanges(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "only")}},
	}
	store := newFakeStore()
	runs := newFakeRuns()
	engine := NewEngine(source, store, runs, 10)

	jobID := uuid.New()
	_, _, err := engine.Run(context.Background(), Job{ID: jobID})
	require.NoError(t, err)
	fetchesBefore := len(source.fetches[entity.KindTask])

	cs, run, err := engine.Run(context.Background(), Job{ID: jobID})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Len(t, cs.Updated, 1)
	assert.Len(t, source.fetches[entity.KindTask], fetchesBefore, "completed job must not refetch")
}

func TestRun_IncrementalUsesLastCompletedWatermark(t *testing.T) {
	source := newFakeSource()
	store := newFakeStore()
	runs := newFakeRuns()
	engine := NewEngine(source, store, runs, 10)

	_, first, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)
	assert.Nil(t, first.Since, "first run has no watermark")

	_, second, err := engine.Run(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)
	require.NotNil(t, second.Since)
	assert.Equal(t, first.StartedAt.Unix(), second.Since.Unix())

	_, full, err := engine.Run(context.Background(), Job{ID: uuid.New(), Full: true})
	require.NoError(t, err)
	assert.Nil(t, full.Since, "full runs list everything")
}
