package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/metrics"
	"github.com/planpilot-ai/planpilot/internal/planfix"
)

// Source lists upstream entities page by page.
type Source interface {
	FetchPage(ctx context.Context, kind entity.Kind, opts planfix.PageOptions) (planfix.Page, error)
}

// EntityStore is the slice of the entity store the engine writes through.
type EntityStore interface {
	Upsert(ctx context.Context, e *entity.Entity, seq int64) (entity.UpsertResult, error)
	MarkDeleted(ctx context.Context, kind entity.Kind, externalID string, seq int64) error
	MarkDeletedBelowSeq(ctx context.Context, kind entity.Kind, seq int64) ([]entity.Ref, error)
	ListChangedBySeq(ctx context.Context, seq int64) ([]entity.Entity, error)
}

// RunStore persists run state and checkpoints.
type RunStore interface {
	NextSeq(ctx context.Context) (int64, error)
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	LastCompleted(ctx context.Context) (*Run, error)
	SaveCheckpoint(ctx context.Context, run *Run) error
	Complete(ctx context.Context, run *Run) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
}

// Engine executes sync runs. At most one run is in flight per process;
// the work queue consumer serializes across processes.
type Engine struct {
	source   Source
	store    EntityStore
	runs     RunStore
	pageSize int

	mu gosync.Mutex
}

// NewEngine creates a sync engine.
func NewEngine(source Source, store EntityStore, runs RunStore, pageSize int) *Engine {
	return &Engine{source: source, store: store, runs: runs, pageSize: pageSize}
}

// Run executes the job and returns the resulting change set. A job
// whose run already exists resumes from the last committed page: pages
// persisted by the earlier attempt are not refetched, and their
// changes are recovered from the store by sync sequence. Calling Run
// for an already-completed job rebuilds and returns its change set
// without contacting the upstream.
func (e *Engine) Run(ctx context.Context, job Job) (*entity.ChangeSet, *Run, error) {
	if !e.mu.TryLock() {
		return nil, nil, ErrSyncRunning
	}
	defer e.mu.Unlock()

	run, resumed, err := e.openRun(ctx, job)
	if err != nil {
		return nil, nil, err
	}

	changes := newAccumulator()
	if resumed {
		if err := e.recover(ctx, run, changes); err != nil {
			return nil, run, err
		}
		if run.Status == RunCompleted {
			slog.Info("sync run already completed, returning recovered changes",
				"run_id", run.ID, "seq", run.Seq)
			return changes.changeSet(), run, nil
		}
		slog.Info("resuming sync run", "run_id", run.ID, "seq", run.Seq,
			"checkpoint", run.Checkpoint, "recovered", changes.size())
	}

	for _, kind := range entity.Kinds {
		if err := e.syncKind(ctx, run, kind, changes); err != nil {
			e.failRun(ctx, run, err)
			return nil, run, err
		}
	}

	if err := e.runs.Complete(ctx, run); err != nil {
		return nil, run, err
	}
	slog.Info("sync run completed", "run_id", run.ID, "full", run.Full,
		"pages", run.Pages, "added", run.Added, "updated", run.Updated,
		"unchanged", run.Unchanged, "deleted", run.Deleted)
	return changes.changeSet(), run, nil
}

func (e *Engine) openRun(ctx context.Context, job Job) (*Run, bool, error) {
	run, err := e.runs.Get(ctx, job.ID)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, ErrRunNotFound) {
		return nil, false, err
	}

	seq, err := e.runs.NextSeq(ctx)
	if err != nil {
		return nil, false, err
	}
	run = &Run{
		ID:         job.ID,
		Full:       job.Full,
		Seq:        seq,
		Status:     RunRunning,
		Checkpoint: map[entity.Kind]int{},
		StartedAt:  time.Now().UTC(),
	}
	if !job.Full {
		last, err := e.runs.LastCompleted(ctx)
		if err != nil {
			return nil, false, err
		}
		if last != nil {
			since := last.StartedAt
			run.Since = &since
		}
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

// recover seeds the accumulator with changes the run's earlier attempt
// already committed. Live rows stamped with the run's sequence are
// treated as updates; the indexer's content-hash check keeps any
// actually-unchanged ones from being re-embedded.
func (e *Engine) recover(ctx context.Context, run *Run, changes *accumulator) error {
	prior, err := e.store.ListChangedBySeq(ctx, run.Seq)
	if err != nil {
		return err
	}
	for _, ent := range prior {
		if ent.Deleted {
			changes.remove(ent.Ref())
		} else {
			changes.update(ent)
		}
	}
	return nil
}

func (e *Engine) syncKind(ctx context.Context, run *Run, kind entity.Kind, changes *accumulator) error {
	offset, seen := run.Checkpoint[kind]
	if seen && offset == kindDone {
		return nil
	}

	for {
		page, err := e.source.FetchPage(ctx, kind, planfix.PageOptions{
			Offset:       offset,
			Limit:        e.pageSize,
			UpdatedSince: run.Since,
		})
		if err != nil {
			return fmt.Errorf("fetching %s page at offset %d: %w", kind, offset, err)
		}

		for i := range page.Records {
			if err := e.applyRecord(ctx, run, kind, &page.Records[i], changes); err != nil {
				return err
			}
		}

		offset += len(page.Records)
		run.Pages++
		run.Checkpoint[kind] = offset
		metrics.RecordSyncPage(string(kind))

		if !page.HasMore {
			break
		}
		// Commit the checkpoint so a failure on a later page resumes
		// here instead of refetching.
		if err := e.runs.SaveCheckpoint(ctx, run); err != nil {
			return err
		}
	}

	if run.Full {
		refs, err := e.store.MarkDeletedBelowSeq(ctx, kind, run.Seq)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			changes.remove(ref)
		}
		run.Deleted += len(refs)
	}

	run.Checkpoint[kind] = kindDone
	return e.runs.SaveCheckpoint(ctx, run)
}

func (e *Engine) applyRecord(ctx context.Context, run *Run, kind entity.Kind, rec *planfix.Record, changes *accumulator) error {
	ref := entity.Ref{Kind: kind, ExternalID: rec.ExternalID}

	if rec.Deleted {
		if err := e.store.MarkDeleted(ctx, kind, rec.ExternalID, run.Seq); err != nil {
			return err
		}
		changes.remove(ref)
		run.Deleted++
		metrics.RecordSyncEntity("deleted")
		return nil
	}

	ent := entity.Entity{
		ExternalID:  rec.ExternalID,
		Kind:        kind,
		Fields:      rec.Fields,
		ContentHash: entity.HashFields(rec.Fields),
		UpdatedAt:   rec.UpdatedAt,
	}
	result, err := e.store.Upsert(ctx, &ent, run.Seq)
	if err != nil {
		return err
	}

	switch result {
	case entity.Inserted:
		changes.add(ent)
		run.Added++
	case entity.Updated:
		changes.update(ent)
		run.Updated++
	case entity.Unchanged:
		run.Unchanged++
	case entity.Stale:
		slog.Debug("skipping stale upsert", "ref", ref, "seq", run.Seq)
	}
	metrics.RecordSyncEntity(result.String())
	return nil
}

func (e *Engine) failRun(ctx context.Context, run *Run, cause error) {
	run.Status = RunFailed
	run.Error = cause.Error()
	// Best effort with a fresh context: the original may already be
	// canceled, and the error must land for the status endpoint.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.Fail(saveCtx, run.ID, cause.Error()); err != nil {
		slog.Error("recording sync run failure", "run_id", run.ID, "error", err)
	}
	slog.Error("sync run failed", "run_id", run.ID, "kind", planfix.KindOf(cause), "error", cause)
}
