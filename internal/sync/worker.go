package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/nats"
	"github.com/planpilot-ai/planpilot/internal/planfix"
)

// ApplyFunc consumes the change set of a completed run, embedding new
// content and dropping deleted vectors. Injected as a function so the
// worker does not depend on the indexer package.
type ApplyFunc func(ctx context.Context, cs *entity.ChangeSet) error

// Worker consumes sync jobs from the work queue one at a time, runs
// the engine, and hands the change set to the indexer. Transient
// failures negatively acknowledge the message so the server redelivers
// it and the run resumes from its checkpoint.
type Worker struct {
	engine     *Engine
	apply      ApplyFunc
	publisher  *nats.Publisher
	consumer   jetstream.Consumer
	jobTimeout time.Duration
}

// NewWorker creates a sync worker reading from the given consumer.
func NewWorker(engine *Engine, apply ApplyFunc, publisher *nats.Publisher, consumer jetstream.Consumer, jobTimeout time.Duration) *Worker {
	return &Worker{
		engine:     engine,
		apply:      apply,
		publisher:  publisher,
		consumer:   consumer,
		jobTimeout: jobTimeout,
	}
}

// Start consumes jobs until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("sync worker started", "job_timeout", w.jobTimeout)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync worker stopped")
			return
		default:
		}

		batch, err := w.consumer.Fetch(1, jetstream.FetchMaxWait(nats.FetchTimeout))
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				slog.Warn("fetching sync job", "error", err)
			}
			continue
		}
		for msg := range batch.Messages() {
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	var jobMsg nats.SyncJobMessage
	if err := json.Unmarshal(msg.Data(), &jobMsg); err != nil {
		slog.Error("malformed sync job message, dropping", "error", err)
		w.ack(msg)
		return
	}

	job := Job{ID: jobMsg.JobID, Full: jobMsg.Full, RequestedAt: jobMsg.RequestedAt}
	start := time.Now()

	changes, run, err := w.process(ctx, job)
	if err != nil {
		w.handleRunError(msg, job.ID, err)
		return
	}

	w.publishCompleted(ctx, run, changes, time.Since(start))
	w.ack(msg)
}

// process executes the run and applies its changes under one bounded
// context: the job timeout covers the indexing phase too, so a stuck
// embedding provider cannot hold the worker past the ack deadline.
func (w *Worker) process(ctx context.Context, job Job) (*entity.ChangeSet, *Run, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	changes, run, err := w.engine.Run(runCtx, job)
	if err != nil {
		return nil, nil, err
	}

	if err := w.apply(runCtx, changes); err != nil {
		// The run itself is committed; indexing failures are isolated
		// per entity inside the indexer, so anything surfacing here is
		// unexpected. The next run's hash checks will catch up.
		slog.Error("applying sync changes to index", "run_id", run.ID, "error", err)
	}
	return changes, run, nil
}

func (w *Worker) handleRunError(msg jetstream.Msg, jobID uuid.UUID, err error) {
	switch {
	case errors.Is(err, ErrSyncRunning):
		// Another run holds the lock; retry the job later.
		w.nak(msg, 30*time.Second)
	case planfix.KindOf(err) == planfix.Transient:
		slog.Warn("sync run hit transient failure, will resume on redelivery",
			"job_id", jobID, "error", err)
		w.nak(msg, 10*time.Second)
	default:
		// Auth and schema errors do not heal on retry.
		slog.Error("sync run failed permanently", "job_id", jobID,
			"kind", planfix.KindOf(err), "error", err)
		w.ack(msg)
	}
}

func (w *Worker) publishCompleted(ctx context.Context, run *Run, changes *entity.ChangeSet, took time.Duration) {
	event := nats.SyncCompletedEvent{
		JobID:     run.ID,
		Status:    string(run.Status),
		Full:      run.Full,
		Added:     run.Added,
		Updated:   run.Updated,
		Unchanged: run.Unchanged,
		Deleted:   run.Deleted,
		Pages:     run.Pages,
		Embedded:  len(changes.Added) + len(changes.Updated),
		Removed:   len(changes.Deleted),
		Duration:  took,
		Timestamp: time.Now().UTC(),
	}
	if err := w.publisher.PublishSyncCompleted(ctx, event); err != nil {
		slog.Warn("publishing sync completed event", "run_id", run.ID, "error", err)
	}
}

func (w *Worker) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		slog.Warn("acking sync job", "error", err)
	}
}

func (w *Worker) nak(msg jetstream.Msg, delay time.Duration) {
	if err := msg.NakWithDelay(delay); err != nil {
		slog.Warn("nacking sync job", "error", err)
	}
}
