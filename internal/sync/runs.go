package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planpilot-ai/planpilot/internal/entity"
)

// RunRepository persists sync runs and hands out run sequence numbers.
type RunRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository creates a new run repository.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// NextSeq allocates the next run sequence number. Sequence numbers are
// monotonic across the deployment, unlike wall clocks, so ordering
// between overlapping runs never depends on clock skew.
func (r *RunRepository) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('sync_run_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocating sync sequence: %w", err)
	}
	return seq, nil
}

func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	checkpoint, err := json.Marshal(run.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, full_sync, seq, status, since, checkpoint, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Full, run.Seq, run.Status, run.Since, checkpoint, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating sync run %s: %w", run.ID, err)
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, full_sync, seq, status, since, checkpoint, pages,
		        added, updated, unchanged, deleted, error, started_at, finished_at
		 FROM sync_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync run %s: %w", id, err)
	}
	return run, nil
}

// LastCompleted returns the most recently completed run, or nil when
// no run has completed yet. Incremental runs derive their updatedSince
// watermark from it.
func (r *RunRepository) LastCompleted(ctx context.Context) (*Run, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, full_sync, seq, status, since, checkpoint, pages,
		        added, updated, unchanged, deleted, error, started_at, finished_at
		 FROM sync_runs WHERE status = $1 ORDER BY seq DESC LIMIT 1`, RunCompleted)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting last completed run: %w", err)
	}
	return run, nil
}

// Latest returns the most recent run regardless of status, or nil.
func (r *RunRepository) Latest(ctx context.Context) (*Run, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, full_sync, seq, status, since, checkpoint, pages,
		        added, updated, unchanged, deleted, error, started_at, finished_at
		 FROM sync_runs ORDER BY seq DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest run: %w", err)
	}
	return run, nil
}

// SaveCheckpoint commits the run's paging position and counters. Called
// after each page so a resumed run continues from here.
func (r *RunRepository) SaveCheckpoint(ctx context.Context, run *Run) error {
	checkpoint, err := json.Marshal(run.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE sync_runs SET checkpoint = $2, pages = $3, added = $4,
		        updated = $5, unchanged = $6, deleted = $7, status = $8, error = ''
		 WHERE id = $1`,
		run.ID, checkpoint, run.Pages, run.Added, run.Updated, run.Unchanged,
		run.Deleted, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for run %s: %w", run.ID, err)
	}
	return nil
}

// Complete marks the run finished and records final counters.
func (r *RunRepository) Complete(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.Status = RunCompleted
	run.FinishedAt = &now

	checkpoint, err := json.Marshal(run.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, checkpoint = $3, pages = $4, added = $5,
		        updated = $6, unchanged = $7, deleted = $8, finished_at = $9, error = ''
		 WHERE id = $1`,
		run.ID, run.Status, checkpoint, run.Pages, run.Added, run.Updated,
		run.Unchanged, run.Deleted, now,
	)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", run.ID, err)
	}
	return nil
}

// Fail records the run's error. The checkpoint is left intact so a
// redelivered job can resume.
func (r *RunRepository) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, error = $3 WHERE id = $1`,
		id, RunFailed, msg,
	)
	if err != nil {
		return fmt.Errorf("failing run %s: %w", id, err)
	}
	return nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var checkpoint []byte
	if err := row.Scan(&run.ID, &run.Full, &run.Seq, &run.Status, &run.Since,
		&checkpoint, &run.Pages, &run.Added, &run.Updated, &run.Unchanged,
		&run.Deleted, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Checkpoint = map[entity.Kind]int{}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &run.Checkpoint); err != nil {
			return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
		}
	}
	return &run, nil
}
