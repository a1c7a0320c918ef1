package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Store persists synchronized entities in Postgres. All mutation goes
// through the Sync Engine and the Indexer; queries only read.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new entity store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Counts summarizes the store for the admin status endpoint.
type Counts struct {
	Total   int64 `json:"total"`
	Deleted int64 `json:"deleted"`
}

func (s *Store) Get(ctx context.Context, kind Kind, externalID string) (*Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT external_id, kind, fields, content_hash, sync_seq, updated_at, synced_at, deleted
		 FROM entities WHERE kind = $1 AND external_id = $2`,
		kind, externalID,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting entity %s/%s: %w", kind, externalID, err)
	}
	return e, nil
}

// Upsert writes one synchronized record. The row is locked for the
// duration of the compare so concurrent upserts for the same external ID
// are serialized. An identical content hash refreshes synced_at only; a
// write carrying a lower sync sequence than the stored row is rejected,
// so an overlapping older run cannot revert a newer record.
func (s *Store) Upsert(ctx context.Context, e *Entity, seq int64) (UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Stale, fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var storedHash string
	var storedSeq int64
	now := time.Now().UTC()

	err = tx.QueryRow(ctx,
		`SELECT content_hash, sync_seq FROM entities
		 WHERE kind = $1 AND external_id = $2 FOR UPDATE`,
		e.Kind, e.ExternalID,
	).Scan(&storedHash, &storedSeq)

	result := Updated
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		result = Inserted
	case err != nil:
		return Stale, fmt.Errorf("locking entity %s: %w", e.Ref(), err)
	case storedSeq > seq:
		return Stale, tx.Commit(ctx)
	case storedHash == e.ContentHash:
		_, err = tx.Exec(ctx,
			`UPDATE entities SET synced_at = $3, sync_seq = $4, deleted = FALSE
			 WHERE kind = $1 AND external_id = $2`,
			e.Kind, e.ExternalID, now, seq,
		)
		if err != nil {
			return Stale, fmt.Errorf("refreshing entity %s: %w", e.Ref(), err)
		}
		return Unchanged, tx.Commit(ctx)
	}

	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return Stale, fmt.Errorf("marshaling fields for %s: %w", e.Ref(), err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO entities (external_id, kind, fields, content_hash, sync_seq, updated_at, synced_at, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		 ON CONFLICT (kind, external_id) DO UPDATE SET
		   fields = EXCLUDED.fields,
		   content_hash = EXCLUDED.content_hash,
		   sync_seq = EXCLUDED.sync_seq,
		   updated_at = EXCLUDED.updated_at,
		   synced_at = EXCLUDED.synced_at,
		   deleted = FALSE`,
		e.ExternalID, e.Kind, fieldsJSON, e.ContentHash, seq, e.UpdatedAt.UTC(), now,
	)
	if err != nil {
		return Stale, fmt.Errorf("upserting entity %s: %w", e.Ref(), err)
	}
	return result, tx.Commit(ctx)
}

// MarkDeleted soft-deletes one entity so the indexer can drop its
// vector before the row is physically removed.
func (s *Store) MarkDeleted(ctx context.Context, kind Kind, externalID string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE entities SET deleted = TRUE, sync_seq = $3, synced_at = now()
		 WHERE kind = $1 AND external_id = $2 AND NOT deleted`,
		kind, externalID, seq,
	)
	if err != nil {
		return fmt.Errorf("marking %s/%s deleted: %w", kind, externalID, err)
	}
	return nil
}

// MarkDeletedBelowSeq soft-deletes every live entity of the given kind
// not touched by the sync run with the given sequence. Full syncs call
// this after listing a kind completely: every record present upstream
// was just stamped with the run's sequence, so a lower sequence means
// the entity is gone. Because the stamp is durable, a resumed run does
// not need to replay earlier pages to keep absence detection correct.
func (s *Store) MarkDeletedBelowSeq(ctx context.Context, kind Kind, seq int64) ([]Ref, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE entities SET deleted = TRUE, sync_seq = $2, synced_at = now()
		 WHERE kind = $1 AND NOT deleted AND sync_seq < $2
		 RETURNING external_id`,
		kind, seq,
	)
	if err != nil {
		return nil, fmt.Errorf("marking absent %s entities deleted: %w", kind, err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning deleted id: %w", err)
		}
		refs = append(refs, Ref{Kind: kind, ExternalID: id})
	}
	return refs, rows.Err()
}

// HardDelete removes a soft-deleted row for good. The indexer calls
// this only after the entity's vectors are gone.
func (s *Store) HardDelete(ctx context.Context, kind Kind, externalID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM entities WHERE kind = $1 AND external_id = $2 AND deleted`,
		kind, externalID,
	)
	if err != nil {
		return fmt.Errorf("hard-deleting %s/%s: %w", kind, externalID, err)
	}
	return nil
}

// ListChangedSince returns entities (including soft-deleted ones)
// synced at or after ts.
func (s *Store) ListChangedSince(ctx context.Context, ts time.Time) ([]Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_id, kind, fields, content_hash, sync_seq, updated_at, synced_at, deleted
		 FROM entities WHERE synced_at >= $1 ORDER BY synced_at`,
		ts.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing entities changed since %s: %w", ts, err)
	}
	return collectEntities(rows)
}

// ListChangedBySeq returns entities stamped with the given sync
// sequence. A resumed sync run uses this to recover the changes its
// earlier, partially committed attempt already wrote.
func (s *Store) ListChangedBySeq(ctx context.Context, seq int64) ([]Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_id, kind, fields, content_hash, sync_seq, updated_at, synced_at, deleted
		 FROM entities WHERE sync_seq = $1 ORDER BY kind, external_id`,
		seq,
	)
	if err != nil {
		return nil, fmt.Errorf("listing entities for seq %d: %w", seq, err)
	}
	return collectEntities(rows)
}

// ListLive returns all non-deleted entities, for index rebuilds.
func (s *Store) ListLive(ctx context.Context) ([]Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_id, kind, fields, content_hash, sync_seq, updated_at, synced_at, deleted
		 FROM entities WHERE NOT deleted ORDER BY kind, external_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing live entities: %w", err)
	}
	return collectEntities(rows)
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE deleted) FROM entities`,
	).Scan(&c.Total, &c.Deleted)
	if err != nil {
		return Counts{}, fmt.Errorf("counting entities: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var fieldsJSON []byte
	if err := row.Scan(&e.ExternalID, &e.Kind, &fieldsJSON, &e.ContentHash,
		&e.SyncSeq, &e.UpdatedAt, &e.SyncedAt, &e.Deleted); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
		return nil, fmt.Errorf("unmarshaling fields: %w", err)
	}
	return &e, nil
}

func collectEntities(rows pgx.Rows) ([]Entity, error) {
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
