package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/planpilot-ai/planpilot/internal/entity"
)

// RecordStore is the durable layer under the serving index: one row per
// (entity, model version) with the vector and the content hash at embed
// time. A cold start loads from here instead of re-embedding.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a new embedding record store.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

func (s *RecordStore) Upsert(ctx context.Context, rec *Record) error {
	vec := pgvector.NewVector(rec.Vector)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embedding_records (kind, external_id, model_version, content_hash, embedding, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (kind, external_id, model_version) DO UPDATE SET
		   content_hash = EXCLUDED.content_hash,
		   embedding = EXCLUDED.embedding,
		   updated_at = EXCLUDED.updated_at`,
		rec.Kind, rec.ExternalID, rec.ModelVersion, rec.ContentHash, vec, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting embedding record %s: %w", rec.Ref(), err)
	}
	return nil
}

// GetHash returns the content hash the entity was last embedded with
// for the given model version, and whether a record exists at all.
func (s *RecordStore) GetHash(ctx context.Context, ref entity.Ref, modelVersion string) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT content_hash FROM embedding_records
		 WHERE kind = $1 AND external_id = $2 AND model_version = $3`,
		ref.Kind, ref.ExternalID, modelVersion,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting embedded hash for %s: %w", ref, err)
	}
	return hash, true, nil
}

// Delete removes all records for the entity, across model versions.
func (s *RecordStore) Delete(ctx context.Context, ref entity.Ref) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM embedding_records WHERE kind = $1 AND external_id = $2`,
		ref.Kind, ref.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("deleting embedding records for %s: %w", ref, err)
	}
	return nil
}

// ListByModel returns every record of the given model version whose
// entity is still live, for index rebuilds.
func (s *RecordStore) ListByModel(ctx context.Context, modelVersion string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.kind, r.external_id, r.model_version, r.content_hash, r.embedding, r.updated_at
		 FROM embedding_records r
		 JOIN entities e ON e.kind = r.kind AND e.external_id = r.external_id
		 WHERE r.model_version = $1 AND NOT e.deleted`,
		modelVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("listing embedding records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var vec pgvector.Vector
		if err := rows.Scan(&rec.Kind, &rec.ExternalID, &rec.ModelVersion,
			&rec.ContentHash, &vec, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning embedding record: %w", err)
		}
		rec.Vector = vec.Slice()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeOtherModels removes records of superseded model versions.
// Called during rebuild after a model change.
func (s *RecordStore) PurgeOtherModels(ctx context.Context, modelVersion string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM embedding_records WHERE model_version <> $1`, modelVersion)
	if err != nil {
		return 0, fmt.Errorf("purging superseded embedding records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *RecordStore) Count(ctx context.Context, modelVersion string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM embedding_records WHERE model_version = $1`, modelVersion,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embedding records: %w", err)
	}
	return n, nil
}

// StaleCount counts live entities whose content hash no longer matches
// their embedded hash for the given model version, including entities
// never embedded at all.
func (s *RecordStore) StaleCount(ctx context.Context, modelVersion string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		 FROM entities e
		 LEFT JOIN embedding_records r
		   ON r.kind = e.kind AND r.external_id = e.external_id AND r.model_version = $1
		 WHERE NOT e.deleted AND (r.content_hash IS NULL OR r.content_hash <> e.content_hash)`,
		modelVersion,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting stale entities: %w", err)
	}
	return n, nil
}
