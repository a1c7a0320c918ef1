// Package indexer keeps the vector index in step with the entity
// store: it embeds added and changed entities, drops deleted ones, and
// skips anything whose content hash already has a durable vector.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/planpilot-ai/planpilot/internal/embedding"
	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/index"
	"github.com/planpilot-ai/planpilot/internal/metrics"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// RecordStore is the durable vector layer.
type RecordStore interface {
	Upsert(ctx context.Context, rec *index.Record) error
	GetHash(ctx context.Context, ref entity.Ref, modelVersion string) (string, bool, error)
	ListByModel(ctx context.Context, modelVersion string) ([]index.Record, error)
	Delete(ctx context.Context, ref entity.Ref) error
	PurgeOtherModels(ctx context.Context, modelVersion string) (int64, error)
}

// EntityStore is the slice of the entity store the indexer needs:
// listing live entities for rebuilds and finalizing soft deletes.
type EntityStore interface {
	ListLive(ctx context.Context) ([]entity.Entity, error)
	HardDelete(ctx context.Context, kind entity.Kind, externalID string) error
}

// Delta summarizes one indexing pass.
type Delta struct {
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
}

// Indexer applies change sets to the index.
type Indexer struct {
	embedder  Embedder
	index     *index.Index
	records   RecordStore
	store     EntityStore
	batchSize int
	workers   int
}

// New creates an indexer embedding batchSize texts per request across
// at most workers concurrent requests.
func New(embedder Embedder, ix *index.Index, records RecordStore, store EntityStore, batchSize, workers int) *Indexer {
	if batchSize < 1 {
		batchSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Indexer{
		embedder:  embedder,
		index:     ix,
		records:   records,
		store:     store,
		batchSize: batchSize,
		workers:   workers,
	}
}

// Apply embeds the change set's added and updated entities and removes
// its deleted ones. Entities whose content hash already has a vector
// for the current model are skipped without an embedding call. A
// failed entity is counted and logged but never blocks the rest; the
// next sync run retries it via the hash check. Each embedding batch
// becomes visible in the serving index atomically, only after its
// vectors are durable.
func (x *Indexer) Apply(ctx context.Context, cs *entity.ChangeSet) (Delta, error) {
	var delta Delta
	if cs == nil || cs.Empty() {
		return delta, nil
	}

	pending, err := x.filterStale(ctx, cs, &delta)
	if err != nil {
		return delta, err
	}
	x.embedAll(ctx, pending, &delta)

	for _, ref := range cs.Deleted {
		if err := x.remove(ctx, ref); err != nil {
			slog.Warn("removing deleted entity from index", "ref", ref, "error", err)
			delta.Failed++
			continue
		}
		delta.Removed++
	}

	metrics.IndexRecords.Set(float64(x.index.Len()))
	slog.Info("index updated", "embedded", delta.Embedded, "skipped", delta.Skipped,
		"removed", delta.Removed, "failed", delta.Failed, "records", x.index.Len())
	return delta, nil
}

// Rebuild reconstructs the serving index from scratch: the durable
// records for the current model are swapped in wholesale, then every
// live entity is re-applied. Vectors whose content hash is current are
// reused from the swap rather than re-embedded, so a rebuild after a
// crash, a corrupt snapshot, or a model change only pays for what
// actually needs embedding. Records of superseded model versions are
// purged.
func (x *Indexer) Rebuild(ctx context.Context) (Delta, error) {
	live, err := x.store.ListLive(ctx)
	if err != nil {
		return Delta{}, fmt.Errorf("listing live entities for rebuild: %w", err)
	}

	purged, err := x.records.PurgeOtherModels(ctx, x.embedder.Model())
	if err != nil {
		return Delta{}, err
	}
	if purged > 0 {
		slog.Info("purged superseded embedding records", "count", purged)
	}

	current, err := x.records.ListByModel(ctx, x.embedder.Model())
	if err != nil {
		return Delta{}, fmt.Errorf("loading durable records for rebuild: %w", err)
	}
	x.index.Swap(current)

	return x.Apply(ctx, &entity.ChangeSet{Updated: live})
}

// filterStale drops entities already embedded with their current
// content hash. This check is the primary cost control: a sync touching
// thousands of rows where only three changed costs three embeddings.
func (x *Indexer) filterStale(ctx context.Context, cs *entity.ChangeSet, delta *Delta) ([]entity.Entity, error) {
	pending := make([]entity.Entity, 0, len(cs.Added)+len(cs.Updated))
	model := x.embedder.Model()

	for _, ent := range append(append([]entity.Entity{}, cs.Added...), cs.Updated...) {
		hash, exists, err := x.records.GetHash(ctx, ent.Ref(), model)
		if err != nil {
			return nil, err
		}
		if exists && hash == ent.ContentHash {
			delta.Skipped++
			metrics.RecordEmbedding("skipped", 1)
			continue
		}
		pending = append(pending, ent)
	}
	return pending, nil
}

// embedAll processes pending entities in batches over a bounded worker
// pool. Results are merged under a mutex.
func (x *Indexer) embedAll(ctx context.Context, pending []entity.Entity, delta *Delta) {
	if len(pending) == 0 {
		return
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, x.workers)
	)
	for start := 0; start < len(pending); start += x.batchSize {
		end := start + x.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			embedded, failed := x.embedBatch(ctx, batch)
			mu.Lock()
			delta.Embedded += embedded
			delta.Failed += failed
			mu.Unlock()
		}()
	}
	wg.Wait()
}

// embedBatch embeds one batch. A batch-level failure falls back to
// embedding entities one by one, so a single poisoned text cannot sink
// its whole batch.
func (x *Indexer) embedBatch(ctx context.Context, batch []entity.Entity) (embedded, failed int) {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].CanonicalText()
	}

	vectors, err := x.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		slog.Warn("batch embedding failed, retrying entities individually",
			"batch", len(batch), "kind", embedding.KindOf(err), "error", err)
		return x.embedSingly(ctx, batch)
	}

	adds := make([]index.Record, 0, len(batch))
	for i := range batch {
		rec, err := x.persist(ctx, &batch[i], vectors[i])
		if err != nil {
			slog.Warn("persisting embedding", "ref", batch[i].Ref(), "error", err)
			metrics.RecordEmbedding("failed", 1)
			failed++
			continue
		}
		adds = append(adds, *rec)
		metrics.RecordEmbedding("embedded", 1)
		embedded++
	}
	x.index.ApplyBatch(adds, nil)
	return embedded, failed
}

func (x *Indexer) embedSingly(ctx context.Context, batch []entity.Entity) (embedded, failed int) {
	var adds []index.Record
	for i := range batch {
		ent := &batch[i]
		vectors, err := x.embedder.Embed(ctx, []string{ent.CanonicalText()})
		if err != nil || len(vectors) != 1 {
			slog.Warn("embedding entity", "ref", ent.Ref(),
				"kind", embedding.KindOf(err), "error", err)
			metrics.RecordEmbedding("failed", 1)
			failed++
			continue
		}
		rec, err := x.persist(ctx, ent, vectors[0])
		if err != nil {
			slog.Warn("persisting embedding", "ref", ent.Ref(), "error", err)
			metrics.RecordEmbedding("failed", 1)
			failed++
			continue
		}
		adds = append(adds, *rec)
		metrics.RecordEmbedding("embedded", 1)
		embedded++
	}
	x.index.ApplyBatch(adds, nil)
	return embedded, failed
}

// persist writes the vector durably before it can become visible.
func (x *Indexer) persist(ctx context.Context, ent *entity.Entity, vector []float32) (*index.Record, error) {
	rec := index.Record{
		Kind:         ent.Kind,
		ExternalID:   ent.ExternalID,
		Vector:       vector,
		ContentHash:  ent.ContentHash,
		ModelVersion: x.embedder.Model(),
		UpdatedAt:    ent.UpdatedAt,
	}
	if err := x.records.Upsert(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// remove drops the entity's vector from the serving index first, so a
// deleted entity can never be cited, then cleans up the durable layers.
func (x *Indexer) remove(ctx context.Context, ref entity.Ref) error {
	x.index.Remove(ref)
	if err := x.records.Delete(ctx, ref); err != nil {
		return err
	}
	return x.store.HardDelete(ctx, ref.Kind, ref.ExternalID)
}
