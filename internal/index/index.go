// Package index holds the serving vector index: an immutable in-memory
// snapshot swapped atomically on every write, backed by durable
// embedding records in Postgres and a disk snapshot for cold starts.
package index

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/planpilot-ai/planpilot/internal/entity"
)

// Record is one embedded entity. Vectors are L2-normalized on insert so
// similarity is a plain dot product.
type Record struct {
	Kind         entity.Kind
	ExternalID   string
	Vector       []float32
	ContentHash  string
	ModelVersion string
	UpdatedAt    time.Time
}

// Ref returns the record's entity identity.
func (r *Record) Ref() entity.Ref {
	return entity.Ref{Kind: r.Kind, ExternalID: r.ExternalID}
}

// Hit is one search result.
type Hit struct {
	Ref   entity.Ref
	Score float64
}

// snapshot is an immutable index state. Readers load the current
// snapshot pointer and never observe a partially applied write.
type snapshot struct {
	records map[entity.Ref]*Record
}

// Index is the serving vector index. Writes are serialized by a mutex
// and publish a fresh snapshot; Search is lock-free.
type Index struct {
	modelVersion string

	mu      sync.Mutex // guards writers
	current atomic.Pointer[snapshot]
}

// New creates an empty index for the given embedding model version.
func New(modelVersion string) *Index {
	ix := &Index{modelVersion: modelVersion}
	ix.current.Store(&snapshot{records: map[entity.Ref]*Record{}})
	return ix
}

// ModelVersion returns the embedding model the index was built with.
func (ix *Index) ModelVersion() string { return ix.modelVersion }

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	return len(ix.current.Load().records)
}

// Add inserts or replaces one record.
func (ix *Index) Add(rec Record) {
	ix.ApplyBatch([]Record{rec}, nil)
}

// Remove drops one record. Removing an absent record is a no-op.
func (ix *Index) Remove(ref entity.Ref) {
	ix.ApplyBatch(nil, []entity.Ref{ref})
}

// ApplyBatch applies adds and removes as one atomic snapshot swap, so
// concurrent searches see either none or all of the batch.
func (ix *Index) ApplyBatch(adds []Record, removes []entity.Ref) {
	if len(adds) == 0 && len(removes) == 0 {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old := ix.current.Load()
	next := make(map[entity.Ref]*Record, len(old.records)+len(adds))
	for ref, rec := range old.records {
		next[ref] = rec
	}
	for i := range adds {
		rec := adds[i]
		rec.Vector = Normalize(rec.Vector)
		next[rec.Ref()] = &rec
	}
	for _, ref := range removes {
		delete(next, ref)
	}
	ix.current.Store(&snapshot{records: next})
}

// Swap replaces the entire index contents, for rebuilds.
func (ix *Index) Swap(recs []Record) {
	next := make(map[entity.Ref]*Record, len(recs))
	for i := range recs {
		rec := recs[i]
		rec.Vector = Normalize(rec.Vector)
		next[rec.Ref()] = &rec
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.current.Store(&snapshot{records: next})
}

// Search returns the k most similar records to the query vector,
// ordered by cosine similarity descending. Ties break on most recent
// UpdatedAt, then entity ID ascending, so results are deterministic.
func (ix *Index) Search(query []float32, k int) []Hit {
	if k <= 0 {
		return nil
	}
	snap := ix.current.Load()
	if len(snap.records) == 0 {
		return nil
	}

	q := Normalize(query)
	type scored struct {
		rec   *Record
		score float64
	}
	results := make([]scored, 0, len(snap.records))
	for _, rec := range snap.records {
		// A dimension mismatch means the query vector came from a
		// different embedding model than the stored record; a truncated
		// dot product would rank it on garbage.
		if len(rec.Vector) != len(q) {
			continue
		}
		results = append(results, scored{rec: rec, score: dot(q, rec.Vector)})
	}
	if len(results) == 0 {
		return nil
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.rec.UpdatedAt.Equal(b.rec.UpdatedAt) {
			return a.rec.UpdatedAt.After(b.rec.UpdatedAt)
		}
		if a.rec.Kind != b.rec.Kind {
			return a.rec.Kind < b.rec.Kind
		}
		return a.rec.ExternalID < b.rec.ExternalID
	})

	if len(results) > k {
		results = results[:k]
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{Ref: r.rec.Ref(), Score: r.score}
	}
	return hits
}

// Records returns a copy of the current snapshot's records, for
// persistence and status reporting.
func (ix *Index) Records() []Record {
	snap := ix.current.Load()
	out := make([]Record, 0, len(snap.records))
	for _, rec := range snap.records {
		out = append(out, *rec)
	}
	return out
}

// Normalize returns the L2-normalized copy of v. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// dot assumes equal-length inputs; Search filters out mismatches.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
