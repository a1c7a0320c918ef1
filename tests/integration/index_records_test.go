//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/index"
)

func record(id, hash, model string, vec []float32) *index.Record {
	return &index.Record{
		Kind:         entity.KindTask,
		ExternalID:   id,
		Vector:       vec,
		ContentHash:  hash,
		ModelVersion: model,
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestRecordStore_UpsertAndGetHash(t *testing.T) {
	env := SetupTestEnv(t)
	TruncateAll(t, env)
	records := index.NewRecordStore(env.Pool)
	ctx := context.Background()

	require.NoError(t, records.Upsert(ctx, record("1", "h1", "m1", []float32{1, 0, 0})))

	hash, ok, err := records.GetHash(ctx, entity.Ref{Kind: entity.KindTask, ExternalID: "1"}, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "h1", hash)

	// Another model version is a separate record.
	_, ok, err = records.GetHash(ctx, entity.Ref{Kind: entity.KindTask, ExternalID: "1"}, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-upserting replaces the hash and vector.
	require.NoError(t, records.Upsert(ctx, record("1", "h2", "m1", []float32{0, 1, 0})))
	hash, _, err = records.GetHash(ctx, entity.Ref{Kind: entity.KindTask, ExternalID: "1"}, "m1")
	require.NoError(t, err)
	assert.Equal(t, "h2", hash)
}

func TestRecordStore_ListByModelExcludesDeletedEntities(t *testing.T) {
	env := SetupTestEnv(t)
	TruncateAll(t, env)
	store := entity.NewStore(env.Pool)
	records := index.NewRecordStore(env.Pool)
	ctx := context.Background()

	_, err := store.Upsert(ctx, newTask("live", "kept"), 1)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, newTask("dead", "dropped"), 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkDeleted(ctx, entity.KindTask, "dead", 2))

	require.NoError(t, records.Upsert(ctx, record("live", "h1", "m1", []float32{1, 0, 0})))
	require.NoError(t, records.Upsert(ctx, record("dead", "h2", "m1", []float32{0, 1, 0})))

	recs, err := records.ListByModel(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, recs, 1, "a rebuild must never load a deleted entity's vector")
	assert.Equal(t, "live", recs[0].ExternalID)
	assert.Equal(t, []float32{1, 0, 0}, recs[0].Vector)
}

func TestRecordStore_StaleCount(t *testing.T) {
	env := SetupTestEnv(t)
	TruncateAll(t, env)
	store := entity.NewStore(env.Pool)
	records := index.NewRecordStore(env.Pool)
	ctx := context.Background()

	fresh := newTask("fresh", "embedded")
	_, err := store.Upsert(ctx, fresh, 1)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, newTask("never", "not embedded"), 1)
	require.NoError(t, err)

	require.NoError(t, records.Upsert(ctx, record("fresh", fresh.ContentHash, "m1", []float32{1, 0, 0})))

	stale, err := records.StaleCount(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale)
}

func TestRecordStore_PurgeOtherModels(t *testing.T) {
	env := SetupTestEnv(t)
	TruncateAll(t, env)
	records := index.NewRecordStore(env.Pool)
	ctx := context.Background()

	require.NoError(t, records.Upsert(ctx, record("1", "h", "old-model", []float32{1, 0, 0})))
	require.NoError(t, records.Upsert(ctx, record("1", "h", "new-model", []float32{0, 1, 0})))

	purged, err := records.PurgeOtherModels(ctx, "new-model")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	n, err := records.Count(ctx, "new-model")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
