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

func TestProcess_AppliesUnderJobTimeout(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "only")}},
	}
	engine := NewEngine(source, newFakeStore(), newFakeRuns(), 10)

	var applyCtx context.Context
	apply := func(ctx context.Context, _ *entity.ChangeSet) error {
		applyCtx = ctx
		return nil
	}
	w := NewWorker(engine, apply, nil, nil, time.Minute)

	changes, run, err := w.process(context.Background(), Job{ID: uuid.New()})
	require.NoError(t, err)
	assert.Len(t, changes.Added, 1)
	assert.Equal(t, RunCompleted, run.Status)

	require.NotNil(t, applyCtx)
	deadline, ok := applyCtx.Deadline()
	require.True(t, ok, "indexing must run under the job timeout")
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 10*time.Second)
}

func TestProcess_RunErrorSkipsApply(t *testing.T) {
	source := newFakeSource()
	source.pages[entity.KindTask] = []planfix.Page{
		{Records: []planfix.Record{taskRecord("1", "first")}, HasMore: true},
		{Records: []planfix.Record{taskRecord("2", "second")}},
	}
	source.failAt[entity.KindTask] = 1
	engine := NewEngine(source, newFakeStore(), newFakeRuns(), 1)

	applied := false
	apply := func(context.Context, *entity.ChangeSet) error {
		applied = true
		return nil
	}
	w := NewWorker(engine, apply, nil, nil, time.Minute)

	_, _, err := w.process(context.Background(), Job{ID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, planfix.Transient, planfix.KindOf(err))
	assert.False(t, applied, "a failed run has no change set to index")
}
