// Package admin exposes the operational endpoints: triggering and
// inspecting sync runs, and inspecting or rebuilding the vector index.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/planpilot-ai/planpilot/internal/api"
	"github.com/planpilot-ai/planpilot/internal/entity"
	"github.com/planpilot-ai/planpilot/internal/index"
	"github.com/planpilot-ai/planpilot/internal/indexer"
	"github.com/planpilot-ai/planpilot/internal/nats"
	"github.com/planpilot-ai/planpilot/internal/sync"
)

// Handler handles admin HTTP endpoints.
type Handler struct {
	runs         *sync.RunRepository
	publisher    *nats.Publisher
	indexer      *indexer.Indexer
	index        *index.Index
	records      *index.RecordStore
	store        *entity.Store
	snapshotPath string
}

// NewHandler creates an admin handler.
func NewHandler(runs *sync.RunRepository, publisher *nats.Publisher, idx *indexer.Indexer,
	ix *index.Index, records *index.RecordStore, store *entity.Store, snapshotPath string) *Handler {
	return &Handler{
		runs:         runs,
		publisher:    publisher,
		indexer:      idx,
		index:        ix,
		records:      records,
		store:        store,
		snapshotPath: snapshotPath,
	}
}

// TriggerSyncRequest is the POST /api/v1/admin/sync body.
type TriggerSyncRequest struct {
	Full bool `json:"full"`
}

// TriggerSync enqueues a sync job and returns its ID. The run executes
// on the worker; this endpoint only accepts the request.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	msg := nats.SyncJobMessage{
		JobID:       uuid.New(),
		Full:        req.Full,
		RequestedAt: time.Now().UTC(),
	}
	if err := h.publisher.PublishSyncJob(r.Context(), msg); err != nil {
		slog.Error("enqueuing sync job", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusAccepted, map[string]any{
		"job_id": msg.JobID,
		"full":   msg.Full,
	})
}

// SyncStatus returns the state of one sync run.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		api.HandleError(w, api.NewValidationError("invalid job ID"))
		return
	}

	run, err := h.runs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, sync.ErrRunNotFound) {
			// A just-accepted job may not have started yet.
			api.JSON(w, http.StatusOK, map[string]any{"id": jobID, "status": "queued"})
			return
		}
		slog.Error("getting sync run", "job_id", jobID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, run)
}

// IndexStatusResponse summarizes the index and store for operators.
type IndexStatusResponse struct {
	ModelVersion  string        `json:"model_version"`
	ServingCount  int           `json:"serving_count"`
	DurableCount  int64         `json:"durable_count"`
	StaleCount    int64         `json:"stale_count"`
	SnapshotBytes int64         `json:"snapshot_bytes"`
	Entities      entity.Counts `json:"entities"`
	LastRun       *sync.Run     `json:"last_run,omitempty"`
}

// IndexStatus reports the serving index, its durable backing, and the
// most recent sync run.
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	model := h.index.ModelVersion()

	durable, err := h.records.Count(ctx, model)
	if err != nil {
		slog.Error("counting embedding records", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	stale, err := h.records.StaleCount(ctx, model)
	if err != nil {
		slog.Error("counting stale entities", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	counts, err := h.store.Counts(ctx)
	if err != nil {
		slog.Error("counting entities", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	lastRun, err := h.runs.Latest(ctx)
	if err != nil {
		slog.Error("getting latest sync run", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, IndexStatusResponse{
		ModelVersion:  model,
		ServingCount:  h.index.Len(),
		DurableCount:  durable,
		StaleCount:    stale,
		SnapshotBytes: index.SnapshotSize(h.snapshotPath),
		Entities:      counts,
		LastRun:       lastRun,
	})
}

// RebuildIndex re-indexes every live entity, reusing vectors whose
// content hash is current, then persists a fresh disk snapshot.
func (h *Handler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	delta, err := h.indexer.Rebuild(r.Context())
	if err != nil {
		slog.Error("rebuilding index", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if err := h.index.SaveSnapshot(h.snapshotPath); err != nil {
		slog.Warn("saving index snapshot after rebuild", "error", err)
	}

	api.JSON(w, http.StatusOK, delta)
}
