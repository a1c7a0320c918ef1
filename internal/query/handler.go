package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/planpilot-ai/planpilot/internal/api"
	"github.com/planpilot-ai/planpilot/internal/llm"
)

// Handler handles the query HTTP endpoint.
type Handler struct {
	orch     *Orchestrator
	timeout  time.Duration
	validate *validator.Validate
}

// NewHandler creates a query handler enforcing the given end-to-end
// timeout per request.
func NewHandler(orch *Orchestrator, timeout time.Duration) *Handler {
	return &Handler{
		orch:     orch,
		timeout:  timeout,
		validate: validator.New(),
	}
}

// QueryRequest is the POST /api/v1/query body.
type QueryRequest struct {
	Query     string `json:"query" validate:"required,min=2,max=2000"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,uuid"`
}

// Query answers one question.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	var sessionID *uuid.UUID
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			api.HandleError(w, api.NewValidationError("invalid session_id"))
			return
		}
		sessionID = &id
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	answer, err := h.orch.Answer(ctx, Request{Query: req.Query, SessionID: sessionID})
	if err != nil {
		h.writeError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, answer)
}

// writeError maps pipeline failures onto HTTP statuses. Callers never
// see provider error bodies, only the classification.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	slog.Error("answering query", "kind", llm.KindOf(err), "error", err)

	var le *llm.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case llm.RateLimited:
			api.HandleError(w, api.ErrModelOverload)
		case llm.Timeout:
			api.HandleError(w, api.ErrQueryTimeout)
		case llm.Unauthorized:
			api.HandleError(w, api.ErrUpstreamAuth)
		default:
			api.HandleError(w, api.ErrInternalServer)
		}
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		api.HandleError(w, api.ErrQueryTimeout)
		return
	}
	api.HandleError(w, api.ErrInternalServer)
}
