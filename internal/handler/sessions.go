package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/octocrew/sandboxforge/internal/jobs"
	"github.com/octocrew/sandboxforge/internal/middleware"
	"github.com/octocrew/sandboxforge/internal/model"
)

// GetSession returns a single session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	session, err := h.sessionService.GetSession(r.Context(), sessionID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Session not found")
		return
	}

	h.JSON(w, http.StatusOK, session)
}

// UpdateSession updates a session
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.sessionService.UpdateSession(r.Context(), sessionID, req.Name, req.Status)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to update session")
		return
	}

	h.JSON(w, http.StatusOK, session)
}

// DeleteSession marks a session for removal and enqueues the async teardown
// job. The job's PerformDeletion is the sole path that tears down the
// sandbox and removes the session row (internal/service/session.go); doing
// either synchronously here would race the dispatcher and risk either an
// orphaned sandbox (row gone, container still running) or a delete that
// silently no-ops once the job finds the row already missing.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")
	ctx := r.Context()

	if h.jobQueue != nil {
		if err := h.jobQueue.Enqueue(ctx, jobs.SessionDeletePayload{
			ProjectID: projectID,
			SessionID: sessionID,
		}); err != nil {
			h.Error(w, http.StatusInternalServerError, "Failed to enqueue session deletion")
			return
		}
	}

	session, err := h.sessionService.UpdateStatus(ctx, projectID, sessionID, model.SessionStatusRemoving, nil)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to mark session for removal")
		return
	}

	h.JSON(w, http.StatusAccepted, session)
}

// ListMessages returns messages for a session
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	// TODO: Implement - this will use message service
	h.JSON(w, http.StatusOK, map[string]any{"messages": []any{}})
}
