package handler

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/octocrew/sandboxforge/internal/jobs"
	"github.com/octocrew/sandboxforge/internal/middleware"
)

// ListWorkspaces returns all workspaces for a project
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	workspaces, err := h.workspaceService.ListWorkspaces(r.Context(), projectID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list workspaces")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// CreateWorkspace creates a new workspace
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	var req struct {
		Path       string `json:"path"`
		SourceType string `json:"sourceType"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" {
		h.Error(w, http.StatusBadRequest, "Path is required")
		return
	}
	if req.SourceType == "" {
		req.SourceType = "local"
	}

	workspace, err := h.workspaceService.CreateWorkspace(r.Context(), projectID, req.Path, req.SourceType)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create workspace")
		return
	}

	h.JSON(w, http.StatusCreated, workspace)
}

// GetWorkspace returns a single workspace
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	workspace, err := h.workspaceService.GetWorkspaceWithSessions(r.Context(), workspaceID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Workspace not found")
		return
	}

	h.JSON(w, http.StatusOK, workspace)
}

// UpdateWorkspace updates a workspace
func (h *Handler) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	workspace, err := h.workspaceService.UpdateWorkspace(r.Context(), workspaceID, req.Path)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to update workspace")
		return
	}

	h.JSON(w, http.StatusOK, workspace)
}

// DeleteWorkspace deletes a workspace
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	if err := h.workspaceService.DeleteWorkspace(r.Context(), workspaceID, false); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to delete workspace")
		return
	}

	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListSessionsByWorkspace returns all sessions for a workspace
func (h *Handler) ListSessionsByWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	sessions, err := h.sessionService.ListSessionsByWorkspace(r.Context(), workspaceID, false)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// CreateSession creates a new session in a workspace
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Name    string `json:"name"`
		AgentID string `json:"agentId"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "Name is required")
		return
	}

	if _, err := h.workspaceService.GetWorkspace(r.Context(), workspaceID); err != nil {
		h.Error(w, http.StatusNotFound, "Workspace not found")
		return
	}

	session, err := h.sessionService.CreateSession(r.Context(), projectID, workspaceID, req.Name, req.AgentID, "")
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	// Enqueue sandbox initialization job (processed by dispatcher)
	if h.jobQueue != nil {
		if err := h.jobQueue.Enqueue(r.Context(), jobs.SessionInitPayload{
			ProjectID:   session.ProjectID,
			SessionID:   session.ID,
			WorkspaceID: workspaceID,
			AgentID:     req.AgentID,
		}); err != nil {
			// Log but don't fail the request - init can be retried
			log.Printf("Failed to enqueue session init job for session %s: %v", session.ID, err)
		}
	}

	h.JSON(w, http.StatusCreated, session)
}
