package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/octocrew/sandboxforge/internal/middleware"
	"github.com/octocrew/sandboxforge/internal/model"
	"github.com/octocrew/sandboxforge/internal/service"
)

// ChatRequest represents the request body for the chat endpoint.
// This matches the AI SDK's DefaultChatTransport format.
// The Messages field is kept as raw JSON to pass through to the sandbox
// without requiring the Go server to understand the UIMessage structure.
type ChatRequest struct {
	// ID is the chat/session ID (AI SDK sends this as "id")
	ID string `json:"id"`
	// Messages is the raw UIMessage array - passed through to sandbox as-is
	Messages json.RawMessage `json:"messages"`
	// Trigger indicates the type of request: "submit-message" or "regenerate-message"
	Trigger string `json:"trigger,omitempty"`
	// MessageID is the ID of the message to regenerate (for regenerate-message trigger)
	MessageID string `json:"messageId,omitempty"`
	// WorkspaceID is required for new sessions
	WorkspaceID string `json:"workspaceId,omitempty"`
	// AgentID is required for new sessions
	AgentID string `json:"agentId,omitempty"`
}

// Chat handles AI chat streaming.
// POST /api/projects/{projectId}/chat
// Request body: { id, messages, workspaceId?, agentId?, trigger?, messageId? }
//
// A session only ever has one completion in flight at a time. If this
// request loses the race to start one, it gets a plain JSON 409 with the
// id of the completion that's already running - never a stream. The
// winner's response is the SSE stream itself, matching the AI SDK
// transport this handler serves.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := middleware.GetProjectID(ctx)

	// Parse request
	var req ChatRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate messages is provided and not empty
	if len(req.Messages) == 0 || string(req.Messages) == "null" {
		h.Error(w, http.StatusBadRequest, "messages array required")
		return
	}

	// id (chat ID) is required - client generates IDs
	if req.ID == "" {
		h.Error(w, http.StatusBadRequest, "id is required")
		return
	}
	sessionID := req.ID

	// Check if session exists
	existingSession, err := h.chatService.GetSessionByID(ctx, sessionID)
	if err == nil {
		// Session exists - validate it belongs to this project
		if existingSession.ProjectID != projectID {
			h.Error(w, http.StatusForbidden, "session does not belong to this project")
			return
		}
		// For existing sessions, validate workspace and agent still belong to project
		if err := h.chatService.ValidateSessionResources(ctx, projectID, existingSession); err != nil {
			h.Error(w, http.StatusForbidden, err.Error())
			return
		}
	} else {
		// Session doesn't exist - create it
		if req.WorkspaceID == "" || req.AgentID == "" {
			h.Error(w, http.StatusBadRequest, "workspaceId and agentId are required for new sessions")
			return
		}

		// NewSession validates that workspace and agent belong to project
		_, err := h.chatService.NewSession(ctx, service.NewSessionRequest{
			SessionID:   sessionID,
			ProjectID:   projectID,
			WorkspaceID: req.WorkspaceID,
			AgentID:     req.AgentID,
			Messages:    req.Messages,
		})
		if err != nil {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Wait for the session to reach a state in which a completion attempt
	// makes sense. This intentionally includes "running" (a completion is
	// already in flight) rather than treating it as an error - the CAS
	// claim below is what turns that into the correct 409 response.
	sess, err := h.waitForSessionReady(ctx, sessionID, 60*time.Second)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// If session is in error or stopped state, attempt to reinitialize
	if sess.Status == model.SessionStatusError || sess.Status == model.SessionStatusStopped {
		log.Printf("[Chat] Session %s is %s, attempting reinitialization", sessionID, sess.Status)

		// Update status to reinitializing (this also publishes the SSE event)
		if _, statusErr := h.sessionService.UpdateStatus(ctx, projectID, sessionID, model.SessionStatusReinitializing, nil); statusErr != nil {
			log.Printf("[Chat] Warning: failed to update session status: %v", statusErr)
		}

		// Attempt to reinitialize the session
		if initErr := h.sessionService.Initialize(ctx, sessionID); initErr != nil {
			log.Printf("[Chat] Reinitialization failed for session %s: %v", sessionID, initErr)
			h.Error(w, http.StatusServiceUnavailable, fmt.Sprintf("session reinitialization failed: %v", initErr))
			return
		}

		log.Printf("[Chat] Session %s reinitialized successfully", sessionID)
	}

	// Claim the session for this completion and start sending to the
	// sandbox. A concurrent request targeting the same session loses this
	// race and never reaches the sandbox at all.
	sseCh, completionID, err := h.chatService.SendToSandbox(ctx, projectID, sessionID, req.Messages, "", "")
	if err != nil {
		var conflict *service.ErrCompletionInProgress
		if errors.As(err, &conflict) {
			h.JSON(w, http.StatusConflict, map[string]any{
				"error":        "completion_in_progress",
				"completionId": conflict.CompletionID,
			})
			return
		}
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}

	// From here on the response is the SSE stream for the completion we
	// just won the right to start.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("x-vercel-ai-ui-message-stream", "v1")
	w.Header().Set("X-Completion-Id", completionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Release the completion claim once the stream ends, however it ends -
	// use a context detached from the request so a client disconnect
	// doesn't prevent the session from being returned to ready.
	defer h.chatService.FinishCompletion(context.WithoutCancel(ctx), projectID, sessionID)

	// Pass through raw SSE lines from sandbox
	for line := range sseCh {
		if line.Done {
			// Container sent [DONE] signal
			log.Printf("[Chat] Received [DONE] signal from sandbox")
			_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		// Log error events for debugging
		if strings.Contains(line.Data, `"type":"error"`) {
			log.Printf("[Chat] Passing through error event: %s", line.Data)
		}
		// Pass through raw data line without parsing
		_, _ = fmt.Fprintf(w, "data: %s\n\n", line.Data)
		flusher.Flush()
	}

	// Send done signal if channel closed without explicit DONE
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// ChatStream resumes the SSE stream for a session's in-progress completion.
// GET /api/projects/{projectId}/chat/{sessionId}/stream
//
// Returns 204 No Content whenever there is nothing to resume - the session
// doesn't exist, the sandbox can't be reached, or no completion is
// currently running there. A 200 response is only written once the first
// line from the sandbox is in hand, so a would-be 204 never turns into an
// empty hanging stream.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := middleware.GetProjectID(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	if sessionID == "" {
		h.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	sess, err := h.chatService.GetSessionByID(ctx, sessionID)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if sess.ProjectID != projectID {
		h.Error(w, http.StatusForbidden, "session does not belong to this project")
		return
	}

	sseCh, err := h.chatService.GetStream(ctx, projectID, sessionID)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	first, ok := <-sseCh
	if !ok {
		// Channel closed with nothing in it - no completion in progress.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("x-vercel-ai-ui-message-stream", "v1")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	defer h.chatService.FinishCompletion(context.WithoutCancel(ctx), projectID, sessionID)

	writeLine := func(line service.SSELine) (more bool) {
		if line.Done {
			_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return false
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", line.Data)
		flusher.Flush()
		return true
	}

	if !writeLine(first) {
		return
	}
	for line := range sseCh {
		if !writeLine(line) {
			return
		}
	}

	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// ChatCancel cancels a session's in-progress chat completion.
// POST /api/projects/{projectId}/chat/{sessionId}/cancel
// Returns 409 if there is no active completion to cancel.
func (h *Handler) ChatCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := middleware.GetProjectID(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	if sessionID == "" {
		h.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	result, err := h.chatService.CancelCompletion(ctx, projectID, sessionID)
	if err != nil {
		if errors.Is(err, service.ErrNoActiveCompletion) {
			h.Error(w, http.StatusConflict, "no active completion to cancel")
			return
		}
		h.Error(w, http.StatusBadGateway, err.Error())
		return
	}

	h.chatService.FinishCompletion(ctx, projectID, sessionID)

	h.JSON(w, http.StatusOK, result)
}

// waitForSessionReady polls the session status until it reaches a state in
// which a completion attempt is meaningful: ready (idle), running (a
// completion is already in flight - the caller's CAS claim will report
// that), error, or stopped.
func (h *Handler) waitForSessionReady(ctx context.Context, sessionID string, timeout time.Duration) (*model.Session, error) {
	deadline := time.Now().Add(timeout)

	for {
		sess, err := h.store.GetSessionByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session not found: %w", err)
		}

		switch sess.Status {
		case model.SessionStatusReady, model.SessionStatusRunning,
			model.SessionStatusError, model.SessionStatusStopped:
			return sess, nil
		}

		// Check timeout
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for session to be ready (status: %s)", sess.Status)
		}

		// Check context cancellation
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
			// Poll again
		}
	}
}
