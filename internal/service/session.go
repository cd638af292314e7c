package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/octocrew/sandboxforge/internal/events"
	"github.com/octocrew/sandboxforge/internal/git"
	"github.com/octocrew/sandboxforge/internal/model"
	"github.com/octocrew/sandboxforge/internal/sandbox"
	"github.com/octocrew/sandboxforge/internal/sandbox/sandboxapi"
	"github.com/octocrew/sandboxforge/internal/store"
)

// Session represents a chat session (for API responses)
type Session struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Timestamp    string     `json:"timestamp"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Files        []FileNode `json:"files"`
	WorkspaceID  string     `json:"workspaceId,omitempty"`
	AgentID      string     `json:"agentId,omitempty"`
}

// FileNode represents a file in a session
type FileNode struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	Children        []FileNode `json:"children,omitempty"`
	Content         string     `json:"content,omitempty"`
	OriginalContent string     `json:"originalContent,omitempty"`
	Changed         bool       `json:"changed,omitempty"`
}

// SessionService owns the lifecycle of a chat session: creation, sandbox
// bring-up, status transitions, committing the sandbox's changes back to
// the workspace, and teardown.
type SessionService struct {
	store           *store.Store
	gitService      *GitService
	sandboxProvider sandbox.Provider
	sandboxService  *SandboxService
	eventBroker     *events.Broker
	jobEnqueuer     JobEnqueuer
}

// NewSessionService creates a new session service.
// sandboxProvider is used for direct, already-known-ready sandbox HTTP calls
// (PerformCommit); sandboxService is used for full lifecycle orchestration
// (CreateForSession, reconciliation). Either may be nil in tests that only
// exercise a subset of functionality.
func NewSessionService(s *store.Store, gitSvc *GitService, sandboxProvider sandbox.Provider, sandboxSvc *SandboxService, eventBroker *events.Broker, jobEnqueuer JobEnqueuer) *SessionService {
	return &SessionService{
		store:           s,
		gitService:      gitSvc,
		sandboxProvider: sandboxProvider,
		sandboxService:  sandboxSvc,
		eventBroker:     eventBroker,
		jobEnqueuer:     jobEnqueuer,
	}
}

// ListSessionsByWorkspace returns all sessions for a workspace.
func (s *SessionService) ListSessionsByWorkspace(ctx context.Context, workspaceID string, includeClosed bool) ([]*Session, error) {
	dbSessions, err := s.store.ListSessionsByWorkspace(ctx, workspaceID, includeClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*Session, len(dbSessions))
	for i, sess := range dbSessions {
		sessions[i] = s.mapSession(sess)
	}
	return sessions, nil
}

// GetSession returns a session by ID.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s.mapSession(sess), nil
}

// CreateSession creates a new session with initializing status.
// If initialMessage is provided, it creates the first user message in the session.
func (s *SessionService) CreateSession(ctx context.Context, projectID, workspaceID, name, agentID, initialMessage string) (*Session, error) {
	return s.createSession(ctx, "", projectID, workspaceID, name, agentID, "", "", initialMessage)
}

// CreateSessionWithID creates a new session using a client-provided ID,
// carrying the requested model and reasoning preference.
func (s *SessionService) CreateSessionWithID(ctx context.Context, sessionID, projectID, workspaceID, name, agentID, modelID, reasoning string) (*Session, error) {
	return s.createSession(ctx, sessionID, projectID, workspaceID, name, agentID, modelID, reasoning, "")
}

func (s *SessionService) createSession(ctx context.Context, sessionID, projectID, workspaceID, name, agentID, modelID, reasoning, initialMessage string) (*Session, error) {
	var aidPtr *string
	if agentID != "" {
		aidPtr = &agentID
	}

	sess := &model.Session{
		ID:           sessionID,
		ProjectID:    projectID,
		WorkspaceID:  workspaceID,
		AgentID:      aidPtr,
		Name:         name,
		Description:  nil,
		Status:       model.SessionStatusInitializing,
		CommitStatus: model.CommitStatusNone,
	}
	if modelID != "" {
		sess.Model = &modelID
	}
	if reasoning != "" {
		sess.Reasoning = &reasoning
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if initialMessage != "" {
		msg := &model.Message{
			SessionID: sess.ID,
			Role:      "user",
			Parts:     model.NewTextParts(initialMessage),
		}
		if err := s.store.CreateMessage(ctx, msg); err != nil {
			log.Printf("Warning: failed to create initial message for session %s: %v", sess.ID, err)
		}
	}

	return s.mapSession(sess), nil
}

// UpdateStatus updates the session status and optional error message, then
// publishes the change as an SSE event.
func (s *SessionService) UpdateStatus(ctx context.Context, projectID, sessionID, status string, errorMsg *string) (*Session, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.Status = status
	sess.ErrorMessage = errorMsg
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}

	if s.eventBroker != nil {
		if err := s.eventBroker.PublishSessionUpdated(ctx, projectID, sessionID, status, sess.CommitStatus); err != nil {
			log.Printf("Failed to publish session update event: %v", err)
		}
	}

	return s.mapSession(sess), nil
}

// ErrSessionBusy is returned by UpdateStatusIf when the session's current
// status no longer matches the expected status - the caller lost the race
// to transition it (e.g. a completion is already in flight).
var ErrSessionBusy = errors.New("session status changed concurrently")

// UpdateStatusIf atomically transitions a session from expectedStatus to
// newStatus, publishing the change as an SSE event on success. If another
// request already moved the session away from expectedStatus, it returns
// ErrSessionBusy and the session's current (unmodified) state so the caller
// can report what's actually in progress instead of silently overwriting it.
func (s *SessionService) UpdateStatusIf(ctx context.Context, projectID, sessionID, expectedStatus, newStatus string) (*Session, error) {
	sess, err := s.store.CompareAndSwapSessionStatus(ctx, sessionID, expectedStatus, newStatus)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			current, getErr := s.store.GetSessionByID(ctx, sessionID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to get session: %w", getErr)
			}
			return s.mapSession(current), ErrSessionBusy
		}
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}

	if s.eventBroker != nil {
		if err := s.eventBroker.PublishSessionUpdated(ctx, projectID, sessionID, newStatus, sess.CommitStatus); err != nil {
			log.Printf("Failed to publish session update event: %v", err)
		}
	}

	return s.mapSession(sess), nil
}

// UpdateSession updates a session's name and status.
func (s *SessionService) UpdateSession(ctx context.Context, sessionID, name, status string) (*Session, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.Name = name
	sess.Status = status
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	return s.mapSession(sess), nil
}

// mapSession maps a model Session to a service Session.
func (s *SessionService) mapSession(sess *model.Session) *Session {
	agentID := ""
	if sess.AgentID != nil {
		agentID = *sess.AgentID
	}

	description := ""
	if sess.Description != nil {
		description = *sess.Description
	}

	errorMessage := ""
	if sess.ErrorMessage != nil {
		errorMessage = *sess.ErrorMessage
	}

	timestamp := sess.UpdatedAt.Format(time.RFC3339)
	if sess.UpdatedAt.IsZero() {
		timestamp = time.Now().Format(time.RFC3339)
	}

	return &Session{
		ID:           sess.ID,
		ProjectID:    sess.ProjectID,
		Name:         sess.Name,
		Description:  description,
		Timestamp:    timestamp,
		Status:       sess.Status,
		ErrorMessage: errorMessage,
		Files:        []FileNode{},
		WorkspaceID:  sess.WorkspaceID,
		AgentID:      agentID,
	}
}

// Initialize performs session initialization work synchronously: it clones
// (or reuses) the workspace, then creates and starts the sandbox. It is
// called by the dispatcher when processing a session_init job, and directly
// by SandboxService when a job enqueuer isn't available. The session must
// already exist in the database.
func (s *SessionService) Initialize(ctx context.Context, sessionID string) error {
	if s.gitService == nil || s.sandboxService == nil {
		return fmt.Errorf("runtime dependencies not set")
	}

	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	projectID := sess.ProjectID

	workspace, err := s.store.GetWorkspaceByID(ctx, sess.WorkspaceID)
	if err != nil {
		s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusError, ptrString("workspace not found: "+err.Error()))
		return fmt.Errorf("workspace not found: %w", err)
	}

	if sess.AgentID != nil && *sess.AgentID != "" {
		if _, err := s.store.GetAgentByID(ctx, *sess.AgentID); err != nil {
			s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusError, ptrString("agent not found: "+err.Error()))
			return fmt.Errorf("agent not found: %w", err)
		}
	}

	isGit := workspace.SourceType == "git" || git.IsGitURL(workspace.Path)

	var workDir, commit string
	if isGit {
		s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusCloning, nil)

		workDir, commit, err = s.gitService.EnsureWorkspaceRepo(ctx, workspace.ID)
		if err != nil {
			s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusError, ptrString("git clone failed: "+err.Error()))
			return fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		workDir = workspace.Path
		if workspace.Commit != nil {
			commit = *workspace.Commit
		}
	}

	if err := s.store.UpdateSessionWorkspace(ctx, sessionID, workDir, commit); err != nil {
		s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusError, ptrString("failed to persist workspace path: "+err.Error()))
		return fmt.Errorf("failed to persist workspace path: %w", err)
	}

	if commit != "" {
		if baseErr := s.store.UpdateSession(ctx, withBaseCommit(sess, commit)); baseErr != nil {
			log.Printf("Warning: failed to set base commit for session %s: %v", sessionID, baseErr)
		}
	}

	if !s.sandboxProvider.ImageExists(ctx) {
		s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusPullingImage, nil)
	}

	s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusCreatingSandbox, nil)

	if err := s.sandboxService.CreateForSession(ctx, sessionID); err != nil {
		s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusError, ptrString("sandbox creation failed: "+err.Error()))
		return fmt.Errorf("sandbox creation failed: %w", err)
	}

	s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusReady, nil)
	log.Printf("Session %s initialized successfully", sessionID)
	return nil
}

// withBaseCommit returns sess with BaseCommit set, reloading nothing -
// callers already hold a freshly-fetched session.
func withBaseCommit(sess *model.Session, commit string) *model.Session {
	sess.BaseCommit = ptrString(commit)
	return sess
}

// PerformDeletion tears down a session's sandbox (if any) and removes the
// session record. Missing sandboxes are not an error: the session may never
// have finished initializing.
func (s *SessionService) PerformDeletion(ctx context.Context, projectID, sessionID string) error {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	if sess.ProjectID != projectID {
		return fmt.Errorf("session does not belong to this project")
	}

	s.updateStatusWithEvent(ctx, projectID, sessionID, model.SessionStatusRemoving, nil)

	if s.sandboxService != nil {
		if err := s.sandboxService.DestroyForSession(ctx, sessionID); err != nil {
			log.Printf("Warning: failed to destroy sandbox for session %s: %v", sessionID, err)
		}
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if s.eventBroker != nil {
		if err := s.eventBroker.PublishSessionUpdated(ctx, projectID, sessionID, model.SessionStatusRemoved, model.CommitStatusNone); err != nil {
			log.Printf("Failed to publish session removed event: %v", err)
		}
	}

	return nil
}

// commitPrompt is sent to the agent when PerformCommit needs it to finalize
// and commit its outstanding work before patches can be fetched.
const commitPrompt = "Please finish any outstanding work and commit all changes to git now."

// PerformCommit applies the sandbox's outstanding git commits back onto the
// session's workspace. It first makes an optimistic check for patches the
// agent may already have ready; only if none are found does it prompt the
// agent to wrap up and commit before re-checking. A session whose
// CommitStatus isn't Pending or Committing is left untouched (already
// handled, or not requested).
func (s *SessionService) PerformCommit(ctx context.Context, projectID, sessionID string) error {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	if sess.ProjectID != projectID {
		return fmt.Errorf("session does not belong to this project")
	}

	if sess.CommitStatus != model.CommitStatusPending && sess.CommitStatus != model.CommitStatusCommitting {
		return nil
	}

	workspace, err := s.store.GetWorkspaceByID(ctx, sess.WorkspaceID)
	if err != nil {
		return fmt.Errorf("workspace not found: %w", err)
	}

	parentCommit := ""
	if workspace.Commit != nil {
		parentCommit = *workspace.Commit
	}

	if s.sandboxProvider == nil {
		return fmt.Errorf("sandbox provider not available")
	}
	client := NewSandboxChatClient(s.sandboxProvider, nil)

	commits, err := client.GetCommits(ctx, sessionID, parentCommit)
	if err != nil || commits.CommitCount == 0 {
		if promptErr := s.promptAgentToCommit(ctx, client, sessionID); promptErr != nil {
			return s.failCommit(ctx, projectID, sess, fmt.Errorf("failed to prompt agent to commit: %w", promptErr))
		}

		commits, err = client.GetCommits(ctx, sessionID, parentCommit)
		if err != nil {
			return s.failCommit(ctx, projectID, sess, fmt.Errorf("failed to fetch commits after prompting agent: %w", err))
		}
	}

	appliedCommit := parentCommit
	if commits.CommitCount > 0 {
		head, err := s.gitService.ApplyPatches(ctx, workspace.ID, []byte(commits.Patches))
		if err != nil {
			return s.failCommit(ctx, projectID, sess, fmt.Errorf("failed to apply patches: %w", err))
		}
		appliedCommit = head
	}

	sess.BaseCommit = ptrString(parentCommit)
	sess.AppliedCommit = ptrString(appliedCommit)
	sess.CommitStatus = model.CommitStatusCompleted
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to update session after commit: %w", err)
	}

	if s.eventBroker != nil {
		if err := s.eventBroker.PublishSessionUpdated(ctx, projectID, sessionID, sess.Status, sess.CommitStatus); err != nil {
			log.Printf("Failed to publish session update event: %v", err)
		}
	}

	return nil
}

// promptAgentToCommit sends a finalize-and-commit instruction to the agent
// and drains the resulting completion stream to completion.
func (s *SessionService) promptAgentToCommit(ctx context.Context, client *SandboxChatClient, sessionID string) error {
	messages := []sandboxapi.UIMessage{{
		ID:    uuid.New().String(),
		Role:  "user",
		Parts: model.NewTextParts(commitPrompt),
	}}
	body, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal commit prompt: %w", err)
	}

	stream, err := client.SendMessages(ctx, sessionID, json.RawMessage(body), "", nil)
	if err != nil {
		return fmt.Errorf("failed to send commit prompt: %w", err)
	}

	for range stream {
		// Drain until the sandbox closes the stream; completion content
		// itself doesn't matter here, only that the agent finished.
	}

	return nil
}

// failCommit marks the session's commit as failed, publishes the event, and
// returns the original error for the caller to propagate.
func (s *SessionService) failCommit(ctx context.Context, projectID string, sess *model.Session, cause error) error {
	sess.CommitStatus = model.CommitStatusFailed
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		log.Printf("Warning: failed to mark commit failed for session %s: %v", sess.ID, err)
	}

	if s.eventBroker != nil {
		if err := s.eventBroker.PublishSessionUpdated(ctx, projectID, sess.ID, sess.Status, sess.CommitStatus); err != nil {
			log.Printf("Failed to publish session update event: %v", err)
		}
	}

	return cause
}

// updateStatusWithEvent updates session status and emits an SSE event.
func (s *SessionService) updateStatusWithEvent(ctx context.Context, projectID, sessionID, status string, errorMsg *string) {
	if _, err := s.UpdateStatus(ctx, projectID, sessionID, status, errorMsg); err != nil {
		log.Printf("Failed to update session %s status to %s: %v", sessionID, status, err)
	}
}

// ptrString returns a pointer to a string.
func ptrString(s string) *string {
	return &s
}

// derefString dereferences a string pointer, returning empty string if nil.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
