package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/octocrew/sandboxforge/internal/jobs"
	"github.com/octocrew/sandboxforge/internal/model"
	"github.com/octocrew/sandboxforge/internal/service"
)

// SessionInitExecutor handles session_init jobs.
type SessionInitExecutor struct {
	sessionService *service.SessionService
}

// NewSessionInitExecutor creates a new session init executor.
func NewSessionInitExecutor(sessionSvc *service.SessionService) *SessionInitExecutor {
	return &SessionInitExecutor{sessionService: sessionSvc}
}

// Type returns the job type this executor handles.
func (e *SessionInitExecutor) Type() jobs.JobType {
	return jobs.JobTypeSessionInit
}

// Execute processes the job.
func (e *SessionInitExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.sessionService == nil {
		return fmt.Errorf("session service not available")
	}

	var payload jobs.SessionInitPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if payload.WorkspaceID == "" {
		return fmt.Errorf("workspaceId is required")
	}

	return e.sessionService.Initialize(ctx, payload.SessionID)
}
