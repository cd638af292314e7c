package sandbox

import (
	"context"
	"io"
	"time"
)

// RemoveConfig holds the resolved options for a Remove call.
type RemoveConfig struct {
	// RemoveVolumes also deletes the session's persistent data volume.
	// By default volumes are preserved so a session can be recreated
	// without losing workspace state.
	RemoveVolumes bool
}

// RemoveOption configures a Remove call.
type RemoveOption func(*RemoveConfig)

// RemoveVolumes returns a RemoveOption that also deletes the session's
// data volume. Use this for permanent session deletion.
func RemoveVolumes() RemoveOption {
	return func(c *RemoveConfig) {
		c.RemoveVolumes = true
	}
}

// ParseRemoveOptions applies a list of RemoveOption to a default RemoveConfig.
func ParseRemoveOptions(opts []RemoveOption) RemoveConfig {
	var cfg RemoveConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ExecStreamOptions configures a bidirectional streaming exec (no TTY).
type ExecStreamOptions struct {
	WorkDir string            // Working directory for command
	Env     map[string]string // Additional environment variables
	User    string            // User to run as (empty = default)
}

// Stream represents a bidirectional, non-TTY exec session to a sandbox.
// Unlike PTY, stdout and stderr are kept separate.
type Stream interface {
	io.Reader // Reads demultiplexed stdout
	io.Writer // Writes to stdin

	// Stderr returns a reader for the demultiplexed stderr stream.
	Stderr() io.Reader

	// CloseWrite closes the write side (stdin), signaling EOF to the command.
	CloseWrite() error

	// Close terminates the exec session.
	Close() error

	// Wait blocks until the command exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// StateEvent describes a sandbox state transition observed by Watch.
type StateEvent struct {
	SessionID string
	Status    SandboxStatus
	Timestamp time.Time
	Error     string
}

// ImageCleaner is implemented by providers that can prune stale sandbox
// images after a reconciliation pass.
type ImageCleaner interface {
	CleanupImages(ctx context.Context) error
}
