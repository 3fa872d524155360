// Package run defines the task run model and its store.
package run

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
)

// Status is the lifecycle state of a run. completed and failed are
// terminal.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MaxTaskLength bounds the stored task text.
const MaxTaskLength = 65536

// Result is the outcome recorded when a run reaches a terminal state.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Run is the full persisted record of a task execution.
type Run struct {
	RunID       string  `json:"runId"`
	SessionID   string  `json:"sessionId"`
	WorkflowID  string  `json:"workflowId"`
	Status      Status  `json:"status"`
	Task        string  `json:"task"`
	Title       string  `json:"title"`
	Model       string  `json:"model"`
	StartedAt   int64   `json:"startedAt"`
	CompletedAt int64   `json:"completedAt,omitempty"`
	Result      *Result `json:"result,omitempty"`
}

// IndexEntry is the listing projection of a run.
type IndexEntry struct {
	RunID       string `json:"runId"`
	SessionID   string `json:"sessionId"`
	Status      Status `json:"status"`
	Title       string `json:"title"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

// Index is the single-object global run index.
type Index struct {
	Version   int                   `json:"version"`
	Runs      map[string]IndexEntry `json:"runs"`
	UpdatedAt int64                 `json:"updatedAt"`
}

// NewID generates a fresh run id of the form run-{8 hex}.
func NewID() string {
	return "run-" + strings.ToLower(uuid.NewString()[:8])
}

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Validate checks the record before it is written.
func (r *Run) Validate() error {
	if r.RunID == "" {
		return apperrors.Validation("runId", "must not be empty")
	}
	if err := session.ValidateID(r.SessionID); err != nil {
		return err
	}
	switch r.Status {
	case StatusStarted, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", r.Status))
	}
	if len(r.Task) > MaxTaskLength {
		return apperrors.Validation("task", fmt.Sprintf("must be at most %d bytes", MaxTaskLength))
	}
	return nil
}

// IndexEntry projects the run onto its index row.
func (r *Run) IndexEntry() IndexEntry {
	return IndexEntry{
		RunID:       r.RunID,
		SessionID:   r.SessionID,
		Status:      r.Status,
		Title:       r.Title,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
