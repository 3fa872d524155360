// Package session defines the sandbox session model and its store.
package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// idPattern constrains ids to DNS-label-ish names usable as container
// names and object-store key fragments.
var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

const maxIDLength = 64

// Repository identifies the git repository attached to a session.
type Repository struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// Config holds per-session agent configuration.
type Config struct {
	DefaultModel string `json:"defaultModel"`
}

// Session is the full persisted record of a sandbox session. The
// sandbox shares the session's id.
type Session struct {
	SessionID         string      `json:"sessionId"`
	SandboxID         string      `json:"sandboxId"`
	CreatedAt         int64       `json:"createdAt"`
	LastActivity      int64       `json:"lastActivity"`
	Status            Status      `json:"status"`
	WorkspacePath     string      `json:"workspacePath"`
	WebUIURL          string      `json:"webUiUrl,omitempty"`
	Repository        *Repository `json:"repository,omitempty"`
	Title             string      `json:"title,omitempty"`
	Config            Config      `json:"config"`
	OpencodeSessionID string      `json:"opencodeSessionId,omitempty"`
	ClonedRepos       []string    `json:"clonedRepos,omitempty"`
}

// IndexEntry is the lightweight listing projection of a session.
type IndexEntry struct {
	SessionID    string `json:"sessionId"`
	Status       Status `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
	Title        string `json:"title,omitempty"`
}

// Index is the single-object session index.
type Index struct {
	Version   int                   `json:"version"`
	Sessions  map[string]IndexEntry `json:"sessions"`
	UpdatedAt int64                 `json:"updatedAt"`
}

// NewID generates a fresh lowercase 8-hex session id.
func NewID() string {
	return strings.ToLower(uuid.NewString()[:8])
}

// ValidateID checks the session id grammar.
func ValidateID(id string) error {
	if id == "" {
		return apperrors.Validation("sessionId", "must not be empty")
	}
	if len(id) > maxIDLength {
		return apperrors.Validation("sessionId", fmt.Sprintf("must be at most %d characters", maxIDLength))
	}
	if !idPattern.MatchString(id) {
		return apperrors.Validation("sessionId", "must contain only lowercase letters, digits and hyphens")
	}
	return nil
}

// Validate checks the record before it is written.
func (s *Session) Validate() error {
	if err := ValidateID(s.SessionID); err != nil {
		return err
	}
	switch s.Status {
	case StatusCreating, StatusActive, StatusIdle, StatusStopped, StatusError:
	default:
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", s.Status))
	}
	if s.WorkspacePath == "" {
		return apperrors.Validation("workspacePath", "must not be empty")
	}
	if s.Repository != nil && !strings.HasPrefix(s.Repository.URL, "https://github.com/") {
		return apperrors.Validation("repository.url", "must start with https://github.com/")
	}
	return nil
}

// IndexEntry projects the session onto its index row.
func (s *Session) IndexEntry() IndexEntry {
	return IndexEntry{
		SessionID:    s.SessionID,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Title:        s.Title,
	}
}

// AddClonedRepo records a repository URL in the session's clone set.
// Repeat clones are no-ops; returns true when the set changed.
func (s *Session) AddClonedRepo(url string) bool {
	for _, existing := range s.ClonedRepos {
		if existing == url {
			return false
		}
	}
	s.ClonedRepos = append(s.ClonedRepos, url)
	return true
}
