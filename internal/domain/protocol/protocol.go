// Package protocol defines the ProtocolRun domain entity and its declarative
// specification: a named, ordered bundle of AI-agent steps executed against a
// project branch.
package protocol

import (
	"fmt"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
)

// Status represents the current state of a protocol run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// validStatuses enumerates all valid protocol run statuses.
var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusPlanning:  true,
	StatusPlanned:   true,
	StatusRunning:   true,
	StatusBlocked:   true,
	StatusFailed:    true,
	StatusCompleted: true,
	StatusCancelled: true,
}

// transitions maps each non-terminal status to the statuses reachable from it.
// Transitions are monotonic toward a terminal status, with one recovery edge:
// running and blocked are mutually reachable.
var transitions = map[Status][]Status{
	StatusPending:  {StatusPlanning, StatusPlanned, StatusRunning, StatusBlocked, StatusFailed, StatusCancelled},
	StatusPlanning: {StatusPlanned, StatusRunning, StatusBlocked, StatusFailed, StatusCancelled},
	StatusPlanned:  {StatusRunning, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusBlocked:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further automatic transitions occur from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known protocol run status.
func (s Status) Valid() bool { return validStatuses[s] }

// CanTransition reports whether a run may move from one status to another.
// A same-status update is always permitted (idempotent writes).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run represents one attempt to drive a named protocol against a project.
// ProtocolName doubles as the git branch the protocol works on.
type Run struct {
	ID             int64          `json:"id"`
	ProjectID      int64          `json:"project_id"`
	ProtocolName   string         `json:"protocol_name"`
	Status         Status         `json:"status"`
	BaseBranch     string         `json:"base_branch,omitempty"`
	WorktreePath   string         `json:"worktree_path,omitempty"`
	ProtocolRoot   string         `json:"protocol_root,omitempty"`
	Description    string         `json:"description,omitempty"`
	TemplateConfig map[string]any `json:"template_config,omitempty"`
	TemplateSource string         `json:"template_source,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Spec extracts the protocol spec embedded in the run's template config.
// Returns nil when no spec is embedded.
func (r *Run) Spec() (*Spec, error) {
	return SpecFromTemplateConfig(r.TemplateConfig)
}

// CreateRequest holds the fields needed to create a new protocol run.
type CreateRequest struct {
	ProtocolName   string         `json:"protocol_name"`
	BaseBranch     string         `json:"base_branch,omitempty"`
	Description    string         `json:"description,omitempty"`
	TemplateConfig map[string]any `json:"template_config,omitempty"`
	TemplateSource string         `json:"template_source,omitempty"`
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.ProtocolName == "" {
		return fmt.Errorf("protocol_name is required: %w", domain.ErrValidation)
	}
	return nil
}
