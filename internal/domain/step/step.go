// Package step defines the StepRun domain entity, one execution slot within
// a protocol run.
package step

import (
	"encoding/json"
	"fmt"

	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
)

// Status represents the current state of a step run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusNeedsQA   Status = "needs_qa"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Type is the phase of work a step performs.
type Type string

const (
	TypeSetup Type = "setup"
	TypeWork  Type = "work"
	TypeQA    Type = "qa"
)

// Runtime-state keys maintained by the policy runtime and executor.
const (
	RuntimeKeyLoopIterations = "loop_iterations"
	RuntimeKeyInlineDepth    = "inline_trigger_depth"
)

// validStatuses enumerates all valid step run statuses.
var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusNeedsQA:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusBlocked:   true,
	StatusCancelled: true,
}

// validTypes enumerates all valid step types.
var validTypes = map[Type]bool{
	TypeSetup: true,
	TypeWork:  true,
	TypeQA:    true,
}

// IsTerminal reports whether no further automatic transitions occur from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TerminalSuccess reports whether s counts toward protocol completion.
func (s Status) TerminalSuccess() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known step status.
func (s Status) Valid() bool { return validStatuses[s] }

// Run represents one execution slot within a protocol run, ordered by
// StepIndex. Step runs are never physically deleted.
type Run struct {
	ID            int64               `json:"id"`
	ProtocolRunID int64               `json:"protocol_run_id"`
	StepIndex     int                 `json:"step_index"`
	StepName      string              `json:"step_name"`
	StepType      Type                `json:"step_type"`
	Status        Status              `json:"status"`
	Retries       int                 `json:"retries"`
	Model         string              `json:"model,omitempty"`
	EngineID      string              `json:"engine_id,omitempty"`
	Policy        []policy.Descriptor `json:"policy,omitempty"`
	RuntimeState  map[string]any      `json:"runtime_state,omitempty"`
	Summary       string              `json:"summary,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// LoopIterations returns the loop counter carried in the runtime state.
func (r *Run) LoopIterations() int {
	return runtimeInt(r.RuntimeState, RuntimeKeyLoopIterations)
}

// InlineDepth returns the inline-trigger depth carried in the runtime state.
func (r *Run) InlineDepth() int {
	return runtimeInt(r.RuntimeState, RuntimeKeyInlineDepth)
}

// runtimeInt reads an integer out of an opaque runtime-state map. JSON
// round-trips store numbers as float64; journal data may carry strings.
func runtimeInt(state map[string]any, key string) int {
	if state == nil {
		return 0
	}
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

// CreateRequest holds the fields needed to materialise a new step run.
type CreateRequest struct {
	StepIndex    int                 `json:"step_index"`
	StepName     string              `json:"step_name"`
	StepType     Type                `json:"step_type,omitempty"`
	Model        string              `json:"model,omitempty"`
	EngineID     string              `json:"engine_id,omitempty"`
	Policy       []policy.Descriptor `json:"policy,omitempty"`
	RuntimeState map[string]any      `json:"runtime_state,omitempty"`
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.StepName == "" {
		return fmt.Errorf("step_name is required: %w", domain.ErrValidation)
	}
	if r.StepIndex < 0 {
		return fmt.Errorf("step_index must be non-negative: %w", domain.ErrValidation)
	}
	if r.StepType != "" && !validTypes[r.StepType] {
		return fmt.Errorf("invalid step_type %q: %w", r.StepType, domain.ErrValidation)
	}
	for i, d := range r.Policy {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
	}
	return nil
}

// UpdateOptions carries the optional fields of a step status update.
// Nil fields retain their prior values.
type UpdateOptions struct {
	Retries      *int
	Summary      *string
	Model        *string
	EngineID     *string
	RuntimeState map[string]any
}
