// Package policy defines the side-effect descriptors attached to step runs
// and the decisions the policy runtime produces from them.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
)

// Behavior discriminates the policy kinds.
type Behavior string

const (
	BehaviorLoop    Behavior = "loop"
	BehaviorTrigger Behavior = "trigger"
)

// Action selects what a loop policy does when it fires.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionStepBack Action = "step_back"
)

// Reason is a tagged point in the step lifecycle where policies are evaluated.
type Reason string

const (
	ReasonExecCompleted            Reason = "exec_completed"
	ReasonExecFailed               Reason = "exec_failed"
	ReasonQAPassed                 Reason = "qa_passed"
	ReasonQAFailed                 Reason = "qa_failed"
	ReasonQASkippedPolicy          Reason = "qa_skipped_policy"
	ReasonCodemachineExecCompleted Reason = "codemachine_exec_completed"
)

// MaxInlineTriggerDepth caps inline trigger chains to prevent runaway
// recursion.
const MaxInlineTriggerDepth = 3

// Descriptor declares one policy attached to a step. The loop fields apply
// when Behavior is "loop"; the trigger fields when it is "trigger".
// Condition and Conditions are reserved: the runtime treats any non-null
// value as always-true and journals that it went unevaluated.
type Descriptor struct {
	Behavior       Behavior `json:"behavior" yaml:"behavior"`
	Action         Action   `json:"action,omitempty" yaml:"action,omitempty"`
	MaxIterations  int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	StepBack       int      `json:"step_back,omitempty" yaml:"step_back,omitempty"`
	SkipSteps      []int    `json:"skip_steps,omitempty" yaml:"skip_steps,omitempty"`
	TriggerAgentID string   `json:"trigger_agent_id,omitempty" yaml:"trigger_agent_id,omitempty"`
	TargetAgentID  string   `json:"target_agent_id,omitempty" yaml:"target_agent_id,omitempty"`
	Condition      any      `json:"condition,omitempty" yaml:"condition,omitempty"`
	Conditions     any      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// HasCondition reports whether the descriptor carries a reserved condition.
func (d *Descriptor) HasCondition() bool {
	return d.Condition != nil || d.Conditions != nil
}

// Validate checks the descriptor for structural correctness.
func (d *Descriptor) Validate() error {
	switch d.Behavior {
	case BehaviorLoop:
		if d.Action != ActionRetry && d.Action != ActionStepBack {
			return fmt.Errorf("loop policy has invalid action %q: %w", d.Action, domain.ErrValidation)
		}
		if d.MaxIterations < 0 {
			return fmt.Errorf("max_iterations must be non-negative: %w", domain.ErrValidation)
		}
		if d.StepBack < 0 {
			return fmt.Errorf("step_back must be non-negative: %w", domain.ErrValidation)
		}
	case BehaviorTrigger:
		if d.TriggerAgentID == "" || d.TargetAgentID == "" {
			return fmt.Errorf("trigger policy requires trigger_agent_id and target_agent_id: %w", domain.ErrValidation)
		}
		if d.TriggerAgentID == d.TargetAgentID {
			return fmt.Errorf("trigger policy targets itself (%s): %w", d.TriggerAgentID, domain.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown policy behavior %q: %w", d.Behavior, domain.ErrValidation)
	}
	return nil
}

// Decode converts an opaque policy list (as stored in JSON columns) into
// typed descriptors. The store keeps policies schema-agnostic; this is the
// use-site decoder.
func Decode(raw any) ([]Descriptor, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal policy list: %w", err)
	}
	var out []Descriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode policy list: %w", err)
	}
	return out, nil
}

// Decision is the outcome of a policy evaluation. Applied reports whether
// any policy fired. TargetStepID names the step-run row a trigger selected;
// InlineDepth is the depth the caller must record when executing it inline.
type Decision struct {
	Applied      bool     `json:"applied"`
	TargetStepID int64    `json:"target_step_id,omitempty"`
	InlineDepth  int      `json:"inline_depth,omitempty"`
	ResetIndices []int    `json:"reset_indices,omitempty"`
	Exhausted    bool     `json:"exhausted,omitempty"`
	Reason       Reason   `json:"reason,omitempty"`
	Behavior     Behavior `json:"behavior,omitempty"`
}
