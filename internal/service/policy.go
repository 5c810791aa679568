package service

import (
	"context"
	"fmt"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
)

// PolicyRuntime evaluates the loop and trigger policies attached to step
// runs at well-known lifecycle reasons. It mutates only step status,
// retries, and runtime state; run transitions and job dispatch stay with
// the caller. The worker is single-threaded per step, so runtime-state
// read-modify-write needs no locking.
type PolicyRuntime struct {
	store   database.Store
	journal *Journal
}

// NewPolicyRuntime creates a PolicyRuntime.
func NewPolicyRuntime(store database.Store, journal *Journal) *PolicyRuntime {
	return &PolicyRuntime{store: store, journal: journal}
}

// EvaluateLoop runs the loop policies of a failed step. The first policy
// that applies wins: retry moves the step back to pending with an
// incremented iteration counter; step_back additionally resets earlier
// steps. An iteration counter at its bound journals loop_policy_exhausted
// instead of applying.
func (p *PolicyRuntime) EvaluateLoop(ctx context.Context, run *protocol.Run, stepRun *step.Run, reason policy.Reason) (policy.Decision, error) {
	decision := policy.Decision{Reason: reason, Behavior: policy.BehaviorLoop}
	if stepRun.Status != step.StatusFailed {
		return decision, nil
	}

	for i := range stepRun.Policy {
		d := &stepRun.Policy[i]
		if d.Behavior != policy.BehaviorLoop {
			continue
		}
		if err := p.noteCondition(ctx, run, stepRun, d); err != nil {
			return decision, err
		}

		iterations := stepRun.LoopIterations()
		if iterations >= d.MaxIterations {
			decision.Exhausted = true
			msg := fmt.Sprintf("loop policy exhausted after %d iterations", iterations)
			if _, err := p.journal.Append(ctx, event.New(run.ID, event.TypeLoopPolicyExhausted, msg).WithStep(stepRun.ID)); err != nil {
				return decision, err
			}
			continue
		}

		switch d.Action {
		case policy.ActionRetry:
			if err := p.applyRetry(ctx, run, stepRun, iterations); err != nil {
				return decision, err
			}
			decision.Applied = true
			return decision, nil
		case policy.ActionStepBack:
			reset, err := p.applyStepBack(ctx, run, stepRun, d, iterations)
			if err != nil {
				return decision, err
			}
			decision.Applied = true
			decision.ResetIndices = reset
			return decision, nil
		}
	}
	return decision, nil
}

func (p *PolicyRuntime) applyRetry(ctx context.Context, run *protocol.Run, stepRun *step.Run, iterations int) error {
	retries := stepRun.Retries + 1
	state := bumpRuntime(stepRun.RuntimeState, step.RuntimeKeyLoopIterations, iterations+1)
	if err := p.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusPending, step.UpdateOptions{
		Retries:      &retries,
		RuntimeState: state,
	}); err != nil {
		return fmt.Errorf("apply loop retry: %w", err)
	}
	msg := fmt.Sprintf("loop policy retry: step %s back to pending (iteration %d)", stepRun.StepName, iterations+1)
	_, err := p.journal.Append(ctx, event.New(run.ID, event.TypeLoopPolicyApplied, msg).
		WithStep(stepRun.ID).
		WithMeta("action", string(policy.ActionRetry)).
		WithMeta(step.RuntimeKeyLoopIterations, iterations+1))
	return err
}

// applyStepBack resets the window [step_index - step_back, step_index] to
// pending, skipping declared indices, and bumps the iteration counter on
// the policy's own step.
func (p *PolicyRuntime) applyStepBack(ctx context.Context, run *protocol.Run, stepRun *step.Run, d *policy.Descriptor, iterations int) ([]int, error) {
	back := d.StepBack
	if back <= 0 {
		back = 1
	}
	target := stepRun.StepIndex - back
	if target < 0 {
		target = 0
	}
	skip := make(map[int]bool, len(d.SkipSteps))
	for _, idx := range d.SkipSteps {
		skip[idx] = true
	}

	steps, err := p.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps for step_back: %w", err)
	}

	var reset []int
	for i := range steps {
		s := &steps[i]
		if s.StepIndex < target || s.StepIndex > stepRun.StepIndex || skip[s.StepIndex] {
			continue
		}
		opts := step.UpdateOptions{}
		if s.ID == stepRun.ID {
			retries := stepRun.Retries + 1
			opts.Retries = &retries
			opts.RuntimeState = bumpRuntime(stepRun.RuntimeState, step.RuntimeKeyLoopIterations, iterations+1)
		}
		if err := p.store.UpdateStepStatus(ctx, s.ID, step.StatusPending, opts); err != nil {
			return nil, fmt.Errorf("step_back reset index %d: %w", s.StepIndex, err)
		}
		reset = append(reset, s.StepIndex)
	}

	msg := fmt.Sprintf("loop policy step_back: reset indices %v to pending (iteration %d)", reset, iterations+1)
	_, err = p.journal.Append(ctx, event.New(run.ID, event.TypeLoopPolicyApplied, msg).
		WithStep(stepRun.ID).
		WithMeta("action", string(policy.ActionStepBack)).
		WithMeta(event.MetaResetIndices, reset).
		WithMeta(step.RuntimeKeyLoopIterations, iterations+1))
	return reset, err
}

// EvaluateTrigger selects the step a trigger policy fans out to. The caller
// decides whether to enqueue the target or execute it inline at depth+1.
// Triggers need the run's spec to map agent ids to step rows; runs without
// a spec never fire triggers.
func (p *PolicyRuntime) EvaluateTrigger(ctx context.Context, run *protocol.Run, stepRun *step.Run, reason policy.Reason) (policy.Decision, error) {
	decision := policy.Decision{Reason: reason, Behavior: policy.BehaviorTrigger}
	spec, err := run.Spec()
	if err != nil || spec == nil {
		return decision, nil
	}
	specStep := spec.FindStep(stepRun.StepName)
	if specStep == nil {
		return decision, nil
	}

	for i := range stepRun.Policy {
		d := &stepRun.Policy[i]
		if d.Behavior != policy.BehaviorTrigger || d.TriggerAgentID != specStep.ID {
			continue
		}
		if err := p.noteCondition(ctx, run, stepRun, d); err != nil {
			return decision, err
		}

		targetSpec := spec.FindStepByID(d.TargetAgentID)
		if targetSpec == nil {
			continue
		}
		target, err := p.findStepRunByName(ctx, run.ID, targetSpec.Name)
		if err != nil {
			return decision, err
		}
		if target == nil {
			continue
		}

		decision.Applied = true
		decision.TargetStepID = target.ID
		decision.InlineDepth = stepRun.InlineDepth() + 1
		return decision, nil
	}
	return decision, nil
}

// noteCondition journals that a reserved policy condition went unevaluated.
// Conditions are treated as always-true.
func (p *PolicyRuntime) noteCondition(ctx context.Context, run *protocol.Run, stepRun *step.Run, d *policy.Descriptor) error {
	if !d.HasCondition() {
		return nil
	}
	msg := fmt.Sprintf("policy condition on step %s not evaluated; treated as true", stepRun.StepName)
	_, err := p.journal.Append(ctx, event.New(run.ID, event.TypePolicyConditionUnevaluated, msg).WithStep(stepRun.ID))
	return err
}

func (p *PolicyRuntime) findStepRunByName(ctx context.Context, runID int64, name string) (*step.Run, error) {
	steps, err := p.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load steps for trigger target: %w", err)
	}
	for i := range steps {
		if steps[i].StepName == name {
			return &steps[i], nil
		}
	}
	return nil, nil
}

// bumpRuntime copies a runtime-state map with one integer key updated.
func bumpRuntime(state map[string]any, key string, value int) map[string]any {
	out := make(map[string]any, len(state)+1)
	for k, v := range state {
		out[k] = v
	}
	out[key] = value
	return out
}
