package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	otelx "github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/otel"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/secrets"
)

// fallbackModel is the hard-coded end of every model resolution chain.
const fallbackModel = "gpt-5-codex"

// Executor runs one step of a protocol: spec resolution, validation, budget
// enforcement, engine dispatch, output persistence, and the policy follow-up.
// Handlers reduce recoverable failures to state transitions plus events;
// only infrastructure errors propagate to the worker.
type Executor struct {
	store    database.Store
	queue    jobqueue.Queue
	registry *engine.Registry
	journal  *Journal
	specs    *SpecCache
	policies *PolicyRuntime
	cfg      config.Config

	qa *QAGate
}

// NewExecutor creates an Executor. A nil queue makes trigger fan-out and
// auto-QA run inline.
func NewExecutor(store database.Store, queue jobqueue.Queue, registry *engine.Registry, journal *Journal, specs *SpecCache, policies *PolicyRuntime, cfg config.Config) *Executor {
	return &Executor{
		store:    store,
		queue:    queue,
		registry: registry,
		journal:  journal,
		specs:    specs,
		policies: policies,
		cfg:      cfg,
	}
}

// SetQAGate wires the QA gate for inline auto-QA. Set after construction
// because the gate also needs the executor for loop retries.
func (e *Executor) SetQAGate(qa *QAGate) { e.qa = qa }

// ExecuteStep performs one step. Safe under at-least-once delivery: a step
// already in a terminal status is a no-op.
func (e *Executor) ExecuteStep(ctx context.Context, stepRunID int64) error {
	stepRun, err := e.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return fmt.Errorf("load step run %d: %w", stepRunID, err)
	}
	if stepRun.Status == step.StatusCompleted || stepRun.Status == step.StatusCancelled {
		slog.Info("step already terminal, skipping", "step_run_id", stepRun.ID, "status", stepRun.Status)
		return nil
	}
	run, err := e.store.GetProtocolRun(ctx, stepRun.ProtocolRunID)
	if err != nil {
		return fmt.Errorf("load protocol run %d: %w", stepRun.ProtocolRunID, err)
	}
	if run.Status.IsTerminal() {
		slog.Info("protocol run terminal, skipping step", "protocol_run_id", run.ID, "status", run.Status)
		return nil
	}
	proj, err := e.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", run.ProjectID, err)
	}

	ctx, span := otelx.StartStepSpan(ctx, run.ID, stepRun.ID, stepRun.StepName)
	defer span.End()

	spec, specHash := e.specs.Resolve(ctx, run)
	var specStep *protocol.StepSpec
	if spec != nil {
		specStep = spec.FindStep(stepRun.StepName)
	}

	if err := ensureRunning(ctx, e.store, run); err != nil {
		return err
	}

	engineID := ""
	if specStep != nil {
		engineID = specStep.EngineID
	}
	if engineID == "" {
		engineID = stepRun.EngineID
	}
	eng, err := e.registry.Resolve(engineID)
	if err != nil {
		return e.failStep(ctx, run, stepRun, specHash, fmt.Sprintf("engine %q not registered", engineID), 0)
	}

	worktree := worktreePath(e.cfg.Workspace, run)
	protoRoot := protocolRootPath(run, worktree)

	if !eng.Available() || !dirExists(worktree) {
		return e.stubExecute(ctx, run, stepRun, spec, specHash, eng)
	}

	if specStep != nil {
		single := &protocol.Spec{Steps: []protocol.StepSpec{*specStep}, WorkspaceLayout: spec.WorkspaceLayout}
		if violations := single.Validate(protoRoot, worktree); len(violations) > 0 {
			return e.failValidation(ctx, run, stepRun, violations)
		}
	}

	model := resolveModel(specStep, stepRun, proj, eng, project.PhaseExec)

	promptPath := resolvePromptPath(specStep, stepRun.StepName, protoRoot, worktree)
	promptData, err := os.ReadFile(promptPath)
	if err != nil {
		slog.Warn("prompt file unreadable, dispatching with empty prompt", "path", promptPath, "error", err)
		promptData = nil
	}
	prompt := string(promptData)
	estimate := tokenEstimate(prompt)
	promptVersion := promptFingerprint(promptData)

	if ok, err := enforceTokenBudget(ctx, e.store, e.journal, e.cfg.Budget, run, stepRun, specHash, estimate); err != nil {
		return err
	} else if !ok {
		return nil
	}

	if err := e.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusRunning, step.UpdateOptions{}); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}
	if _, err := e.journal.Append(ctx, event.New(run.ID, event.TypeStepStarted, fmt.Sprintf("executing step %s", stepRun.StepName)).
		WithStep(stepRun.ID).
		WithMeta(event.MetaModel, model).
		WithMeta(event.MetaEngineID, eng.ID())); err != nil {
		return err
	}

	// Cancellation checkpoint ahead of the subprocess.
	fresh, err := e.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if fresh.Status == protocol.StatusCancelled {
		if err := e.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusCancelled, step.UpdateOptions{}); err != nil {
			return err
		}
		slog.Info("protocol cancelled, aborting step", "protocol_run_id", run.ID, "step_run_id", stepRun.ID)
		return nil
	}

	req := engine.Request{
		ProjectID:     proj.ID,
		ProtocolRunID: run.ID,
		StepRunID:     stepRun.ID,
		Model:         model,
		WorkingDir:    worktree,
		PromptText:    prompt,
		Env:           secretEnv(proj),
	}
	ectx, espan := otelx.StartEngineSpan(ctx, eng.ID(), model)
	result, execErr := eng.Execute(ectx, req)
	espan.End()

	scrub := secretValues(proj)
	if execErr != nil {
		return e.failStep(ctx, run, stepRun, specHash, secrets.Scrub(execErr.Error(), scrub...), estimate)
	}
	if !result.Success {
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = "engine reported failure"
		}
		return e.failStep(ctx, run, stepRun, specHash, secrets.Scrub(detail, scrub...), estimate)
	}

	outputs := resolveOutputs(specStep, stepRun.StepName, protoRoot, worktree, layoutOf(spec))
	for _, path := range outputs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create output dir for %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(result.Stdout), 0o644); err != nil {
			return fmt.Errorf("write output %s: %w", path, err)
		}
	}

	summary := summarize(secrets.Scrub(result.Stdout, scrub...))
	if summary == "" {
		summary = "step executed"
	}
	engID := eng.ID()
	if err := e.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusNeedsQA, step.UpdateOptions{
		Summary:  &summary,
		Model:    &model,
		EngineID: &engID,
	}); err != nil {
		return fmt.Errorf("mark step needs_qa: %w", err)
	}

	if _, err := e.journal.Append(ctx, event.New(run.ID, event.TypeStepCompleted, fmt.Sprintf("step %s executed", stepRun.StepName)).
		WithStep(stepRun.ID).
		WithMeta(event.MetaEstimatedTokens, estimate).
		WithMeta(event.MetaPromptVersions, map[string]string{stepRun.StepName: promptVersion}).
		WithMeta(event.MetaOutputs, outputs).
		WithMeta(event.MetaSpecHash, specHash).
		WithMeta(event.MetaModel, model).
		WithMeta(event.MetaEngineID, engID)); err != nil {
		return err
	}

	stepRun.Status = step.StatusNeedsQA
	if _, err := e.dispatchTrigger(ctx, run, stepRun, execReason(spec)); err != nil {
		return err
	}
	if e.cfg.Worker.AutoQA {
		return e.enqueueQA(ctx, run, stepRun)
	}
	return nil
}

// stubExecute is the short-circuit taken when the engine CLI or the working
// tree is unavailable. The step still counts as executed and moves to
// needs_qa so the rest of the pipeline can be exercised without either.
func (e *Executor) stubExecute(ctx context.Context, run *protocol.Run, stepRun *step.Run, spec *protocol.Spec, specHash string, eng engine.Engine) error {
	summary := "stub execution: engine or workspace unavailable"
	engID := eng.ID()
	if err := e.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusNeedsQA, step.UpdateOptions{
		Summary:  &summary,
		EngineID: &engID,
	}); err != nil {
		return fmt.Errorf("mark step needs_qa: %w", err)
	}
	if _, err := e.journal.Append(ctx, event.New(run.ID, event.TypeStepCompleted, fmt.Sprintf("step %s executed (stub)", stepRun.StepName)).
		WithStep(stepRun.ID).
		WithMeta(event.MetaSpecHash, specHash).
		WithMeta("stub", true)); err != nil {
		return err
	}
	stepRun.Status = step.StatusNeedsQA
	if _, err := e.dispatchTrigger(ctx, run, stepRun, execReason(spec)); err != nil {
		return err
	}
	if e.cfg.Worker.AutoQA {
		return e.enqueueQA(ctx, run, stepRun)
	}
	return nil
}

// failValidation journals each offending path, fails the step, and blocks
// the run.
func (e *Executor) failValidation(ctx context.Context, run *protocol.Run, stepRun *step.Run, violations []protocol.Violation) error {
	for _, v := range violations {
		if _, err := e.journal.Append(ctx, event.New(run.ID, event.TypeSpecValidationError, v.String()).
			WithStep(stepRun.ID).
			WithMeta("path", v.Path).
			WithMeta("detail", v.Detail)); err != nil {
			return err
		}
	}
	summary := summarize(violations[0].String())
	if err := e.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusFailed, step.UpdateOptions{Summary: &summary}); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	return blockProtocolRun(ctx, e.store, run.ID)
}

// enforceTokenBudget applies the token budget ahead of an engine call.
// Returns ok=false when strict mode rejected the step; the step is then
// already failed and the run blocked. Budget rejection bypasses policies:
// re-running an oversized prompt cannot shrink it.
func enforceTokenBudget(ctx context.Context, store database.Store, journal *Journal, budget config.Budget, run *protocol.Run, stepRun *step.Run, specHash string, estimate int) (bool, error) {
	limit := budget.MaxTokensPerStep
	if limit <= 0 {
		limit = budget.MaxTokensPerProtocol
	}
	if budget.Mode == config.BudgetModeOff || limit <= 0 || estimate <= limit {
		return true, nil
	}
	msg := fmt.Sprintf("token budget exceeded: estimated %d > limit %d", estimate, limit)
	if budget.Mode == config.BudgetModeStrict {
		summary := summarize(msg)
		if err := store.UpdateStepStatus(ctx, stepRun.ID, step.StatusFailed, step.UpdateOptions{Summary: &summary}); err != nil {
			return false, fmt.Errorf("mark step failed: %w", err)
		}
		if _, err := journal.Append(ctx, event.New(run.ID, event.TypeStepFailed, msg).
			WithStep(stepRun.ID).
			WithMeta(event.MetaEstimatedTokens, estimate).
			WithMeta(event.MetaSpecHash, specHash)); err != nil {
			return false, err
		}
		return false, blockProtocolRun(ctx, store, run.ID)
	}
	// Warn mode (the default) logs and proceeds.
	slog.Warn("token budget exceeded", "protocol_run_id", run.ID, "step_run_id", stepRun.ID, "estimated", estimate, "limit", limit)
	if _, err := journal.Append(ctx, event.New(run.ID, event.TypeTokenBudgetWarning, msg).
		WithStep(stepRun.ID).
		WithMeta(event.MetaEstimatedTokens, estimate)); err != nil {
		return false, err
	}
	return true, nil
}

// failStep marks the step failed and walks the recovery ladder: loop
// policies first, then trigger policies, finally blocking the run.
func (e *Executor) failStep(ctx context.Context, run *protocol.Run, stepRun *step.Run, specHash, detail string, estimate int) error {
	summary := summarize(detail)
	if err := e.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusFailed, step.UpdateOptions{Summary: &summary}); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	ev := event.New(run.ID, event.TypeStepFailed, detail).
		WithStep(stepRun.ID).
		WithMeta(event.MetaSpecHash, specHash)
	if estimate > 0 {
		ev = ev.WithMeta(event.MetaEstimatedTokens, estimate)
	}
	if _, err := e.journal.Append(ctx, ev); err != nil {
		return err
	}
	stepRun.Status = step.StatusFailed

	dec, err := e.policies.EvaluateLoop(ctx, run, stepRun, policy.ReasonExecFailed)
	if err != nil {
		return err
	}
	if dec.Applied {
		return e.redispatchAfterLoop(ctx, run, stepRun, dec)
	}

	applied, err := e.dispatchTrigger(ctx, run, stepRun, policy.ReasonExecFailed)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	return blockProtocolRun(ctx, e.store, run.ID)
}

// redispatchAfterLoop keeps the run moving after a loop policy fired:
// restore running and re-dispatch the step the policy reset to.
func (e *Executor) redispatchAfterLoop(ctx context.Context, run *protocol.Run, stepRun *step.Run, dec policy.Decision) error {
	if err := ensureRunning(ctx, e.store, run); err != nil {
		return err
	}
	targetID := stepRun.ID
	if len(dec.ResetIndices) > 0 {
		lowest := dec.ResetIndices[0]
		for _, idx := range dec.ResetIndices[1:] {
			if idx < lowest {
				lowest = idx
			}
		}
		steps, err := e.store.ListStepRuns(ctx, run.ID)
		if err != nil {
			return err
		}
		for i := range steps {
			if steps[i].StepIndex == lowest {
				targetID = steps[i].ID
				break
			}
		}
	}
	if e.queue != nil {
		_, err := e.queue.Enqueue(ctx, job.TypeExecuteStep, map[string]any{
			job.PayloadProtocolRunID: run.ID,
			job.PayloadStepRunID:     targetID,
		}, e.cfg.Queue.Name)
		return err
	}
	return e.ExecuteStep(ctx, targetID)
}

// dispatchTrigger evaluates trigger policies and dispatches the selected
// target: through the queue at depth zero, or inline at depth+1 under the
// inline cap. Reports whether a trigger applied.
func (e *Executor) dispatchTrigger(ctx context.Context, run *protocol.Run, stepRun *step.Run, reason policy.Reason) (bool, error) {
	dec, err := e.policies.EvaluateTrigger(ctx, run, stepRun, reason)
	if err != nil {
		return false, err
	}
	if !dec.Applied {
		return false, nil
	}
	target, err := e.store.GetStepRun(ctx, dec.TargetStepID)
	if err != nil {
		return false, err
	}
	if target.Status.IsTerminal() {
		slog.Info("trigger target already terminal, skipping", "target_step_id", target.ID, "status", target.Status)
		return false, nil
	}

	if e.queue != nil {
		state := bumpRuntime(target.RuntimeState, step.RuntimeKeyInlineDepth, 0)
		if err := e.store.UpdateStepStatus(ctx, target.ID, step.StatusPending, step.UpdateOptions{RuntimeState: state}); err != nil {
			return false, err
		}
		if _, err := e.queue.Enqueue(ctx, job.TypeExecuteStep, map[string]any{
			job.PayloadProtocolRunID: run.ID,
			job.PayloadStepRunID:     target.ID,
			job.PayloadInlineDepth:   0,
		}, e.cfg.Queue.Name); err != nil {
			return false, err
		}
		_, err = e.journal.Append(ctx, event.New(run.ID, event.TypeTriggerEnqueued, fmt.Sprintf("trigger: enqueued step %s", target.StepName)).
			WithStep(stepRun.ID).
			WithMeta(event.MetaTargetStepID, target.ID).
			WithMeta(event.MetaInlineDepth, 0))
		return err == nil, err
	}

	depth := dec.InlineDepth
	if depth > policy.MaxInlineTriggerDepth {
		metrics.TriggerDepthExceeded.Inc()
		_, err := e.journal.Append(ctx, event.New(run.ID, event.TypeTriggerInlineDepthExceeded,
			fmt.Sprintf("trigger chain stopped at depth cap %d", policy.MaxInlineTriggerDepth)).
			WithStep(stepRun.ID).
			WithMeta(event.MetaTargetStepID, target.ID).
			WithMeta(event.MetaInlineDepth, stepRun.InlineDepth()))
		return false, err
	}
	state := bumpRuntime(target.RuntimeState, step.RuntimeKeyInlineDepth, depth)
	if err := e.store.UpdateStepStatus(ctx, target.ID, step.StatusPending, step.UpdateOptions{RuntimeState: state}); err != nil {
		return false, err
	}
	if _, err := e.journal.Append(ctx, event.New(run.ID, event.TypeTriggerEnqueued, fmt.Sprintf("trigger: executing step %s inline", target.StepName)).
		WithStep(stepRun.ID).
		WithMeta(event.MetaTargetStepID, target.ID).
		WithMeta(event.MetaInlineDepth, depth)); err != nil {
		return false, err
	}
	return true, e.ExecuteStep(ctx, target.ID)
}

func (e *Executor) enqueueQA(ctx context.Context, run *protocol.Run, stepRun *step.Run) error {
	if e.queue != nil {
		_, err := e.queue.Enqueue(ctx, job.TypeRunQuality, map[string]any{
			job.PayloadProtocolRunID: run.ID,
			job.PayloadStepRunID:     stepRun.ID,
		}, e.cfg.Queue.Name)
		return err
	}
	if e.qa != nil {
		return e.qa.RunQuality(ctx, stepRun.ID)
	}
	return nil
}

// blockProtocolRun re-reads the run before blocking so a concurrent cancel
// wins.
func blockProtocolRun(ctx context.Context, store database.Store, runID int64) error {
	fresh, err := store.GetProtocolRun(ctx, runID)
	if err != nil {
		return err
	}
	if fresh.Status.IsTerminal() || !protocol.CanTransition(fresh.Status, protocol.StatusBlocked) {
		return nil
	}
	return store.UpdateProtocolStatus(ctx, runID, protocol.StatusBlocked)
}

// execReason maps the workspace layout to the completion reason triggers
// are evaluated at.
func execReason(spec *protocol.Spec) policy.Reason {
	if spec != nil && spec.WorkspaceLayout == protocol.LayoutCodemachine {
		return policy.ReasonCodemachineExecCompleted
	}
	return policy.ReasonExecCompleted
}

// layoutOf returns the spec's workspace layout, or "" without a spec.
func layoutOf(spec *protocol.Spec) string {
	if spec == nil {
		return ""
	}
	return spec.WorkspaceLayout
}

// resolveModel walks the model chain: spec entry, step row, project phase
// default, engine phase default, hard fallback.
func resolveModel(specStep *protocol.StepSpec, stepRun *step.Run, proj *project.Project, eng engine.Engine, phase string) string {
	if specStep != nil && specStep.Model != "" {
		return specStep.Model
	}
	if stepRun != nil && stepRun.Model != "" {
		return stepRun.Model
	}
	if m := proj.DefaultModel(phase); m != "" {
		return m
	}
	if m := eng.DefaultModel(phase); m != "" {
		return m
	}
	return fallbackModel
}

// ensureRunning best-effort moves a run to running ahead of execution. Runs
// that cannot legally transition are left alone.
func ensureRunning(ctx context.Context, store database.Store, run *protocol.Run) error {
	if run.Status == protocol.StatusRunning || !protocol.CanTransition(run.Status, protocol.StatusRunning) {
		return nil
	}
	if err := store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusRunning); err != nil {
		return err
	}
	run.Status = protocol.StatusRunning
	return nil
}
