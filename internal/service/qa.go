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
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/secrets"
)

// Verdict labels recorded on QA events and metrics.
const (
	verdictPass = "pass"
	verdictFail = "fail"
)

// QAGate reviews an executed step with a second engine pass and renders a
// pass/fail verdict. A pass completes the step; a fail walks the loop
// policies before blocking the run.
type QAGate struct {
	store     database.Store
	registry  *engine.Registry
	journal   *Journal
	specs     *SpecCache
	policies  *PolicyRuntime
	protocols *ProtocolService
	cfg       config.Config

	executor *Executor
}

// NewQAGate creates a QAGate.
func NewQAGate(store database.Store, registry *engine.Registry, journal *Journal, specs *SpecCache, policies *PolicyRuntime, protocols *ProtocolService, cfg config.Config) *QAGate {
	return &QAGate{
		store:     store,
		registry:  registry,
		journal:   journal,
		specs:     specs,
		policies:  policies,
		protocols: protocols,
		cfg:       cfg,
	}
}

// SetExecutor wires the executor for trigger fan-out and loop re-dispatch.
// Set after construction because the executor needs the gate for auto-QA.
func (g *QAGate) SetExecutor(e *Executor) { g.executor = e }

// RunQuality gates one step. A step already in a terminal status is left
// alone, so a late QA job never overwrites a cancel or a webhook fold.
func (g *QAGate) RunQuality(ctx context.Context, stepRunID int64) error {
	stepRun, err := g.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return fmt.Errorf("load step run %d: %w", stepRunID, err)
	}
	if stepRun.Status.IsTerminal() {
		slog.Info("step already terminal, skipping qa", "step_run_id", stepRun.ID, "status", stepRun.Status)
		return nil
	}
	run, err := g.store.GetProtocolRun(ctx, stepRun.ProtocolRunID)
	if err != nil {
		return fmt.Errorf("load protocol run %d: %w", stepRun.ProtocolRunID, err)
	}
	if run.Status.IsTerminal() {
		slog.Info("protocol run terminal, skipping qa", "protocol_run_id", run.ID, "status", run.Status)
		return nil
	}
	proj, err := g.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", run.ProjectID, err)
	}

	ctx, span := otelx.StartQASpan(ctx, run.ID, stepRun.ID)
	defer span.End()

	spec, specHash := g.specs.Resolve(ctx, run)
	var specStep *protocol.StepSpec
	if spec != nil {
		specStep = spec.FindStep(stepRun.StepName)
	}

	if specStep != nil && specStep.QAPolicy() == protocol.QAPolicySkip {
		summary := "QA skipped by policy"
		if err := g.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusCompleted, step.UpdateOptions{Summary: &summary}); err != nil {
			return fmt.Errorf("mark step completed: %w", err)
		}
		if _, err := g.journal.Append(ctx, event.New(run.ID, event.TypeQASkippedPolicy, fmt.Sprintf("QA skipped for step %s", stepRun.StepName)).
			WithStep(stepRun.ID).
			WithMeta(event.MetaSpecHash, specHash)); err != nil {
			return err
		}
		stepRun.Status = step.StatusCompleted
		return g.finishPass(ctx, run, stepRun, policy.ReasonQASkippedPolicy)
	}

	engineID := ""
	if specStep != nil {
		if specStep.QA != nil && specStep.QA.EngineID != "" {
			engineID = specStep.QA.EngineID
		} else {
			engineID = specStep.EngineID
		}
	}
	if engineID == "" {
		engineID = stepRun.EngineID
	}
	eng, err := g.registry.Resolve(engineID)
	if err != nil {
		return g.failQA(ctx, run, stepRun, fmt.Sprintf("engine %q not registered", engineID), nil)
	}

	worktree := worktreePath(g.cfg.Workspace, run)
	if !eng.Available() || !dirExists(worktree) {
		summary := "QA passed (stub)"
		if err := g.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusCompleted, step.UpdateOptions{Summary: &summary}); err != nil {
			return fmt.Errorf("mark step completed: %w", err)
		}
		if _, err := g.journal.Append(ctx, event.New(run.ID, event.TypeQAPassed, fmt.Sprintf("QA passed for step %s (stub)", stepRun.StepName)).
			WithStep(stepRun.ID).
			WithMeta(event.MetaVerdict, verdictPass).
			WithMeta(event.MetaSpecHash, specHash).
			WithMeta("stub", true)); err != nil {
			return err
		}
		metrics.QAVerdicts.WithLabelValues(verdictPass).Inc()
		stepRun.Status = step.StatusCompleted
		return g.finishPass(ctx, run, stepRun, policy.ReasonQAPassed)
	}

	protoRoot := protocolRootPath(run, worktree)
	model := qaModel(specStep, proj, eng)
	prompt := g.buildPrompt(specStep, stepRun, protoRoot, worktree, layoutOf(spec))
	estimate := tokenEstimate(prompt)
	promptVersion := promptFingerprint([]byte(prompt))

	if ok, err := enforceTokenBudget(ctx, g.store, g.journal, g.cfg.Budget, run, stepRun, specHash, estimate); err != nil {
		return err
	} else if !ok {
		return nil
	}

	// Cancellation checkpoint ahead of the subprocess.
	fresh, err := g.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if fresh.Status == protocol.StatusCancelled {
		if err := g.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusCancelled, step.UpdateOptions{}); err != nil {
			return err
		}
		slog.Info("protocol cancelled, aborting qa", "protocol_run_id", run.ID, "step_run_id", stepRun.ID)
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
	result, qaErr := eng.QA(ectx, req)
	espan.End()

	scrub := secretValues(proj)
	meta := map[string]any{
		event.MetaModel:           model,
		event.MetaEstimatedTokens: estimate,
		event.MetaSpecHash:        specHash,
		event.MetaPromptVersions:  map[string]string{stepRun.StepName: promptVersion},
	}
	if qaErr != nil {
		return g.failQA(ctx, run, stepRun, secrets.Scrub(qaErr.Error(), scrub...), meta)
	}
	if !result.Success {
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = "qa engine reported failure"
		}
		return g.failQA(ctx, run, stepRun, secrets.Scrub(detail, scrub...), meta)
	}

	if parseVerdict(result.Stdout) == verdictFail {
		metrics.QAVerdicts.WithLabelValues(verdictFail).Inc()
		meta[event.MetaVerdict] = verdictFail
		return g.failQA(ctx, run, stepRun, fmt.Sprintf("QA verdict FAIL for step %s", stepRun.StepName), meta)
	}

	if err := g.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusCompleted, step.UpdateOptions{}); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}
	ev := event.New(run.ID, event.TypeQAPassed, fmt.Sprintf("QA passed for step %s", stepRun.StepName)).
		WithStep(stepRun.ID).
		WithMeta(event.MetaVerdict, verdictPass)
	for k, v := range meta {
		ev = ev.WithMeta(k, v)
	}
	if _, err := g.journal.Append(ctx, ev); err != nil {
		return err
	}
	metrics.QAVerdicts.WithLabelValues(verdictPass).Inc()
	stepRun.Status = step.StatusCompleted
	return g.finishPass(ctx, run, stepRun, policy.ReasonQAPassed)
}

// finishPass runs the post-completion tail shared by pass, stub pass, and
// policy skip: trigger fan-out, then run completion.
func (g *QAGate) finishPass(ctx context.Context, run *protocol.Run, stepRun *step.Run, reason policy.Reason) error {
	if g.executor != nil {
		if _, err := g.executor.dispatchTrigger(ctx, run, stepRun, reason); err != nil {
			return err
		}
	}
	_, err := g.protocols.MaybeCompleteProtocol(ctx, run.ID)
	return err
}

// failQA fails the step, journals qa_failed, and walks the loop policies.
// Trigger policies are not evaluated on a QA failure; an unrecovered fail
// blocks the run.
func (g *QAGate) failQA(ctx context.Context, run *protocol.Run, stepRun *step.Run, detail string, meta map[string]any) error {
	summary := summarize(detail)
	if err := g.store.UpdateStepStatus(ctx, stepRun.ID, step.StatusFailed, step.UpdateOptions{Summary: &summary}); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	ev := event.New(run.ID, event.TypeQAFailed, detail).WithStep(stepRun.ID)
	for k, v := range meta {
		ev = ev.WithMeta(k, v)
	}
	if _, err := g.journal.Append(ctx, ev); err != nil {
		return err
	}
	stepRun.Status = step.StatusFailed

	dec, err := g.policies.EvaluateLoop(ctx, run, stepRun, policy.ReasonQAFailed)
	if err != nil {
		return err
	}
	if dec.Applied && g.executor != nil {
		return g.executor.redispatchAfterLoop(ctx, run, stepRun, dec)
	}
	return blockProtocolRun(ctx, g.store, run.ID)
}

// buildPrompt assembles the review prompt: the spec's custom QA prompt file
// when present, otherwise a synthesized review of the step's primary output.
func (g *QAGate) buildPrompt(specStep *protocol.StepSpec, stepRun *step.Run, protoRoot, worktree, layout string) string {
	if specStep != nil && specStep.QA != nil && specStep.QA.Prompt != "" {
		p := specStep.QA.Prompt
		if !filepath.IsAbs(p) {
			p = filepath.Join(protoRoot, p)
		}
		if data, err := os.ReadFile(p); err == nil {
			return string(data)
		}
		slog.Warn("qa prompt file unreadable, using synthesized prompt", "path", p)
	}
	outputs := resolveOutputs(specStep, stepRun.StepName, protoRoot, worktree, layout)
	var b strings.Builder
	fmt.Fprintf(&b, "Review the work recorded for step %s.\n\n", stepRun.StepName)
	if data, err := os.ReadFile(outputs[outputPrimary]); err == nil && len(data) > 0 {
		b.WriteString("## Step output\n\n")
		b.Write(data)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Check the output for correctness and completeness against the artefacts under %s.\n", protoRoot)
	b.WriteString("End your review with a line reading VERDICT: PASS or VERDICT: FAIL.\n")
	return b.String()
}

// qaModel walks the QA model chain: spec qa entry, project qa default,
// engine qa default, hard fallback.
func qaModel(specStep *protocol.StepSpec, proj *project.Project, eng engine.Engine) string {
	if specStep != nil && specStep.QA != nil && specStep.QA.Model != "" {
		return specStep.QA.Model
	}
	if m := proj.DefaultModel(project.PhaseQA); m != "" {
		return m
	}
	if m := eng.DefaultModel(project.PhaseQA); m != "" {
		return m
	}
	return fallbackModel
}

// parseVerdict reads a verdict out of a QA report: the literal
// "VERDICT: FAIL" anywhere (case-insensitive), or a final non-empty line
// starting with VERDICT and containing FAIL, fails the step. Everything
// else, including an absent verdict, passes.
func parseVerdict(output string) string {
	if strings.Contains(strings.ToLower(output), "verdict: fail") {
		return verdictFail
	}
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "VERDICT") && strings.Contains(upper, "FAIL") {
			return verdictFail
		}
		break
	}
	return verdictPass
}
