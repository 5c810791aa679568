package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	otelx "github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/otel"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/secrets"
)

// planOutputSchema constrains the planning engine to the artefact shape the
// planner can consume.
const planOutputSchema = `{
  "type": "object",
  "required": ["plan", "steps"],
  "properties": {
    "plan": {"type": "string"},
    "context": {"type": "string"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "content"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "type": {"type": "string", "enum": ["setup", "work", "qa"]},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

// planArtefact is the JSON document the planning engine returns.
type planArtefact struct {
	Plan    string     `json:"plan"`
	Context string     `json:"context"`
	Steps   []planStep `json:"steps"`
}

type planStep struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// planResult accumulates the metadata the planned event reports.
type planResult struct {
	models          map[string]string
	estimatedTokens int
	promptVersions  map[string]string
}

// Planner constructs a validated protocol spec and materialises step rows.
// Planning is re-runnable: a second invocation on the same workspace reuses
// the embedded spec and creates no duplicate rows.
type Planner struct {
	store     database.Store
	registry  *engine.Registry
	journal   *Journal
	specs     *SpecCache
	git       GitClient
	protocols *ProtocolService
	cfg       config.Config
}

// NewPlanner creates a Planner. A nil git client keeps every run on the
// stub path.
func NewPlanner(store database.Store, registry *engine.Registry, journal *Journal, specs *SpecCache, git GitClient, protocols *ProtocolService, cfg config.Config) *Planner {
	return &Planner{
		store:     store,
		registry:  registry,
		journal:   journal,
		specs:     specs,
		git:       git,
		protocols: protocols,
		cfg:       cfg,
	}
}

// PlanProtocol handles one plan_protocol_job.
func (p *Planner) PlanProtocol(ctx context.Context, protocolRunID int64) error {
	run, err := p.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return fmt.Errorf("load protocol run %d: %w", protocolRunID, err)
	}
	if run.Status.IsTerminal() {
		slog.Info("protocol run terminal, skipping plan", "protocol_run_id", run.ID, "status", run.Status)
		return nil
	}
	proj, err := p.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", run.ProjectID, err)
	}

	ctx, span := otelx.StartPlanSpan(ctx, run.ID)
	defer span.End()

	spec, err := run.Spec()
	if err != nil {
		slog.Warn("embedded spec malformed, replanning", "protocol_run_id", run.ID, "error", err)
		spec = nil
	}
	if spec == nil && run.TemplateSource != "" {
		templates, err := protocol.LoadTemplates(p.cfg.Planner.TemplatesDir)
		if err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
		t, ok := templates[run.TemplateSource]
		if !ok {
			if _, err := p.journal.Append(ctx, event.New(run.ID, event.TypeSpecValidationError,
				fmt.Sprintf("unknown template_source %q", run.TemplateSource))); err != nil {
				return err
			}
			return blockProtocolRun(ctx, p.store, run.ID)
		}
		spec = t.Spec()
		if err := p.embedSpec(ctx, run, spec); err != nil {
			return err
		}
	}

	eng, engErr := p.registry.Resolve("")
	engineOK := engErr == nil && eng.Available()

	worktree := ""
	if p.git != nil && p.git.Available() {
		base := baseRepoPath(p.cfg.Workspace, run.ProjectID)
		if err := p.git.CloneOrOpen(ctx, proj.GitURL, base); err != nil {
			return fmt.Errorf("clone %s: %w", proj.GitURL, err)
		}
		worktree = worktreePath(p.cfg.Workspace, run)
		if err := p.git.EnsureWorktree(ctx, base, worktree, run.ProtocolName, run.BaseBranch); err != nil {
			return fmt.Errorf("worktree for %s: %w", run.ProtocolName, err)
		}
		protoRoot := protocolRootPath(run, worktree)
		if err := os.MkdirAll(protoRoot, 0o755); err != nil {
			return fmt.Errorf("create protocol root: %w", err)
		}
		if err := p.store.UpdateProtocolWorkspace(ctx, run.ID, worktree, protoRoot); err != nil {
			return err
		}
		run.WorktreePath = worktree
		run.ProtocolRoot = protoRoot
	}

	if !engineOK || worktree == "" || !dirExists(worktree) {
		return p.planStub(ctx, run, spec)
	}
	return p.planFull(ctx, run, proj, eng, spec)
}

// planStub marks the run planned without engine involvement. A seeded spec
// still materialises its step rows; its hash is reported unvalidated when no
// worktree exists to validate against.
func (p *Planner) planStub(ctx context.Context, run *protocol.Run, spec *protocol.Spec) error {
	ev := event.New(run.ID, event.TypePlanned, "protocol planned (stub)").
		WithMeta(event.MetaSpecValidated, false)
	if spec != nil {
		if err := p.syncStepRuns(ctx, run, spec); err != nil {
			return err
		}
		ev = ev.WithMeta(event.MetaSpecHash, spec.HashOrEmpty())
	} else {
		ev = ev.WithMeta(event.MetaSpecHash, nil)
	}
	ok, err := p.markPlanned(ctx, run)
	if err != nil || !ok {
		return err
	}
	if _, err := p.journal.Append(ctx, ev); err != nil {
		return err
	}
	if spec != nil {
		if _, err := p.protocols.MaybeCompleteProtocol(ctx, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// planFull runs the engine-backed path: generate or reuse a spec, write the
// planning artefacts, validate, synchronise rows, and mark the run planned.
func (p *Planner) planFull(ctx context.Context, run *protocol.Run, proj *project.Project, eng engine.Engine, spec *protocol.Spec) error {
	worktree := run.WorktreePath
	protoRoot := run.ProtocolRoot
	res := &planResult{models: map[string]string{}, promptVersions: map[string]string{}}

	if spec == nil {
		generated, err := p.generatePlan(ctx, run, proj, eng, protoRoot, worktree, res)
		if err != nil {
			return err
		}
		spec = generated
		if err := p.embedSpec(ctx, run, spec); err != nil {
			return err
		}
	} else if err := p.ensurePromptFiles(run, spec, protoRoot, worktree, res); err != nil {
		return err
	}

	if violations := spec.Validate(protoRoot, worktree); len(violations) > 0 {
		for _, v := range violations {
			if _, err := p.journal.Append(ctx, event.New(run.ID, event.TypeSpecValidationError, v.String()).
				WithMeta("path", v.Path).
				WithMeta("detail", v.Detail)); err != nil {
				return err
			}
		}
		return blockProtocolRun(ctx, p.store, run.ID)
	}

	if err := p.syncStepRuns(ctx, run, spec); err != nil {
		return err
	}
	ok, err := p.markPlanned(ctx, run)
	if err != nil || !ok {
		return err
	}
	if _, err := p.journal.Append(ctx, event.New(run.ID, event.TypePlanned, "protocol planned").
		WithMeta(event.MetaSpecHash, spec.HashOrEmpty()).
		WithMeta(event.MetaSpecValidated, true).
		WithMeta("models", res.models).
		WithMeta(event.MetaEstimatedTokens, res.estimatedTokens).
		WithMeta(event.MetaPromptVersions, res.promptVersions)); err != nil {
		return err
	}
	_, err = p.protocols.MaybeCompleteProtocol(ctx, run.ID)
	return err
}

// generatePlan calls the planning engine, writes plan.md, context.md, and
// the step files, decomposes each non-setup step, and derives the spec.
func (p *Planner) generatePlan(ctx context.Context, run *protocol.Run, proj *project.Project, eng engine.Engine, protoRoot, worktree string, res *planResult) (*protocol.Spec, error) {
	schemaPath := filepath.Join(os.TempDir(), fmt.Sprintf("plan-schema-%d.json", run.ID))
	if err := os.WriteFile(schemaPath, []byte(planOutputSchema), 0o644); err != nil {
		return nil, fmt.Errorf("write plan schema: %w", err)
	}
	defer os.Remove(schemaPath)

	planModel := phaseModel(proj, eng, project.PhasePlanning)
	prompt := p.planPrompt(run)
	res.models[project.PhasePlanning] = planModel
	res.estimatedTokens += tokenEstimate(prompt)

	ectx, espan := otelx.StartEngineSpan(ctx, eng.ID(), planModel)
	result, err := eng.Plan(ectx, engine.Request{
		ProjectID:     proj.ID,
		ProtocolRunID: run.ID,
		Model:         planModel,
		WorkingDir:    worktree,
		PromptText:    prompt,
		OutputSchema:  schemaPath,
		Env:           secretEnv(proj),
	})
	espan.End()
	scrub := secretValues(proj)
	if err != nil {
		return nil, fmt.Errorf("planning engine: %s", secrets.Scrub(err.Error(), scrub...))
	}
	if !result.Success {
		return nil, fmt.Errorf("planning engine failed: %s", secrets.Scrub(strings.TrimSpace(result.Stderr), scrub...))
	}

	var art planArtefact
	if err := json.Unmarshal([]byte(result.Stdout), &art); err != nil {
		return nil, fmt.Errorf("parse planning artefact: %w", err)
	}

	if art.Plan != "" {
		if err := writePlanFile(filepath.Join(protoRoot, "plan.md"), art.Plan); err != nil {
			return nil, err
		}
	}
	if art.Context != "" {
		if err := writePlanFile(filepath.Join(protoRoot, "context.md"), art.Context); err != nil {
			return nil, err
		}
	}

	decModel := phaseModel(proj, eng, project.PhaseDecompose)
	steps := make([]protocol.StepSpec, 0, len(art.Steps))
	for i := range art.Steps {
		st := &art.Steps[i]
		if st.ID == "" {
			st.ID = fmt.Sprintf("step-%d", i)
		}
		if st.Name == "" {
			st.Name = fmt.Sprintf("%02d-%s.md", i, st.ID)
		}
		ss := protocol.StepSpec{ID: st.ID, Name: st.Name, Type: st.Type}
		if ss.EffectiveType() != step.TypeSetup {
			content, err := p.decompose(ctx, run, proj, eng, decModel, st, worktree, res)
			if err != nil {
				return nil, err
			}
			st.Content = content
			res.models[project.PhaseDecompose] = decModel
		} else {
			ss.QA = &protocol.QASpec{Policy: protocol.QAPolicySkip}
		}
		path := filepath.Join(protoRoot, st.Name)
		if err := writePlanFile(path, st.Content); err != nil {
			return nil, err
		}
		res.promptVersions[st.Name] = promptFingerprint([]byte(st.Content))
		steps = append(steps, ss)
	}

	spec := &protocol.Spec{Steps: steps}
	if err := spec.ValidateStructure(); err != nil {
		return nil, fmt.Errorf("generated spec invalid: %w", err)
	}
	return spec, nil
}

// decompose expands one step file through a second engine pass.
func (p *Planner) decompose(ctx context.Context, run *protocol.Run, proj *project.Project, eng engine.Engine, model string, st *planStep, worktree string, res *planResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Decompose the step %s of protocol %s into concrete instructions an engineer could follow.\n\n", st.Name, run.ProtocolName)
	b.WriteString(st.Content)
	prompt := b.String()
	res.estimatedTokens += tokenEstimate(prompt)

	ectx, espan := otelx.StartEngineSpan(ctx, eng.ID(), model)
	result, err := eng.Plan(ectx, engine.Request{
		ProjectID:     proj.ID,
		ProtocolRunID: run.ID,
		Model:         model,
		WorkingDir:    worktree,
		PromptText:    prompt,
		Env:           secretEnv(proj),
	})
	espan.End()
	scrub := secretValues(proj)
	if err != nil {
		return "", fmt.Errorf("decompose %s: %s", st.Name, secrets.Scrub(err.Error(), scrub...))
	}
	if !result.Success {
		return "", fmt.Errorf("decompose %s failed: %s", st.Name, secrets.Scrub(strings.TrimSpace(result.Stderr), scrub...))
	}
	if out := strings.TrimSpace(result.Stdout); out != "" {
		return out, nil
	}
	return st.Content, nil
}

// ensurePromptFiles backfills missing prompt files for a reused spec so the
// executor always finds something to dispatch. Existing files are untouched.
func (p *Planner) ensurePromptFiles(run *protocol.Run, spec *protocol.Spec, protoRoot, worktree string, res *planResult) error {
	for i := range spec.Steps {
		st := &spec.Steps[i]
		path := resolvePromptPath(st, st.Name, protoRoot, worktree)
		data, err := os.ReadFile(path)
		if err == nil {
			res.promptVersions[st.Name] = promptFingerprint(data)
			res.estimatedTokens += tokenEstimate(string(data))
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", st.Name)
		if run.Description != "" {
			b.WriteString(run.Description)
			b.WriteString("\n")
		}
		content := b.String()
		if err := writePlanFile(path, content); err != nil {
			return err
		}
		res.promptVersions[st.Name] = promptFingerprint([]byte(content))
		res.estimatedTokens += tokenEstimate(content)
	}
	return nil
}

// syncStepRuns creates a row for every spec entry not yet represented,
// keyed by step name. Existing rows are left untouched.
func (p *Planner) syncStepRuns(ctx context.Context, run *protocol.Run, spec *protocol.Spec) error {
	existing, err := p.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for i := range existing {
		byName[existing[i].StepName] = true
	}
	for i := range spec.Steps {
		st := &spec.Steps[i]
		if byName[st.Name] {
			continue
		}
		req := step.CreateRequest{
			StepIndex: i,
			StepName:  st.Name,
			StepType:  st.EffectiveType(),
			Model:     st.Model,
			EngineID:  st.EngineID,
			Policy:    st.Policies,
		}
		if _, err := p.store.CreateStepRun(ctx, run.ID, req); err != nil {
			// A concurrent planner may have created the row between the
			// list and this insert.
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return fmt.Errorf("create step run %s: %w", st.Name, err)
		}
	}
	return nil
}

// planPrompt assembles the planning prompt: task description plus the
// template inventory.
func (p *Planner) planPrompt(run *protocol.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the protocol %q.\n\n", run.ProtocolName)
	if run.Description != "" {
		b.WriteString("## Task\n\n")
		b.WriteString(run.Description)
		b.WriteString("\n\n")
	}
	if templates, err := protocol.LoadTemplates(p.cfg.Planner.TemplatesDir); err == nil && len(templates) > 0 {
		names := make([]string, 0, len(templates))
		for name := range templates {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("## Available templates\n\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, templates[name].Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("Return a JSON planning artefact with a plan summary, shared context, and an ordered list of steps.\n")
	return b.String()
}

// embedSpec persists the spec into the run's template config and drops the
// cached copy.
func (p *Planner) embedSpec(ctx context.Context, run *protocol.Run, spec *protocol.Spec) error {
	cfg, err := protocol.EmbedSpec(run.TemplateConfig, spec)
	if err != nil {
		return err
	}
	if err := p.store.UpdateProtocolTemplate(ctx, run.ID, cfg, run.TemplateSource); err != nil {
		return err
	}
	run.TemplateConfig = cfg
	p.specs.Invalidate(ctx, run.ID)
	return nil
}

// markPlanned transitions the run to planned when the lifecycle allows it.
func (p *Planner) markPlanned(ctx context.Context, run *protocol.Run) (bool, error) {
	if !protocol.CanTransition(run.Status, protocol.StatusPlanned) {
		slog.Warn("run cannot be marked planned", "protocol_run_id", run.ID, "status", run.Status)
		return false, nil
	}
	if err := p.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusPlanned); err != nil {
		return false, err
	}
	run.Status = protocol.StatusPlanned
	return true, nil
}

// phaseModel walks the planning-phase model chain: project default, engine
// default, hard fallback.
func phaseModel(proj *project.Project, eng engine.Engine, phase string) string {
	if m := proj.DefaultModel(phase); m != "" {
		return m
	}
	if m := eng.DefaultModel(phase); m != "" {
		return m
	}
	return fallbackModel
}

func writePlanFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
