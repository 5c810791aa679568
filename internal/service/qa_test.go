package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"explicit pass", "All checks green.\n\nVERDICT: PASS", verdictPass},
		{"explicit fail", "VERDICT: FAIL", verdictFail},
		{"lowercase fail anywhere", "summary\nverdict: fail\nmore text", verdictFail},
		{"final verdict line failure", "review notes\nVerdict - FAILURE", verdictFail},
		{"trailing blank lines after fail", "done\nVERDICT: FAIL\n\n \n", verdictFail},
		{"fail mentioned before a pass verdict", "tests FAIL locally\nVERDICT: PASS", verdictPass},
		{"no verdict defaults to pass", "looks reasonable to me", verdictPass},
		{"empty output passes", "", verdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseVerdict(tt.output); got != tt.want {
				t.Errorf("parseVerdict(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}

// needsQAStep creates a step row already past execution, waiting on the gate.
func needsQAStep(t *testing.T, env *testEnv, runID int64, req step.CreateRequest) *step.Run {
	t.Helper()
	st := createTestStep(t, env, runID, req)
	if err := env.store.UpdateStepStatus(context.Background(), st.ID, step.StatusNeedsQA, step.UpdateOptions{}); err != nil {
		t.Fatalf("mark step needs_qa: %v", err)
	}
	return getStep(t, env, st.ID)
}

func TestRunQualitySkipPolicy(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	spec := &protocol.Spec{Steps: []protocol.StepSpec{{
		ID:   "setup",
		Name: "00-setup.md",
		QA:   &protocol.QASpec{Policy: protocol.QAPolicySkip},
	}}}
	run = seedRunSpec(t, env, run, spec)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "00-setup.md"})

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	got := getStep(t, env, st.ID)
	if got.Status != step.StatusCompleted {
		t.Fatalf("step status = %s, want completed", got.Status)
	}
	if got.Summary != "QA skipped by policy" {
		t.Errorf("summary = %q", got.Summary)
	}
	requireEvent(t, env, run.ID, event.TypeQASkippedPolicy)
	requireNoEvent(t, env, run.ID, event.TypeQAPassed)
	if len(env.eng.qaReqs) != 0 {
		t.Errorf("qa engine invoked despite skip policy")
	}
	if r := getRun(t, env, run.ID); r.Status != protocol.StatusCompleted {
		t.Errorf("run status = %s, want completed", r.Status)
	}
}

func TestRunQualityStubPass(t *testing.T) {
	env := newTestEnv(t)
	env.eng.available = false
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	got := getStep(t, env, st.ID)
	if got.Status != step.StatusCompleted {
		t.Fatalf("step status = %s, want completed", got.Status)
	}
	if got.Summary != "QA passed (stub)" {
		t.Errorf("summary = %q", got.Summary)
	}
	ev := requireEvent(t, env, run.ID, event.TypeQAPassed)
	if ev.Metadata[event.MetaVerdict] != verdictPass {
		t.Errorf("verdict metadata = %v", ev.Metadata[event.MetaVerdict])
	}
	if stub, _ := ev.Metadata["stub"].(bool); !stub {
		t.Errorf("stub metadata = %v, want true", ev.Metadata["stub"])
	}
	if r := getRun(t, env, run.ID); r.Status != protocol.StatusCompleted {
		t.Errorf("run status = %s, want completed", r.Status)
	}
}

func TestRunQualityPassCompletes(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})

	output := filepath.Join(run.ProtocolRoot, "01-implement.md")
	if err := os.WriteFile(output, []byte("did the work"), 0o644); err != nil {
		t.Fatalf("write step output: %v", err)
	}

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	if got := getStep(t, env, st.ID); got.Status != step.StatusCompleted {
		t.Fatalf("step status = %s, want completed", got.Status)
	}
	if len(env.eng.qaReqs) != 1 {
		t.Fatalf("qa engine invoked %d times, want 1", len(env.eng.qaReqs))
	}
	prompt := env.eng.qaReqs[0].PromptText
	if !strings.Contains(prompt, "Review the work recorded for step 01-implement.md") {
		t.Errorf("prompt missing review preamble: %q", prompt)
	}
	if !strings.Contains(prompt, "did the work") {
		t.Errorf("prompt missing step output: %q", prompt)
	}
	if !strings.Contains(prompt, "VERDICT: PASS or VERDICT: FAIL") {
		t.Errorf("prompt missing verdict instruction: %q", prompt)
	}

	ev := requireEvent(t, env, run.ID, event.TypeQAPassed)
	if ev.Metadata[event.MetaVerdict] != verdictPass {
		t.Errorf("verdict metadata = %v", ev.Metadata[event.MetaVerdict])
	}
	if ev.Metadata[event.MetaModel] != fallbackModel {
		t.Errorf("model metadata = %v", ev.Metadata[event.MetaModel])
	}
	if r := getRun(t, env, run.ID); r.Status != protocol.StatusCompleted {
		t.Errorf("run status = %s, want completed", r.Status)
	}
	requireEvent(t, env, run.ID, event.TypeProtocolCompleted)
}

func TestRunQualityPassLeavesSiblingsPending(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})
	createTestStep(t, env, run.ID, step.CreateRequest{StepIndex: 1, StepName: "02-verify.md"})

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	if r := getRun(t, env, run.ID); r.Status != protocol.StatusRunning {
		t.Errorf("run status = %s, want running while a step is pending", r.Status)
	}
	requireNoEvent(t, env, run.ID, event.TypeProtocolCompleted)
}

func TestRunQualityVerdictFailBlocks(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})

	env.eng.qaFn = func(req engine.Request) (*engine.Result, error) {
		return &engine.Result{Success: true, Stdout: "missing error handling\nVERDICT: FAIL"}, nil
	}

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	got := getStep(t, env, st.ID)
	if got.Status != step.StatusFailed {
		t.Fatalf("step status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Summary, "QA verdict FAIL") {
		t.Errorf("summary = %q", got.Summary)
	}
	ev := requireEvent(t, env, run.ID, event.TypeQAFailed)
	if ev.Metadata[event.MetaVerdict] != verdictFail {
		t.Errorf("verdict metadata = %v", ev.Metadata[event.MetaVerdict])
	}
	if r := getRun(t, env, run.ID); r.Status != protocol.StatusBlocked {
		t.Errorf("run status = %s, want blocked", r.Status)
	}
}

func TestRunQualityVerdictFailLoopRetry(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{
		StepIndex: 0,
		StepName:  "01-implement.md",
		Policy:    []policy.Descriptor{{Behavior: policy.BehaviorLoop, Action: policy.ActionRetry, MaxIterations: 3}},
	})

	env.eng.qaFn = func(req engine.Request) (*engine.Result, error) {
		return &engine.Result{Success: true, Stdout: "VERDICT: FAIL"}, nil
	}

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	got := getStep(t, env, st.ID)
	if got.Status != step.StatusPending {
		t.Fatalf("step status = %s, want pending after loop retry", got.Status)
	}
	if got.LoopIterations() != 1 {
		t.Errorf("loop iterations = %d, want 1", got.LoopIterations())
	}
	jobs := queuedJobs(t, env, job.TypeExecuteStep)
	if len(jobs) != 1 {
		t.Fatalf("queued execute jobs = %d, want 1", len(jobs))
	}
	if id, _ := job.Int64Field(jobs[0].Payload, job.PayloadStepRunID); id != st.ID {
		t.Errorf("requeued step id = %d, want %d", id, st.ID)
	}
	if r := getRun(t, env, run.ID); r.Status != protocol.StatusRunning {
		t.Errorf("run status = %s, want running", r.Status)
	}
}

func TestRunQualityEngineErrorScrubbed(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})

	env.eng.qaFn = func(req engine.Request) (*engine.Result, error) {
		return nil, errors.New("request rejected for hunter2-token")
	}

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	got := getStep(t, env, st.ID)
	if got.Status != step.StatusFailed {
		t.Fatalf("step status = %s, want failed", got.Status)
	}
	if strings.Contains(got.Summary, "hunter2-token") {
		t.Errorf("summary leaked the secret: %q", got.Summary)
	}
	ev := requireEvent(t, env, run.ID, event.TypeQAFailed)
	if strings.Contains(ev.Message, "hunter2-token") {
		t.Errorf("event message leaked the secret: %q", ev.Message)
	}
}

func TestRunQualityUnregisteredEngine(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md", EngineID: "ghost"})

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	got := getStep(t, env, st.ID)
	if got.Status != step.StatusFailed {
		t.Fatalf("step status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Summary, `engine "ghost" not registered`) {
		t.Errorf("summary = %q", got.Summary)
	}
	if r := getRun(t, env, run.ID); r.Status != protocol.StatusBlocked {
		t.Errorf("run status = %s, want blocked", r.Status)
	}
}

func TestRunQualitySkipsTerminalStep(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := createTestStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})
	if err := env.store.UpdateStepStatus(context.Background(), st.ID, step.StatusFailed, step.UpdateOptions{}); err != nil {
		t.Fatalf("fail step: %v", err)
	}

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	if got := getStep(t, env, st.ID); got.Status != step.StatusFailed {
		t.Errorf("step status = %s, want untouched failed", got.Status)
	}
	if len(env.eng.qaReqs) != 0 {
		t.Errorf("qa engine invoked for a terminal step")
	}
	requireNoEvent(t, env, run.ID, event.TypeQAPassed)
	requireNoEvent(t, env, run.ID, event.TypeQAFailed)
}

func TestRunQualityCustomPrompt(t *testing.T) {
	env := newTestEnv(t)
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	spec := &protocol.Spec{Steps: []protocol.StepSpec{{
		ID:   "impl",
		Name: "01-implement.md",
		QA:   &protocol.QASpec{Prompt: "qa-review.md"},
	}}}
	run = seedRunSpec(t, env, run, spec)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})

	custom := "Inspect the diff for regressions.\nVERDICT: PASS or VERDICT: FAIL at the end."
	writePromptFile(t, run, "qa-review.md", custom)

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	if len(env.eng.qaReqs) != 1 {
		t.Fatalf("qa engine invoked %d times, want 1", len(env.eng.qaReqs))
	}
	if env.eng.qaReqs[0].PromptText != custom {
		t.Errorf("prompt = %q, want custom file content", env.eng.qaReqs[0].PromptText)
	}
}

func TestRunQualityCancelledBeforeEngine(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Budget.MaxTokensPerStep = 1
	})
	env.journal.hub = &cancelOnEvent{store: env.store, typ: event.TypeTokenBudgetWarning}
	proj := createTestProject(t, env)
	run := createTestRun(t, env, proj.ID, protocol.StatusRunning)
	st := needsQAStep(t, env, run.ID, step.CreateRequest{StepIndex: 0, StepName: "01-implement.md"})

	if err := env.qa.RunQuality(context.Background(), st.ID); err != nil {
		t.Fatalf("RunQuality: %v", err)
	}

	if got := getStep(t, env, st.ID); got.Status != step.StatusCancelled {
		t.Errorf("step status = %s, want cancelled", got.Status)
	}
	if len(env.eng.qaReqs) != 0 {
		t.Errorf("qa engine invoked after cancellation")
	}
}

func TestQAModel(t *testing.T) {
	withQADefault := newFakeEngine()
	withQADefault.models = map[string]string{project.PhaseQA: "engine-qa"}
	bareEngine := newFakeEngine()
	projWithQA := &project.Project{DefaultModels: map[string]string{project.PhaseQA: "project-qa"}}
	bareProject := &project.Project{}

	tests := []struct {
		name     string
		specStep *protocol.StepSpec
		proj     *project.Project
		eng      engine.Engine
		want     string
	}{
		{"qa spec model wins", &protocol.StepSpec{QA: &protocol.QASpec{Model: "qa-model"}}, projWithQA, withQADefault, "qa-model"},
		{"project qa default", &protocol.StepSpec{}, projWithQA, withQADefault, "project-qa"},
		{"engine qa default", nil, bareProject, withQADefault, "engine-qa"},
		{"hard fallback", nil, bareProject, bareEngine, fallbackModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := qaModel(tt.specStep, tt.proj, tt.eng); got != tt.want {
				t.Errorf("qaModel() = %q, want %q", got, tt.want)
			}
		})
	}
}
