package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/memqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/sqlite"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/broadcast"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
)

// The service tests run against the real SQLite store rather than a mock:
// policy runtime state survives a JSON round-trip through the database, and
// the float64 decode of those counters is part of the behaviour under test.

// fakeEngine implements engine.Engine in memory. The default behaviour is
// success; tests override per call through the Fn hooks and assert on the
// captured requests.
type fakeEngine struct {
	id        string
	available bool
	models    map[string]string

	planFn func(req engine.Request) (*engine.Result, error)
	execFn func(req engine.Request) (*engine.Result, error)
	qaFn   func(req engine.Request) (*engine.Result, error)

	planReqs []engine.Request
	execReqs []engine.Request
	qaReqs   []engine.Request
}

var _ engine.Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{id: "codex", available: true}
}

func (f *fakeEngine) ID() string                       { return f.id }
func (f *fakeEngine) Available() bool                  { return f.available }
func (f *fakeEngine) DefaultModel(phase string) string { return f.models[phase] }

func (f *fakeEngine) Plan(_ context.Context, req engine.Request) (*engine.Result, error) {
	f.planReqs = append(f.planReqs, req)
	if f.planFn != nil {
		return f.planFn(req)
	}
	return &engine.Result{Success: true, Stdout: "{}"}, nil
}

func (f *fakeEngine) Execute(_ context.Context, req engine.Request) (*engine.Result, error) {
	f.execReqs = append(f.execReqs, req)
	if f.execFn != nil {
		return f.execFn(req)
	}
	return &engine.Result{Success: true, Stdout: "done"}, nil
}

func (f *fakeEngine) QA(_ context.Context, req engine.Request) (*engine.Result, error) {
	f.qaReqs = append(f.qaReqs, req)
	if f.qaFn != nil {
		return f.qaFn(req)
	}
	return &engine.Result{Success: true, Stdout: "VERDICT: PASS"}, nil
}

// fakeGit implements GitClient against the local filesystem; clone and
// worktree calls create their directories so path checks downstream pass.
type fakeGit struct {
	available bool
	cloned    []string
	worktrees []string
	pushes    []string
	prTitles  []string
	prURL     string
	pushErr   error
	prErr     error
}

var _ GitClient = (*fakeGit)(nil)

func (f *fakeGit) Available() bool { return f.available }

func (f *fakeGit) CloneOrOpen(_ context.Context, repoURL, repoDir string) error {
	f.cloned = append(f.cloned, repoDir)
	return os.MkdirAll(repoDir, 0o755)
}

func (f *fakeGit) EnsureWorktree(_ context.Context, repoDir, worktreeDir, branch, baseBranch string) error {
	f.worktrees = append(f.worktrees, worktreeDir)
	return os.MkdirAll(worktreeDir, 0o755)
}

func (f *fakeGit) Push(_ context.Context, worktreeDir, branch string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, branch)
	return nil
}

func (f *fakeGit) OpenPullRequest(_ context.Context, worktreeDir, provider, title, body, baseBranch string) (string, error) {
	if f.prErr != nil {
		return "", f.prErr
	}
	f.prTitles = append(f.prTitles, title)
	if f.prURL != "" {
		return f.prURL, nil
	}
	return "https://git.example/pr/1", nil
}

// cancelOnEvent flips the run to cancelled the moment a given event type is
// journalled, simulating a user cancel racing the handler.
type cancelOnEvent struct {
	store database.Store
	typ   event.Type
}

var _ broadcast.Broadcaster = (*cancelOnEvent)(nil)

func (c *cancelOnEvent) BroadcastEvent(ctx context.Context, e *event.Event) {
	if e.EventType == c.typ {
		_ = c.store.UpdateProtocolStatus(ctx, e.ProtocolRunID, protocol.StatusCancelled)
	}
}

// testEnv wires the full service stack against a throwaway SQLite database
// and the in-memory queue.
type testEnv struct {
	store     *sqlite.Store
	queue     *memqueue.Queue
	registry  *engine.Registry
	eng       *fakeEngine
	git       *fakeGit
	journal   *Journal
	specs     *SpecCache
	policies  *PolicyRuntime
	projects  *ProjectService
	protocols *ProtocolService
	planner   *Planner
	executor  *Executor
	qa        *QAGate
	webhooks  *WebhookService
	worker    *Worker
	cfg       config.Config
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	cfg.Worker.PollInterval = 5 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		store: sqlite.NewStore(db),
		queue: memqueue.New(),
		eng:   newFakeEngine(),
		git:   &fakeGit{available: true},
		cfg:   cfg,
	}
	env.registry = engine.NewRegistry()
	if err := env.registry.Register(env.eng); err != nil {
		t.Fatalf("register fake engine: %v", err)
	}
	env.journal = NewJournal(env.store, nil)
	env.specs = NewSpecCache(nil, cfg.Cache.TTL)
	env.policies = NewPolicyRuntime(env.store, env.journal)
	env.projects = NewProjectService(env.store)
	env.protocols = NewProtocolService(env.store, env.queue, env.journal, env.specs, cfg.Queue.Name)
	env.executor = NewExecutor(env.store, env.queue, env.registry, env.journal, env.specs, env.policies, cfg)
	env.qa = NewQAGate(env.store, env.registry, env.journal, env.specs, env.policies, env.protocols, cfg)
	env.executor.SetQAGate(env.qa)
	env.qa.SetExecutor(env.executor)
	env.planner = NewPlanner(env.store, env.registry, env.journal, env.specs, env.git, env.protocols, cfg)
	env.webhooks = NewWebhookService(env.store, env.journal)
	env.worker = NewWorker(env.store, env.queue, env.journal, env.planner, env.executor, env.qa, env.git, cfg)
	return env
}

func createTestProject(t *testing.T, env *testEnv) *project.Project {
	t.Helper()
	p, err := env.store.CreateProject(context.Background(), project.CreateRequest{
		Name:       "demo",
		GitURL:     "https://git.example/demo.git",
		BaseBranch: "main",
		CIProvider: project.CIProviderGitHub,
		Secrets:    map[string]string{"API_TOKEN": "hunter2-token"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// createTestRun creates a run in the given status with its worktree and
// protocol root materialised on disk.
func createTestRun(t *testing.T, env *testEnv, projectID int64, status protocol.Status) *protocol.Run {
	t.Helper()
	ctx := context.Background()
	run, err := env.store.CreateProtocolRun(ctx, projectID, protocol.CreateRequest{
		ProtocolName: "feature/demo",
		BaseBranch:   "main",
		Description:  "demo protocol",
	})
	if err != nil {
		t.Fatalf("create protocol run: %v", err)
	}
	worktree := worktreePath(env.cfg.Workspace, run)
	protoRoot := protocolRootPath(run, worktree)
	if err := os.MkdirAll(protoRoot, 0o755); err != nil {
		t.Fatalf("create protocol root: %v", err)
	}
	if err := env.store.UpdateProtocolWorkspace(ctx, run.ID, worktree, protoRoot); err != nil {
		t.Fatalf("record workspace: %v", err)
	}
	if status != protocol.StatusPending {
		if err := env.store.UpdateProtocolStatus(ctx, run.ID, status); err != nil {
			t.Fatalf("set run status: %v", err)
		}
	}
	fresh, err := env.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload protocol run: %v", err)
	}
	return fresh
}

// seedRunSpec embeds a spec in the run's template config and returns the
// reloaded run.
func seedRunSpec(t *testing.T, env *testEnv, run *protocol.Run, spec *protocol.Spec) *protocol.Run {
	t.Helper()
	ctx := context.Background()
	cfg, err := protocol.EmbedSpec(run.TemplateConfig, spec)
	if err != nil {
		t.Fatalf("embed spec: %v", err)
	}
	if err := env.store.UpdateProtocolTemplate(ctx, run.ID, cfg, run.TemplateSource); err != nil {
		t.Fatalf("update template: %v", err)
	}
	fresh, err := env.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("reload protocol run: %v", err)
	}
	return fresh
}

func createTestStep(t *testing.T, env *testEnv, runID int64, req step.CreateRequest) *step.Run {
	t.Helper()
	st, err := env.store.CreateStepRun(context.Background(), runID, req)
	if err != nil {
		t.Fatalf("create step run %s: %v", req.StepName, err)
	}
	return st
}

// writePromptFile writes a step's prompt under the run's protocol root.
func writePromptFile(t *testing.T, run *protocol.Run, name, content string) string {
	t.Helper()
	path := filepath.Join(run.ProtocolRoot, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create prompt dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write prompt file: %v", err)
	}
	return path
}

func getRun(t *testing.T, env *testEnv, id int64) *protocol.Run {
	t.Helper()
	run, err := env.store.GetProtocolRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get protocol run %d: %v", id, err)
	}
	return run
}

func getStep(t *testing.T, env *testEnv, id int64) *step.Run {
	t.Helper()
	st, err := env.store.GetStepRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get step run %d: %v", id, err)
	}
	return st
}

func eventsOfType(t *testing.T, env *testEnv, runID int64, typ event.Type) []event.Event {
	t.Helper()
	events, err := env.store.ListEvents(context.Background(), runID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var out []event.Event
	for _, e := range events {
		if e.EventType == typ {
			out = append(out, e)
		}
	}
	return out
}

// requireEvent fails the test unless at least one event of the type was
// journalled; it returns the latest one.
func requireEvent(t *testing.T, env *testEnv, runID int64, typ event.Type) event.Event {
	t.Helper()
	events := eventsOfType(t, env, runID, typ)
	if len(events) == 0 {
		t.Fatalf("no %s event recorded for run %d", typ, runID)
	}
	return events[len(events)-1]
}

func requireNoEvent(t *testing.T, env *testEnv, runID int64, typ event.Type) {
	t.Helper()
	if events := eventsOfType(t, env, runID, typ); len(events) > 0 {
		t.Fatalf("unexpected %s event: %+v", typ, events[0])
	}
}

// metaInt reads a numeric metadata value; events reloaded from the store
// carry JSON numbers as float64.
func metaInt(e event.Event, key string) int {
	switch v := e.Metadata[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return -1
	}
}

func queuedJobs(t *testing.T, env *testEnv, typ job.Type) []job.Job {
	t.Helper()
	jobs, err := env.queue.List(context.Background(), job.StatusQueued)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	var out []job.Job
	for _, j := range jobs {
		if j.Type == typ {
			out = append(out, j)
		}
	}
	return out
}

// drainQueue claims and processes due jobs until the queue goes quiet.
// Jobs requeued with a backoff delay are not yet due and stay behind.
func drainQueue(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		j, err := env.queue.Claim(ctx, env.cfg.Queue.Name)
		if err != nil {
			t.Fatalf("claim job: %v", err)
		}
		if j == nil {
			return
		}
		env.worker.process(ctx, j)
	}
	t.Fatalf("queue did not drain after 100 jobs")
}
