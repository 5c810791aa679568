package http_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	apihttp "github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/http"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/memqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/sqlite"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/ws"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/service"
)

// testAPI mounts the full route tree over the real SQLite store and the
// in-memory queue, mirroring the serve-mode wiring minus engine and git.
type testAPI struct {
	router   chi.Router
	store    *sqlite.Store
	queue    *memqueue.Queue
	projects *service.ProjectService
}

func newTestAPI(t *testing.T, opts apihttp.Options) *testAPI {
	t.Helper()

	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewStore(db)
	queue := memqueue.New()
	journal := service.NewJournal(store, nil)
	specs := service.NewSpecCache(nil, cfg.Cache.TTL)
	projects := service.NewProjectService(store)
	protocols := service.NewProtocolService(store, queue, journal, specs, cfg.Queue.Name)
	webhooks := service.NewWebhookService(store, journal)

	h := &apihttp.Handlers{
		Store:     store,
		Queue:     queue,
		Projects:  projects,
		Protocols: protocols,
		Webhooks:  webhooks,
		Hub:       ws.NewHub(),
	}
	r := chi.NewRouter()
	apihttp.MountRoutes(r, h, opts)
	return &testAPI{router: r, store: store, queue: queue, projects: projects}
}

// do issues a request against the mounted router. A nil body sends no
// payload; anything else is marshalled to JSON.
func (a *testAPI) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func requireStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

func seedProject(t *testing.T, a *testAPI) *project.Project {
	t.Helper()
	p, err := a.store.CreateProject(context.Background(), project.CreateRequest{
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

func seedRun(t *testing.T, a *testAPI, projectID int64, status protocol.Status) *protocol.Run {
	t.Helper()
	ctx := context.Background()
	run, err := a.store.CreateProtocolRun(ctx, projectID, protocol.CreateRequest{
		ProtocolName: "feature/demo",
		BaseBranch:   "main",
		Description:  "demo protocol",
	})
	if err != nil {
		t.Fatalf("create protocol run: %v", err)
	}
	if status != protocol.StatusPending {
		if err := a.store.UpdateProtocolStatus(ctx, run.ID, status); err != nil {
			t.Fatalf("set run status: %v", err)
		}
		run.Status = status
	}
	return run
}

func seedStep(t *testing.T, a *testAPI, runID int64, index int, status step.Status) *step.Run {
	t.Helper()
	ctx := context.Background()
	sr, err := a.store.CreateStepRun(ctx, runID, step.CreateRequest{
		StepIndex: index,
		StepName:  fmt.Sprintf("%02d-step.md", index),
	})
	if err != nil {
		t.Fatalf("create step run: %v", err)
	}
	if status != step.StatusPending {
		if err := a.store.UpdateStepStatus(ctx, sr.ID, status, step.UpdateOptions{}); err != nil {
			t.Fatalf("set step status: %v", err)
		}
	}
	fresh, err := a.store.GetStepRun(ctx, sr.ID)
	if err != nil {
		t.Fatalf("reload step run: %v", err)
	}
	return fresh
}

func queuedJobs(t *testing.T, a *testAPI, typ job.Type) []job.Job {
	t.Helper()
	jobs, err := a.queue.List(context.Background(), job.StatusQueued)
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

func githubPayload(conclusion, branch string) string {
	return fmt.Sprintf(`{"workflow_run":{"conclusion":%q,"head_branch":%q}}`, conclusion, branch)
}

func gitlabPayload(status, ref string) string {
	return fmt.Sprintf(`{"object_attributes":{"status":%q,"ref":%q}}`, status, ref)
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := a.do(t, http.MethodGet, path, nil, nil)
		requireStatus(t, w, http.StatusOK)
		body := decodeBody[map[string]string](t, w)
		if body["status"] != "ok" {
			t.Fatalf("%s: expected status ok, got %q", path, body["status"])
		}
	}
}

func TestResponseCarriesRequestID(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	w := a.do(t, http.MethodGet, "/health", nil, nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated X-Request-ID header")
	}

	w = a.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "req-42"})
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestCreateAndGetProject(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	w := a.do(t, http.MethodPost, "/api/v1/projects", project.CreateRequest{
		Name:       "demo",
		GitURL:     "https://git.example/demo.git",
		CIProvider: project.CIProviderGitHub,
		Secrets:    map[string]string{"API_TOKEN": "hunter2-token"},
	}, nil)
	requireStatus(t, w, http.StatusCreated)
	created := decodeBody[project.Project](t, w)
	if created.BaseBranch != "main" {
		t.Fatalf("expected default base branch main, got %q", created.BaseBranch)
	}
	if got := created.Secrets["API_TOKEN"]; got != "hu****" {
		t.Fatalf("expected masked secret, got %q", got)
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d", created.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	fetched := decodeBody[project.Project](t, w)
	if fetched.Name != "demo" {
		t.Fatalf("expected project demo, got %q", fetched.Name)
	}
	if strings.Contains(w.Body.String(), "hunter2-token") {
		t.Fatal("response leaked a raw secret value")
	}

	w = a.do(t, http.MethodGet, "/api/v1/projects", nil, nil)
	requireStatus(t, w, http.StatusOK)
	if list := decodeBody[[]project.Project](t, w); len(list) != 1 {
		t.Fatalf("expected 1 project, got %d", len(list))
	}
}

func TestCreateProjectValidation(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	w := a.do(t, http.MethodPost, "/api/v1/projects", project.CreateRequest{Name: "demo"}, nil)
	requireStatus(t, w, http.StatusBadRequest)
	if msg := errorMessage(t, w); msg != "git_url is required" {
		t.Fatalf("unexpected validation message %q", msg)
	}

	w = a.do(t, http.MethodPost, "/api/v1/projects", "not an object", nil)
	requireStatus(t, w, http.StatusBadRequest)
}

func TestGetProjectNotFound(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	w := a.do(t, http.MethodGet, "/api/v1/projects/999", nil, nil)
	requireStatus(t, w, http.StatusNotFound)

	w = a.do(t, http.MethodGet, "/api/v1/projects/abc", nil, nil)
	requireStatus(t, w, http.StatusBadRequest)
}

func TestCreateProtocolRunAndList(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/protocols", p.ID), protocol.CreateRequest{
		ProtocolName: "feature/demo",
		Description:  "demo protocol",
	}, nil)
	requireStatus(t, w, http.StatusCreated)
	run := decodeBody[protocol.Run](t, w)
	if run.Status != protocol.StatusPending {
		t.Fatalf("expected pending run, got %s", run.Status)
	}
	if run.BaseBranch != "main" {
		t.Fatalf("expected base branch inherited from project, got %q", run.BaseBranch)
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/protocols", p.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if runs := decodeBody[[]protocol.Run](t, w); len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/protocols", p.ID), protocol.CreateRequest{}, nil)
	requireStatus(t, w, http.StatusBadRequest)
	if msg := errorMessage(t, w); msg != "protocol_name is required" {
		t.Fatalf("unexpected validation message %q", msg)
	}
}

func TestCreateProtocolUnknownProject(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	w := a.do(t, http.MethodPost, "/api/v1/projects/999/protocols", protocol.CreateRequest{
		ProtocolName: "feature/demo",
	}, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestStartProtocolEnqueuesPlanJob(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusPending)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/start", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	updated := decodeBody[protocol.Run](t, w)
	if updated.Status != protocol.StatusPlanning {
		t.Fatalf("expected planning, got %s", updated.Status)
	}
	if jobs := queuedJobs(t, a, job.TypePlanProtocol); len(jobs) != 1 {
		t.Fatalf("expected 1 plan job, got %d", len(jobs))
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d/events", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	events := decodeBody[[]event.Event](t, w)
	found := false
	for _, ev := range events {
		if ev.EventType == event.TypeProtocolStarted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a %s event, got %+v", event.TypeProtocolStarted, events)
	}
}

func TestStartTerminalRunConflicts(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusCancelled)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/start", run.ID), nil, nil)
	requireStatus(t, w, http.StatusConflict)
	if msg := errorMessage(t, w); !strings.Contains(msg, "cannot transition protocol run") {
		t.Fatalf("unexpected conflict message %q", msg)
	}
	if jobs := queuedJobs(t, a, job.TypePlanProtocol); len(jobs) != 0 {
		t.Fatalf("expected no plan job, got %d", len(jobs))
	}
}

func TestPauseResumeCancelActions(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusRunning)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/pause", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if got := decodeBody[protocol.Run](t, w).Status; got != protocol.StatusBlocked {
		t.Fatalf("expected blocked after pause, got %s", got)
	}

	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/resume", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if got := decodeBody[protocol.Run](t, w).Status; got != protocol.StatusRunning {
		t.Fatalf("expected running after resume, got %s", got)
	}

	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/cancel", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if got := decodeBody[protocol.Run](t, w).Status; got != protocol.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestRunNextWithoutPendingSteps(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusRunning)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/run-next", run.ID), nil, nil)
	requireStatus(t, w, http.StatusNotFound)
	if msg := errorMessage(t, w); msg != "no pending step" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestRunNextPicksPendingStep(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusPlanned)
	seedStep(t, a, run.ID, 0, step.StatusCompleted)
	pending := seedStep(t, a, run.ID, 1, step.StatusPending)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/run-next", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if got := decodeBody[step.Run](t, w).ID; got != pending.ID {
		t.Fatalf("expected step %d, got %d", pending.ID, got)
	}

	jobs := queuedJobs(t, a, job.TypeExecuteStep)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 execute job, got %d", len(jobs))
	}
	if id, ok := job.Int64Field(jobs[0].Payload, job.PayloadStepRunID); !ok || id != pending.ID {
		t.Fatalf("execute job pinned step %d (ok=%v), want %d", id, ok, pending.ID)
	}
}

func TestStepActions(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusPlanned)
	sr := seedStep(t, a, run.ID, 0, step.StatusPending)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/steps/%d/actions/run", sr.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if len(queuedJobs(t, a, job.TypeExecuteStep)) != 1 {
		t.Fatal("expected an execute job")
	}

	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/steps/%d/actions/run_qa", sr.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if len(queuedJobs(t, a, job.TypeRunQuality)) != 1 {
		t.Fatal("expected a quality job")
	}

	needsQA := seedStep(t, a, run.ID, 1, step.StatusNeedsQA)
	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/steps/%d/actions/approve", needsQA.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	approved := decodeBody[step.Run](t, w)
	if approved.Status != step.StatusCompleted {
		t.Fatalf("expected completed after approve, got %s", approved.Status)
	}
	if approved.Summary != "manually approved" {
		t.Fatalf("unexpected summary %q", approved.Summary)
	}

	w = a.do(t, http.MethodPost, "/api/v1/steps/999/actions/run", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestOpenPRAction(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusCompleted)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/open-pr", run.ID), nil, nil)
	requireStatus(t, w, http.StatusAccepted)
	if got := decodeBody[job.Job](t, w).Type; got != job.TypeOpenPR {
		t.Fatalf("expected an open_pr_job, got %s", got)
	}

	bare, err := a.store.CreateProject(context.Background(), project.CreateRequest{
		Name:   "no-ci",
		GitURL: "https://git.example/no-ci.git",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	bareRun := seedRun(t, a, bare.ID, protocol.StatusCompleted)
	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/open-pr", bareRun.ID), nil, nil)
	requireStatus(t, w, http.StatusBadRequest)
	if msg := errorMessage(t, w); !strings.Contains(msg, "has no ci_provider") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestSpecEndpointStatuses(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusPending)

	type specResponse struct {
		Spec   *protocol.Spec `json:"spec"`
		Hash   string         `json:"spec_hash"`
		Status string         `json:"validation_status"`
	}

	w := a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d/spec", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	resp := decodeBody[specResponse](t, w)
	if resp.Status != "absent" || resp.Spec != nil {
		t.Fatalf("expected absent spec, got %+v", resp)
	}

	spec := &protocol.Spec{Steps: []protocol.StepSpec{{ID: "impl", Name: "01-implement.md"}}}
	cfg, err := protocol.EmbedSpec(run.TemplateConfig, spec)
	if err != nil {
		t.Fatalf("embed spec: %v", err)
	}
	if err := a.store.UpdateProtocolTemplate(context.Background(), run.ID, cfg, run.TemplateSource); err != nil {
		t.Fatalf("update template: %v", err)
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d/spec", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	resp = decodeBody[specResponse](t, w)
	if resp.Status != "unvalidated" {
		t.Fatalf("expected unvalidated spec, got %q", resp.Status)
	}
	if len(resp.Hash) != protocol.ShortHashLen {
		t.Fatalf("expected %d-char hash, got %q", protocol.ShortHashLen, resp.Hash)
	}
	if resp.Spec == nil || len(resp.Spec.Steps) != 1 {
		t.Fatalf("expected the embedded spec back, got %+v", resp.Spec)
	}

	w = a.do(t, http.MethodGet, "/api/v1/protocols/999/spec", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestListStepsAndEventsEmpty(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusPending)

	w := a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d/steps", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Fatalf("expected empty JSON array, got %q", body)
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d/events", run.ID), nil, nil)
	requireStatus(t, w, http.StatusOK)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Fatalf("expected empty JSON array, got %q", body)
	}

	w = a.do(t, http.MethodGet, "/api/v1/protocols/999/steps", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestCreateStepEndpoint(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusPlanned)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/steps", run.ID), step.CreateRequest{
		StepIndex: 0,
		StepName:  "00-setup.md",
		StepType:  step.TypeSetup,
	}, nil)
	requireStatus(t, w, http.StatusCreated)
	created := decodeBody[step.Run](t, w)
	if created.StepName != "00-setup.md" || created.Status != step.StatusPending {
		t.Fatalf("unexpected step %+v", created)
	}

	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/steps", run.ID), step.CreateRequest{StepIndex: 1}, nil)
	requireStatus(t, w, http.StatusBadRequest)
}

func TestQueueEndpoints(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	if _, err := a.queue.Enqueue(context.Background(), job.TypePlanProtocol, map[string]any{job.PayloadProtocolRunID: int64(1)}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := a.do(t, http.MethodGet, "/api/v1/queues", nil, nil)
	requireStatus(t, w, http.StatusOK)
	var stats struct {
		ByQueue  map[string]int `json:"by_queue"`
		ByStatus map[string]int `json:"by_status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ByQueue[job.DefaultQueue] != 1 || stats.ByStatus[string(job.StatusQueued)] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	w = a.do(t, http.MethodGet, "/api/v1/queues/jobs?status=queued", nil, nil)
	requireStatus(t, w, http.StatusOK)
	if jobs := decodeBody[[]job.Job](t, w); len(jobs) != 1 || jobs[0].Type != job.TypePlanProtocol {
		t.Fatalf("unexpected job list %+v", jobs)
	}

	w = a.do(t, http.MethodGet, "/api/v1/queues/jobs?status=finished", nil, nil)
	requireStatus(t, w, http.StatusOK)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Fatalf("expected empty JSON array, got %q", body)
	}
}

func TestBearerAuthGuardsMutations(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{
		APIToken: func() string { return "secret-token" },
	})

	w := a.do(t, http.MethodGet, "/api/v1/projects", nil, nil)
	requireStatus(t, w, http.StatusOK)

	body := project.CreateRequest{Name: "demo", GitURL: "https://git.example/demo.git"}
	w = a.do(t, http.MethodPost, "/api/v1/projects", body, nil)
	requireStatus(t, w, http.StatusUnauthorized)

	w = a.do(t, http.MethodPost, "/api/v1/projects", body, map[string]string{
		"Authorization": "Bearer wrong-token",
	})
	requireStatus(t, w, http.StatusUnauthorized)

	w = a.do(t, http.MethodPost, "/api/v1/projects", body, map[string]string{
		"Authorization": "Bearer secret-token",
	})
	requireStatus(t, w, http.StatusCreated)
}

func TestProjectTokenGuardsActions(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	if err := a.projects.SetProjectToken(context.Background(), p.ID, "deploy-token"); err != nil {
		t.Fatalf("set project token: %v", err)
	}
	run := seedRun(t, a, p.ID, protocol.StatusPending)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/start", run.ID), nil, nil)
	requireStatus(t, w, http.StatusUnauthorized)

	w = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/protocols/%d/actions/start", run.ID), nil, map[string]string{
		apihttp.HeaderProjectToken: "deploy-token",
	})
	requireStatus(t, w, http.StatusOK)
}

func TestGitHubWebhookFoldsLatestStep(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusRunning)
	sr := seedStep(t, a, run.ID, 0, step.StatusRunning)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(githubPayload("success", "feature/demo")))
	req.Header.Set("X-GitHub-Event", "workflow_run")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusOK)

	folded, err := a.store.GetStepRun(context.Background(), sr.ID)
	if err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if folded.Status != step.StatusCompleted || folded.Summary != "CI passed" {
		t.Fatalf("expected CI fold, got %s %q", folded.Status, folded.Summary)
	}

	evW := a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/protocols/%d/events", run.ID), nil, nil)
	requireStatus(t, evW, http.StatusOK)
	events := decodeBody[[]event.Event](t, evW)
	if len(events) != 1 || events[0].EventType != event.TypeCIWebhook {
		t.Fatalf("expected one ci_webhook event, got %+v", events)
	}
}

func TestGitHubWebhookUnmatchedBranch(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	seedProject(t, a)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(githubPayload("success", "no-such-branch")))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusNotFound)
}

func TestGitHubWebhookMalformedPayload(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{"workflow_run": `))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusBadRequest)
}

func TestWebhookSignatureEnforced(t *testing.T) {
	secret := "hook-secret"
	a := newTestAPI(t, apihttp.Options{
		WebhookToken: func() string { return secret },
	})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusRunning)
	seedStep(t, a, run.ID, 0, step.StatusRunning)

	payload := githubPayload("success", "feature/demo")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(payload))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusUnauthorized)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	req = httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusOK)

	glPayload := gitlabPayload("failed", "feature/demo")
	req = httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(glPayload))
	req.Header.Set("X-Gitlab-Token", "wrong")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", strings.NewReader(glPayload))
	req.Header.Set("X-Gitlab-Token", secret)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusOK)
}

func TestWebhookAliasUnderAPIPrefix(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusRunning)
	sr := seedStep(t, a, run.ID, 0, step.StatusRunning)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gitlab", strings.NewReader(gitlabPayload("success", "refs/heads/feature/demo")))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusOK)

	folded, err := a.store.GetStepRun(context.Background(), sr.ID)
	if err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if folded.Status != step.StatusCompleted {
		t.Fatalf("expected completed step, got %s", folded.Status)
	}
}

func TestWebhookPinnedRun(t *testing.T) {
	a := newTestAPI(t, apihttp.Options{})
	p := seedProject(t, a)
	run := seedRun(t, a, p.ID, protocol.StatusRunning)
	sr := seedStep(t, a, run.ID, 0, step.StatusRunning)

	path := fmt.Sprintf("/webhooks/github?protocol_run_id=%d", run.ID)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(githubPayload("failure", "unrelated-branch")))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	requireStatus(t, w, http.StatusOK)

	folded, err := a.store.GetStepRun(context.Background(), sr.ID)
	if err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if folded.Status != step.StatusFailed {
		t.Fatalf("expected failed step, got %s", folded.Status)
	}
	blocked, err := a.store.GetProtocolRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if blocked.Status != protocol.StatusBlocked {
		t.Fatalf("expected blocked run, got %s", blocked.Status)
	}
}
