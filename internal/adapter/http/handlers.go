// Package http exposes the orchestrator over a chi-routed JSON API. The
// handlers are a thin read-through to the service layer: every mutation goes
// through a service method and every failure surfaces as a domain sentinel
// mapped onto a status code.
package http

import (
	"io"
	"net/http"
	"strconv"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/ws"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/secrets"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/service"
)

// HeaderProjectToken carries the optional per-project token checked against
// the project's stored bcrypt hash on mutating protocol routes.
const HeaderProjectToken = "X-Project-Token"

// CI provider event-type headers.
const (
	headerGitHubEvent = "X-GitHub-Event"
	headerGitLabEvent = "X-Gitlab-Event"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Store     database.Store
	Queue     jobqueue.Queue
	Projects  *service.ProjectService
	Protocols *service.ProtocolService
	Webhooks  *service.WebhookService
	Hub       *ws.Hub
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// ListProjects handles GET /api/v1/projects
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Projects.ListProjects(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make([]project.Project, 0, len(projects))
	for i := range projects {
		out = append(out, *maskSecrets(&projects[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateProject handles POST /api/v1/projects
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Projects.CreateProject(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, maskSecrets(p))
}

// GetProject handles GET /api/v1/projects/{id}
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Projects.GetProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, maskSecrets(p))
}

// maskSecrets returns a copy of the project with secret values redacted so
// list and fetch responses never echo credentials.
func maskSecrets(p *project.Project) *project.Project {
	if len(p.Secrets) == 0 {
		return p
	}
	cp := *p
	cp.Secrets = make(map[string]string, len(p.Secrets))
	for k, v := range p.Secrets {
		cp.Secrets[k] = secrets.Mask(v)
	}
	return &cp
}

// ---------------------------------------------------------------------------
// Protocol runs
// ---------------------------------------------------------------------------

// ListProtocols handles GET /api/v1/projects/{id}/protocols
func (h *Handlers) ListProtocols(w http.ResponseWriter, r *http.Request) {
	projectID, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Projects.GetProject(r.Context(), projectID); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	runs, err := h.Store.ListProtocolRuns(r.Context(), projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if runs == nil {
		runs = []protocol.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// CreateProtocol handles POST /api/v1/projects/{id}/protocols
func (h *Handlers) CreateProtocol(w http.ResponseWriter, r *http.Request) {
	projectID, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Projects.VerifyProjectToken(r.Context(), projectID, r.Header.Get(HeaderProjectToken)); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	req, ok := readJSON[protocol.CreateRequest](w, r)
	if !ok {
		return
	}
	run, err := h.Protocols.CreateProtocolRun(r.Context(), projectID, req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetProtocol handles GET /api/v1/protocols/{id}
func (h *Handlers) GetProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.Store.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// authorizeRun resolves the {id} route parameter and checks the optional
// per-project token ahead of any protocol mutation. Projects without a
// stored token admit any caller.
func (h *Handlers) authorizeRun(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return 0, false
	}
	run, err := h.Store.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return 0, false
	}
	if err := h.Projects.VerifyProjectToken(r.Context(), run.ProjectID, r.Header.Get(HeaderProjectToken)); err != nil {
		writeDomainError(w, err, "protocol run not found")
		return 0, false
	}
	return id, true
}

// StartProtocol handles POST /api/v1/protocols/{id}/actions/start
func (h *Handlers) StartProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	run, err := h.Protocols.Start(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// PauseProtocol handles POST /api/v1/protocols/{id}/actions/pause
func (h *Handlers) PauseProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	run, err := h.Protocols.Pause(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ResumeProtocol handles POST /api/v1/protocols/{id}/actions/resume
func (h *Handlers) ResumeProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	run, err := h.Protocols.Resume(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelProtocol handles POST /api/v1/protocols/{id}/actions/cancel
func (h *Handlers) CancelProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	run, err := h.Protocols.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunNextStep handles POST /api/v1/protocols/{id}/actions/run-next
func (h *Handlers) RunNextStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	sr, err := h.Protocols.RunNext(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "no pending step")
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// RetryLatestStep handles POST /api/v1/protocols/{id}/actions/retry-latest
func (h *Handlers) RetryLatestStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	sr, err := h.Protocols.RetryLatest(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "no step to retry")
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// OpenProtocolPR handles POST /api/v1/protocols/{id}/actions/open-pr
func (h *Handlers) OpenProtocolPR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	j, err := h.Protocols.OpenPR(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ---------------------------------------------------------------------------
// Steps, events, spec
// ---------------------------------------------------------------------------

// ListSteps handles GET /api/v1/protocols/{id}/steps
func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetProtocolRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	steps, err := h.Store.ListStepRuns(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if steps == nil {
		steps = []step.Run{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// CreateStep handles POST /api/v1/protocols/{id}/steps
func (h *Handlers) CreateStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRun(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[step.CreateRequest](w, r)
	if !ok {
		return
	}
	sr, err := h.Protocols.CreateStepRun(r.Context(), id, req)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

// ListRunEvents handles GET /api/v1/protocols/{id}/events
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetProtocolRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	events, err := h.Store.ListEvents(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// specInfoResponse is the GET /protocols/{id}/spec body. Status is one of
// absent, unvalidated, valid, invalid.
type specInfoResponse struct {
	Spec   *protocol.Spec `json:"spec"`
	Hash   string         `json:"spec_hash,omitempty"`
	Status string         `json:"validation_status"`
}

// GetProtocolSpec handles GET /api/v1/protocols/{id}/spec
func (h *Handlers) GetProtocolSpec(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	spec, hash, status, err := h.Protocols.SpecInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, specInfoResponse{Spec: spec, Hash: hash, Status: status})
}

// authorizeStep resolves a step route parameter and checks the per-project
// token of the owning run.
func (h *Handlers) authorizeStep(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return 0, false
	}
	sr, err := h.Store.GetStepRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "step run not found")
		return 0, false
	}
	run, err := h.Store.GetProtocolRun(r.Context(), sr.ProtocolRunID)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return 0, false
	}
	if err := h.Projects.VerifyProjectToken(r.Context(), run.ProjectID, r.Header.Get(HeaderProjectToken)); err != nil {
		writeDomainError(w, err, "step run not found")
		return 0, false
	}
	return id, true
}

// RunStep handles POST /api/v1/steps/{id}/actions/run
func (h *Handlers) RunStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeStep(w, r)
	if !ok {
		return
	}
	sr, err := h.Protocols.RunStep(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// RunStepQA handles POST /api/v1/steps/{id}/actions/run_qa
func (h *Handlers) RunStepQA(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeStep(w, r)
	if !ok {
		return
	}
	sr, err := h.Protocols.RunStepQA(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// ApproveStep handles POST /api/v1/steps/{id}/actions/approve
func (h *Handlers) ApproveStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeStep(w, r)
	if !ok {
		return
	}
	sr, err := h.Protocols.ApproveStep(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// ---------------------------------------------------------------------------
// Queues
// ---------------------------------------------------------------------------

// QueueStats handles GET /api/v1/queues
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListJobs handles GET /api/v1/queues/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := job.Status(r.URL.Query().Get("status"))
	jobs, err := h.Queue.List(r.Context(), status)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// ---------------------------------------------------------------------------
// CI webhooks
// ---------------------------------------------------------------------------

// readDelivery captures the raw body and the optional run pin from the query
// string. Signature verification already ran in middleware.
func readDelivery(w http.ResponseWriter, r *http.Request, eventHeader string) (service.Delivery, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return service.Delivery{}, false
	}
	d := service.Delivery{Body: body, EventType: r.Header.Get(eventHeader)}
	if raw := r.URL.Query().Get("protocol_run_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid protocol_run_id")
			return service.Delivery{}, false
		}
		d.ProtocolRunID = id
	}
	return d, true
}

// HandleGitHubWebhook handles POST /webhooks/github
func (h *Handlers) HandleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	d, ok := readDelivery(w, r, headerGitHubEvent)
	if !ok {
		return
	}
	if err := h.Webhooks.HandleGitHub(r.Context(), d); err != nil {
		writeDomainError(w, err, "no protocol run matches this delivery")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGitLabWebhook handles POST /webhooks/gitlab
func (h *Handlers) HandleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	d, ok := readDelivery(w, r, headerGitLabEvent)
	if !ok {
		return
	}
	if err := h.Webhooks.HandleGitLab(r.Context(), d); err != nil {
		writeDomainError(w, err, "no protocol run matches this delivery")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
