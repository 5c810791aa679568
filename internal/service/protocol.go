package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
)

// ProtocolService drives the protocol run lifecycle: creation, the
// administrative actions, step-level actions, and terminal-state
// propagation.
type ProtocolService struct {
	store     database.Store
	queue     jobqueue.Queue
	journal   *Journal
	specs     *SpecCache
	queueName string
}

// NewProtocolService creates a ProtocolService.
func NewProtocolService(store database.Store, queue jobqueue.Queue, journal *Journal, specs *SpecCache, queueName string) *ProtocolService {
	return &ProtocolService{
		store:     store,
		queue:     queue,
		journal:   journal,
		specs:     specs,
		queueName: queueName,
	}
}

// CreateProtocolRun validates and creates a run for a project, defaulting
// the base branch to the project's.
func (s *ProtocolService) CreateProtocolRun(ctx context.Context, projectID int64, req protocol.CreateRequest) (*protocol.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if req.BaseBranch == "" {
		req.BaseBranch = p.BaseBranch
	}
	return s.store.CreateProtocolRun(ctx, projectID, req)
}

// Start transitions a run into planning and enqueues the planning job.
func (s *ProtocolService) Start(ctx context.Context, runID int64) (*protocol.Run, error) {
	run, err := s.transition(ctx, runID, protocol.StatusPlanning)
	if err != nil {
		return nil, err
	}
	if _, err := s.journal.Append(ctx, event.New(run.ID, event.TypeProtocolStarted, "protocol started")); err != nil {
		return nil, err
	}
	if _, err := s.enqueue(ctx, job.TypePlanProtocol, map[string]any{
		job.PayloadProtocolRunID: run.ID,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// Pause moves a run to blocked until a user resumes it.
func (s *ProtocolService) Pause(ctx context.Context, runID int64) (*protocol.Run, error) {
	run, err := s.transition(ctx, runID, protocol.StatusBlocked)
	if err != nil {
		return nil, err
	}
	if _, err := s.journal.Append(ctx, event.New(run.ID, event.TypeProtocolPaused, "protocol paused")); err != nil {
		return nil, err
	}
	return run, nil
}

// Resume moves a blocked run back to running.
func (s *ProtocolService) Resume(ctx context.Context, runID int64) (*protocol.Run, error) {
	run, err := s.transition(ctx, runID, protocol.StatusRunning)
	if err != nil {
		return nil, err
	}
	if _, err := s.journal.Append(ctx, event.New(run.ID, event.TypeProtocolResumed, "protocol resumed")); err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel terminates a run and marks its outstanding steps cancelled.
// Running handlers observe the terminal status at their next checkpoint.
func (s *ProtocolService) Cancel(ctx context.Context, runID int64) (*protocol.Run, error) {
	run, err := s.transition(ctx, runID, protocol.StatusCancelled)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].Status.IsTerminal() {
			continue
		}
		if err := s.store.UpdateStepStatus(ctx, steps[i].ID, step.StatusCancelled, step.UpdateOptions{}); err != nil {
			return nil, err
		}
	}
	if _, err := s.journal.Append(ctx, event.New(run.ID, event.TypeProtocolCancelled, "protocol cancelled")); err != nil {
		return nil, err
	}
	return run, nil
}

// RunNext enqueues execution of the lowest-index pending step.
func (s *ProtocolService) RunNext(ctx context.Context, runID int64) (*step.Run, error) {
	run, err := s.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var next *step.Run
	for i := range steps {
		if steps[i].Status != step.StatusPending {
			continue
		}
		if next == nil || steps[i].StepIndex < next.StepIndex {
			next = &steps[i]
		}
	}
	if next == nil {
		return nil, fmt.Errorf("no pending step: %w", domain.ErrNotFound)
	}
	if err := s.markRunning(ctx, run); err != nil {
		return nil, err
	}
	if _, err := s.enqueue(ctx, job.TypeExecuteStep, map[string]any{
		job.PayloadProtocolRunID: run.ID,
		job.PayloadStepRunID:     next.ID,
	}); err != nil {
		return nil, err
	}
	return next, nil
}

// RetryLatest resets the most recent step to pending and enqueues it.
func (s *ProtocolService) RetryLatest(ctx context.Context, runID int64) (*step.Run, error) {
	run, err := s.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestStepRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateStepStatus(ctx, latest.ID, step.StatusPending, step.UpdateOptions{}); err != nil {
		return nil, err
	}
	if err := s.markRunning(ctx, run); err != nil {
		return nil, err
	}
	if _, err := s.enqueue(ctx, job.TypeExecuteStep, map[string]any{
		job.PayloadProtocolRunID: run.ID,
		job.PayloadStepRunID:     latest.ID,
	}); err != nil {
		return nil, err
	}
	return latest, nil
}

// OpenPR enqueues the push-and-open-pull-request job for a run. The project
// must name a CI provider with a PR CLI.
func (s *ProtocolService) OpenPR(ctx context.Context, runID int64) (*job.Job, error) {
	run, err := s.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}
	if p.CIProvider == project.CIProviderNone {
		return nil, fmt.Errorf("project %s has no ci_provider: %w", p.Name, domain.ErrValidation)
	}
	return s.enqueue(ctx, job.TypeOpenPR, map[string]any{
		job.PayloadProtocolRunID: run.ID,
	})
}

// RunStep enqueues execution of one step.
func (s *ProtocolService) RunStep(ctx context.Context, stepRunID int64) (*step.Run, error) {
	st, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetProtocolRun(ctx, st.ProtocolRunID)
	if err != nil {
		return nil, err
	}
	if err := s.markRunning(ctx, run); err != nil {
		return nil, err
	}
	if _, err := s.enqueue(ctx, job.TypeExecuteStep, map[string]any{
		job.PayloadProtocolRunID: run.ID,
		job.PayloadStepRunID:     st.ID,
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// RunStepQA enqueues the quality gate for one step.
func (s *ProtocolService) RunStepQA(ctx context.Context, stepRunID int64) (*step.Run, error) {
	st, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return nil, err
	}
	if _, err := s.enqueue(ctx, job.TypeRunQuality, map[string]any{
		job.PayloadProtocolRunID: st.ProtocolRunID,
		job.PayloadStepRunID:     st.ID,
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// ApproveStep marks a step completed by user action and propagates run
// completion. Approving an already-completed step is a no-op.
func (s *ProtocolService) ApproveStep(ctx context.Context, stepRunID int64) (*step.Run, error) {
	st, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return nil, err
	}
	if st.Status == step.StatusCompleted {
		return st, nil
	}
	summary := "manually approved"
	if err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusCompleted, step.UpdateOptions{Summary: &summary}); err != nil {
		return nil, err
	}
	if _, err := s.journal.Append(ctx, event.New(st.ProtocolRunID, event.TypeManualApproval, fmt.Sprintf("step %s approved", st.StepName)).WithStep(st.ID)); err != nil {
		return nil, err
	}
	if _, err := s.MaybeCompleteProtocol(ctx, st.ProtocolRunID); err != nil {
		return nil, err
	}
	return s.store.GetStepRun(ctx, st.ID)
}

// MaybeCompleteProtocol closes out a run when every step has reached the
// terminal-success set. This is the single choke point for automatic run
// completion; the domain transition table keeps it from firing before
// planning has finished.
func (s *ProtocolService) MaybeCompleteProtocol(ctx context.Context, runID int64) (bool, error) {
	run, err := s.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.IsTerminal() || !protocol.CanTransition(run.Status, protocol.StatusCompleted) {
		return false, nil
	}
	steps, err := s.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return false, err
	}
	for i := range steps {
		if !steps[i].Status.TerminalSuccess() {
			return false, nil
		}
	}
	if err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusCompleted); err != nil {
		return false, err
	}
	if _, err := s.journal.Append(ctx, event.New(run.ID, event.TypeProtocolCompleted, "all steps completed")); err != nil {
		return false, err
	}
	slog.Info("protocol completed", "protocol_run_id", run.ID, "steps", len(steps))
	return true, nil
}

// CreateStepRun materialises one step row for a run by user request.
func (s *ProtocolService) CreateStepRun(ctx context.Context, runID int64, req step.CreateRequest) (*step.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProtocolRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.CreateStepRun(ctx, runID, req)
}

// SpecInfo returns the run's embedded spec, its hash, and whether it
// validates against the run's recorded filesystem layout.
func (s *ProtocolService) SpecInfo(ctx context.Context, runID int64) (*protocol.Spec, string, string, error) {
	run, err := s.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return nil, "", "", err
	}
	spec, hash := s.specs.Lookup(ctx, run)
	if spec == nil {
		return nil, "", "absent", nil
	}
	status := "valid"
	if run.WorktreePath != "" {
		if len(spec.Validate(run.ProtocolRoot, run.WorktreePath)) > 0 {
			status = "invalid"
		}
	} else {
		status = "unvalidated"
	}
	return spec, hash, status, nil
}

// transition loads a run and applies a status change, rejecting moves the
// lifecycle does not allow.
func (s *ProtocolService) transition(ctx context.Context, runID int64, to protocol.Status) (*protocol.Run, error) {
	run, err := s.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !protocol.CanTransition(run.Status, to) {
		return nil, fmt.Errorf("cannot transition protocol run %d from %s to %s: %w", run.ID, run.Status, to, domain.ErrConflict)
	}
	if err := s.store.UpdateProtocolStatus(ctx, run.ID, to); err != nil {
		return nil, err
	}
	run.Status = to
	return run, nil
}

// markRunning best-effort moves a run to running ahead of step execution.
func (s *ProtocolService) markRunning(ctx context.Context, run *protocol.Run) error {
	return ensureRunning(ctx, s.store, run)
}

func (s *ProtocolService) enqueue(ctx context.Context, jobType job.Type, payload map[string]any) (*job.Job, error) {
	j, err := s.queue.Enqueue(ctx, jobType, payload, s.queueName)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return j, nil
}
