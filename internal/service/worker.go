package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
)

// maxBackoff caps the retry delay between job attempts.
const maxBackoff = 60 * time.Second

// Worker drains one queue, dispatching jobs to the planner, executor, QA
// gate, and git collaborator. Workers are cooperative: shutdown is honoured
// between jobs, never mid-handler.
type Worker struct {
	store    database.Store
	queue    jobqueue.Queue
	journal  *Journal
	planner  *Planner
	executor *Executor
	qa       *QAGate
	git      GitClient
	cfg      config.Config
}

// NewWorker creates a Worker bound to the configured queue.
func NewWorker(store database.Store, queue jobqueue.Queue, journal *Journal, planner *Planner, executor *Executor, qa *QAGate, git GitClient, cfg config.Config) *Worker {
	return &Worker{
		store:    store,
		queue:    queue,
		journal:  journal,
		planner:  planner,
		executor: executor,
		qa:       qa,
		git:      git,
		cfg:      cfg,
	}
}

// Run claims and processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "queue", w.cfg.Queue.Name, "poll_interval", w.cfg.Worker.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "queue", w.cfg.Queue.Name)
			return nil
		default:
		}

		j, err := w.queue.Claim(ctx, w.cfg.Queue.Name)
		if err != nil {
			slog.Error("claim failed", "queue", w.cfg.Queue.Name, "error", err)
		}
		if j == nil {
			select {
			case <-ctx.Done():
				slog.Info("worker stopped", "queue", w.cfg.Queue.Name)
				return nil
			case <-time.After(w.cfg.Worker.PollInterval):
			}
			continue
		}

		w.process(ctx, j)
		w.updateQueueDepth(ctx)
	}
}

// process runs one claimed job to a terminal disposition: finished,
// requeued with backoff, or permanently failed.
func (w *Worker) process(ctx context.Context, j *job.Job) {
	slog.Info("job claimed", "job_id", j.ID, "job_type", j.Type, "attempts", j.Attempts)

	if !knownJobType(j.Type) {
		w.dropUnknown(ctx, j)
		return
	}

	err := w.dispatch(ctx, j)
	if err == nil {
		if ferr := w.queue.Finish(ctx, j, "ok"); ferr != nil {
			slog.Error("finish failed", "job_id", j.ID, "error", ferr)
		}
		metrics.JobsProcessed.WithLabelValues(string(j.Type), "completed").Inc()
		return
	}

	j.Attempts++
	if j.Attempts < j.MaxAttempts {
		delay := backoff(j.Attempts)
		slog.Warn("job failed, requeueing", "job_id", j.ID, "job_type", j.Type, "attempts", j.Attempts, "delay", delay, "error", err)
		if rerr := w.queue.Requeue(ctx, j, delay); rerr != nil {
			slog.Error("requeue failed", "job_id", j.ID, "error", rerr)
		}
		metrics.JobsProcessed.WithLabelValues(string(j.Type), "retried").Inc()
		return
	}

	slog.Error("job failed permanently", "job_id", j.ID, "job_type", j.Type, "attempts", j.Attempts, "error", err)
	if runID, ok := job.Int64Field(j.Payload, job.PayloadProtocolRunID); ok {
		ev := event.New(runID, event.TypeJobFailed, err.Error()).
			WithMeta("job_id", j.ID).
			WithMeta("job_type", string(j.Type))
		if stepID, ok := job.Int64Field(j.Payload, job.PayloadStepRunID); ok {
			ev = ev.WithStep(stepID)
		}
		if _, jerr := w.journal.Append(ctx, ev); jerr != nil {
			slog.Error("journal job failure", "job_id", j.ID, "error", jerr)
		}
		if berr := blockProtocolRun(ctx, w.store, runID); berr != nil {
			slog.Error("block protocol run", "protocol_run_id", runID, "error", berr)
		}
	}
	if ferr := w.queue.Fail(ctx, j, err.Error()); ferr != nil {
		slog.Error("fail job", "job_id", j.ID, "error", ferr)
	}
	metrics.JobsProcessed.WithLabelValues(string(j.Type), "failed").Inc()
}

func (w *Worker) dispatch(ctx context.Context, j *job.Job) error {
	switch j.Type {
	case job.TypePlanProtocol:
		id, ok := job.Int64Field(j.Payload, job.PayloadProtocolRunID)
		if !ok {
			return fmt.Errorf("%s payload missing %s", j.Type, job.PayloadProtocolRunID)
		}
		return w.planner.PlanProtocol(ctx, id)
	case job.TypeExecuteStep:
		id, ok := job.Int64Field(j.Payload, job.PayloadStepRunID)
		if !ok {
			return fmt.Errorf("%s payload missing %s", j.Type, job.PayloadStepRunID)
		}
		return w.executor.ExecuteStep(ctx, id)
	case job.TypeRunQuality:
		id, ok := job.Int64Field(j.Payload, job.PayloadStepRunID)
		if !ok {
			return fmt.Errorf("%s payload missing %s", j.Type, job.PayloadStepRunID)
		}
		return w.qa.RunQuality(ctx, id)
	case job.TypeOpenPR:
		id, ok := job.Int64Field(j.Payload, job.PayloadProtocolRunID)
		if !ok {
			return fmt.Errorf("%s payload missing %s", j.Type, job.PayloadProtocolRunID)
		}
		return w.openPR(ctx, id)
	default:
		return fmt.Errorf("unreachable job type %q", j.Type)
	}
}

// openPR pushes the protocol branch and opens a pull request through the
// provider CLI. CLI stderr surfaces in the job_failed event after the retry
// budget runs out.
func (w *Worker) openPR(ctx context.Context, runID int64) error {
	run, err := w.store.GetProtocolRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load protocol run %d: %w", runID, err)
	}
	proj, err := w.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", run.ProjectID, err)
	}
	if w.git == nil || !w.git.Available() {
		return fmt.Errorf("git unavailable, cannot open pr for run %d", run.ID)
	}
	worktree := worktreePath(w.cfg.Workspace, run)
	if !dirExists(worktree) {
		return fmt.Errorf("worktree %s missing, cannot open pr", worktree)
	}
	if err := w.git.Push(ctx, worktree, run.ProtocolName); err != nil {
		return fmt.Errorf("push %s: %w", run.ProtocolName, err)
	}
	url, err := w.git.OpenPullRequest(ctx, worktree, string(proj.CIProvider), run.ProtocolName, run.Description, run.BaseBranch)
	if err != nil {
		return fmt.Errorf("open pr for %s: %w", run.ProtocolName, err)
	}
	_, err = w.journal.Append(ctx, event.New(run.ID, event.TypePROpened, fmt.Sprintf("pull request opened: %s", url)).
		WithMeta("url", url).
		WithMeta("provider", string(proj.CIProvider)))
	return err
}

// dropUnknown journals an unknown job type and removes it from the queue.
func (w *Worker) dropUnknown(ctx context.Context, j *job.Job) {
	slog.Warn("unknown job type, dropping", "job_id", j.ID, "job_type", j.Type)
	if runID, ok := job.Int64Field(j.Payload, job.PayloadProtocolRunID); ok {
		if _, err := w.journal.Append(ctx, event.New(runID, event.TypeUnknownJob, fmt.Sprintf("unknown job type %q", j.Type)).
			WithMeta("job_id", j.ID)); err != nil {
			slog.Error("journal unknown job", "job_id", j.ID, "error", err)
		}
	}
	if err := w.queue.Finish(ctx, j, "dropped: unknown job type"); err != nil {
		slog.Error("finish unknown job", "job_id", j.ID, "error", err)
	}
	metrics.JobsProcessed.WithLabelValues(string(j.Type), "unknown").Inc()
}

// updateQueueDepth refreshes the per-queue depth gauge.
func (w *Worker) updateQueueDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	for name, n := range stats.ByQueue {
		metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
}

func knownJobType(t job.Type) bool {
	switch t {
	case job.TypePlanProtocol, job.TypeExecuteStep, job.TypeRunQuality, job.TypeOpenPR:
		return true
	}
	return false
}

// backoff returns the retry delay for the given attempt count: exponential,
// capped at maxBackoff.
func backoff(attempts int) time.Duration {
	if attempts >= 6 {
		return maxBackoff
	}
	d := time.Duration(1<<attempts) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
