// Package jobqueue defines the job queue port (interface).
package jobqueue

import (
	"context"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
)

// Stats aggregates queue depth by queue name and by job status.
type Stats struct {
	ByQueue  map[string]int `json:"by_queue"`
	ByStatus map[string]int `json:"by_status"`
}

// Queue is the port interface for the at-least-once job queue. Claim and
// Enqueue must be safe under concurrent callers; a claimed job is not
// claimable by another worker. Strict FIFO is not guaranteed across retries
// (a requeued job goes to the tail).
type Queue interface {
	// Enqueue creates a queued job with attempts=0 and returns it.
	Enqueue(ctx context.Context, jobType job.Type, payload map[string]any, queue string) (*job.Job, error)

	// Claim returns the oldest queued job of the queue whose next_run_at has
	// passed, transitioning it to in_progress. Returns (nil, nil) when no
	// job is due.
	Claim(ctx context.Context, queue string) (*job.Job, error)

	// Requeue puts a claimed job back on the tail of its queue after delay.
	Requeue(ctx context.Context, j *job.Job, delay time.Duration) error

	// Finish records a terminal success and removes the job from the queue.
	Finish(ctx context.Context, j *job.Job, result string) error

	// Fail records a permanent failure and removes the job from the queue.
	Fail(ctx context.Context, j *job.Job, errMsg string) error

	// List snapshots jobs for observers, optionally filtered by status.
	List(ctx context.Context, status job.Status) ([]job.Job, error)

	// Stats counts jobs by queue and status.
	Stats(ctx context.Context) (Stats, error)
}
