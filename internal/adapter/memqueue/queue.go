// Package memqueue provides an in-process job queue for single-node
// deployments and tests. Jobs do not survive a restart; deployments that
// need durability use the Redis queue instead.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
)

// Queue implements jobqueue.Queue with a mutex-guarded slice. Claim order is
// FIFO per queue; requeued jobs go to the tail.
type Queue struct {
	mu   sync.Mutex
	jobs []*job.Job
	now  func() time.Time
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

func (q *Queue) Enqueue(_ context.Context, jobType job.Type, payload map[string]any, queue string) (*job.Job, error) {
	j := job.New(jobType, payload, queue)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)

	out := *j
	return &out, nil
}

func (q *Queue) Claim(_ context.Context, queue string) (*job.Job, error) {
	if queue == "" {
		queue = job.DefaultQueue
	}
	now := q.now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Queue != queue || j.Status != job.StatusQueued {
			continue
		}
		if j.NextRunAt > now.Unix() {
			continue
		}
		j.Status = job.StatusInProgress
		started := now
		j.StartedAt = &started

		out := *j
		return &out, nil
	}
	return nil, nil
}

func (q *Queue) Requeue(_ context.Context, j *job.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(j.ID)
	if idx < 0 {
		// The job was finished or failed concurrently; nothing to requeue.
		return nil
	}
	stored := q.jobs[idx]
	stored.Status = job.StatusQueued
	stored.Attempts = j.Attempts
	stored.Error = j.Error
	stored.StartedAt = nil
	stored.NextRunAt = q.now().UTC().Add(delay).Unix()

	// Move to the tail so older queued jobs run first.
	q.jobs = append(append(q.jobs[:idx], q.jobs[idx+1:]...), stored)
	return nil
}

func (q *Queue) Finish(_ context.Context, j *job.Job, result string) error {
	q.remove(j.ID)
	ended := q.now().UTC()
	j.Status = job.StatusFinished
	j.Result = result
	j.EndedAt = &ended
	return nil
}

func (q *Queue) Fail(_ context.Context, j *job.Job, errMsg string) error {
	q.remove(j.ID)
	ended := q.now().UTC()
	j.Status = job.StatusFailed
	j.Error = errMsg
	j.EndedAt = &ended
	return nil
}

func (q *Queue) List(_ context.Context, status job.Status) ([]job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []job.Job
	for _, j := range q.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (q *Queue) Stats(_ context.Context) (jobqueue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := jobqueue.Stats{
		ByQueue:  make(map[string]int),
		ByStatus: make(map[string]int),
	}
	for _, j := range q.jobs {
		stats.ByQueue[j.Queue]++
		stats.ByStatus[string(j.Status)]++
	}
	return stats, nil
}

func (q *Queue) indexOf(id string) int {
	for i, j := range q.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexOf(id); idx >= 0 {
		q.jobs = append(q.jobs[:idx], q.jobs[idx+1:]...)
	}
}
