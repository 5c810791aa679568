// Package redisqueue provides a Redis-backed job queue for deployments where
// jobs must survive a restart or be shared across worker processes.
//
// Layout per queue name: a list of due job ids (pipeline:queue:<name>), a
// sorted set of delayed job ids scored by due time (pipeline:delayed:<name>),
// and a processing list holding claimed ids (pipeline:processing:<name>).
// Job bodies live under pipeline:job:<id>; pipeline:jobs indexes all live ids.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
)

const (
	keyPrefix = "pipeline"
	indexKey  = keyPrefix + ":jobs"
)

// NewClient connects to Redis at url, accepting both redis:// URLs and bare
// host:port addresses, and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Queue implements jobqueue.Queue on Redis. Claimed job ids are parked on a
// processing list, so a crashed worker leaves evidence rather than silently
// dropping the job.
type Queue struct {
	client *redis.Client
	now    func() time.Time
}

// New creates a Queue on an established client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client, now: time.Now}
}

func queueKey(name string) string      { return keyPrefix + ":queue:" + name }
func delayedKey(name string) string    { return keyPrefix + ":delayed:" + name }
func processingKey(name string) string { return keyPrefix + ":processing:" + name }
func jobKey(id string) string          { return keyPrefix + ":job:" + id }

func (q *Queue) saveJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	if err := q.client.Set(ctx, jobKey(j.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", j.ID, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*job.Job, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (q *Queue) Enqueue(ctx context.Context, jobType job.Type, payload map[string]any, queue string) (*job.Job, error) {
	j := job.New(jobType, payload, queue)
	if err := q.saveJob(ctx, j); err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, indexKey, j.ID)
	pipe.RPush(ctx, queueKey(j.Queue), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	return j, nil
}

// promoteDelayed moves due delayed jobs onto the ready list.
func (q *Queue) promoteDelayed(ctx context.Context, queue string) error {
	now := strconv.FormatInt(q.now().UTC().Unix(), 10)
	ids, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		// Another worker may have promoted it between the scan and here.
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, queueKey(queue), id).Err(); err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, queue string) (*job.Job, error) {
	if queue == "" {
		queue = job.DefaultQueue
	}
	if err := q.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	for {
		id, err := q.client.LMove(ctx, queueKey(queue), processingKey(queue), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim from %s: %w", queue, err)
		}

		j, err := q.loadJob(ctx, id)
		if err != nil {
			// Orphaned id whose body is gone; drop it and keep claiming.
			if errors.Is(err, redis.Nil) {
				q.client.LRem(ctx, processingKey(queue), 1, id)
				q.client.SRem(ctx, indexKey, id)
				continue
			}
			return nil, err
		}

		started := q.now().UTC()
		j.Status = job.StatusInProgress
		j.StartedAt = &started
		if err := q.saveJob(ctx, j); err != nil {
			return nil, err
		}
		return j, nil
	}
}

func (q *Queue) Requeue(ctx context.Context, j *job.Job, delay time.Duration) error {
	j.Status = job.StatusQueued
	j.StartedAt = nil
	j.NextRunAt = q.now().UTC().Add(delay).Unix()
	if err := q.saveJob(ctx, j); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey(j.Queue), 1, j.ID)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey(j.Queue), redis.Z{Score: float64(j.NextRunAt), Member: j.ID})
	} else {
		pipe.RPush(ctx, queueKey(j.Queue), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s: %w", j.ID, err)
	}
	return nil
}

func (q *Queue) Finish(ctx context.Context, j *job.Job, result string) error {
	ended := q.now().UTC()
	j.Status = job.StatusFinished
	j.Result = result
	j.EndedAt = &ended
	return q.removeJob(ctx, j)
}

func (q *Queue) Fail(ctx context.Context, j *job.Job, errMsg string) error {
	ended := q.now().UTC()
	j.Status = job.StatusFailed
	j.Error = errMsg
	j.EndedAt = &ended
	return q.removeJob(ctx, j)
}

func (q *Queue) removeJob(ctx context.Context, j *job.Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey(j.Queue), 1, j.ID)
	pipe.Del(ctx, jobKey(j.ID))
	pipe.SRem(ctx, indexKey, j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", j.ID, err)
	}
	return nil
}

func (q *Queue) List(ctx context.Context, status job.Status) ([]job.Job, error) {
	ids, err := q.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var out []job.Job
	for _, id := range ids {
		j, err := q.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (jobqueue.Stats, error) {
	jobs, err := q.List(ctx, "")
	if err != nil {
		return jobqueue.Stats{}, err
	}

	stats := jobqueue.Stats{
		ByQueue:  make(map[string]int),
		ByStatus: make(map[string]int),
	}
	for _, j := range jobs {
		stats.ByQueue[j.Queue]++
		stats.ByStatus[string(j.Status)]++
	}
	return stats, nil
}
