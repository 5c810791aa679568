// Package job defines the queue work item dispatched to workers.
package job

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the work a job carries.
type Type string

const (
	TypePlanProtocol Type = "plan_protocol_job"
	TypeExecuteStep  Type = "execute_step_job"
	TypeRunQuality   Type = "run_quality_job"
	TypeOpenPR       Type = "open_pr_job"
)

// Status represents the queue-side state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// DefaultQueue is the queue jobs land on when the caller names none.
const DefaultQueue = "default"

// DefaultMaxAttempts bounds worker retries per job.
const DefaultMaxAttempts = 3

// Payload keys shared by the job handlers.
const (
	PayloadProtocolRunID = "protocol_run_id"
	PayloadStepRunID     = "step_run_id"
	PayloadInlineDepth   = "inline_trigger_depth"
)

// Job is one queue work item. The queue owns it; workers delete it after a
// terminal disposition.
type Job struct {
	ID          string         `json:"job_id"`
	Type        Type           `json:"job_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      Status         `json:"status"`
	Queue       string         `json:"queue"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	NextRunAt   int64          `json:"next_run_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// New builds a queued job with a fresh UUID and default retry budget.
func New(jobType Type, payload map[string]any, queue string) *Job {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusQueued,
		Queue:       queue,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

// Int64Field reads an integer payload field. Payload maps round-trip through
// JSON, so numbers may arrive as float64, json.Number, or strings.
func Int64Field(payload map[string]any, key string) (int64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// IntField reads an int payload field with a fallback of 0.
func IntField(payload map[string]any, key string) int {
	n, _ := Int64Field(payload, key)
	return int(n)
}
