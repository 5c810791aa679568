// Package event defines the append-only journal entries recorded for every
// protocol state transition. Events are the source of truth for observers.
package event

import "time"

// Type tags a journal entry.
type Type string

// Protocol lifecycle.
const (
	TypePlanned           Type = "planned"
	TypeProtocolStarted   Type = "protocol_started"
	TypeProtocolCompleted Type = "protocol_completed"
	TypeProtocolCancelled Type = "protocol_cancelled"
	TypeProtocolPaused    Type = "protocol_paused"
	TypeProtocolResumed   Type = "protocol_resumed"
)

// Step lifecycle.
const (
	TypeStepStarted    Type = "step_started"
	TypeStepCompleted  Type = "step_completed"
	TypeStepFailed     Type = "step_failed"
	TypeManualApproval Type = "manual_approval"
)

// QA gate.
const (
	TypeQAPassed        Type = "qa_passed"
	TypeQAFailed        Type = "qa_failed"
	TypeQASkippedPolicy Type = "qa_skipped_policy"
)

// Spec and policy runtime.
const (
	TypeSpecValidationError        Type = "spec_validation_error"
	TypeLoopPolicyApplied          Type = "loop_policy_applied"
	TypeLoopPolicyExhausted        Type = "loop_policy_exhausted"
	TypePolicyConditionUnevaluated Type = "policy_condition_unevaluated"
	TypeTriggerEnqueued            Type = "trigger_enqueued"
	TypeTriggerInlineDepthExceeded Type = "trigger_inline_depth_exceeded"
	TypeTokenBudgetWarning         Type = "token_budget_warning"
)

// Jobs, webhooks, collaborators.
const (
	TypeJobFailed  Type = "job_failed"
	TypeUnknownJob Type = "unknown_job"
	TypeCIWebhook  Type = "ci_webhook"
	TypePROpened   Type = "pr_opened"
)

// Metadata keys carried on spec-related events.
const (
	MetaSpecHash        = "spec_hash"
	MetaSpecValidated   = "spec_validated"
	MetaEstimatedTokens = "estimated_tokens"
	MetaPromptVersions  = "prompt_versions"
	MetaOutputs         = "outputs"
	MetaModel           = "model"
	MetaEngineID        = "engine_id"
	MetaInlineDepth     = "inline_depth"
	MetaTargetStepID    = "target_step_id"
	MetaResetIndices    = "reset_indices"
	MetaVerdict         = "verdict"
)

// Event is one append-only journal entry. Events are never rewritten or
// deleted.
type Event struct {
	ID            int64          `json:"id"`
	ProtocolRunID int64          `json:"protocol_run_id"`
	StepRunID     *int64         `json:"step_run_id,omitempty"`
	EventType     Type           `json:"event_type"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// New builds an event for a protocol run. StepRunID and Metadata are set by
// the With helpers.
func New(protocolRunID int64, eventType Type, message string) *Event {
	return &Event{
		ProtocolRunID: protocolRunID,
		EventType:     eventType,
		Message:       message,
	}
}

// WithStep associates the event with a step run.
func (e *Event) WithStep(stepRunID int64) *Event {
	e.StepRunID = &stepRunID
	return e
}

// WithMeta sets one metadata key, allocating the map on first use.
func (e *Event) WithMeta(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}
