package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
)

// Webhook fold outcomes recorded on the received-webhooks counter.
const (
	webhookOutcomeFolded    = "folded"
	webhookOutcomeUnmatched = "unmatched"
	webhookOutcomeIgnored   = "ignored"
)

// ciFoldable is the set of step statuses a CI verdict may overwrite. A
// terminal step keeps its state; in particular a recorded failure is never
// flipped back to success by a late delivery.
var ciFoldable = map[step.Status]bool{
	step.StatusPending: true,
	step.StatusRunning: true,
	step.StatusNeedsQA: true,
	step.StatusBlocked: true,
}

// Delivery is one authenticated webhook payload handed down from the HTTP
// layer. ProtocolRunID is zero when the caller did not pin a run; the
// service then resolves by branch.
type Delivery struct {
	Body          []byte
	EventType     string
	ProtocolRunID int64
}

// WebhookService folds CI notifications into protocol state. Folding is
// idempotent: replaying a delivery yields the same state.
type WebhookService struct {
	store   database.Store
	journal *Journal
}

// NewWebhookService creates a WebhookService.
func NewWebhookService(store database.Store, journal *Journal) *WebhookService {
	return &WebhookService{store: store, journal: journal}
}

// HandleGitHub folds a GitHub workflow_run delivery. Deliveries without a
// finished workflow are journal-free no-ops.
func (w *WebhookService) HandleGitHub(ctx context.Context, d Delivery) error {
	var payload struct {
		WorkflowRun *struct {
			Conclusion string `json:"conclusion"`
			HeadBranch string `json:"head_branch"`
		} `json:"workflow_run"`
	}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		metrics.WebhooksReceived.WithLabelValues("github", webhookOutcomeIgnored).Inc()
		return fmt.Errorf("parse github payload: %w: %w", err, domain.ErrValidation)
	}
	if payload.WorkflowRun == nil || payload.WorkflowRun.Conclusion == "" {
		metrics.WebhooksReceived.WithLabelValues("github", webhookOutcomeIgnored).Inc()
		return nil
	}
	conclusion := payload.WorkflowRun.Conclusion
	branch := payload.WorkflowRun.HeadBranch

	run, err := w.resolve(ctx, d.ProtocolRunID, branch)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("github", webhookOutcomeUnmatched).Inc()
		return err
	}
	latest := w.latestStep(ctx, run.ID)
	if err := w.journalDelivery(ctx, run, latest, "github", d.EventType, branch, conclusion); err != nil {
		return err
	}

	switch conclusion {
	case "success", "neutral":
		if err := w.foldStep(ctx, latest, step.StatusCompleted, "CI passed"); err != nil {
			return err
		}
	case "failure", "timed_out", "cancelled":
		if err := w.foldStep(ctx, latest, step.StatusFailed, "CI failed"); err != nil {
			return err
		}
		if err := blockProtocolRun(ctx, w.store, run.ID); err != nil {
			return err
		}
	default:
		metrics.WebhooksReceived.WithLabelValues("github", webhookOutcomeIgnored).Inc()
		return nil
	}
	metrics.WebhooksReceived.WithLabelValues("github", webhookOutcomeFolded).Inc()
	return nil
}

// HandleGitLab folds a GitLab pipeline delivery.
func (w *WebhookService) HandleGitLab(ctx context.Context, d Delivery) error {
	var payload struct {
		ObjectAttributes *struct {
			Status string `json:"status"`
			Ref    string `json:"ref"`
		} `json:"object_attributes"`
	}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		metrics.WebhooksReceived.WithLabelValues("gitlab", webhookOutcomeIgnored).Inc()
		return fmt.Errorf("parse gitlab payload: %w: %w", err, domain.ErrValidation)
	}
	if payload.ObjectAttributes == nil || payload.ObjectAttributes.Status == "" {
		metrics.WebhooksReceived.WithLabelValues("gitlab", webhookOutcomeIgnored).Inc()
		return nil
	}
	status := payload.ObjectAttributes.Status
	branch := payload.ObjectAttributes.Ref

	run, err := w.resolve(ctx, d.ProtocolRunID, branch)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("gitlab", webhookOutcomeUnmatched).Inc()
		return err
	}
	latest := w.latestStep(ctx, run.ID)
	if err := w.journalDelivery(ctx, run, latest, "gitlab", d.EventType, branch, status); err != nil {
		return err
	}

	switch status {
	case "success", "passed":
		if err := w.foldStep(ctx, latest, step.StatusCompleted, "CI passed"); err != nil {
			return err
		}
	case "failed", "canceled":
		if err := w.foldStep(ctx, latest, step.StatusFailed, "CI failed"); err != nil {
			return err
		}
		if err := blockProtocolRun(ctx, w.store, run.ID); err != nil {
			return err
		}
	default:
		metrics.WebhooksReceived.WithLabelValues("gitlab", webhookOutcomeIgnored).Inc()
		return nil
	}
	metrics.WebhooksReceived.WithLabelValues("gitlab", webhookOutcomeFolded).Inc()
	return nil
}

// resolve pins the protocol run: explicit id first, branch lookup second.
func (w *WebhookService) resolve(ctx context.Context, id int64, branch string) (*protocol.Run, error) {
	if id > 0 {
		return w.store.GetProtocolRun(ctx, id)
	}
	if branch == "" {
		return nil, fmt.Errorf("delivery names no branch: %w", domain.ErrNotFound)
	}
	return w.store.FindProtocolRunByBranch(ctx, branch)
}

// latestStep returns the most recent step run, or nil for a run with none.
func (w *WebhookService) latestStep(ctx context.Context, runID int64) *step.Run {
	latest, err := w.store.LatestStepRun(ctx, runID)
	if err != nil {
		return nil
	}
	return latest
}

// journalDelivery records the delivery ahead of any fold, attached to the
// latest step when one exists.
func (w *WebhookService) journalDelivery(ctx context.Context, run *protocol.Run, latest *step.Run, provider, eventType, branch, verdict string) error {
	msg := fmt.Sprintf("%s webhook: %s on %s", provider, verdict, branch)
	ev := event.New(run.ID, event.TypeCIWebhook, msg).
		WithMeta("provider", provider).
		WithMeta("branch", branch).
		WithMeta("verdict", verdict)
	if eventType != "" {
		ev = ev.WithMeta("event_type", eventType)
	}
	if latest != nil {
		ev = ev.WithStep(latest.ID)
	}
	_, err := w.journal.Append(ctx, ev)
	return err
}

// foldStep applies a CI verdict to the latest step when its current status
// admits it.
func (w *WebhookService) foldStep(ctx context.Context, latest *step.Run, to step.Status, summary string) error {
	if latest == nil || !ciFoldable[latest.Status] {
		return nil
	}
	s := summary
	return w.store.UpdateStepStatus(ctx, latest.ID, to, step.UpdateOptions{Summary: &s})
}
