// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts background jobs by type and final outcome
	// (completed, retried, failed, unknown).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_processed_total",
		Help: "Background jobs processed by the worker, by job type and outcome.",
	}, []string{"job_type", "outcome"})

	// QAVerdicts counts quality gate verdicts by result (pass, fail).
	QAVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_qa_verdicts_total",
		Help: "Quality gate verdicts, by result.",
	}, []string{"verdict"})

	// WebhooksReceived counts CI webhook deliveries by provider and outcome
	// (folded, unmatched, ignored).
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_webhooks_received_total",
		Help: "CI webhook deliveries, by provider and fold outcome.",
	}, []string{"provider", "outcome"})

	// WebhookUnauthorized counts webhook deliveries rejected by signature or
	// token verification.
	WebhookUnauthorized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_webhook_unauthorized_total",
		Help: "CI webhook deliveries rejected during verification.",
	})

	// TriggerDepthExceeded counts inline trigger chains cut off at the depth cap.
	TriggerDepthExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_trigger_depth_exceeded_total",
		Help: "Inline trigger chains stopped at the depth cap.",
	})

	// EngineInvocations counts engine CLI calls by engine id and outcome
	// (ok, failed, error).
	EngineInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_engine_invocations_total",
		Help: "Engine CLI invocations, by engine id and outcome.",
	}, []string{"engine_id", "outcome"})

	// QueueDepth tracks the number of queued jobs per queue name. Updated by
	// the worker after each processed job.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Jobs currently waiting in each queue.",
	}, []string{"queue"})
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
