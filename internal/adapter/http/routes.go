package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go/jetstream"

	otelx "github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/otel"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/middleware"
)

// Options carries the cross-cutting route configuration. The token funcs are
// read on every request so a vault reload takes effect without remounting.
type Options struct {
	// APIToken guards mutating API routes; empty disables bearer auth.
	APIToken func() string
	// WebhookToken verifies CI deliveries (HMAC for GitHub, shared token
	// for GitLab); empty disables verification.
	WebhookToken func() string
	// ServiceName enables tracing spans on all routes when non-empty.
	ServiceName string
	// IdempotencyKV deduplicates action requests carrying an
	// Idempotency-Key header; nil disables replay.
	IdempotencyKV jetstream.KeyValue
}

// MountRoutes registers all API routes on the given chi router. Canonical
// paths live under /api/v1; /health, /metrics, /ws and /webhooks/* keep
// unversioned aliases for scrapers and CI providers configured with plain
// paths.
func MountRoutes(r chi.Router, h *Handlers, opts Options) {
	if opts.APIToken == nil {
		opts.APIToken = func() string { return "" }
	}
	if opts.WebhookToken == nil {
		opts.WebhookToken = func() string { return "" }
	}

	r.Use(middleware.RequestID)
	if opts.ServiceName != "" {
		r.Use(otelx.HTTPMiddleware(opts.ServiceName))
	}

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", h.Hub.HandleWS)

	// CI webhooks (outside bearer auth, verified by HMAC or shared token).
	r.Route("/webhooks", func(r chi.Router) {
		mountWebhooks(r, h, opts)
	})
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		mountWebhooks(r, h, opts)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(opts.APIToken))

		r.Get("/health", h.Health)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Get("/ws", h.Hub.HandleWS)

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Get("/projects/{id}/protocols", h.ListProtocols)
		r.Post("/projects/{id}/protocols", h.CreateProtocol)

		// Protocol runs
		r.Get("/protocols/{id}", h.GetProtocol)
		r.Get("/protocols/{id}/steps", h.ListSteps)
		r.Post("/protocols/{id}/steps", h.CreateStep)
		r.Get("/protocols/{id}/events", h.ListRunEvents)
		r.Get("/protocols/{id}/spec", h.GetProtocolSpec)

		// Queue observers
		r.Get("/queues", h.QueueStats)
		r.Get("/queues/jobs", h.ListJobs)

		// Actions; retried calls replay through the Idempotency-Key header
		// when a KV bucket is wired.
		r.Group(func(r chi.Router) {
			if opts.IdempotencyKV != nil {
				r.Use(middleware.Idempotency(opts.IdempotencyKV))
			}
			r.Post("/protocols/{id}/actions/start", h.StartProtocol)
			r.Post("/protocols/{id}/actions/pause", h.PauseProtocol)
			r.Post("/protocols/{id}/actions/resume", h.ResumeProtocol)
			r.Post("/protocols/{id}/actions/cancel", h.CancelProtocol)
			r.Post("/protocols/{id}/actions/run-next", h.RunNextStep)
			r.Post("/protocols/{id}/actions/retry-latest", h.RetryLatestStep)
			r.Post("/protocols/{id}/actions/open-pr", h.OpenProtocolPR)
			r.Post("/steps/{id}/actions/run", h.RunStep)
			r.Post("/steps/{id}/actions/run_qa", h.RunStepQA)
			r.Post("/steps/{id}/actions/approve", h.ApproveStep)
		})
	})
}

func mountWebhooks(r chi.Router, h *Handlers, opts Options) {
	r.With(middleware.WebhookHMAC(opts.WebhookToken, middleware.HeaderGitHubSignature)).
		Post("/github", h.HandleGitHubWebhook)
	r.With(middleware.WebhookToken(opts.WebhookToken, middleware.HeaderGitLabToken)).
		Post("/gitlab", h.HandleGitLabWebhook)
}
