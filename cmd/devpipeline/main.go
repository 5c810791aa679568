// Command devpipeline runs the AI development pipeline orchestrator.
//
//	devpipeline serve    HTTP API plus embedded job workers (default)
//	devpipeline worker   job workers only, no HTTP listener
//	devpipeline admin    operational subcommands, see `devpipeline admin help`
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/codex"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/gitcli"
	api "github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/http"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/memqueue"
	pipenats "github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/nats"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/natskv"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/otel"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/postgres"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/redisqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/ristretto"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/sqlite"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/ws"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/git"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/logger"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/broadcast"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/cache"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/jobqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/resilience"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/secrets"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/service"
)

const serviceName = "devpipeline"

// JetStream KV buckets shared across orchestrator nodes.
const (
	idempotencyBucket = "pipeline-idempotency"
	idempotencyTTL    = 24 * time.Hour
	specCacheBucket   = "pipeline-spec-cache"
)

func main() {
	// Bootstrap logger until the configured one takes over in run.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	args := os.Args[1:]
	mode := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}

	var err error
	switch mode {
	case "serve":
		err = run(true)
	case "worker":
		err = run(false)
	case "admin":
		err = runAdmin(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		printUsage()
		err = fmt.Errorf("unknown command: %s", mode)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: devpipeline [command]

Commands:
  serve    Run the HTTP API with embedded job workers (default)
  worker   Run job workers without the HTTP listener
  admin    Operational subcommands (devpipeline admin help)
`)
}

// run boots the orchestrator. With serveHTTP false only the worker pool
// runs, so job execution can scale separately from the API.
func run(serveHTTP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Log)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"env", cfg.Env,
		"addr", cfg.HTTP.Addr,
		"workers", cfg.Worker.Count,
		"engine", cfg.Engine.Command,
		"budget_mode", cfg.Budget.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credentials: the config file seeds the tokens, the environment wins,
	// and SIGHUP re-reads both so rotation needs no restart.
	vault, err := secrets.New(secrets.Layered(
		secrets.Static(map[string]string{
			secrets.KeyAPIToken:     cfg.HTTP.APIToken,
			secrets.KeyWebhookToken: cfg.Webhook.Token,
		}),
		secrets.FromEnv(secrets.KeyAPIToken, secrets.KeyWebhookToken),
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := vault.Reload(); err != nil {
				slog.Error("credential reload failed", "error", err)
				continue
			}
			slog.Info("credentials reloaded", "keys", vault.Keys())
		}
	}()

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := otel.InitTracer(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	// --- Storage ---
	var store database.Store
	if cfg.Database.Path != "" {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer func() { _ = db.Close() }()
		store = sqlite.NewStore(db)
		slog.Info("sqlite opened", "path", cfg.Database.Path)
	} else {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
		store = postgres.NewStore(pool)
	}

	// --- Job queue ---
	var queue jobqueue.Queue
	if cfg.Queue.RedisURL != "" {
		client, err := redisqueue.NewClient(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		queue = redisqueue.New(client)
		slog.Info("redis queue connected")
	} else {
		queue = memqueue.New()
		slog.Warn("using in-memory queue; jobs do not survive restarts")
	}

	// --- Event fan-out and caches ---
	hub := ws.NewHub()
	broadcasters := broadcast.Multi{hub}

	// With NATS the spec cache lives in a shared KV bucket so invalidation
	// reaches every node; standalone deployments cache in-process.
	var specBackend cache.Cache
	var idemKV jetstream.KeyValue
	if cfg.NATS.URL != "" {
		pub, err := pipenats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = pub.Close() }()
		broadcasters = append(broadcasters, pub)

		idemKV, err = pub.KeyValue(ctx, idempotencyBucket, idempotencyTTL)
		if err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
		specKV, err := pub.KeyValue(ctx, specCacheBucket, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("spec cache bucket: %w", err)
		}
		specBackend = natskv.New(specKV)
	} else {
		c, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		specBackend = c
	}

	// --- Services ---
	journal := service.NewJournal(store, broadcasters)
	specs := service.NewSpecCache(specBackend, cfg.Cache.TTL)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	registry := engine.NewRegistry()
	if err := registry.Register(codex.New(cfg.Engine, cfg.Models, breaker)); err != nil {
		return fmt.Errorf("engine registry: %w", err)
	}

	gitPool := git.NewPool(cfg.Workspace.GitConcurrency)
	gitClient := gitcli.New(gitPool)

	projects := service.NewProjectService(store)
	protocols := service.NewProtocolService(store, queue, journal, specs, cfg.Queue.Name)
	policies := service.NewPolicyRuntime(store, journal)
	executor := service.NewExecutor(store, queue, registry, journal, specs, policies, *cfg)
	qa := service.NewQAGate(store, registry, journal, specs, policies, protocols, *cfg)
	executor.SetQAGate(qa)
	qa.SetExecutor(executor)
	planner := service.NewPlanner(store, registry, journal, specs, gitClient, protocols, *cfg)
	webhooks := service.NewWebhookService(store, journal)

	g, gctx := errgroup.WithContext(ctx)

	// --- HTTP ---
	if serveHTTP {
		handlers := &api.Handlers{
			Store:     store,
			Queue:     queue,
			Projects:  projects,
			Protocols: protocols,
			Webhooks:  webhooks,
			Hub:       hub,
		}

		traceName := ""
		if cfg.Telemetry.OTLPEndpoint != "" {
			traceName = serviceName
		}

		r := chi.NewRouter()
		r.Use(chimw.RealIP)
		r.Use(chimw.Recoverer)
		api.MountRoutes(r, handlers, api.Options{
			APIToken:      vault.Getter(secrets.KeyAPIToken),
			WebhookToken:  vault.Getter(secrets.KeyWebhookToken),
			ServiceName:   traceName,
			IdempotencyKV: idemKV,
		})

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		g.Go(func() error {
			slog.Info("starting server", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// --- Workers ---
	wk := service.NewWorker(store, queue, journal, planner, executor, qa, gitClient, *cfg)
	for i := 0; i < cfg.Worker.Count; i++ {
		g.Go(func() error { return wk.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
