package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/postgres"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/redisqueue"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/adapter/sqlite"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/job"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "projects":
		return runAdminProjects(args[1:])
	case "runs":
		return runAdminRuns(args[1:])
	case "project-token":
		return runAdminProjectToken(args[1:])
	case "requeue":
		return runAdminRequeue(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: devpipeline admin <command> [options]

Commands:
  projects        List all projects
  runs            List protocol runs for a project
  project-token   Set a project's API token
  requeue         Return a stuck in-progress job to its queue
  migrate         Apply database migrations and exit
  help            Show this help message

Examples:
  devpipeline admin projects
  devpipeline admin runs --project 1
  devpipeline admin project-token --project 1
  devpipeline admin requeue --job 7c9e6679-7425-40de-944b-e07fc1f90ae7
  devpipeline admin migrate
`)
}

func loadAdminStore() (*config.Config, database.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.Database.Path != "" {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return cfg, sqlite.NewStore(db), func() { _ = db.Close() }, nil
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, postgres.NewStore(pool), pool.Close, nil
}

func runAdminProjects(args []string) error {
	fs := flag.NewFlagSet("projects", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tGIT_URL\tCI\tBASE_BRANCH\tTOKEN")
	for i := range projects {
		hasToken := "no"
		if projects[i].TokenHash != "" {
			hasToken = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			projects[i].ID, projects[i].Name, projects[i].GitURL, projects[i].CIProvider, projects[i].BaseBranch, hasToken)
	}
	return w.Flush()
}

func runAdminRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	projectID := fs.Int64("project", 0, "project id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *projectID <= 0 {
		return fmt.Errorf("--project is required")
	}

	_, store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	runs, err := store.ListProtocolRuns(ctx, *projectID)
	if err != nil {
		return fmt.Errorf("list protocol runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No protocol runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROTOCOL\tSTATUS\tBASE\tCREATED")
	for i := range runs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			runs[i].ID, runs[i].ProtocolName, runs[i].Status, runs[i].BaseBranch,
			runs[i].CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminProjectToken(args []string) error {
	fs := flag.NewFlagSet("project-token", flag.ContinueOnError)
	projectID := fs.Int64("project", 0, "project id (required)")
	token := fs.String("token", "", "token value (prompted if not provided)") //nolint:gosec // CLI flag
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *projectID <= 0 {
		return fmt.Errorf("--project is required")
	}

	newToken := *token
	if newToken == "" {
		var err error
		newToken, err = promptSecret("New token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		confirm, err := promptSecret("Confirm token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if newToken != confirm {
			return fmt.Errorf("tokens do not match")
		}
	}

	_, store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	projects := service.NewProjectService(store)
	if err := projects.SetProjectToken(ctx, *projectID, newToken); err != nil {
		return fmt.Errorf("set project token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token set for project %d\n", *projectID)
	return nil
}

// runAdminRequeue returns a job stranded in_progress by a crashed worker to
// the tail of its queue. Only meaningful against the shared redis queue; the
// in-memory queue dies with its process.
func runAdminRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	jobID := fs.String("job", "", "job id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *jobID == "" {
		return fmt.Errorf("--job is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.RedisURL == "" {
		return fmt.Errorf("requeue requires the redis queue (set PIPELINE_REDIS_URL)")
	}

	ctx := context.Background()
	client, err := redisqueue.NewClient(ctx, cfg.Queue.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = client.Close() }()
	queue := redisqueue.New(client)

	jobs, err := queue.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for i := range jobs {
		if jobs[i].ID != *jobID {
			continue
		}
		if jobs[i].Status != job.StatusInProgress {
			return fmt.Errorf("job %s is %s, only in_progress jobs can be requeued", *jobID, jobs[i].Status)
		}
		if err := queue.Requeue(ctx, &jobs[i], 0); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Job %s returned to queue %s\n", *jobID, jobs[i].Queue)
		return nil
	}
	return fmt.Errorf("job %s not found", *jobID)
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// sqlite applies its schema on open.
	if cfg.Database.Path != "" {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer func() { _ = db.Close() }()
		fmt.Fprintf(os.Stderr, "sqlite schema current at %s\n", cfg.Database.Path)
		return nil
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, err := postgres.MigrationVersion(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Migrations applied, schema version %d\n", version)
	return nil
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
