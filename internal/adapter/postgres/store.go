package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

const projectColumns = "id, name, git_url, base_branch, ci_provider, default_models, secrets, token_hash, created_at, updated_at"

func scanProject(row scannable) (project.Project, error) {
	var (
		p             project.Project
		defaultModels []byte
		secrets       []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.GitURL, &p.BaseBranch, &p.CIProvider,
		&defaultModels, &secrets, &p.TokenHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return project.Project{}, err
	}
	if err := unmarshalInto(defaultModels, &p.DefaultModels); err != nil {
		return project.Project{}, err
	}
	if err := unmarshalInto(secrets, &p.Secrets); err != nil {
		return project.Project{}, err
	}
	return p, nil
}

func (s *Store) CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error) {
	modelsJSON, err := json.Marshal(orEmptyMap(req.DefaultModels))
	if err != nil {
		return nil, fmt.Errorf("marshal default_models: %w", err)
	}
	secretsJSON, err := json.Marshal(orEmptyMap(req.Secrets))
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name, git_url, base_branch, ci_provider, default_models, secrets)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+projectColumns,
		req.Name, req.GitURL, req.BaseBranch, req.CIProvider, modelsJSON, secretsJSON)

	p, err := scanProject(row)
	if err != nil {
		return nil, conflictWrap(err, "create project %s", req.Name)
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)

	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %d", id)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *project.Project) error {
	modelsJSON, err := json.Marshal(orEmptyMap(p.DefaultModels))
	if err != nil {
		return fmt.Errorf("marshal default_models: %w", err)
	}
	secretsJSON, err := json.Marshal(orEmptyMap(p.Secrets))
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE projects
		 SET name = $2, git_url = $3, base_branch = $4, ci_provider = $5,
		     default_models = $6, secrets = $7, token_hash = $8, updated_at = now()
		 WHERE id = $1`,
		p.ID, p.Name, p.GitURL, p.BaseBranch, p.CIProvider, modelsJSON, secretsJSON, p.TokenHash)
	return execExpectOne(tag, err, "update project %d", p.ID)
}

// --- Protocol runs ---

const protocolRunColumns = "id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root, description, template_config, template_source, created_at, updated_at"

func scanProtocolRun(row scannable) (protocol.Run, error) {
	var (
		r              protocol.Run
		templateConfig []byte
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.ProtocolName, &r.Status, &r.BaseBranch,
		&r.WorktreePath, &r.ProtocolRoot, &r.Description, &templateConfig,
		&r.TemplateSource, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return protocol.Run{}, err
	}
	if err := unmarshalInto(templateConfig, &r.TemplateConfig); err != nil {
		return protocol.Run{}, err
	}
	return r, nil
}

func (s *Store) CreateProtocolRun(ctx context.Context, projectID int64, req protocol.CreateRequest) (*protocol.Run, error) {
	configJSON, err := marshalJSON(req.TemplateConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal template_config: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO protocol_runs (project_id, protocol_name, status, base_branch, description, template_config, template_source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+protocolRunColumns,
		projectID, req.ProtocolName, protocol.StatusPending, req.BaseBranch,
		req.Description, configJSON, req.TemplateSource)

	r, err := scanProtocolRun(row)
	if err != nil {
		return nil, fmt.Errorf("create protocol run %s: %w", req.ProtocolName, err)
	}
	return &r, nil
}

func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*protocol.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+protocolRunColumns+` FROM protocol_runs WHERE id = $1`, id)

	r, err := scanProtocolRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get protocol run %d", id)
	}
	return &r, nil
}

func (s *Store) ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+protocolRunColumns+` FROM protocol_runs WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list protocol runs: %w", err)
	}
	defer rows.Close()

	var runs []protocol.Run
	for rows.Next() {
		r, err := scanProtocolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan protocol run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateProtocolStatus(ctx context.Context, id int64, status protocol.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return execExpectOne(tag, err, "update protocol run %d status", id)
}

func (s *Store) UpdateProtocolTemplate(ctx context.Context, id int64, templateConfig map[string]any, templateSource string) error {
	configJSON, err := marshalJSON(templateConfig)
	if err != nil {
		return fmt.Errorf("marshal template_config: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET template_config = $2, template_source = $3, updated_at = now() WHERE id = $1`,
		id, configJSON, templateSource)
	return execExpectOne(tag, err, "update protocol run %d template", id)
}

func (s *Store) UpdateProtocolWorkspace(ctx context.Context, id int64, worktreePath, protocolRoot string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE protocol_runs SET worktree_path = $2, protocol_root = $3, updated_at = now() WHERE id = $1`,
		id, worktreePath, protocolRoot)
	return execExpectOne(tag, err, "update protocol run %d workspace", id)
}

func (s *Store) FindProtocolRunByBranch(ctx context.Context, ref string) (*protocol.Run, error) {
	for _, candidate := range database.BranchCandidates(ref) {
		row := s.pool.QueryRow(ctx,
			`SELECT `+protocolRunColumns+` FROM protocol_runs
			 WHERE protocol_name = $1 OR base_branch = $1
			 ORDER BY id DESC LIMIT 1`, candidate)
		r, err := scanProtocolRun(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("find protocol run by branch %q: %w", candidate, err)
		}
		return &r, nil
	}
	return nil, fmt.Errorf("find protocol run by branch %q: %w", ref, domain.ErrNotFound)
}

// --- Step runs ---

const stepRunColumns = "id, protocol_run_id, step_index, step_name, step_type, status, retries, model, engine_id, policy, runtime_state, summary, created_at, updated_at"

func scanStepRun(row scannable) (step.Run, error) {
	var (
		r            step.Run
		policyJSON   []byte
		runtimeState []byte
	)
	err := row.Scan(&r.ID, &r.ProtocolRunID, &r.StepIndex, &r.StepName, &r.StepType,
		&r.Status, &r.Retries, &r.Model, &r.EngineID, &policyJSON, &runtimeState,
		&r.Summary, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return step.Run{}, err
	}
	if err := unmarshalInto(policyJSON, &r.Policy); err != nil {
		return step.Run{}, err
	}
	if err := unmarshalInto(runtimeState, &r.RuntimeState); err != nil {
		return step.Run{}, err
	}
	return r, nil
}

func (s *Store) CreateStepRun(ctx context.Context, protocolRunID int64, req step.CreateRequest) (*step.Run, error) {
	policyJSON, err := marshalPolicies(req.Policy)
	if err != nil {
		return nil, err
	}
	stateJSON, err := marshalJSON(req.RuntimeState)
	if err != nil {
		return nil, fmt.Errorf("marshal runtime_state: %w", err)
	}

	stepType := req.StepType
	if stepType == "" {
		stepType = step.TypeWork
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, model, engine_id, policy, runtime_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+stepRunColumns,
		protocolRunID, req.StepIndex, req.StepName, stepType, step.StatusPending,
		req.Model, req.EngineID, policyJSON, stateJSON)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, conflictWrap(err, "create step run %s[%d]", req.StepName, req.StepIndex)
	}
	return &r, nil
}

func (s *Store) GetStepRun(ctx context.Context, id int64) (*step.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE id = $1`, id)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get step run %d", id)
	}
	return &r, nil
}

func (s *Store) ListStepRuns(ctx context.Context, protocolRunID int64) ([]step.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE protocol_run_id = $1 ORDER BY step_index`, protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var steps []step.Run
	for rows.Next() {
		r, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		steps = append(steps, r)
	}
	return steps, rows.Err()
}

func (s *Store) LatestStepRun(ctx context.Context, protocolRunID int64) (*step.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs
		 WHERE protocol_run_id = $1 ORDER BY step_index DESC LIMIT 1`, protocolRunID)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest step run for protocol %d", protocolRunID)
	}
	return &r, nil
}

func (s *Store) UpdateStepStatus(ctx context.Context, id int64, status step.Status, opts step.UpdateOptions) error {
	set := []string{"status = $2", "updated_at = now()"}
	args := []any{id, status}

	appendArg := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if opts.Retries != nil {
		appendArg("retries", *opts.Retries)
	}
	if opts.Summary != nil {
		appendArg("summary", *opts.Summary)
	}
	if opts.Model != nil {
		appendArg("model", *opts.Model)
	}
	if opts.EngineID != nil {
		appendArg("engine_id", *opts.EngineID)
	}
	if opts.RuntimeState != nil {
		stateJSON, err := json.Marshal(opts.RuntimeState)
		if err != nil {
			return fmt.Errorf("marshal runtime_state: %w", err)
		}
		appendArg("runtime_state", stateJSON)
	}

	query := "UPDATE step_runs SET " + strings.Join(set, ", ") + " WHERE id = $1"
	tag, err := s.pool.Exec(ctx, query, args...)
	return execExpectOne(tag, err, "update step run %d status", id)
}

// orEmptyMap keeps JSONB map columns NOT NULL by storing {} for nil maps.
func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// marshalPolicies serialises a policy descriptor list, mapping nil to SQL NULL.
func marshalPolicies(descriptors []policy.Descriptor) (any, error) {
	if descriptors == nil {
		return nil, nil
	}
	data, err := json.Marshal(descriptors)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	return data, nil
}
