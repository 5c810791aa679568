package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
)

// Store implements database.Store on an embedded SQLite file. Inserts echo
// the persisted row by re-reading it, keeping parity with the PostgreSQL
// adapter's RETURNING behaviour.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Projects ---

const projectColumns = "id, name, git_url, base_branch, ci_provider, default_models, secrets, token_hash, created_at, updated_at"

func scanProject(row scannable) (project.Project, error) {
	var (
		p                    project.Project
		defaultModels        []byte
		secrets              []byte
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.GitURL, &p.BaseBranch, &p.CIProvider,
		&defaultModels, &secrets, &p.TokenHash, &createdAt, &updatedAt)
	if err != nil {
		return project.Project{}, err
	}
	if err := unmarshalInto(defaultModels, &p.DefaultModels); err != nil {
		return project.Project{}, err
	}
	if err := unmarshalInto(secrets, &p.Secrets); err != nil {
		return project.Project{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return project.Project{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
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

	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, git_url, base_branch, ci_provider, default_models, secrets, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Name, req.GitURL, req.BaseBranch, req.CIProvider,
		string(modelsJSON), string(secretsJSON), now, now)
	if err != nil {
		return nil, conflictWrap(err, "create project %s", req.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create project %s: %w", req.Name, err)
	}
	return s.GetProject(ctx, id)
}

func (s *Store) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)

	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %d", id)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx,
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

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects
		 SET name = ?, git_url = ?, base_branch = ?, ci_provider = ?,
		     default_models = ?, secrets = ?, token_hash = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.GitURL, p.BaseBranch, p.CIProvider,
		string(modelsJSON), string(secretsJSON), p.TokenHash, nowUTC(), p.ID)
	return execExpectOne(res, err, "update project %d", p.ID)
}

// --- Protocol runs ---

const protocolRunColumns = "id, project_id, protocol_name, status, base_branch, worktree_path, protocol_root, description, template_config, template_source, created_at, updated_at"

func scanProtocolRun(row scannable) (protocol.Run, error) {
	var (
		r                    protocol.Run
		templateConfig       []byte
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.ProtocolName, &r.Status, &r.BaseBranch,
		&r.WorktreePath, &r.ProtocolRoot, &r.Description, &templateConfig,
		&r.TemplateSource, &createdAt, &updatedAt)
	if err != nil {
		return protocol.Run{}, err
	}
	if err := unmarshalInto(templateConfig, &r.TemplateConfig); err != nil {
		return protocol.Run{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return protocol.Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return protocol.Run{}, err
	}
	return r, nil
}

func (s *Store) CreateProtocolRun(ctx context.Context, projectID int64, req protocol.CreateRequest) (*protocol.Run, error) {
	configJSON, err := marshalJSON(req.TemplateConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal template_config: %w", err)
	}

	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO protocol_runs (project_id, protocol_name, status, base_branch, description, template_config, template_source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, req.ProtocolName, protocol.StatusPending, req.BaseBranch,
		req.Description, configJSON, req.TemplateSource, now, now)
	if err != nil {
		return nil, fmt.Errorf("create protocol run %s: %w", req.ProtocolName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create protocol run %s: %w", req.ProtocolName, err)
	}
	return s.GetProtocolRun(ctx, id)
}

func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*protocol.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+protocolRunColumns+` FROM protocol_runs WHERE id = ?`, id)

	r, err := scanProtocolRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get protocol run %d", id)
	}
	return &r, nil
}

func (s *Store) ListProtocolRuns(ctx context.Context, projectID int64) ([]protocol.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+protocolRunColumns+` FROM protocol_runs WHERE project_id = ? ORDER BY created_at DESC`, projectID)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE protocol_runs SET status = ?, updated_at = ? WHERE id = ?`, status, nowUTC(), id)
	return execExpectOne(res, err, "update protocol run %d status", id)
}

func (s *Store) UpdateProtocolTemplate(ctx context.Context, id int64, templateConfig map[string]any, templateSource string) error {
	configJSON, err := marshalJSON(templateConfig)
	if err != nil {
		return fmt.Errorf("marshal template_config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE protocol_runs SET template_config = ?, template_source = ?, updated_at = ? WHERE id = ?`,
		configJSON, templateSource, nowUTC(), id)
	return execExpectOne(res, err, "update protocol run %d template", id)
}

func (s *Store) UpdateProtocolWorkspace(ctx context.Context, id int64, worktreePath, protocolRoot string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE protocol_runs SET worktree_path = ?, protocol_root = ?, updated_at = ? WHERE id = ?`,
		worktreePath, protocolRoot, nowUTC(), id)
	return execExpectOne(res, err, "update protocol run %d workspace", id)
}

func (s *Store) FindProtocolRunByBranch(ctx context.Context, ref string) (*protocol.Run, error) {
	for _, candidate := range database.BranchCandidates(ref) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+protocolRunColumns+` FROM protocol_runs
			 WHERE protocol_name = ? OR base_branch = ?
			 ORDER BY id DESC LIMIT 1`, candidate, candidate)
		r, err := scanProtocolRun(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
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
		r                    step.Run
		policyJSON           []byte
		runtimeState         []byte
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.ProtocolRunID, &r.StepIndex, &r.StepName, &r.StepType,
		&r.Status, &r.Retries, &r.Model, &r.EngineID, &policyJSON, &runtimeState,
		&r.Summary, &createdAt, &updatedAt)
	if err != nil {
		return step.Run{}, err
	}
	if err := unmarshalInto(policyJSON, &r.Policy); err != nil {
		return step.Run{}, err
	}
	if err := unmarshalInto(runtimeState, &r.RuntimeState); err != nil {
		return step.Run{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return step.Run{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
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

	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_runs (protocol_run_id, step_index, step_name, step_type, status, model, engine_id, policy, runtime_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		protocolRunID, req.StepIndex, req.StepName, stepType, step.StatusPending,
		req.Model, req.EngineID, policyJSON, stateJSON, now, now)
	if err != nil {
		return nil, conflictWrap(err, "create step run %s[%d]", req.StepName, req.StepIndex)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create step run %s[%d]: %w", req.StepName, req.StepIndex, err)
	}
	return s.GetStepRun(ctx, id)
}

func (s *Store) GetStepRun(ctx context.Context, id int64) (*step.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE id = ?`, id)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get step run %d", id)
	}
	return &r, nil
}

func (s *Store) ListStepRuns(ctx context.Context, protocolRunID int64) ([]step.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE protocol_run_id = ? ORDER BY step_index`, protocolRunID)
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs
		 WHERE protocol_run_id = ? ORDER BY step_index DESC LIMIT 1`, protocolRunID)

	r, err := scanStepRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest step run for protocol %d", protocolRunID)
	}
	return &r, nil
}

func (s *Store) UpdateStepStatus(ctx context.Context, id int64, status step.Status, opts step.UpdateOptions) error {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{status, nowUTC()}

	if opts.Retries != nil {
		set = append(set, "retries = ?")
		args = append(args, *opts.Retries)
	}
	if opts.Summary != nil {
		set = append(set, "summary = ?")
		args = append(args, *opts.Summary)
	}
	if opts.Model != nil {
		set = append(set, "model = ?")
		args = append(args, *opts.Model)
	}
	if opts.EngineID != nil {
		set = append(set, "engine_id = ?")
		args = append(args, *opts.EngineID)
	}
	if opts.RuntimeState != nil {
		stateJSON, err := json.Marshal(opts.RuntimeState)
		if err != nil {
			return fmt.Errorf("marshal runtime_state: %w", err)
		}
		set = append(set, "runtime_state = ?")
		args = append(args, string(stateJSON))
	}
	args = append(args, id)

	query := "UPDATE step_runs SET " + strings.Join(set, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	return execExpectOne(res, err, "update step run %d status", id)
}

// orEmptyMap keeps JSON map columns NOT NULL by storing {} for nil maps.
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
	return string(data), nil
}
