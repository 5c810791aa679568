package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/database"
)

// defaultBaseBranch is used when a project names no base branch.
const defaultBaseBranch = "main"

// ProjectService administers projects and their per-project API tokens.
type ProjectService struct {
	store database.Store
}

// NewProjectService creates a ProjectService.
func NewProjectService(store database.Store) *ProjectService {
	return &ProjectService{store: store}
}

// CreateProject validates and registers a new project.
func (s *ProjectService) CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.BaseBranch == "" {
		req.BaseBranch = defaultBaseBranch
	}
	return s.store.CreateProject(ctx, req)
}

// GetProject fetches one project.
func (s *ProjectService) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	return s.store.GetProject(ctx, id)
}

// ListProjects lists all projects.
func (s *ProjectService) ListProjects(ctx context.Context) ([]project.Project, error) {
	return s.store.ListProjects(ctx)
}

// SetProjectToken stores the bcrypt hash of a per-project API token. The
// plaintext is never persisted.
func (s *ProjectService) SetProjectToken(ctx context.Context, projectID int64, token string) error {
	if token == "" {
		return fmt.Errorf("token must not be empty: %w", domain.ErrValidation)
	}
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash project token: %w", err)
	}
	p.TokenHash = string(hash)
	return s.store.UpdateProject(ctx, p)
}

// VerifyProjectToken checks a presented token against the project's stored
// hash. Projects without a token configured accept any caller; the global
// bearer token still applies.
func (s *ProjectService) VerifyProjectToken(ctx context.Context, projectID int64, token string) error {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.TokenHash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.TokenHash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return domain.ErrUnauthorized
		}
		return fmt.Errorf("verify project token: %w", err)
	}
	return nil
}
