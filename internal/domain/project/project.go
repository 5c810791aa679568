// Package project defines the Project domain entity, the identity for a
// source repository that protocols run against.
package project

import (
	"fmt"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
)

// CIProvider identifies the CI/VCS host whose webhooks and PR tooling apply.
type CIProvider string

const (
	CIProviderGitHub CIProvider = "github"
	CIProviderGitLab CIProvider = "gitlab"
	CIProviderNone   CIProvider = ""
)

// Model phases used as keys of DefaultModels.
const (
	PhasePlanning  = "planning"
	PhaseDecompose = "decompose"
	PhaseExec      = "exec"
	PhaseQA        = "qa"
)

// Project identifies a source repository. Projects are created by user
// request and never destroyed; administrative operations may update them.
type Project struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	GitURL        string            `json:"git_url"`
	BaseBranch    string            `json:"base_branch"`
	CIProvider    CIProvider        `json:"ci_provider,omitempty"`
	DefaultModels map[string]string `json:"default_models,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
	// TokenHash holds the bcrypt hash of the per-project API token.
	// Never serialized in API responses.
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultModel returns the project-level default model for a phase,
// or "" when none is configured.
func (p *Project) DefaultModel(phase string) string {
	if p == nil || p.DefaultModels == nil {
		return ""
	}
	return p.DefaultModels[phase]
}

// CreateRequest holds the fields needed to register a new project.
type CreateRequest struct {
	Name          string            `json:"name"`
	GitURL        string            `json:"git_url"`
	BaseBranch    string            `json:"base_branch,omitempty"`
	CIProvider    CIProvider        `json:"ci_provider,omitempty"`
	DefaultModels map[string]string `json:"default_models,omitempty"`
	Secrets       map[string]string `json:"secrets,omitempty"`
}

// validCIProviders enumerates the supported CI providers.
var validCIProviders = map[CIProvider]bool{
	CIProviderGitHub: true,
	CIProviderGitLab: true,
	CIProviderNone:   true,
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if r.GitURL == "" {
		return fmt.Errorf("git_url is required: %w", domain.ErrValidation)
	}
	if !validCIProviders[r.CIProvider] {
		return fmt.Errorf("invalid ci_provider %q: %w", r.CIProvider, domain.ErrValidation)
	}
	return nil
}
