// Package engine defines the execution engine port and the registry that
// dispatches protocol work to named backends.
package engine

import (
	"context"
	"errors"
)

// Sandbox modes passed through to the engine CLI.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
)

// ErrEngineFailed indicates the engine ran but reported failure (non-zero
// exit or an explicit error result).
var ErrEngineFailed = errors.New("engine execution failed")

// Request describes one engine invocation. The orchestrator treats engines
// as stateless; everything an invocation needs travels in the request.
type Request struct {
	ProjectID     int64    `json:"project_id"`
	ProtocolRunID int64    `json:"protocol_run_id"`
	StepRunID     int64    `json:"step_run_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	WorkingDir    string   `json:"working_dir"`
	PromptFiles   []string `json:"prompt_files,omitempty"`
	PromptText    string   `json:"prompt_text,omitempty"`
	Sandbox       string   `json:"sandbox,omitempty"`
	OutputSchema  string   `json:"output_schema,omitempty"`
	Env           []string `json:"-"`
}

// Result is the uniform outcome of plan, execute, and qa invocations.
type Result struct {
	Success  bool           `json:"success"`
	Stdout   string         `json:"stdout,omitempty"`
	Stderr   string         `json:"stderr,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Engine is the port interface for a pluggable execution backend with the
// plan / execute / qa capability triple.
type Engine interface {
	// ID returns the unique identifier for this engine (e.g. "codex").
	ID() string

	// Plan produces a planning artefact for a protocol.
	Plan(ctx context.Context, req Request) (*Result, error)

	// Execute performs one step's work.
	Execute(ctx context.Context, req Request) (*Result, error)

	// QA reviews a completed step and renders a verdict document.
	QA(ctx context.Context, req Request) (*Result, error)

	// Available reports whether the engine can run right now (binary on
	// PATH, circuit closed). Unavailable engines put the orchestrator on
	// its stub path.
	Available() bool

	// DefaultModel returns the engine's default model for a phase
	// ("planning", "decompose", "exec", "qa"), or "".
	DefaultModel(phase string) string
}
