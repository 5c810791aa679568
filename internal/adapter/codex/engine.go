// Package codex implements the engine port by shelling out to the Codex
// CLI. The prompt travels on stdin and the artefact comes back on stdout,
// so the orchestrator never parses engine-internal files.
package codex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/metrics"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/port/engine"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/resilience"
)

const engineID = "codex"

// fallbackModel is used when neither the request nor the configuration
// names a model for the phase.
const fallbackModel = "gpt-5-codex"

// Engine invokes the Codex CLI as a subprocess. A non-zero exit is an
// engine-level failure (Result.Success false, nil error); only subprocess
// errors such as a missing binary or a timeout count against the circuit
// breaker.
type Engine struct {
	command string
	timeout time.Duration
	models  config.Models
	breaker *resilience.Breaker
}

// New creates a codex Engine from configuration. A nil breaker disables
// circuit breaking.
func New(cfg config.Engine, models config.Models, breaker *resilience.Breaker) *Engine {
	command := cfg.Command
	if command == "" {
		command = engineID
	}
	return &Engine{
		command: command,
		timeout: cfg.Timeout,
		models:  models,
		breaker: breaker,
	}
}

// ID returns "codex".
func (e *Engine) ID() string { return engineID }

// Available reports whether the binary is on PATH and the circuit is not
// cooling down after repeated subprocess failures.
func (e *Engine) Available() bool {
	if !e.breaker.Ready() {
		return false
	}
	_, err := exec.LookPath(e.command)
	return err == nil
}

// DefaultModel returns the configured model for a phase, or "" for phases
// the configuration does not know.
func (e *Engine) DefaultModel(phase string) string {
	switch phase {
	case project.PhasePlanning:
		return e.models.Planning
	case project.PhaseDecompose:
		return e.models.Decompose
	case project.PhaseExec:
		return e.models.Exec
	case project.PhaseQA:
		return e.models.QA
	}
	return ""
}

// Plan produces a planning artefact on stdout. Planning runs read-only;
// the planner persists the artefact itself.
func (e *Engine) Plan(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if req.Sandbox == "" {
		req.Sandbox = engine.SandboxReadOnly
	}
	return e.invoke(ctx, project.PhasePlanning, req)
}

// Execute performs one step's work inside the working tree.
func (e *Engine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if req.Sandbox == "" {
		req.Sandbox = engine.SandboxWorkspaceWrite
	}
	return e.invoke(ctx, project.PhaseExec, req)
}

// QA reviews the working tree and renders a verdict document on stdout.
func (e *Engine) QA(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if req.Sandbox == "" {
		req.Sandbox = engine.SandboxReadOnly
	}
	return e.invoke(ctx, project.PhaseQA, req)
}

func (e *Engine) invoke(ctx context.Context, phase string, req engine.Request) (*engine.Result, error) {
	model := req.Model
	if model == "" {
		model = e.DefaultModel(phase)
	}
	if model == "" {
		model = fallbackModel
	}

	args := []string{"-m", model, "--sandbox", req.Sandbox}
	if req.OutputSchema != "" {
		args = append(args, "--output-schema", req.OutputSchema)
	}

	prompt, err := e.prompt(req)
	if err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := time.Now()
	var res *engine.Result
	callErr := e.breaker.Call(func() error {
		r, runErr := e.run(ctx, req, args, prompt)
		res = r
		return runErr
	})
	if callErr != nil {
		metrics.EngineInvocations.WithLabelValues(engineID, "error").Inc()
		if errors.Is(callErr, resilience.ErrOpen) {
			return nil, fmt.Errorf("codex: %w", callErr)
		}
		return nil, callErr
	}

	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["model"] = model
	res.Metadata["duration_ms"] = time.Since(started).Milliseconds()

	if res.Success {
		metrics.EngineInvocations.WithLabelValues(engineID, "ok").Inc()
	} else {
		metrics.EngineInvocations.WithLabelValues(engineID, "failed").Inc()
	}
	return res, nil
}

// run executes the subprocess. A non-zero exit becomes a failed Result so
// the breaker only sees errors for a binary that could not run at all.
func (e *Engine) run(ctx context.Context, req engine.Request, args []string, prompt string) (*engine.Result, error) {
	cmd := exec.CommandContext(ctx, e.command, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("codex: %s: %w", e.command, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &engine.Result{
				Success:  false,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Metadata: map[string]any{"exit_code": exitErr.ExitCode()},
			}, nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = e.command
		}
		return nil, fmt.Errorf("codex: %s: %w", msg, err)
	}

	return &engine.Result{
		Success: true,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}, nil
}

// prompt assembles the stdin payload. Explicit text wins; otherwise the
// prompt files are concatenated in order.
func (e *Engine) prompt(req engine.Request) (string, error) {
	if req.PromptText != "" {
		return req.PromptText, nil
	}
	parts := make([]string, 0, len(req.PromptFiles))
	for _, path := range req.PromptFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("codex: read prompt %s: %w", path, err)
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
