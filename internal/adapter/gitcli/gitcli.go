// Package gitcli drives repository working trees through the git CLI and
// opens pull requests through the gh and glab collaborator CLIs. All
// subprocesses go through the shared semaphore pool.
package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/git"
)

// Client runs git, gh and glab subprocesses.
type Client struct {
	pool *git.Pool

	// exec runs one subprocess; swapped in tests to capture argv for the
	// collaborator CLIs.
	exec func(ctx context.Context, dir, name string, args ...string) (string, error)
}

// New creates a Client bounded by pool.
func New(pool *git.Pool) *Client {
	return &Client{pool: pool, exec: runCmd}
}

// Available reports whether the git binary is on PATH.
func (c *Client) Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// CloneOrOpen ensures repoDir holds a clone of repoURL. An existing
// repository is refreshed with a best-effort fetch instead of recloned.
func (c *Client) CloneOrOpen(ctx context.Context, repoURL, repoDir string) error {
	absDir, err := filepath.Abs(repoDir)
	if err != nil {
		return fmt.Errorf("gitcli: resolve path: %w", err)
	}

	return c.pool.Run(ctx, func() error {
		if _, statErr := os.Stat(filepath.Join(absDir, ".git")); statErr == nil {
			_, _ = c.exec(ctx, absDir, "git", "fetch", "--prune", "origin")
			return nil
		}
		if _, execErr := c.exec(ctx, "", "git", "clone", repoURL, absDir); execErr != nil {
			return fmt.Errorf("gitcli: clone: %w", execErr)
		}
		return nil
	})
}

// EnsureWorktree ensures a worktree for branch exists at worktreeDir,
// created from baseBranch. Idempotent: an existing worktree is left alone.
func (c *Client) EnsureWorktree(ctx context.Context, repoDir, worktreeDir, branch, baseBranch string) error {
	absDir, err := filepath.Abs(worktreeDir)
	if err != nil {
		return fmt.Errorf("gitcli: resolve path: %w", err)
	}

	return c.pool.Run(ctx, func() error {
		if _, statErr := os.Stat(filepath.Join(absDir, ".git")); statErr == nil {
			return nil
		}
		start := c.resolveStart(ctx, repoDir, baseBranch)
		if _, execErr := c.exec(ctx, repoDir, "git", "worktree", "add", "-B", branch, absDir, start); execErr != nil {
			return fmt.Errorf("gitcli: worktree add: %w", execErr)
		}
		return nil
	})
}

// resolveStart picks the start point for a new worktree branch: the local
// base branch, its remote-tracking counterpart, or HEAD.
func (c *Client) resolveStart(ctx context.Context, repoDir, baseBranch string) string {
	if baseBranch == "" {
		return "HEAD"
	}
	for _, candidate := range []string{baseBranch, "origin/" + baseBranch} {
		if _, err := c.exec(ctx, repoDir, "git", "rev-parse", "--verify", candidate); err == nil {
			return candidate
		}
	}
	return "HEAD"
}

// Push publishes branch from worktreeDir to origin, setting the upstream.
func (c *Client) Push(ctx context.Context, worktreeDir, branch string) error {
	return c.pool.Run(ctx, func() error {
		if _, execErr := c.exec(ctx, worktreeDir, "git", "push", "-u", "origin", branch); execErr != nil {
			return fmt.Errorf("gitcli: push: %w", execErr)
		}
		return nil
	})
}

// OpenPullRequest opens a PR or MR for the already-pushed current branch of
// worktreeDir, targeting baseBranch. Provider selects the collaborator CLI.
// Returns the CLI's stdout, which carries the PR URL.
func (c *Client) OpenPullRequest(ctx context.Context, worktreeDir, provider, title, body, baseBranch string) (string, error) {
	var name string
	var args []string
	switch project.CIProvider(provider) {
	case project.CIProviderGitHub:
		name = "gh"
		args = []string{"pr", "create", "--title", title, "--body", body, "--base", baseBranch}
	case project.CIProviderGitLab:
		name = "glab"
		args = []string{"mr", "create", "--title", title, "--description", body, "--target-branch", baseBranch, "--yes"}
	default:
		return "", fmt.Errorf("gitcli: no pull request CLI for provider %q", provider)
	}

	var out string
	err := c.pool.Run(ctx, func() error {
		stdout, execErr := c.exec(ctx, worktreeDir, name, args...)
		if execErr != nil {
			return fmt.Errorf("gitcli: %s: %w", name, execErr)
		}
		out = stdout
		return nil
	})
	return strings.TrimSpace(out), err
}

func runCmd(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
