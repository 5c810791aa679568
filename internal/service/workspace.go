package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/config"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/project"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/protocol"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
)

// GitClient is the slice of the git CLI adapter the services use. Tests
// substitute fakes; production wiring passes *gitcli.Client.
type GitClient interface {
	Available() bool
	CloneOrOpen(ctx context.Context, repoURL, repoDir string) error
	EnsureWorktree(ctx context.Context, repoDir, worktreeDir, branch, baseBranch string) error
	Push(ctx context.Context, worktreeDir, branch string) error
	OpenPullRequest(ctx context.Context, worktreeDir, provider, title, body, baseBranch string) (string, error)
}

// outputPrimary labels the main output of a step in a resolved output map.
const outputPrimary = "protocol"

// auxCodemachine is the default aux output label added for runs using the
// alternate workspace layout.
const auxCodemachine = "codemachine"

// worktreePath returns the working tree recorded on the run, or the
// conventional location under the workspace root.
func worktreePath(cfg config.Workspace, run *protocol.Run) string {
	if run.WorktreePath != "" {
		return run.WorktreePath
	}
	return filepath.Join(cfg.Root, fmt.Sprintf("run-%d", run.ID))
}

// protocolRootPath returns the protocol root recorded on the run, or the
// conventional protocols/<name> directory inside the worktree.
func protocolRootPath(run *protocol.Run, worktree string) string {
	if run.ProtocolRoot != "" {
		return run.ProtocolRoot
	}
	return filepath.Join(worktree, "protocols", run.ProtocolName)
}

// baseRepoPath returns the shared clone the run's worktrees are created
// from. One clone per project; worktrees branch off it.
func baseRepoPath(cfg config.Workspace, projectID int64) string {
	return filepath.Join(cfg.Root, "repos", fmt.Sprintf("project-%d", projectID))
}

// resolvePromptPath picks the prompt file for a step: the spec's prompt_ref
// resolved against the protocol root (falling back to the workspace when the
// root copy does not exist), or the legacy {protocol_root}/{step_name}
// default.
func resolvePromptPath(specStep *protocol.StepSpec, stepName, protoRoot, worktree string) string {
	if specStep == nil || specStep.PromptRef == "" {
		return filepath.Join(protoRoot, stepName)
	}
	ref := specStep.PromptRef
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	inRoot := filepath.Join(protoRoot, ref)
	if _, err := os.Stat(inRoot); err == nil {
		return inRoot
	}
	inWorkspace := filepath.Join(worktree, ref)
	if _, err := os.Stat(inWorkspace); err == nil {
		return inWorkspace
	}
	return inRoot
}

// resolveOutputs builds the label → path map a step's engine output is
// written to. The primary path defaults to {protocol_root}/{step_name}; runs
// on the codemachine layout additionally get an aux copy under the
// workspace's .codemachine directory. Spec-declared outputs override the
// defaults and resolve against the protocol root, or the workspace for
// setup steps and outputs marked prefer_workspace.
func resolveOutputs(specStep *protocol.StepSpec, stepName, protoRoot, worktree, layout string) map[string]string {
	out := map[string]string{
		outputPrimary: filepath.Join(protoRoot, stepName),
	}
	if layout == protocol.LayoutCodemachine {
		out[auxCodemachine] = filepath.Join(worktree, ".codemachine", stepName)
	}
	if specStep == nil || specStep.Outputs == nil {
		return out
	}

	base := protoRoot
	if specStep.Outputs.PreferWorkspace || specStep.EffectiveType() == step.TypeSetup {
		base = worktree
	}
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(base, p)
	}

	if specStep.Outputs.Protocol != "" {
		out[outputPrimary] = resolve(specStep.Outputs.Protocol)
	}
	for label, p := range specStep.Outputs.Aux {
		if p == "" {
			continue
		}
		out[label] = resolve(p)
	}
	return out
}

// promptFingerprint returns the short content hash used as a prompt version
// marker in event metadata.
func promptFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:protocol.ShortHashLen]
}

// tokenEstimate approximates the token count of a prompt as ceil(len/4).
func tokenEstimate(prompt string) int {
	return (len(prompt) + 3) / 4
}

// secretEnv renders a project's secrets as KEY=value pairs for the engine
// subprocess, in stable order.
func secretEnv(p *project.Project) []string {
	if len(p.Secrets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(p.Secrets))
	for k := range p.Secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Secrets[k])
	}
	return env
}

// secretValues lists the secret values to scrub from journaled output.
func secretValues(p *project.Project) []string {
	if len(p.Secrets) == 0 {
		return nil
	}
	vals := make([]string, 0, len(p.Secrets))
	for _, v := range p.Secrets {
		vals = append(vals, v)
	}
	return vals
}

// dirExists reports whether path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// summarize trims s to a journal-friendly summary.
func summarize(s string) string {
	const maxLen = 240
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > maxLen {
		return string(r[:maxLen])
	}
	return s
}
