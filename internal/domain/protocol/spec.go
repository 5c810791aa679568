package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
)

// TemplateConfigKey is the well-known key under which the protocol spec is
// embedded in a run's template config.
const TemplateConfigKey = "protocol_spec"

// LayoutCodemachine marks the alternate workspace layout; runs using it get a
// default aux output under the workspace's .codemachine directory.
const LayoutCodemachine = "codemachine"

// ShortHashLen is the length of the short-form spec hash (hex chars).
const ShortHashLen = 12

// QA policies.
const (
	QAPolicySkip = "skip"
	QAPolicyFull = "full"
)

// Spec declares the steps, prompts, outputs, QA configuration, and policies
// of a protocol. It is embedded in ProtocolRun.TemplateConfig and content-
// addressed by its hash.
type Spec struct {
	Steps           []StepSpec `json:"steps" yaml:"steps"`
	WorkspaceLayout string     `json:"workspace_layout,omitempty" yaml:"workspace_layout,omitempty"`
}

// StepSpec declares one step of a protocol.
type StepSpec struct {
	ID        string              `json:"id" yaml:"id"`
	Name      string              `json:"name" yaml:"name"`
	Type      string              `json:"type,omitempty" yaml:"type,omitempty"`
	EngineID  string              `json:"engine_id,omitempty" yaml:"engine_id,omitempty"`
	Model     string              `json:"model,omitempty" yaml:"model,omitempty"`
	PromptRef string              `json:"prompt_ref,omitempty" yaml:"prompt_ref,omitempty"`
	Outputs   *OutputSpec         `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	QA        *QASpec             `json:"qa,omitempty" yaml:"qa,omitempty"`
	Policies  []policy.Descriptor `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// OutputSpec declares where a step's artefacts are written.
// PreferWorkspace resolves relative paths against the workspace instead of
// the protocol root and permits outputs that leave the protocol root, as
// long as they stay inside the workspace.
type OutputSpec struct {
	Protocol        string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Aux             map[string]string `json:"aux,omitempty" yaml:"aux,omitempty"`
	PreferWorkspace bool              `json:"prefer_workspace,omitempty" yaml:"prefer_workspace,omitempty"`
}

// QASpec configures the QA gate of a step. An absent QASpec means full QA.
type QASpec struct {
	Policy   string `json:"policy,omitempty" yaml:"policy,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	EngineID string `json:"engine_id,omitempty" yaml:"engine_id,omitempty"`
	Prompt   string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// EffectiveType returns the declared step type, inferring setup from the
// step name when absent.
func (s *StepSpec) EffectiveType() step.Type {
	switch step.Type(s.Type) {
	case step.TypeSetup, step.TypeWork, step.TypeQA:
		return step.Type(s.Type)
	}
	if strings.Contains(strings.ToLower(s.Name), "setup") {
		return step.TypeSetup
	}
	return step.TypeWork
}

// QAPolicy returns the effective QA policy for the step ("skip" or "full").
func (s *StepSpec) QAPolicy() string {
	if s.QA != nil && s.QA.Policy == QAPolicySkip {
		return QAPolicySkip
	}
	return QAPolicyFull
}

// FindStep returns the spec entry whose name matches, or nil.
func (s *Spec) FindStep(name string) *StepSpec {
	if s == nil {
		return nil
	}
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// FindStepByID returns the spec entry whose id matches, or nil.
func (s *Spec) FindStepByID(id string) *StepSpec {
	if s == nil || id == "" {
		return nil
	}
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// canonicalJSON serialises v deterministically: one marshal to normalise
// struct fields into JSON, a round-trip through untyped maps so keys sort,
// and a final marshal.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// Hash returns the content-addressed identifier of the spec: the first
// ShortHashLen hex chars of the SHA-256 of its canonical JSON serialisation.
func (s *Spec) Hash() (string, error) {
	canonical, err := canonicalJSON(s)
	if err != nil {
		return "", fmt.Errorf("canonicalise spec: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:ShortHashLen], nil
}

// HashOrEmpty returns the spec hash, or "" for a nil or unhashable spec.
func (s *Spec) HashOrEmpty() string {
	if s == nil {
		return ""
	}
	h, err := s.Hash()
	if err != nil {
		return ""
	}
	return h
}

// SpecFromTemplateConfig extracts the spec stored under TemplateConfigKey.
// Returns (nil, nil) when no spec is embedded. Malformed content returns an
// error rather than panicking; callers decide whether to tolerate it.
func SpecFromTemplateConfig(cfg map[string]any) (*Spec, error) {
	if cfg == nil {
		return nil, nil
	}
	raw, ok := cfg[TemplateConfigKey]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal embedded spec: %w", err)
	}
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode embedded spec: %w", err)
	}
	return &s, nil
}

// EmbedSpec returns a copy of cfg with the spec stored under
// TemplateConfigKey as a plain map, keeping the store layer schema-agnostic.
func EmbedSpec(cfg map[string]any, s *Spec) (map[string]any, error) {
	out := make(map[string]any, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("normalise spec: %w", err)
	}
	out[TemplateConfigKey] = plain
	return out, nil
}

// ValidateStructure checks the spec's internal consistency: required ids and
// names, no duplicates, known QA policies, well-formed policy descriptors.
func (s *Spec) ValidateStructure() error {
	seenIDs := make(map[string]bool, len(s.Steps))
	seenNames := make(map[string]bool, len(s.Steps))
	for i, st := range s.Steps {
		if st.ID == "" {
			return fmt.Errorf("step %d: id is required: %w", i, domain.ErrValidation)
		}
		if st.Name == "" {
			return fmt.Errorf("step %d (%s): name is required: %w", i, st.ID, domain.ErrValidation)
		}
		if seenIDs[st.ID] {
			return fmt.Errorf("duplicate step id %q: %w", st.ID, domain.ErrValidation)
		}
		if seenNames[st.Name] {
			return fmt.Errorf("duplicate step name %q: %w", st.Name, domain.ErrValidation)
		}
		seenIDs[st.ID] = true
		seenNames[st.Name] = true
		if st.QA != nil && st.QA.Policy != "" && st.QA.Policy != QAPolicySkip && st.QA.Policy != QAPolicyFull {
			return fmt.Errorf("step %q: unknown qa policy %q: %w", st.ID, st.QA.Policy, domain.ErrValidation)
		}
		for j, d := range st.Policies {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("step %q policy %d: %w", st.ID, j, err)
			}
		}
	}
	return nil
}

// Violation records one step path that failed spec validation.
type Violation struct {
	StepID string `json:"step_id"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("step %s: %s: %s", v.StepID, v.Path, v.Detail)
}

// Validate checks every referenced prompt and output path against the
// protocol root and workspace, returning one violation per offending path.
// An empty result means the spec is valid for that filesystem layout.
func (s *Spec) Validate(protocolRoot, workspace string) []Violation {
	var out []Violation
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.PromptRef != "" && !withinEither(st.PromptRef, protocolRoot, workspace) {
			out = append(out, Violation{StepID: st.ID, Path: st.PromptRef, Detail: "prompt_ref escapes protocol_root and workspace"})
		}
		if st.QA != nil && st.QA.Prompt != "" && !withinEither(st.QA.Prompt, protocolRoot, workspace) {
			out = append(out, Violation{StepID: st.ID, Path: st.QA.Prompt, Detail: "qa prompt escapes protocol_root and workspace"})
		}
		out = append(out, validateOutputs(st, protocolRoot, workspace)...)
	}
	return out
}

func validateOutputs(st *StepSpec, protocolRoot, workspace string) []Violation {
	if st.Outputs == nil {
		return nil
	}
	var out []Violation
	check := func(p string) {
		if p == "" {
			return
		}
		base := protocolRoot
		if st.Outputs.PreferWorkspace || st.EffectiveType() == step.TypeSetup {
			base = workspace
		}
		resolved, ok := resolveWithin(base, p, workspace)
		if !ok {
			out = append(out, Violation{StepID: st.ID, Path: p, Detail: "output escapes protocol_root and workspace"})
			return
		}
		if !within(protocolRoot, resolved) && !st.Outputs.PreferWorkspace && st.EffectiveType() != step.TypeSetup {
			out = append(out, Violation{StepID: st.ID, Path: p, Detail: "output escapes protocol_root; set outputs.prefer_workspace"})
		}
	}
	check(st.Outputs.Protocol)
	for _, p := range st.Outputs.Aux {
		check(p)
	}
	return out
}

// resolveWithin resolves p against base and reports whether the result stays
// inside base or the workspace.
func resolveWithin(base, p, workspace string) (string, bool) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, p)
	}
	abs = filepath.Clean(abs)
	if within(base, abs) || within(workspace, abs) {
		return abs, true
	}
	return abs, false
}

func withinEither(p, protocolRoot, workspace string) bool {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(protocolRoot, p)
	}
	abs = filepath.Clean(abs)
	if within(protocolRoot, abs) || within(workspace, abs) {
		return true
	}
	// Relative refs fall back to workspace resolution.
	if !filepath.IsAbs(p) {
		return within(workspace, filepath.Clean(filepath.Join(workspace, p)))
	}
	return false
}

func within(base, p string) bool {
	if base == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(base), p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
