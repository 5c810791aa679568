package protocol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/step"
)

var (
	ErrTemplateNameRequired = errors.New("template name is required")
	ErrTemplateNoSteps      = errors.New("template must declare at least one step")
	ErrTriggerUnknownStep   = errors.New("trigger references an unknown step id")
	ErrTriggerCycle         = errors.New("trigger graph contains a cycle without a loop bound")
)

// Template is a reusable protocol definition loaded from YAML. Instantiating
// a template seeds a run's protocol spec without calling the planning engine.
type Template struct {
	Name            string     `json:"name" yaml:"name"`
	Description     string     `json:"description,omitempty" yaml:"description,omitempty"`
	WorkspaceLayout string     `json:"workspace_layout,omitempty" yaml:"workspace_layout,omitempty"`
	Steps           []StepSpec `json:"steps" yaml:"steps"`
}

// Spec materialises the template into a protocol spec.
func (t *Template) Spec() *Spec {
	steps := make([]StepSpec, len(t.Steps))
	copy(steps, t.Steps)
	return &Spec{Steps: steps, WorkspaceLayout: t.WorkspaceLayout}
}

// Validate checks the template for structural correctness, including the
// trigger graph bound.
func (t *Template) Validate() error {
	if t.Name == "" {
		return ErrTemplateNameRequired
	}
	if len(t.Steps) == 0 {
		return ErrTemplateNoSteps
	}
	s := t.Spec()
	if err := s.ValidateStructure(); err != nil {
		return err
	}
	return ValidateTriggerGraph(s)
}

// ValidateTriggerGraph checks the spec's trigger edges with Kahn's algorithm.
// Steps stranded on a trigger cycle are rejected unless at least one of them
// carries a loop policy with a positive iteration bound; unbounded trigger
// cycles would otherwise recurse until the inline-depth cap fires on every
// run.
func ValidateTriggerGraph(s *Spec) error {
	n := len(s.Steps)
	index := make(map[string]int, n)
	for i := range s.Steps {
		index[s.Steps[i].ID] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i := range s.Steps {
		for _, d := range s.Steps[i].Policies {
			if d.Behavior != policy.BehaviorTrigger {
				continue
			}
			src, ok := index[d.TriggerAgentID]
			if !ok {
				return fmt.Errorf("policy on step %q: trigger_agent_id %q: %w", s.Steps[i].ID, d.TriggerAgentID, ErrTriggerUnknownStep)
			}
			tgt, ok := index[d.TargetAgentID]
			if !ok {
				return fmt.Errorf("policy on step %q: target_agent_id %q: %w", s.Steps[i].ID, d.TargetAgentID, ErrTriggerUnknownStep)
			}
			adj[src] = append(adj[src], tgt)
			inDegree[tgt]++
		}
	}

	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	seen := make([]bool, n)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		seen[node] = true
		for _, neighbor := range adj[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if visited == n {
		return nil
	}
	for i := range s.Steps {
		if seen[i] {
			continue
		}
		for _, d := range s.Steps[i].Policies {
			if d.Behavior == policy.BehaviorLoop && d.MaxIterations > 0 {
				return nil
			}
		}
	}
	return ErrTriggerCycle
}

// LoadTemplates reads every *.yaml / *.yml template in dir, keyed by name.
// A missing dir yields only the builtins.
func LoadTemplates(dir string) (map[string]*Template, error) {
	out := make(map[string]*Template)
	for _, t := range BuiltinTemplates() {
		out[t.Name] = t
	}
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read templates dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", entry.Name(), err)
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		out[t.Name] = &t
	}
	return out, nil
}

// BuiltinTemplates returns the templates shipped with the binary.
func BuiltinTemplates() []*Template {
	return []*Template{
		{
			Name:        "feature",
			Description: "Setup, implement, and verify a single feature branch.",
			Steps: []StepSpec{
				{ID: "setup", Name: "00-setup.md", Type: string(step.TypeSetup), QA: &QASpec{Policy: QAPolicySkip}},
				{ID: "implement", Name: "01-implement.md"},
				{ID: "verify", Name: "02-verify.md", QA: &QASpec{Policy: QAPolicyFull}},
			},
		},
	}
}
