package protocol

import (
	"strings"
	"testing"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
)

func sampleSpec() *Spec {
	return &Spec{
		Steps: []StepSpec{
			{ID: "setup", Name: "00-setup.md", Type: "setup"},
			{ID: "build", Name: "01-build.md", Model: "fast-model"},
			{ID: "verify", Name: "02-verify.md", QA: &QASpec{Policy: QAPolicyFull}},
		},
	}
}

func TestSpecHash_Deterministic(t *testing.T) {
	s := sampleSpec()
	h1, err := s.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := s.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != ShortHashLen {
		t.Fatalf("hash length = %d, want %d", len(h1), ShortHashLen)
	}
	for _, c := range h1 {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("hash %q contains non-hex char %q", h1, c)
		}
	}
}

func TestSpecHash_ChangesOnMutation(t *testing.T) {
	s := sampleSpec()
	before, err := s.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s.Steps[0].Name = "00-renamed.md"
	after, err := s.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if before == after {
		t.Fatalf("hash unchanged after mutating step name")
	}
}

func TestSpecHash_StableAcrossEmbedRoundTrip(t *testing.T) {
	s := sampleSpec()
	want, err := s.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	cfg, err := EmbedSpec(map[string]any{"origin": "test"}, s)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	decoded, err := SpecFromTemplateConfig(cfg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if decoded == nil {
		t.Fatalf("expected spec after round trip")
	}
	got, err := decoded.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if got != want {
		t.Fatalf("hash changed across embed round trip: %q vs %q", got, want)
	}
	if cfg["origin"] != "test" {
		t.Fatalf("embed dropped unrelated template config keys")
	}
}

func TestSpecFromTemplateConfig_Absent(t *testing.T) {
	s, err := SpecFromTemplateConfig(nil)
	if err != nil || s != nil {
		t.Fatalf("nil config: got (%v, %v), want (nil, nil)", s, err)
	}
	s, err = SpecFromTemplateConfig(map[string]any{"other": 1})
	if err != nil || s != nil {
		t.Fatalf("missing key: got (%v, %v), want (nil, nil)", s, err)
	}
}

func TestSpecFromTemplateConfig_Malformed(t *testing.T) {
	_, err := SpecFromTemplateConfig(map[string]any{TemplateConfigKey: "not a spec"})
	if err == nil {
		t.Fatalf("expected error for malformed spec payload")
	}
}

func TestValidateStructure(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{name: "valid", spec: *sampleSpec()},
		{name: "empty steps ok", spec: Spec{}},
		{
			name:    "missing id",
			spec:    Spec{Steps: []StepSpec{{Name: "a.md"}}},
			wantErr: "id is required",
		},
		{
			name:    "missing name",
			spec:    Spec{Steps: []StepSpec{{ID: "a"}}},
			wantErr: "name is required",
		},
		{
			name:    "duplicate id",
			spec:    Spec{Steps: []StepSpec{{ID: "a", Name: "a.md"}, {ID: "a", Name: "b.md"}}},
			wantErr: "duplicate step id",
		},
		{
			name:    "duplicate name",
			spec:    Spec{Steps: []StepSpec{{ID: "a", Name: "a.md"}, {ID: "b", Name: "a.md"}}},
			wantErr: "duplicate step name",
		},
		{
			name:    "bad qa policy",
			spec:    Spec{Steps: []StepSpec{{ID: "a", Name: "a.md", QA: &QASpec{Policy: "sometimes"}}}},
			wantErr: "unknown qa policy",
		},
		{
			name: "self trigger",
			spec: Spec{Steps: []StepSpec{{ID: "a", Name: "a.md", Policies: []policy.Descriptor{
				{Behavior: policy.BehaviorTrigger, TriggerAgentID: "a", TargetAgentID: "a"},
			}}}},
			wantErr: "targets itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.ValidateStructure()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidatePaths(t *testing.T) {
	root := "/work/demo/protocols/0001-demo"
	workspace := "/work/demo"

	tests := []struct {
		name       string
		step       StepSpec
		violations int
	}{
		{
			name: "relative paths inside root",
			step: StepSpec{ID: "a", Name: "a.md", PromptRef: "prompts/a.md", Outputs: &OutputSpec{Protocol: "a-out.md"}},
		},
		{
			name:       "prompt escapes both",
			step:       StepSpec{ID: "a", Name: "a.md", PromptRef: "../../../etc/passwd"},
			violations: 1,
		},
		{
			name:       "output escapes root without flag",
			step:       StepSpec{ID: "a", Name: "a.md", Outputs: &OutputSpec{Protocol: "/work/demo/src/out.md"}},
			violations: 1,
		},
		{
			name: "output escapes root with prefer_workspace",
			step: StepSpec{ID: "a", Name: "a.md", Outputs: &OutputSpec{Protocol: "src/out.md", PreferWorkspace: true}},
		},
		{
			name: "setup step writes to workspace",
			step: StepSpec{ID: "a", Name: "00-setup.md", Type: "setup", Outputs: &OutputSpec{Protocol: "Makefile"}},
		},
		{
			name:       "aux output escapes workspace",
			step:       StepSpec{ID: "a", Name: "a.md", Outputs: &OutputSpec{Aux: map[string]string{"copy": "/tmp/elsewhere.md"}, PreferWorkspace: true}},
			violations: 1,
		},
		{
			name:       "absolute qa prompt outside",
			step:       StepSpec{ID: "a", Name: "a.md", QA: &QASpec{Prompt: "/etc/qa.md"}},
			violations: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Spec{Steps: []StepSpec{tt.step}}
			got := s.Validate(root, workspace)
			if len(got) != tt.violations {
				t.Fatalf("violations = %d (%v), want %d", len(got), got, tt.violations)
			}
		})
	}
}

func TestEffectiveType(t *testing.T) {
	tests := []struct {
		name string
		step StepSpec
		want string
	}{
		{name: "declared", step: StepSpec{Name: "x.md", Type: "qa"}, want: "qa"},
		{name: "inferred setup", step: StepSpec{Name: "00-setup.md"}, want: "setup"},
		{name: "default work", step: StepSpec{Name: "01-build.md"}, want: "work"},
		{name: "unknown declared falls back", step: StepSpec{Name: "01-build.md", Type: "weird"}, want: "work"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.step.EffectiveType(); string(got) != tt.want {
				t.Fatalf("EffectiveType() = %q, want %q", got, tt.want)
			}
		})
	}
}
