package step

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/policy"
)

func TestRuntimeCounters(t *testing.T) {
	tests := []struct {
		name  string
		state map[string]any
		want  int
	}{
		{name: "nil state", state: nil, want: 0},
		{name: "int", state: map[string]any{RuntimeKeyLoopIterations: 2}, want: 2},
		{name: "float64 from json", state: map[string]any{RuntimeKeyLoopIterations: float64(3)}, want: 3},
		{name: "json number", state: map[string]any{RuntimeKeyLoopIterations: json.Number("4")}, want: 4},
		{name: "garbage", state: map[string]any{RuntimeKeyLoopIterations: "soon"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Run{RuntimeState: tt.state}
			if got := r.LoopIterations(); got != tt.want {
				t.Fatalf("LoopIterations() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInlineDepth(t *testing.T) {
	r := Run{RuntimeState: map[string]any{RuntimeKeyInlineDepth: float64(2)}}
	if got := r.InlineDepth(); got != 2 {
		t.Fatalf("InlineDepth() = %d, want 2", got)
	}
}

func TestStatusSets(t *testing.T) {
	if !StatusCompleted.TerminalSuccess() || !StatusCancelled.TerminalSuccess() {
		t.Fatalf("completed and cancelled must count as terminal success")
	}
	if StatusFailed.TerminalSuccess() {
		t.Fatalf("failed must not count as terminal success")
	}
	if !StatusFailed.IsTerminal() {
		t.Fatalf("failed is terminal")
	}
	if StatusNeedsQA.IsTerminal() {
		t.Fatalf("needs_qa is not terminal")
	}
}

func TestCreateRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr string
	}{
		{name: "valid", req: CreateRequest{StepIndex: 0, StepName: "00-setup.md", StepType: TypeSetup}},
		{name: "missing name", req: CreateRequest{StepIndex: 0}, wantErr: "step_name is required"},
		{name: "negative index", req: CreateRequest{StepIndex: -1, StepName: "x"}, wantErr: "step_index"},
		{name: "bad type", req: CreateRequest{StepIndex: 0, StepName: "x", StepType: "cleanup"}, wantErr: "invalid step_type"},
		{
			name: "bad policy",
			req: CreateRequest{StepIndex: 0, StepName: "x", Policy: []policy.Descriptor{
				{Behavior: "nope"},
			}},
			wantErr: "unknown policy behavior",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
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
