package protocol

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "pending to planning", from: StatusPending, to: StatusPlanning, want: true},
		{name: "planning to planned", from: StatusPlanning, to: StatusPlanned, want: true},
		{name: "planned to running", from: StatusPlanned, to: StatusRunning, want: true},
		{name: "running to blocked", from: StatusRunning, to: StatusBlocked, want: true},
		{name: "blocked recovers to running", from: StatusBlocked, to: StatusRunning, want: true},
		{name: "blocked to completed", from: StatusBlocked, to: StatusCompleted, want: true},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted, want: true},
		{name: "same status idempotent", from: StatusRunning, to: StatusRunning, want: true},
		{name: "no regression to planned", from: StatusRunning, to: StatusPlanned, want: false},
		{name: "no regression to pending", from: StatusPlanned, to: StatusPending, want: false},
		{name: "completed is terminal", from: StatusCompleted, to: StatusRunning, want: false},
		{name: "failed is terminal", from: StatusFailed, to: StatusRunning, want: false},
		{name: "cancelled is terminal", from: StatusCancelled, to: StatusPending, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	active := []Status{StatusPending, StatusPlanning, StatusPlanned, StatusRunning, StatusBlocked}
	for _, s := range active {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestCreateRequestValidate(t *testing.T) {
	req := CreateRequest{}
	if err := req.Validate(); err == nil {
		t.Fatalf("expected error for missing protocol_name")
	}
	req.ProtocolName = "0001-demo"
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
