package models

import (
	"errors"
	"testing"
)

func TestTaskStateValid(t *testing.T) {
	valid := []TaskState{TaskStateQueued, TaskStateRunning, TaskStateCompleted, TaskStateFailed, TaskStateCancelled}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if TaskState("bogus").Valid() {
		t.Error("expected bogus state to be invalid")
	}
}

func TestTaskStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from TaskState
		to   TaskState
		want bool
	}{
		{"queued to running", TaskStateQueued, TaskStateRunning, true},
		{"queued to cancelled", TaskStateQueued, TaskStateCancelled, true},
		{"queued to completed", TaskStateQueued, TaskStateCompleted, false},
		{"running to completed", TaskStateRunning, TaskStateCompleted, true},
		{"running to failed", TaskStateRunning, TaskStateFailed, true},
		{"running to cancelled", TaskStateRunning, TaskStateCancelled, true},
		{"running to queued", TaskStateRunning, TaskStateQueued, false},
		{"completed is sticky", TaskStateCompleted, TaskStateCancelled, false},
		{"failed is sticky", TaskStateFailed, TaskStateRunning, false},
		{"cancelled is sticky", TaskStateCancelled, TaskStateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSessionStateTerminal(t *testing.T) {
	for _, s := range []SessionState{SessionDone, SessionFailed, SessionCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	for _, s := range []SessionState{SessionReceived, SessionClassifying, SessionPlanning, SessionDelegating, SessionVerifying, SessionIdle} {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestIntentNeedsPlanning(t *testing.T) {
	tests := []struct {
		intent IntentCategory
		want   bool
	}{
		{IntentTrivial, false},
		{IntentExplicit, false},
		{IntentExploratory, true},
		{IntentOpenEnded, true},
		{IntentAmbiguous, true},
	}

	for _, tt := range tests {
		if got := tt.intent.NeedsPlanning(); got != tt.want {
			t.Errorf("NeedsPlanning(%q) = %v, want %v", tt.intent, got, tt.want)
		}
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{
			name: "linear chain",
			plan: Plan{Steps: []Step{
				{Description: "a", Worker: "coder"},
				{Description: "b", Worker: "coder", DependsOn: []int{0}},
			}},
		},
		{
			name: "independent steps",
			plan: Plan{Steps: []Step{
				{Description: "a", Worker: "coder"},
				{Description: "b", Worker: "researcher"},
			}},
		},
		{
			name: "forward reference",
			plan: Plan{Steps: []Step{
				{Description: "a", Worker: "coder", DependsOn: []int{1}},
				{Description: "b", Worker: "coder"},
			}},
			wantErr: true,
		},
		{
			name: "self reference",
			plan: Plan{Steps: []Step{
				{Description: "a", Worker: "coder", DependsOn: []int{0}},
			}},
			wantErr: true,
		},
		{
			name: "out of range",
			plan: Plan{Steps: []Step{
				{Description: "a", Worker: "coder", DependsOn: []int{5}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorkerDescriptorTagsAndTools(t *testing.T) {
	d := WorkerDescriptor{
		Name:  "coder",
		Tags:  []string{"code", "implement"},
		Tools: []string{"Read", "Write", "Edit", "Bash"},
		Tier:  TierStandard,
	}

	if !d.HasTag("code") {
		t.Error("expected HasTag(code) to be true")
	}
	if d.HasTag("review") {
		t.Error("expected HasTag(review) to be false")
	}
	if !d.AllowsTool("Bash") {
		t.Error("expected AllowsTool(Bash) to be true")
	}
	if d.AllowsTool("Delete") {
		t.Error("expected AllowsTool(Delete) to be false")
	}
}

func TestPlanValidateCycleSentinel(t *testing.T) {
	forward := &Plan{Steps: []Step{
		{Description: "a", Worker: "w", DependsOn: []int{1}},
		{Description: "b", Worker: "w"},
	}}
	if err := forward.Validate(); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("forward dependency err = %v, want ErrCycleDetected", err)
	}

	self := &Plan{Steps: []Step{{Description: "a", Worker: "w", DependsOn: []int{0}}}}
	if err := self.Validate(); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("self dependency err = %v, want ErrCycleDetected", err)
	}

	// An out-of-range index is malformed, not a cycle.
	bad := &Plan{Steps: []Step{{Description: "a", Worker: "w", DependsOn: []int{5}}}}
	if err := bad.Validate(); err == nil || errors.Is(err, ErrCycleDetected) {
		t.Errorf("out-of-range dependency err = %v, want plain PlanError", err)
	}
}
