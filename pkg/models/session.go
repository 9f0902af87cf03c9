package models

import "time"

// SessionState represents where a session's conductor currently is.
type SessionState string

const (
	// SessionReceived indicates a request has arrived but not been classified.
	SessionReceived SessionState = "received"
	// SessionClassifying indicates intent classification is in progress.
	SessionClassifying SessionState = "classifying"
	// SessionPlanning indicates the planner stage is producing a plan.
	SessionPlanning SessionState = "planning"
	// SessionDelegating indicates steps are being routed to workers.
	SessionDelegating SessionState = "delegating"
	// SessionVerifying indicates the review worker is inspecting results.
	SessionVerifying SessionState = "verifying"
	// SessionDone indicates the request completed successfully.
	SessionDone SessionState = "done"
	// SessionFailed indicates the request hit an unrecoverable error.
	SessionFailed SessionState = "failed"
	// SessionCancelled indicates the user cancelled the request.
	SessionCancelled SessionState = "cancelled"
	// SessionIdle indicates no request is in flight.
	SessionIdle SessionState = "idle"
)

// Valid returns true if the state is a known value.
func (s SessionState) Valid() bool {
	switch s {
	case SessionReceived, SessionClassifying, SessionPlanning, SessionDelegating,
		SessionVerifying, SessionDone, SessionFailed, SessionCancelled, SessionIdle:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that end a request.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionDone, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// MessageRole identifies who produced a message in the session log.
type MessageRole string

const (
	// RoleUser marks a message that came from the caller.
	RoleUser MessageRole = "user"
	// RoleWorker marks a delegation result appended by a worker.
	RoleWorker MessageRole = "worker"
	// RoleSystem marks conductor-generated notes (plans, verdicts).
	RoleSystem MessageRole = "system"
)

// Message is one entry in a session's ordered message log.
type Message struct {
	// Role identifies the producer of the message.
	Role MessageRole `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Result is set when the message records a delegation outcome.
	Result *DelegationResult `json:"result,omitempty"`
	// At is when the message was appended.
	At time.Time `json:"at"`
}

// DelegationResult records the outcome of routing one step to one worker.
// It is appended to the session log once and never mutated.
type DelegationResult struct {
	// RequestID is the task request that produced this result.
	RequestID string `json:"request_id"`
	// Worker is the name of the worker that ran the request.
	Worker string `json:"worker"`
	// StepIndex is the plan step this result belongs to, or -1.
	StepIndex int `json:"step_index"`
	// Success indicates whether the worker reported success.
	Success bool `json:"success"`
	// Output is the worker's output on success.
	Output string `json:"output,omitempty"`
	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`
	// SideEffects lists files changed and commands run by the worker.
	SideEffects []string `json:"side_effects,omitempty"`
	// FinishedAt is when the delegation reached its terminal outcome.
	FinishedAt time.Time `json:"finished_at"`
}
