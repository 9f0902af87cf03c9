package models

import "time"

// TaskState represents the current state of a background task.
type TaskState string

const (
	// TaskStateQueued indicates the task is waiting for a free slot.
	TaskStateQueued TaskState = "queued"
	// TaskStateRunning indicates the task is executing on a worker.
	TaskStateRunning TaskState = "running"
	// TaskStateCompleted indicates the task produced a result.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task ended with an error.
	TaskStateFailed TaskState = "failed"
	// TaskStateCancelled indicates the task was cancelled before producing a result.
	TaskStateCancelled TaskState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateQueued, TaskStateRunning, TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is permitted from this state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a transition from s to next is legal.
// Transitions are monotonic along queued -> running -> {completed|failed|cancelled};
// cancellation is additionally allowed straight from queued.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskStateQueued:
		return next == TaskStateRunning || next == TaskStateCancelled
	case TaskStateRunning:
		return next.Terminal()
	default:
		return false
	}
}

// TaskRequest describes one unit of work routed to a worker.
// It is immutable once submitted.
type TaskRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`
	// SessionID is the session this request originated from.
	SessionID string `json:"session_id"`
	// Worker is the name of the worker that should run the request.
	Worker string `json:"worker"`
	// Input is the payload handed to the worker.
	Input string `json:"input"`
	// Priority orders requests of equal readiness; lower runs first.
	Priority int `json:"priority,omitempty"`
	// Background indicates the request runs outside the caller's synchronous path.
	Background bool `json:"background,omitempty"`
	// StepIndex is the plan step this request executes, or -1 for direct delegation.
	StepIndex int `json:"step_index"`
	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// TaskHandle tracks a background task from submission to a terminal state.
// Handles are owned by the background manager; everyone else reads snapshots.
type TaskHandle struct {
	// TaskID is the ID of the tracked task request.
	TaskID string `json:"task_id"`
	// State is the current task state.
	State TaskState `json:"state"`
	// Result holds the worker output once the task completes.
	Result string `json:"result,omitempty"`
	// Error holds the failure message if the task failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when the task left the queue, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the task reached a terminal state, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
