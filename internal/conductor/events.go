package conductor

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/kestrelhq/baton/pkg/models"
)

// EventType distinguishes the two kinds of push-channel events.
type EventType string

const (
	// EventStateChange reports a conductor state transition.
	EventStateChange EventType = "state_change"
	// EventResult reports one delegation result.
	EventResult EventType = "delegation_result"
)

// Event is one entry on a session's push channel.
type Event struct {
	// Type is the event kind.
	Type EventType
	// SessionID identifies the session.
	SessionID string
	// State is the session state after the transition.
	State models.SessionState
	// StepIndex is the associated plan step, or -1.
	StepIndex int
	// TaskID is the associated background task, if any.
	TaskID string
	// Note carries a human-readable detail line.
	Note string
	// Result is set on EventResult events.
	Result *models.DelegationResult
	// At is when the event was emitted.
	At time.Time
}

// EventEmitter is the per-session push channel. Events are emitted from
// the session's conductor goroutine only, so consumers observe them in
// order. A slow consumer loses events rather than stalling the state
// machine; terminal transitions get a longer grace period so they are
// delivered whenever the consumer drains at all.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	return &EventEmitter{events: make(chan Event, bufferSize)}
}

// Emit sends an event to the channel. If the buffer is full it waits
// briefly for the consumer to drain, then drops the event.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	wait := 100 * time.Millisecond
	if event.State.Terminal() {
		wait = 5 * time.Second
	}

	select {
	case e.events <- event:
	case <-time.After(wait):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[conductor] WARNING: event channel full, dropped event (total dropped: %d): session=%s type=%s", count, event.SessionID, event.Type)
		}
	}
}

// DroppedCount returns the total number of events dropped so far.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read side of the channel. It is closed when the
// session reaches a terminal state.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
func (e *EventEmitter) Close() {
	close(e.events)
}
