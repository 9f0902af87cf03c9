// Package session holds per-conversation state: the ordered message log,
// the active plan, and outstanding background task references. Access is
// serialized per session, never globally, so unrelated sessions never
// contend.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrelhq/baton/pkg/models"
)

// ErrNotFound indicates an unknown session id.
var ErrNotFound = errors.New("session not found")

// ErrBusy indicates the session already has a request in flight.
// At most one top-level request runs per session.
var ErrBusy = errors.New("session has a request in flight")

// Session is the mutable state for one conversation. All access goes
// through the owning Store, under the session's own lock.
type Session struct {
	// ID is the session identifier.
	ID string
	// Log is the ordered message log. Append-only; insertion order is
	// completion order, not submission order.
	Log []models.Message
	// Plan is the active plan, nil when delegating directly.
	Plan *models.Plan
	// TaskIDs references outstanding background tasks by id. Handles
	// stay owned by the background manager.
	TaskIDs []string
	// State is where the conductor currently is for this session.
	State models.SessionState
	// LastUpdated is bumped on every mutation, for idle collection.
	LastUpdated time.Time
}

// entry pairs a session with its exclusive region.
type entry struct {
	mu sync.Mutex
	s  Session
}

// Store keys sessions by id. The store-level lock only guards the map;
// per-session work holds only that session's lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// GetOrCreate returns the session for id, creating it idle on first use.
func (st *Store) GetOrCreate(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; ok {
		return
	}
	st.sessions[id] = &entry{s: Session{
		ID:          id,
		State:       models.SessionIdle,
		LastUpdated: time.Now(),
	}}
}

// Update runs fn inside the session's exclusive region and bumps
// LastUpdated. Returns ErrNotFound for unknown sessions.
func (st *Store) Update(id string, fn func(*Session)) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.s)
	e.s.LastUpdated = time.Now()
	return nil
}

// View runs fn with read access to a copy-safe view of the session.
// The callback must not retain the pointer.
func (st *Store) View(id string, fn func(*Session)) error {
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.s)
	return nil
}

// Snapshot returns a deep-enough copy of the session for status queries.
func (st *Store) Snapshot(id string) (Session, error) {
	e, err := st.entry(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.s
	snap.Log = append([]models.Message(nil), e.s.Log...)
	snap.TaskIDs = append([]string(nil), e.s.TaskIDs...)
	if e.s.Plan != nil {
		planCopy := *e.s.Plan
		snap.Plan = &planCopy
	}
	return snap, nil
}

// BeginRequest gates admission: it transitions the session out of idle or
// terminal state into received, or returns ErrBusy when a request is
// already active.
func (st *Store) BeginRequest(id string) error {
	st.GetOrCreate(id)
	e, err := st.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.State.Terminal() && e.s.State != models.SessionIdle {
		return fmt.Errorf("session %s: %w", id, ErrBusy)
	}

	e.s.State = models.SessionReceived
	e.s.Plan = nil
	e.s.TaskIDs = nil
	e.s.LastUpdated = time.Now()
	return nil
}

// SetState records the conductor's current state for the session.
func (st *Store) SetState(id string, state models.SessionState) error {
	return st.Update(id, func(s *Session) { s.State = state })
}

// AppendResult appends a delegation result to the message log in
// completion order.
func (st *Store) AppendResult(id string, result models.DelegationResult) error {
	return st.Update(id, func(s *Session) {
		s.Log = append(s.Log, models.Message{
			Role:    models.RoleWorker,
			Content: result.Output,
			Result:  &result,
			At:      time.Now(),
		})
	})
}

// AppendMessage appends a plain message to the log.
func (st *Store) AppendMessage(id string, role models.MessageRole, content string) error {
	return st.Update(id, func(s *Session) {
		s.Log = append(s.Log, models.Message{Role: role, Content: content, At: time.Now()})
	})
}

// entry looks up the session entry for id.
func (st *Store) entry(id string) (*entry, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes sessions idle longer than timeout whose conductor is not
// mid-request. Returns the number removed.
func (st *Store) Sweep(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, e := range st.sessions {
		e.mu.Lock()
		idle := (e.s.State == models.SessionIdle || e.s.State.Terminal()) && e.s.LastUpdated.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (st *Store) StartSweeper(ctx context.Context, timeout, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := st.Sweep(timeout); n > 0 {
					log.Printf("[session] swept %d idle sessions", n)
				}
			}
		}
	}()
}
