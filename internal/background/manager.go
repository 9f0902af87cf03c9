// Package background executes worker invocations outside the caller's
// synchronous path, under a concurrency cap, with cancellation and
// non-blocking result retrieval.
package background

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// ErrBackpressure indicates the bounded queue is full; the caller must
// retry later.
var ErrBackpressure = errors.New("background queue full")

// ErrNotFound indicates an unknown task id.
var ErrNotFound = errors.New("task not found")

// ErrStopped indicates the manager is shut down.
var ErrStopped = errors.New("background manager stopped")

// Executor runs a task request against its target worker.
// The conductor supplies a registry-backed implementation.
type Executor interface {
	Execute(ctx context.Context, req models.TaskRequest) (*worker.Output, error)
}

// Config contains configuration for the Manager.
type Config struct {
	// Concurrency is the maximum number of simultaneously running tasks.
	Concurrency int
	// QueueCapacity bounds the number of queued tasks awaiting a slot.
	QueueCapacity int
}

// task is the manager's internal record for one submission.
// handle is only touched under mu; doneCh closes on terminal transition.
type task struct {
	req    models.TaskRequest
	handle models.TaskHandle
	out    *worker.Output
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Manager is the bounded-concurrency background execution engine.
// It owns every TaskHandle; callers only ever see snapshots.
type Manager struct {
	executor Executor
	queue    chan string

	mu    sync.RWMutex
	tasks map[string]*task

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewManager creates a Manager and starts its worker slots.
func NewManager(cfg Config, executor Executor) *Manager {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		executor: executor,
		queue:    make(chan string, capacity),
		tasks:    make(map[string]*task),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < concurrency; i++ {
		m.wg.Add(1)
		go m.runSlot()
	}

	return m
}

// Submit enqueues a task request. It never blocks: a full queue returns
// ErrBackpressure immediately.
func (m *Manager) Submit(req models.TaskRequest) (string, error) {
	if req.ID == "" {
		return "", fmt.Errorf("task request has no id")
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	if _, exists := m.tasks[req.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("duplicate task id %s", req.ID)
	}

	t := &task{
		req:    req,
		handle: models.TaskHandle{TaskID: req.ID, State: models.TaskStateQueued},
		doneCh: make(chan struct{}),
	}
	m.tasks[req.ID] = t
	m.mu.Unlock()

	select {
	case m.queue <- req.ID:
		return req.ID, nil
	default:
		m.mu.Lock()
		delete(m.tasks, req.ID)
		m.mu.Unlock()
		return "", ErrBackpressure
	}
}

// Status returns a snapshot of the task's handle.
func (m *Manager) Status(taskID string) (models.TaskHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return models.TaskHandle{}, fmt.Errorf("status %s: %w", taskID, ErrNotFound)
	}
	return t.handle, nil
}

// Result is a non-blocking poll. pending is true while the task has not
// reached a terminal state. A cancelled or failed task returns an error,
// never a stale success value.
func (m *Manager) Result(taskID string) (output string, pending bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return "", false, fmt.Errorf("result %s: %w", taskID, ErrNotFound)
	}

	switch t.handle.State {
	case models.TaskStateCompleted:
		return t.handle.Result, false, nil
	case models.TaskStateFailed:
		return "", false, errors.New(t.handle.Error)
	case models.TaskStateCancelled:
		return "", false, fmt.Errorf("task %s cancelled", taskID)
	default:
		return "", true, nil
	}
}

// Cancel is best-effort. It returns true only if the task transitioned to
// cancelled before producing a result; tasks already terminal are
// unaffected and keep their results retrievable.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	switch t.handle.State {
	case models.TaskStateQueued:
		m.transitionLocked(t, models.TaskStateCancelled)
		m.mu.Unlock()
		return true
	case models.TaskStateRunning:
		// Finalize the handle first so a completing slot loses the race,
		// then interrupt the execution context.
		m.transitionLocked(t, models.TaskStateCancelled)
		cancel := t.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// Output returns the complete worker output for a completed task,
// including its side-effect log. Non-completed tasks return an error.
func (m *Manager) Output(taskID string) (*worker.Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("output %s: %w", taskID, ErrNotFound)
	}
	if t.handle.State != models.TaskStateCompleted {
		return nil, fmt.Errorf("task %s is %s, not completed", taskID, t.handle.State)
	}
	return t.out, nil
}

// Done returns a channel closed when the task reaches a terminal state.
func (m *Manager) Done(taskID string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("done %s: %w", taskID, ErrNotFound)
	}
	return t.doneCh, nil
}

// RunningCount returns the number of tasks currently in the running state.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, t := range m.tasks {
		if t.handle.State == models.TaskStateRunning {
			count++
		}
	}
	return count
}

// Stop cancels all outstanding work and waits for the slots to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// runSlot is one worker slot: it drains the FIFO queue until shutdown.
func (m *Manager) runSlot() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case taskID := <-m.queue:
			m.runTask(taskID)
		}
	}
}

// runTask executes one dequeued task to a terminal state.
func (m *Manager) runTask(taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	// Cancelled while still queued: nothing to run.
	if t.handle.State != models.TaskStateQueued {
		m.mu.Unlock()
		return
	}

	taskCtx, taskCancel := context.WithCancel(m.ctx)
	t.cancel = taskCancel
	m.transitionLocked(t, models.TaskStateRunning)
	m.mu.Unlock()

	defer taskCancel()

	out, err := m.executor.Execute(taskCtx, t.req)

	m.mu.Lock()
	defer m.mu.Unlock()

	// A Cancel racing with completion may already have finalized the
	// handle; terminal states are sticky.
	if t.handle.State.Terminal() {
		return
	}

	switch {
	case taskCtx.Err() != nil && err != nil:
		m.transitionLocked(t, models.TaskStateCancelled)
	case err != nil:
		t.handle.Error = err.Error()
		m.transitionLocked(t, models.TaskStateFailed)
	default:
		if out == nil {
			out = &worker.Output{}
		}
		t.out = out
		t.handle.Result = out.Text
		m.transitionLocked(t, models.TaskStateCompleted)
	}
}

// transitionLocked advances a handle's state. Illegal transitions are
// invariant violations and are logged, never applied. Caller holds m.mu.
func (m *Manager) transitionLocked(t *task, next models.TaskState) {
	if !t.handle.State.CanTransition(next) {
		log.Printf("[background] refusing illegal transition %s -> %s for task %s", t.handle.State, next, t.req.ID)
		return
	}

	now := time.Now()
	if next == models.TaskStateRunning {
		t.handle.StartedAt = &now
	}
	t.handle.State = next
	if next.Terminal() {
		t.handle.FinishedAt = &now
		close(t.doneCh)
	}
}
