package background

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// gateExecutor blocks every execution until released, so tests control
// exactly when tasks complete.
type gateExecutor struct {
	started chan string
	release chan struct{}
	fail    bool
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (e *gateExecutor) Execute(ctx context.Context, req models.TaskRequest) (*worker.Output, error) {
	select {
	case e.started <- req.ID:
	default:
	}
	select {
	case <-e.release:
		if e.fail {
			return nil, errors.New("worker reported failure")
		}
		return &worker.Output{Text: "ok:" + req.ID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func request(id string) models.TaskRequest {
	return models.TaskRequest{
		ID:         id,
		SessionID:  "s1",
		Worker:     "coder",
		Input:      "do it",
		Background: true,
		StepIndex:  -1,
		CreatedAt:  time.Now(),
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) models.TaskHandle {
	t.Helper()
	done, err := m.Done(id)
	if err != nil {
		t.Fatalf("Done(%s): %v", id, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not reach a terminal state", id)
	}
	h, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return h
}

func TestSubmitAndComplete(t *testing.T) {
	exec := newGateExecutor()
	m := NewManager(Config{Concurrency: 2, QueueCapacity: 8}, exec)
	defer m.Stop()

	id, err := m.Submit(request("t1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-exec.started
	if _, pending, err := m.Result(id); !pending || err != nil {
		t.Fatalf("expected pending result, got pending=%v err=%v", pending, err)
	}

	close(exec.release)
	h := waitTerminal(t, m, id)
	if h.State != models.TaskStateCompleted {
		t.Fatalf("expected completed, got %s", h.State)
	}
	if h.StartedAt == nil || h.FinishedAt == nil {
		t.Error("expected started/finished timestamps on terminal handle")
	}

	out, pending, err := m.Result(id)
	if err != nil || pending {
		t.Fatalf("Result: pending=%v err=%v", pending, err)
	}
	if out != "ok:t1" {
		t.Errorf("expected output ok:t1, got %q", out)
	}
}

func TestStatusNotFound(t *testing.T) {
	m := NewManager(Config{Concurrency: 1, QueueCapacity: 1}, newGateExecutor())
	defer m.Stop()

	if _, err := m.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := m.Result("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBackpressure(t *testing.T) {
	exec := newGateExecutor()
	m := NewManager(Config{Concurrency: 1, QueueCapacity: 1}, exec)
	defer func() {
		close(exec.release)
		m.Stop()
	}()

	if _, err := m.Submit(request("t1")); err != nil {
		t.Fatalf("Submit t1: %v", err)
	}
	<-exec.started // t1 occupies the only slot

	if _, err := m.Submit(request("t2")); err != nil {
		t.Fatalf("Submit t2: %v", err)
	}

	// Slot busy, queue full: the third submission must not block.
	if _, err := m.Submit(request("t3")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	// A rejected submission leaves no trace.
	if _, err := m.Status("t3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for rejected task, got %v", err)
	}
}

func TestConcurrencyCap(t *testing.T) {
	exec := newGateExecutor()
	m := NewManager(Config{Concurrency: 2, QueueCapacity: 8}, exec)
	defer m.Stop()

	for i := 0; i < 4; i++ {
		if _, err := m.Submit(request(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("Submit t%d: %v", i, err)
		}
	}

	// Two slots fill; sample the running count while the rest queue.
	<-exec.started
	<-exec.started
	for i := 0; i < 10; i++ {
		if n := m.RunningCount(); n > 2 {
			t.Fatalf("running count %d exceeds cap 2", n)
		}
		time.Sleep(time.Millisecond)
	}

	close(exec.release)
	for i := 0; i < 4; i++ {
		h := waitTerminal(t, m, fmt.Sprintf("t%d", i))
		if !h.State.Terminal() {
			t.Errorf("task t%d not terminal: %s", i, h.State)
		}
	}
}

func TestCancelQueued(t *testing.T) {
	exec := newGateExecutor()
	m := NewManager(Config{Concurrency: 1, QueueCapacity: 4}, exec)
	defer func() {
		close(exec.release)
		m.Stop()
	}()

	if _, err := m.Submit(request("t1")); err != nil {
		t.Fatalf("Submit t1: %v", err)
	}
	<-exec.started
	if _, err := m.Submit(request("t2")); err != nil {
		t.Fatalf("Submit t2: %v", err)
	}

	if !m.Cancel("t2") {
		t.Fatal("expected Cancel of queued task to return true")
	}
	h := waitTerminal(t, m, "t2")
	if h.State != models.TaskStateCancelled {
		t.Fatalf("expected cancelled, got %s", h.State)
	}
	if _, _, err := m.Result("t2"); err == nil {
		t.Error("expected Result of cancelled task to return an error")
	}
}

func TestCancelRunning(t *testing.T) {
	exec := newGateExecutor()
	m := NewManager(Config{Concurrency: 1, QueueCapacity: 4}, exec)
	defer m.Stop()

	id, err := m.Submit(request("t1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started

	if !m.Cancel(id) {
		t.Fatal("expected Cancel of running task to return true")
	}
	h := waitTerminal(t, m, id)
	if h.State != models.TaskStateCancelled {
		t.Fatalf("expected cancelled, got %s", h.State)
	}
	if _, _, err := m.Result(id); err == nil {
		t.Error("expected Result of cancelled task to return an error, not a stale value")
	}
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	exec := newGateExecutor()
	m := NewManager(Config{Concurrency: 1, QueueCapacity: 4}, exec)
	defer m.Stop()

	id, err := m.Submit(request("t1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started
	close(exec.release)
	waitTerminal(t, m, id)

	if m.Cancel(id) {
		t.Error("expected Cancel of completed task to return false")
	}

	// The completed result stays retrievable after the no-op cancel.
	out, pending, err := m.Result(id)
	if err != nil || pending {
		t.Fatalf("Result after no-op cancel: pending=%v err=%v", pending, err)
	}
	if out != "ok:t1" {
		t.Errorf("expected preserved result, got %q", out)
	}
}

func TestFailedExecutionCapturedInHandle(t *testing.T) {
	exec := newGateExecutor()
	exec.fail = true
	m := NewManager(Config{Concurrency: 1, QueueCapacity: 4}, exec)
	defer m.Stop()

	id, err := m.Submit(request("t1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started
	close(exec.release)

	h := waitTerminal(t, m, id)
	if h.State != models.TaskStateFailed {
		t.Fatalf("expected failed, got %s", h.State)
	}
	if h.Error == "" {
		t.Error("expected handle to capture the execution error")
	}
	if _, _, err := m.Result(id); err == nil {
		t.Error("expected Result to surface the execution error")
	}
}

// TestTerminalStatesAreSticky drives the manager with random interleavings
// of submit, cancel, and release, asserting that once a handle is observed
// terminal it never changes again.
func TestTerminalStatesAreSticky(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		exec := newGateExecutor()
		m := NewManager(Config{Concurrency: 2, QueueCapacity: 8}, exec)
		defer m.Stop()

		released := false
		terminal := make(map[string]models.TaskState)
		var ids []string
		next := 0

		ops := rapid.IntRange(1, 20).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0: // submit
				id := fmt.Sprintf("t%d", next)
				next++
				if _, err := m.Submit(request(id)); err == nil {
					ids = append(ids, id)
				}
			case 1: // cancel a random known task
				if len(ids) > 0 {
					m.Cancel(ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "idx")])
				}
			case 2: // release all blocked executions once
				if !released {
					close(exec.release)
					released = true
				}
			}

			for _, id := range ids {
				h, err := m.Status(id)
				if err != nil {
					rt.Fatalf("Status(%s): %v", id, err)
				}
				if prev, ok := terminal[id]; ok && prev != h.State {
					rt.Fatalf("task %s left terminal state %s for %s", id, prev, h.State)
				}
				if h.State.Terminal() {
					terminal[id] = h.State
				}
			}
		}

		if !released {
			close(exec.release)
		}
		for _, id := range ids {
			waitTerminal(t, m, id)
		}
	})
}
