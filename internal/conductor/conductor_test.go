package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelhq/baton/internal/background"
	"github.com/kestrelhq/baton/internal/intent"
	"github.com/kestrelhq/baton/internal/planner"
	"github.com/kestrelhq/baton/internal/session"
	"github.com/kestrelhq/baton/internal/state"
	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// scriptWorker runs a test-provided function.
type scriptWorker struct {
	desc models.WorkerDescriptor
	run  func(ctx context.Context, in worker.Input) (*worker.Output, error)
}

func (w *scriptWorker) Name() string                        { return w.desc.Name }
func (w *scriptWorker) Descriptor() models.WorkerDescriptor { return w.desc }
func (w *scriptWorker) Run(ctx context.Context, in worker.Input) (*worker.Output, error) {
	return w.run(ctx, in)
}

func execDesc(name string, tags ...string) models.WorkerDescriptor {
	return models.WorkerDescriptor{
		Name:        name,
		Description: name + " role",
		Tags:        tags,
		Tools:       []string{"Read"},
		Tier:        models.TierStandard,
		Category:    "execution",
	}
}

func planDesc(name string) models.WorkerDescriptor {
	return models.WorkerDescriptor{
		Name:     name,
		Tools:    []string{"Read"},
		Tier:     models.TierDeep,
		Category: "planning",
	}
}

// echoCoder completes immediately with a canned output.
func echoCoder() *scriptWorker {
	return &scriptWorker{
		desc: execDesc("coder", "code", "implement", "fix"),
		run: func(_ context.Context, in worker.Input) (*worker.Output, error) {
			return &worker.Output{Text: "did: " + in.Goal}, nil
		},
	}
}

// plannerPair returns analyst and strategist workers where the
// strategist replies with the given JSON.
func plannerPair(strategistJSON string) (*scriptWorker, *scriptWorker) {
	analyst := &scriptWorker{
		desc: planDesc("analyst"),
		run: func(_ context.Context, _ worker.Input) (*worker.Output, error) {
			return &worker.Output{Text: `{"summary": "analyzed"}`}, nil
		},
	}
	strategist := &scriptWorker{
		desc: planDesc("strategist"),
		run: func(_ context.Context, _ worker.Input) (*worker.Output, error) {
			return &worker.Output{Text: strategistJSON}, nil
		},
	}
	return analyst, strategist
}

type fixture struct {
	conductor *Conductor
	sessions  *session.Store
	manager   *background.Manager
}

func newFixture(t *testing.T, cfg Config, bg background.Config, workers ...worker.Worker) *fixture {
	t.Helper()

	reg, err := worker.NewRegistry(workers...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	sessions := session.NewStore()
	mgr := background.NewManager(bg, NewExecutor(reg, sessions, 0))
	t.Cleanup(mgr.Stop)

	cond, err := New(Params{
		Registry:   reg,
		Sessions:   sessions,
		Tasks:      mgr,
		Classifier: intent.NewClassifier(),
		Planner:    planner.New(reg),
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(cond.Close)

	return &fixture{conductor: cond, sessions: sessions, manager: mgr}
}

// collectEvents drains the push channel until it closes.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func terminalEvents(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == EventStateChange && ev.State.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func resultEvents(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == EventResult {
			out = append(out, ev)
		}
	}
	return out
}

func TestTrivialRequestDelegatesDirectly(t *testing.T) {
	f := newFixture(t, Config{}, background.Config{}, echoCoder())

	ch, err := f.conductor.Submit("s1", "there is a typo in the error message")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collectEvents(t, ch)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionDone {
		t.Fatalf("terminal events = %+v, want exactly one done", terms)
	}

	// No planning state for a trivial intent.
	for _, ev := range events {
		if ev.State == models.SessionPlanning {
			t.Error("trivial request went through planning")
		}
	}

	results := resultEvents(events)
	if len(results) != 1 {
		t.Fatalf("got %d result events, want 1", len(results))
	}
	if !results[0].Result.Success {
		t.Errorf("result not successful: %+v", results[0].Result)
	}

	snap, err := f.conductor.Status("s1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != models.SessionDone {
		t.Errorf("session state = %s", snap.State)
	}
	delegations := 0
	for _, msg := range snap.Log {
		if msg.Result != nil {
			delegations++
		}
	}
	if delegations != 1 {
		t.Errorf("log has %d delegation results, want 1", delegations)
	}
}

func TestDependentStepCompletesAfterItsDependency(t *testing.T) {
	var mu sync.Mutex
	var order []string

	tracker := &scriptWorker{
		desc: execDesc("coder", "code"),
		run: func(_ context.Context, in worker.Input) (*worker.Output, error) {
			mu.Lock()
			order = append(order, in.Goal)
			mu.Unlock()
			return &worker.Output{Text: "ok"}, nil
		},
	}
	analyst, strategist := plannerPair(`{"steps": [
		{"description": "step A", "worker": "coder"},
		{"description": "step B", "worker": "coder", "depends_on": [0]}
	]}`)

	f := newFixture(t, Config{}, background.Config{Concurrency: 4}, tracker, analyst, strategist)

	ch, err := f.conductor.Submit("s1", "build the two-part feature")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collectEvents(t, ch)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionDone {
		t.Fatalf("terminal = %+v", terms)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "step A" || order[1] != "step B" {
		t.Errorf("execution order = %v", order)
	}

	// The result for B appears after A's in completion order.
	results := resultEvents(events)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].StepIndex != 0 || results[1].StepIndex != 1 {
		t.Errorf("result order = %d, %d", results[0].StepIndex, results[1].StepIndex)
	}
}

func TestVerificationRejectionRedelegatesOnce(t *testing.T) {
	var stepOneRuns atomic.Int32
	coder := &scriptWorker{
		desc: execDesc("coder", "code"),
		run: func(_ context.Context, in worker.Input) (*worker.Output, error) {
			if in.Goal == "step one" {
				stepOneRuns.Add(1)
			}
			return &worker.Output{Text: "ok"}, nil
		},
	}

	var reviews atomic.Int32
	reviewer := &scriptWorker{
		desc: execDesc("reviewer", "review", "verify"),
		run: func(_ context.Context, _ worker.Input) (*worker.Output, error) {
			if reviews.Add(1) == 1 {
				return &worker.Output{Text: `{"approved": false, "rejected_steps": [1], "feedback": "step one incomplete"}`}, nil
			}
			return &worker.Output{Text: `{"approved": true}`}, nil
		},
	}

	analyst, strategist := plannerPair(`{"steps": [
		{"description": "step zero", "worker": "coder"},
		{"description": "step one", "worker": "coder", "depends_on": [0]},
		{"description": "step two", "worker": "coder", "depends_on": [0]}
	]}`)

	f := newFixture(t, Config{MaxVerificationRetries: 2}, background.Config{}, coder, reviewer, analyst, strategist)

	ch, err := f.conductor.Submit("s1", "build the three-part feature")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collectEvents(t, ch)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionDone {
		t.Fatalf("terminal = %+v", terms)
	}
	if got := stepOneRuns.Load(); got != 2 {
		t.Errorf("step one ran %d times, want 2", got)
	}
	if got := reviews.Load(); got != 2 {
		t.Errorf("reviewer ran %d times, want 2", got)
	}
}

func TestVerificationRetriesExhaustedFails(t *testing.T) {
	coder := &scriptWorker{
		desc: execDesc("coder", "code", "fix"),
		run: func(_ context.Context, in worker.Input) (*worker.Output, error) {
			return nil, errors.New("cannot complete this step")
		},
	}

	f := newFixture(t, Config{MaxVerificationRetries: 1}, background.Config{}, coder)

	ch, err := f.conductor.Submit("s1", "fix the broken widget")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collectEvents(t, ch)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionFailed {
		t.Fatalf("terminal = %+v", terms)
	}
	if terms[0].Note == "" {
		t.Error("failed terminal event has no summary")
	}
}

func TestCancelMidDelegation(t *testing.T) {
	started := make(chan struct{}, 8)
	blocker := &scriptWorker{
		desc: execDesc("blocker"),
		run: func(ctx context.Context, _ worker.Input) (*worker.Output, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	quick := echoCoder()
	analyst, strategist := plannerPair(`{"steps": [
		{"description": "fast step", "worker": "coder"},
		{"description": "slow step one", "worker": "blocker"},
		{"description": "slow step two", "worker": "blocker"}
	]}`)

	f := newFixture(t, Config{}, background.Config{Concurrency: 4}, blocker, quick, analyst, strategist)

	ch, err := f.conductor.Submit("s1", "build the long-running feature")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait for the fast step's result and both blockers before cancelling.
	var events []Event
	sawFast := false
	timeout := time.After(5 * time.Second)
	for !sawFast {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Type == EventResult && ev.StepIndex == 0 {
				sawFast = true
			}
		case <-timeout:
			t.Fatal("fast step never completed")
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("blockers never started")
		}
	}

	f.conductor.Cancel("s1")
	events = append(events, collectEvents(t, ch)...)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionCancelled {
		t.Fatalf("terminal = %+v", terms)
	}

	// Completed work stays retrievable; cancelled tasks are terminal.
	snap, err := f.conductor.Status("s1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	completed := 0
	for _, taskID := range snap.TaskIDs {
		handle, herr := f.conductor.TaskStatus(taskID)
		if herr != nil {
			t.Fatalf("TaskStatus(%s): %v", taskID, herr)
		}
		if !handle.State.Terminal() {
			t.Errorf("task %s still %s after cancel", taskID, handle.State)
		}
		if handle.State == models.TaskStateCompleted {
			completed++
			if handle.Result == "" {
				t.Errorf("completed task %s lost its result", taskID)
			}
		}
	}
	if completed == 0 {
		t.Error("expected the fast step to have completed before cancel")
	}

	// Cancelling a terminal session is a no-op.
	f.conductor.Cancel("s1")
}

func TestSecondSubmitWhileActiveGetsBackpressure(t *testing.T) {
	release := make(chan struct{})
	slow := &scriptWorker{
		desc: execDesc("coder", "code", "fix"),
		run: func(ctx context.Context, _ worker.Input) (*worker.Output, error) {
			select {
			case <-release:
				return &worker.Output{Text: "ok"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	f := newFixture(t, Config{}, background.Config{}, slow)

	ch, err := f.conductor.Submit("s1", "fix the flaky test")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait until the request is past admission.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, serr := f.conductor.Status("s1")
		if serr == nil && snap.State == models.SessionDelegating {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached delegating")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.conductor.Submit("s1", "fix something else"); !errors.Is(err, session.ErrBusy) {
		t.Errorf("second submit err = %v, want ErrBusy", err)
	}

	// A different session is unaffected.
	close(release)
	ch2, err := f.conductor.Submit("s2", "fix the other test")
	if err != nil {
		t.Fatalf("Submit s2: %v", err)
	}
	collectEvents(t, ch2)
	collectEvents(t, ch)
}

func TestIndependentStepsRespectConcurrencyCap(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	gate := &scriptWorker{
		desc: execDesc("coder", "code"),
		run: func(ctx context.Context, _ worker.Input) (*worker.Output, error) {
			started <- struct{}{}
			select {
			case <-release:
				return &worker.Output{Text: "ok"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	analyst, strategist := plannerPair(`{"steps": [
		{"description": "part one", "worker": "coder"},
		{"description": "part two", "worker": "coder"},
		{"description": "part three", "worker": "coder"},
		{"description": "part four", "worker": "coder"}
	]}`)

	f := newFixture(t, Config{}, background.Config{Concurrency: 2, QueueCapacity: 8}, gate, analyst, strategist)

	ch, err := f.conductor.Submit("s1", "build all four parts")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("steps never started")
		}
	}

	// With both slots held, nothing else may run.
	time.Sleep(50 * time.Millisecond)
	if n := f.manager.RunningCount(); n != 2 {
		t.Errorf("running = %d, want 2", n)
	}
	select {
	case <-started:
		t.Error("third step started past the cap")
	default:
	}

	close(release)
	events := collectEvents(t, ch)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionDone {
		t.Fatalf("terminal = %+v", terms)
	}
	if got := len(resultEvents(events)); got != 4 {
		t.Errorf("got %d results, want 4", got)
	}
}

func TestPlanningFailureFallsBackToDirectDelegation(t *testing.T) {
	coder := echoCoder()
	analyst, strategist := plannerPair("I could not come up with anything.")

	f := newFixture(t, Config{}, background.Config{}, coder, analyst, strategist)

	ch, err := f.conductor.Submit("s1", "build something useful")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collectEvents(t, ch)

	terms := terminalEvents(events)
	if len(terms) != 1 || terms[0].State != models.SessionDone {
		t.Fatalf("terminal = %+v", terms)
	}
	results := resultEvents(events)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Result.Worker != "coder" {
		t.Errorf("fallback delegated to %q", results[0].Result.Worker)
	}
}

func TestEstimateSteps(t *testing.T) {
	tests := []struct {
		goal string
		want int
	}{
		{"fix the bug", 1},
		{"fix the bug and add a test", 2},
		{"do a; do b; do c", 3},
		{"tasks:\n- one\n- two\n- three", 4},
	}
	for _, tt := range tests {
		if got := estimateSteps(tt.goal); got != tt.want {
			t.Errorf("estimateSteps(%q) = %d, want %d", tt.goal, got, tt.want)
		}
	}
}

func TestStatusUnknownSession(t *testing.T) {
	f := newFixture(t, Config{}, background.Config{}, echoCoder())
	if _, err := f.conductor.Status("ghost"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	f := newFixture(t, Config{}, background.Config{Concurrency: 8, QueueCapacity: 32}, echoCoder())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			ch, err := f.conductor.Submit(id, "fix the bug in module "+id)
			if err != nil {
				t.Errorf("Submit(%s): %v", id, err)
				return
			}
			var events []Event
			timeout := time.After(10 * time.Second)
		drain:
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						break drain
					}
					events = append(events, ev)
				case <-timeout:
					t.Errorf("session %s timed out", id)
					return
				}
			}
			terms := terminalEvents(events)
			if len(terms) != 1 || terms[0].State != models.SessionDone {
				t.Errorf("session %s terminal = %+v", id, terms)
			}
		}(i)
	}
	wg.Wait()
}

// recordingAudit captures audit writes for inspection.
type recordingAudit struct {
	mu       sync.Mutex
	sessions []state.SessionRecord
	results  []models.DelegationResult
}

func (a *recordingAudit) RecordSession(r *state.SessionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, *r)
	return nil
}

func (a *recordingAudit) AppendResult(_ string, r models.DelegationResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
	return nil
}

func (a *recordingAudit) lastSessionState() models.SessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return ""
	}
	return a.sessions[len(a.sessions)-1].State
}

func TestCloseWhileSessionActiveFlushesAudit(t *testing.T) {
	blocker := &scriptWorker{
		desc: execDesc("coder", "code", "implement", "fix"),
		run: func(ctx context.Context, _ worker.Input) (*worker.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	reg, err := worker.NewRegistry(blocker)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sessions := session.NewStore()
	mgr := background.NewManager(background.Config{}, NewExecutor(reg, sessions, 0))
	defer mgr.Stop()

	audit := &recordingAudit{}
	cond, err := New(Params{
		Registry:   reg,
		Sessions:   sessions,
		Tasks:      mgr,
		Classifier: intent.NewClassifier(),
		Audit:      audit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := cond.Submit("s-close", "fix the broken handler")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	go func() {
		for range ch {
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, serr := cond.Status("s-close")
		if serr == nil && snap.State == models.SessionDelegating {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached delegating")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Must wait for the runner before tearing down the audit writer.
	cond.Close()

	if got := audit.lastSessionState(); got != models.SessionCancelled {
		t.Errorf("last audited state = %q, want %q", got, models.SessionCancelled)
	}

	if _, err := cond.Submit("s-late", "fix another thing"); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close err = %v, want ErrClosed", err)
	}
}

func TestDroppedEventsAggregation(t *testing.T) {
	f := newFixture(t, Config{}, background.Config{}, echoCoder())

	ch, err := f.conductor.Submit("s-drop", "fix the typo in the readme")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	collectEvents(t, ch)
	if got := f.conductor.DroppedEvents(); got != 0 {
		t.Fatalf("DroppedEvents with drained consumer = %d, want 0", got)
	}

	// An undrained session's emitter counts while active and after the
	// runner retires it.
	em := NewEventEmitter(1)
	em.Emit(Event{SessionID: "ghost"})
	em.Emit(Event{SessionID: "ghost"})
	em.Emit(Event{SessionID: "ghost"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.conductor.mu.Lock()
	f.conductor.active["ghost"] = &runner{sessionID: "ghost", emitter: em, ctx: ctx, cancel: cancel}
	f.conductor.mu.Unlock()
	if got := f.conductor.DroppedEvents(); got != 2 {
		t.Errorf("DroppedEvents with active slow session = %d, want 2", got)
	}

	f.conductor.mu.Lock()
	delete(f.conductor.active, "ghost")
	f.conductor.dropped += em.DroppedCount()
	f.conductor.mu.Unlock()
	if got := f.conductor.DroppedEvents(); got != 2 {
		t.Errorf("DroppedEvents after session retired = %d, want 2", got)
	}
}
