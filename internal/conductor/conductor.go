// Package conductor sequences classification, planning, delegation, and
// verification for one request per session. Each active session runs its
// own state machine goroutine; sessions never block each other.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/baton/internal/background"
	"github.com/kestrelhq/baton/internal/intent"
	"github.com/kestrelhq/baton/internal/planner"
	"github.com/kestrelhq/baton/internal/session"
	"github.com/kestrelhq/baton/internal/state"
	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// Config contains tunables for the conductor.
type Config struct {
	// MaxVerificationRetries bounds re-delegation rounds after a
	// verification rejection.
	MaxVerificationRetries int
	// PlanningStepThreshold routes goals estimated above this many
	// steps through the planner even for direct intents.
	PlanningStepThreshold int
	// EventBuffer is the capacity of each session's push channel.
	EventBuffer int
}

// Params collects the conductor's collaborators.
type Params struct {
	Registry   *worker.Registry
	Sessions   *session.Store
	Tasks      *background.Manager
	Classifier *intent.Classifier
	Planner    *planner.Stage
	// Audit is optional; nil disables persistence.
	Audit  Audit
	Config Config
}

// Conductor is the top-level request orchestrator.
type Conductor struct {
	registry   *worker.Registry
	sessions   *session.Store
	tasks      *background.Manager
	classifier *intent.Classifier
	planner    *planner.Stage
	audit      *auditWriter
	cfg        Config

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]*runner
	closed  bool
	wg      sync.WaitGroup
	dropped uint64
}

// ErrClosed is returned by Submit after the conductor has shut down.
var ErrClosed = errors.New("conductor closed")

// runner is the per-request state machine instance.
type runner struct {
	sessionID string
	goal      string
	createdAt time.Time
	emitter   *EventEmitter
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a Conductor. Registry, Sessions, Tasks, and Classifier are
// required; Planner and Audit are optional.
func New(p Params) (*Conductor, error) {
	if p.Registry == nil {
		return nil, fmt.Errorf("conductor requires a worker registry")
	}
	if p.Sessions == nil {
		return nil, fmt.Errorf("conductor requires a session store")
	}
	if p.Tasks == nil {
		return nil, fmt.Errorf("conductor requires a background manager")
	}
	if p.Classifier == nil {
		return nil, fmt.Errorf("conductor requires an intent classifier")
	}

	cfg := p.Config
	if cfg.MaxVerificationRetries <= 0 {
		cfg.MaxVerificationRetries = 2
	}
	if cfg.PlanningStepThreshold <= 0 {
		cfg.PlanningStepThreshold = 3
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Conductor{
		registry:   p.Registry,
		sessions:   p.Sessions,
		tasks:      p.Tasks,
		classifier: p.Classifier,
		planner:    p.Planner,
		audit:      newAuditWriter(p.Audit),
		cfg:        cfg,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		active:     make(map[string]*runner),
	}, nil
}

// Submit accepts a new top-level request for the session and returns its
// push channel. At most one request runs per session: a second submit
// while one is active returns session.ErrBusy.
//
// The channel carries state transitions and delegation results in order
// and is closed once the session reaches a terminal state.
func (c *Conductor) Submit(sessionID, message string) (<-chan Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("empty message")
	}

	if err := c.sessions.BeginRequest(sessionID); err != nil {
		return nil, err
	}
	if err := c.sessions.AppendMessage(sessionID, models.RoleUser, message); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(c.rootCtx)
	r := &runner{
		sessionID: sessionID,
		goal:      message,
		createdAt: time.Now(),
		emitter:   NewEventEmitter(c.cfg.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		if err := c.sessions.SetState(sessionID, models.SessionCancelled); err != nil {
			log.Printf("[conductor] release gate for session %s: %v", sessionID, err)
		}
		return nil, ErrClosed
	}
	c.active[sessionID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(r)
	return r.emitter.Events(), nil
}

// Cancel requests cancellation of the session's in-flight request and
// issues cancel to every outstanding background task. Cancelling a
// session with no active request is a no-op.
func (c *Conductor) Cancel(sessionID string) {
	c.mu.Lock()
	r := c.active[sessionID]
	c.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	if snap, err := c.sessions.Snapshot(sessionID); err == nil {
		for _, taskID := range snap.TaskIDs {
			c.tasks.Cancel(taskID)
		}
	}
}

// Status returns a snapshot of the session's current state.
func (c *Conductor) Status(sessionID string) (session.Session, error) {
	return c.sessions.Snapshot(sessionID)
}

// TaskStatus returns a snapshot of one background task's handle.
func (c *Conductor) TaskStatus(taskID string) (models.TaskHandle, error) {
	return c.tasks.Status(taskID)
}

// DroppedEvents reports the total number of push-channel events dropped
// across all sessions, finished and active.
func (c *Conductor) DroppedEvents() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.dropped
	for _, r := range c.active {
		total += r.emitter.DroppedCount()
	}
	return total
}

// Close cancels all active requests, waits for their state machines to
// finish, then flushes the audit queue. Waiting first keeps the audit
// writer open until the last runner has recorded its terminal state.
// The background manager stays owned by the caller.
func (c *Conductor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	runners := make([]*runner, 0, len(c.active))
	for _, r := range c.active {
		runners = append(runners, r)
	}
	c.mu.Unlock()

	c.rootCancel()
	for _, r := range runners {
		c.Cancel(r.sessionID)
	}

	c.wg.Wait()
	c.audit.close()
}

// run drives one request through the state machine. It is the only
// goroutine that mutates this session while the request is in flight,
// and it emits every event for the request, so consumers see transitions
// in order and the terminal state exactly once.
func (c *Conductor) run(r *runner) {
	defer func() {
		c.mu.Lock()
		c.dropped += r.emitter.DroppedCount()
		delete(c.active, r.sessionID)
		c.mu.Unlock()
		r.emitter.Close()
		c.wg.Done()
	}()

	c.transition(r, models.SessionReceived, -1, "", "request received")
	c.transition(r, models.SessionClassifying, -1, "", "")

	var history []models.Message
	if snap, err := c.sessions.Snapshot(r.sessionID); err == nil {
		history = snap.Log
	}
	category := c.classifier.Classify(r.ctx, r.goal, history)
	c.recordAudit(r, category, models.SessionClassifying)

	plan := c.plan(r, category)
	if err := c.sessions.Update(r.sessionID, func(s *session.Session) { s.Plan = plan }); err != nil {
		c.finish(r, category, models.SessionFailed, fmt.Sprintf("store plan: %v", err))
		return
	}

	c.transition(r, models.SessionDelegating, -1, "", fmt.Sprintf("delegating %d steps", len(plan.Steps)))
	results := c.delegate(r, plan, allSteps(plan), nil)
	if r.ctx.Err() != nil {
		c.finish(r, category, models.SessionCancelled, "request cancelled")
		return
	}

	for round := 0; ; round++ {
		c.transition(r, models.SessionVerifying, -1, "", "")
		rejected := c.verify(r.ctx, r.sessionID, r.goal, plan, results)
		if r.ctx.Err() != nil {
			c.finish(r, category, models.SessionCancelled, "request cancelled")
			return
		}
		if len(rejected) == 0 {
			c.finish(r, category, models.SessionDone, doneSummary(plan, results))
			return
		}
		if round >= c.cfg.MaxVerificationRetries {
			c.finish(r, category, models.SessionFailed, failureSummary(results, rejected))
			return
		}

		c.transition(r, models.SessionDelegating, -1, "", fmt.Sprintf("re-delegating steps %v", rejected))
		redo := c.delegate(r, plan, rejected, results)
		if r.ctx.Err() != nil {
			c.finish(r, category, models.SessionCancelled, "request cancelled")
			return
		}
		for idx, res := range redo {
			results[idx] = res
		}
	}
}

// plan produces the step list for the request. Planning failure is
// recoverable: the fallback is one direct step carrying the raw goal.
func (c *Conductor) plan(r *runner, category models.IntentCategory) *models.Plan {
	needsPlanning := category.NeedsPlanning() || estimateSteps(r.goal) > c.cfg.PlanningStepThreshold
	if needsPlanning && c.planner != nil {
		c.transition(r, models.SessionPlanning, -1, "", "")
		note, plan, err := c.planner.Prepare(r.ctx, r.sessionID, r.goal, nil)
		if err == nil {
			if note != nil && note.Summary != "" {
				if aerr := c.sessions.AppendMessage(r.sessionID, models.RoleSystem, "requirements: "+note.Summary); aerr != nil {
					log.Printf("[conductor] append requirements note: %v", aerr)
				}
			}
			return plan
		}
		log.Printf("[conductor] planning failed for session %s, falling back to direct delegation: %v", r.sessionID, err)
	}

	return &models.Plan{Steps: []models.Step{{
		Description: r.goal,
		Worker:      c.directWorker(category, r.goal),
	}}}
}

// directWorker picks the worker for single-step delegation: the best
// capability tag match first; when no tag matches, the non-planning
// worker whose model tier matches the goal's keyword tier; then any
// non-planning worker.
func (c *Conductor) directWorker(category models.IntentCategory, goal string) string {
	tags := []string{"code", "implement", "fix"}
	if category == models.IntentExploratory || category == models.IntentAmbiguous {
		tags = []string{"research", "explore", "explain"}
	}
	if w := c.registry.BestMatch(tags...); w != nil {
		return w.Name()
	}

	tier := tierForGoal(goal)
	fallback := ""
	for _, d := range c.registry.Descriptors() {
		if d.Category == "planning" {
			continue
		}
		if d.Tier == tier {
			return d.Name
		}
		if fallback == "" {
			fallback = d.Name
		}
	}
	return fallback
}

// completion signals that one submitted step reached a terminal handle.
type completion struct {
	step   int
	taskID string
}

// delegate runs the given steps through the background manager,
// submitting each step once its dependencies have results. Independent
// steps run concurrently under the manager's cap. Results are appended
// to the session log in completion order.
//
// prior supplies results from earlier rounds for dependency gating; the
// steps in todo are re-run regardless of any prior result.
func (c *Conductor) delegate(r *runner, plan *models.Plan, todo []int, prior map[int]models.DelegationResult) map[int]models.DelegationResult {
	done := make(map[int]models.DelegationResult, len(prior))
	for idx, res := range prior {
		done[idx] = res
	}
	pending := make(map[int]bool, len(todo))
	for _, idx := range todo {
		delete(done, idx)
		pending[idx] = true
	}

	results := make(map[int]models.DelegationResult, len(todo))
	completions := make(chan completion, len(todo))
	inFlight := make(map[int]string, len(todo))
	outstanding := make(map[string]int, len(todo))

	for len(pending) > 0 || len(outstanding) > 0 {
		blocked := false
		for _, idx := range todo {
			if !pending[idx] || inFlight[idx] != "" {
				continue
			}
			if !depsSatisfied(plan.Steps[idx], done) {
				continue
			}
			taskID, err := c.submitStep(r, plan.Steps[idx], idx)
			if errors.Is(err, background.ErrBackpressure) {
				blocked = true
				continue
			}
			if err != nil {
				// Unknown worker or stopped manager: record a failed
				// result so verification sees the step.
				res := failedResult(idx, plan.Steps[idx].Worker, err)
				c.recordResult(r, res)
				results[idx] = res
				done[idx] = res
				delete(pending, idx)
				continue
			}
			inFlight[idx] = taskID
			outstanding[taskID] = idx
			c.waitForTask(r, taskID, idx, completions)
		}

		if len(pending) == 0 && len(outstanding) == 0 {
			break
		}

		var backoff <-chan time.Time
		if blocked && len(outstanding) == 0 {
			backoff = time.After(50 * time.Millisecond)
		}

		select {
		case <-r.ctx.Done():
			for taskID := range outstanding {
				c.tasks.Cancel(taskID)
			}
			return results
		case comp := <-completions:
			res := c.resultFor(comp, plan.Steps[comp.step].Worker)
			c.recordResult(r, res)
			results[comp.step] = res
			done[comp.step] = res
			delete(pending, comp.step)
			delete(outstanding, comp.taskID)
			delete(inFlight, comp.step)
		case <-backoff:
		}
	}

	return results
}

// submitStep builds and submits one task request.
func (c *Conductor) submitStep(r *runner, step models.Step, idx int) (string, error) {
	req := models.TaskRequest{
		ID:         "task-" + uuid.New().String()[:8],
		SessionID:  r.sessionID,
		Worker:     step.Worker,
		Input:      step.Description,
		Background: true,
		StepIndex:  idx,
		CreatedAt:  time.Now(),
	}

	taskID, err := c.tasks.Submit(req)
	if err != nil {
		return "", err
	}

	if err := c.sessions.Update(r.sessionID, func(s *session.Session) {
		s.TaskIDs = append(s.TaskIDs, taskID)
	}); err != nil {
		log.Printf("[conductor] track task %s: %v", taskID, err)
	}
	return taskID, nil
}

// waitForTask forwards the task's terminal transition into completions.
// Cancelled tasks reach a terminal handle too, so the channel always
// fires; completions is buffered for every step of the round, so the
// goroutine never leaks.
func (c *Conductor) waitForTask(r *runner, taskID string, idx int, completions chan<- completion) {
	doneCh, err := c.tasks.Done(taskID)
	if err != nil {
		completions <- completion{step: idx, taskID: taskID}
		return
	}
	go func() {
		<-doneCh
		completions <- completion{step: idx, taskID: taskID}
	}()
}

// resultFor converts a terminal task handle into a delegation result.
func (c *Conductor) resultFor(comp completion, workerName string) models.DelegationResult {
	res := models.DelegationResult{
		RequestID:  comp.taskID,
		Worker:     workerName,
		StepIndex:  comp.step,
		FinishedAt: time.Now(),
	}

	handle, err := c.tasks.Status(comp.taskID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if handle.FinishedAt != nil {
		res.FinishedAt = *handle.FinishedAt
	}

	switch handle.State {
	case models.TaskStateCompleted:
		res.Success = true
		res.Output = handle.Result
		if out, oerr := c.tasks.Output(comp.taskID); oerr == nil && out != nil {
			res.SideEffects = out.SideEffects
		}
	case models.TaskStateCancelled:
		res.Error = "cancelled"
	default:
		res.Error = handle.Error
	}
	return res
}

// recordResult appends the result to the session log, the audit queue,
// and the push channel, in that order.
func (c *Conductor) recordResult(r *runner, res models.DelegationResult) {
	if err := c.sessions.AppendResult(r.sessionID, res); err != nil {
		log.Printf("[conductor] append result for session %s: %v", r.sessionID, err)
	}
	c.audit.appendResult(r.sessionID, res)
	r.emitter.Emit(Event{
		Type:      EventResult,
		SessionID: r.sessionID,
		State:     models.SessionDelegating,
		StepIndex: res.StepIndex,
		TaskID:    res.RequestID,
		Result:    &res,
		At:        time.Now(),
	})
}

// transition records and emits a state change.
func (c *Conductor) transition(r *runner, next models.SessionState, stepIndex int, taskID, note string) {
	if err := c.sessions.SetState(r.sessionID, next); err != nil {
		log.Printf("[conductor] set state %s for session %s: %v", next, r.sessionID, err)
	}
	r.emitter.Emit(Event{
		Type:      EventStateChange,
		SessionID: r.sessionID,
		State:     next,
		StepIndex: stepIndex,
		TaskID:    taskID,
		Note:      note,
		At:        time.Now(),
	})
}

// finish moves the session to its terminal state.
func (c *Conductor) finish(r *runner, category models.IntentCategory, final models.SessionState, note string) {
	c.transition(r, final, -1, "", note)
	c.recordAudit(r, category, final)
}

// recordAudit queues a durable snapshot of the session row.
func (c *Conductor) recordAudit(r *runner, category models.IntentCategory, st models.SessionState) {
	c.audit.recordSession(&state.SessionRecord{
		ID:        r.sessionID,
		Goal:      r.goal,
		Intent:    category,
		State:     st,
		CreatedAt: r.createdAt,
		UpdatedAt: time.Now(),
	})
}

// depsSatisfied reports whether every dependency of step has a result.
func depsSatisfied(step models.Step, done map[int]models.DelegationResult) bool {
	for _, dep := range step.DependsOn {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}

// allSteps returns every step index of the plan in order.
func allSteps(plan *models.Plan) []int {
	out := make([]int, len(plan.Steps))
	for i := range plan.Steps {
		out[i] = i
	}
	return out
}

// failedResult records a step that could not even be submitted.
func failedResult(idx int, workerName string, err error) models.DelegationResult {
	return models.DelegationResult{
		RequestID:  "task-" + uuid.New().String()[:8],
		Worker:     workerName,
		StepIndex:  idx,
		Error:      err.Error(),
		FinishedAt: time.Now(),
	}
}

// estimateSteps is a cheap scope estimate for routing direct intents
// through the planner when the goal enumerates many actions.
func estimateSteps(goal string) int {
	steps := 1
	lower := strings.ToLower(goal)
	for _, sep := range []string{" and ", " then ", "; ", "\n- ", "\n* "} {
		steps += strings.Count(lower, sep)
	}
	return steps
}

// doneSummary names the completed work.
func doneSummary(plan *models.Plan, results map[int]models.DelegationResult) string {
	return fmt.Sprintf("completed %d of %d steps", len(results), len(plan.Steps))
}

// failureSummary lists the failing steps and the last successful one, so
// partial progress is never hidden.
func failureSummary(results map[int]models.DelegationResult, rejected []int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "verification failed for steps %v", rejected)

	lastDone := -1
	for idx, res := range results {
		if res.Success && idx > lastDone {
			lastDone = idx
		}
	}
	if lastDone >= 0 {
		fmt.Fprintf(&sb, "; last completed step: %d", lastDone)
	}

	for _, idx := range rejected {
		if res, ok := results[idx]; ok && res.Error != "" {
			fmt.Fprintf(&sb, "; step %d: %s", idx, res.Error)
		}
	}
	return sb.String()
}
