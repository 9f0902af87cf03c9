package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhq/baton/internal/background"
	"github.com/kestrelhq/baton/internal/session"
	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// contextWindow caps how many recent log entries a worker sees.
const contextWindow = 6

// registryExecutor resolves task requests against the worker registry.
// It is the only bridge between the background manager and workers.
type registryExecutor struct {
	registry *worker.Registry
	sessions *session.Store
	timeout  time.Duration
}

// NewExecutor creates the background executor used by the conductor's
// task manager. A zero timeout means no per-run deadline.
func NewExecutor(registry *worker.Registry, sessions *session.Store, timeout time.Duration) background.Executor {
	return &registryExecutor{registry: registry, sessions: sessions, timeout: timeout}
}

func (e *registryExecutor) Execute(ctx context.Context, req models.TaskRequest) (*worker.Output, error) {
	w := e.registry.Get(req.Worker)
	if w == nil {
		return nil, fmt.Errorf("no worker registered under %q", req.Worker)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	return w.Run(ctx, worker.Input{
		SessionID: req.SessionID,
		Goal:      req.Input,
		Context:   e.recentContext(req.SessionID),
	})
}

// recentContext renders the tail of the session log for the worker.
func (e *registryExecutor) recentContext(sessionID string) []string {
	snap, err := e.sessions.Snapshot(sessionID)
	if err != nil {
		return nil
	}

	start := len(snap.Log) - contextWindow
	if start < 0 {
		start = 0
	}

	var lines []string
	for _, msg := range snap.Log[start:] {
		if msg.Result != nil {
			outcome := "succeeded"
			if !msg.Result.Success {
				outcome = "failed: " + msg.Result.Error
			}
			lines = append(lines, fmt.Sprintf("step %d (%s) %s: %s", msg.Result.StepIndex, msg.Result.Worker, outcome, msg.Result.Output))
			continue
		}
		lines = append(lines, string(msg.Role)+": "+msg.Content)
	}
	return lines
}

var _ background.Executor = (*registryExecutor)(nil)
