package conductor

import (
	"log"

	"github.com/kestrelhq/baton/internal/state"
	"github.com/kestrelhq/baton/pkg/models"
)

// Audit is the persistence hook consumed by the conductor. Writes are
// fire-and-forget; the state machine never waits on them.
type Audit interface {
	RecordSession(r *state.SessionRecord) error
	AppendResult(sessionID string, r models.DelegationResult) error
}

// auditOp is one queued write.
type auditOp struct {
	session *state.SessionRecord
	result  *models.DelegationResult
	// sessionID is set for result ops.
	sessionID string
}

// auditWriter decouples the state machine from the audit backend. Ops
// flow through a bounded queue to one writer goroutine; when the queue
// is full the op is dropped and logged, never blocked on.
type auditWriter struct {
	backend Audit
	ops     chan auditOp
	done    chan struct{}
}

func newAuditWriter(backend Audit) *auditWriter {
	w := &auditWriter{
		backend: backend,
		ops:     make(chan auditOp, 256),
		done:    make(chan struct{}),
	}
	if backend != nil {
		go w.drain()
	}
	return w
}

func (w *auditWriter) drain() {
	defer close(w.done)
	for op := range w.ops {
		var err error
		switch {
		case op.session != nil:
			err = w.backend.RecordSession(op.session)
		case op.result != nil:
			err = w.backend.AppendResult(op.sessionID, *op.result)
		}
		if err != nil {
			log.Printf("[conductor] audit write failed: %v", err)
		}
	}
}

func (w *auditWriter) recordSession(r *state.SessionRecord) {
	if w.backend == nil {
		return
	}
	w.enqueue(auditOp{session: r})
}

func (w *auditWriter) appendResult(sessionID string, r models.DelegationResult) {
	if w.backend == nil {
		return
	}
	w.enqueue(auditOp{sessionID: sessionID, result: &r})
}

func (w *auditWriter) enqueue(op auditOp) {
	select {
	case w.ops <- op:
	default:
		log.Printf("[conductor] audit queue full, dropped write for session %s", op.sessionID)
	}
}

// close stops the writer after flushing queued ops.
func (w *auditWriter) close() {
	if w.backend == nil {
		return
	}
	close(w.ops)
	<-w.done
}
