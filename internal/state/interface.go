// Package state provides SQLite-backed audit persistence for baton.
package state

import (
	"io"

	"github.com/kestrelhq/baton/pkg/models"
)

// SessionAudit records session lifecycle rows.
type SessionAudit interface {
	RecordSession(r *SessionRecord) error
	GetSessionRecord(id string) (*SessionRecord, error)
	ListSessionRecords(state *models.SessionState) ([]SessionRecord, error)
}

// ResultAudit records completed delegations in append-only order.
type ResultAudit interface {
	AppendResult(sessionID string, r models.DelegationResult) error
	ResultsForSession(sessionID string) ([]models.DelegationResult, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// AuditStore defines the interface for audit persistence.
// The conductor works against this interface so tests can substitute a
// no-op backend.
type AuditStore interface {
	io.Closer
	Migrator
	SessionAudit
	ResultAudit
}

// Compile-time verification that DB implements all interfaces.
var (
	_ AuditStore   = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ SessionAudit = (*DB)(nil)
	_ ResultAudit  = (*DB)(nil)
)
