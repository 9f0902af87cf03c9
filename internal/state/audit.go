package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelhq/baton/pkg/models"
)

// SessionRecord is the durable snapshot of one session's lifecycle.
type SessionRecord struct {
	ID        string               `json:"id"`
	Goal      string               `json:"goal"`
	Intent    models.IntentCategory `json:"intent"`
	State     models.SessionState  `json:"state"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// RecordSession inserts or updates the durable row for a session.
func (db *DB) RecordSession(r *SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, goal, intent, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			intent = excluded.intent,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, r.ID, r.Goal, string(r.Intent), string(r.State), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// GetSessionRecord retrieves a session row by ID. Returns nil when the
// session has never been recorded.
func (db *DB) GetSessionRecord(id string) (*SessionRecord, error) {
	row := db.QueryRow(`
		SELECT id, goal, intent, state, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	var r SessionRecord
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Goal, &r.Intent, &r.State, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}

	r.CreatedAt, _ = parseTime(createdAt)
	r.UpdatedAt, _ = parseTime(updatedAt)
	return &r, nil
}

// ListSessionRecords lists session rows, optionally filtered by state,
// most recently updated first.
func (db *DB) ListSessionRecords(state *models.SessionState) ([]SessionRecord, error) {
	query := `
		SELECT id, goal, intent, state, created_at, updated_at
		FROM sessions
	`
	var args []any
	if state != nil {
		query += " WHERE state = ?"
		args = append(args, string(*state))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.Goal, &r.Intent, &r.State, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		r.CreatedAt, _ = parseTime(createdAt)
		r.UpdatedAt, _ = parseTime(updatedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendResult appends one delegation result to the session's audit log.
// Rows are append-only; completion order is preserved by the sequence
// column.
func (db *DB) AppendResult(sessionID string, r models.DelegationResult) error {
	sideEffects, err := json.Marshal(r.SideEffects)
	if err != nil {
		return fmt.Errorf("marshal side effects: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO delegation_results
			(session_id, request_id, worker, step_index, success, output, error, side_effects, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, r.RequestID, r.Worker, r.StepIndex, boolToInt(r.Success),
		r.Output, r.Error, string(sideEffects), formatTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("append delegation result: %w", err)
	}
	return nil
}

// ResultsForSession returns the session's delegation results in the
// order they were appended, which is completion order.
func (db *DB) ResultsForSession(sessionID string) ([]models.DelegationResult, error) {
	rows, err := db.Query(`
		SELECT request_id, worker, step_index, success, output, error, side_effects, finished_at
		FROM delegation_results WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query delegation results: %w", err)
	}
	defer rows.Close()

	var results []models.DelegationResult
	for rows.Next() {
		var r models.DelegationResult
		var success int
		var sideEffects sql.NullString
		var output, errMsg sql.NullString
		var finishedAt string
		if err := rows.Scan(&r.RequestID, &r.Worker, &r.StepIndex, &success,
			&output, &errMsg, &sideEffects, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan delegation result: %w", err)
		}
		r.Success = success != 0
		r.Output = output.String
		r.Error = errMsg.String
		if sideEffects.Valid && sideEffects.String != "" && sideEffects.String != "null" {
			if err := json.Unmarshal([]byte(sideEffects.String), &r.SideEffects); err != nil {
				return nil, fmt.Errorf("unmarshal side effects: %w", err)
			}
		}
		r.FinishedAt, _ = parseTime(finishedAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
