package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// DatabaseOperations provides methods for database operations.
// This is used by the write worker goroutine and by query callers.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// UpsertTurn inserts or updates a turn record.
func (ops *DatabaseOperations) UpsertTurn(turn *Turn) error {
	query := `
		INSERT INTO turns (session_id, turn_id, agent, status, request, answer, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, turn_id) DO UPDATE SET
			agent = excluded.agent,
			status = excluded.status,
			request = excluded.request,
			answer = excluded.answer,
			completed_at = excluded.completed_at
	`

	_, err := ops.db.Exec(query,
		turn.SessionID, turn.TurnID, turn.Agent, turn.Status,
		turn.Request, turn.Answer, turn.StartedAt, turn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert turn %s/%s: %w", turn.SessionID, turn.TurnID, err)
	}
	return nil
}

// InsertTranscriptEntry appends a transcript message.
func (ops *DatabaseOperations) InsertTranscriptEntry(entry *TranscriptEntry) error {
	query := `
		INSERT INTO transcript (session_id, turn_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := ops.db.Exec(query,
		entry.SessionID, entry.TurnID, entry.Role, entry.Content, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transcript entry for %s: %w", entry.SessionID, err)
	}
	return nil
}

// InsertEvent journals an event record. Re-inserting the same
// (session_id, event_id) pair is a no-op, matching bus idempotency.
func (ops *DatabaseOperations) InsertEvent(record *EventRecord) error {
	query := `
		INSERT INTO events (session_id, event_id, turn_id, seq, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, event_id) DO NOTHING
	`

	_, err := ops.db.Exec(query,
		record.SessionID, record.EventID, record.TurnID, record.Seq,
		record.EventType, record.Payload, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", record.EventID, err)
	}
	return nil
}

// GetTurn returns a single turn, or nil if it does not exist.
func (ops *DatabaseOperations) GetTurn(sessionID, turnID string) (*Turn, error) {
	query := `
		SELECT session_id, turn_id, agent, status, request, answer, started_at, completed_at
		FROM turns WHERE session_id = ? AND turn_id = ?
	`

	turn := &Turn{}
	err := ops.db.QueryRow(query, sessionID, turnID).Scan(
		&turn.SessionID, &turn.TurnID, &turn.Agent, &turn.Status,
		&turn.Request, &turn.Answer, &turn.StartedAt, &turn.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn %s/%s: %w", sessionID, turnID, err)
	}
	return turn, nil
}

// GetTranscript returns the full transcript for a session in insertion order.
func (ops *DatabaseOperations) GetTranscript(sessionID string) ([]*TranscriptEntry, error) {
	query := `
		SELECT id, session_id, turn_id, role, content, created_at
		FROM transcript WHERE session_id = ? ORDER BY id
	`

	rows, err := ops.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*TranscriptEntry
	for rows.Next() {
		entry := &TranscriptEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.SessionID, &entry.TurnID,
			&entry.Role, &entry.Content, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript row iteration failed: %w", err)
	}
	return entries, nil
}

// GetEventsSince returns journaled events for a session with seq > sinceSeq,
// ordered by sequence. Used when a reconnecting client has fallen off the
// in-memory replay ring.
func (ops *DatabaseOperations) GetEventsSince(sessionID string, sinceSeq uint64) ([]*EventRecord, error) {
	query := `
		SELECT session_id, event_id, turn_id, seq, event_type, payload, created_at
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq
	`

	rows, err := ops.db.Query(query, sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*EventRecord
	for rows.Next() {
		record := &EventRecord{}
		if err := rows.Scan(
			&record.SessionID, &record.EventID, &record.TurnID, &record.Seq,
			&record.EventType, &record.Payload, &record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event row iteration failed: %w", err)
	}
	return records, nil
}
