package persistence

import "time"

// Turn represents one request/response cycle of a session.
type Turn struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SessionID   string     `json:"session_id"`
	TurnID      string     `json:"turn_id"`
	Agent       string     `json:"agent,omitempty"`
	Status      string     `json:"status,omitempty"`
	Request     string     `json:"request,omitempty"`
	Answer      string     `json:"answer,omitempty"`
}

// TranscriptEntry is one conversational message within a turn.
type TranscriptEntry struct {
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ID        int64     `json:"id,omitempty"`
}

// EventRecord is a journaled event envelope, stored as JSON alongside its
// per-session sequence number so replay can resume from any point.
type EventRecord struct {
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id"`
	EventID   string    `json:"event_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	Seq       uint64    `json:"seq"`
}
