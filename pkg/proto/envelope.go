// Package proto defines the canonical event envelope, request context, and
// command schema shared by every component of the orchestration core.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source identifies the component that produced an envelope.
const (
	SourceRouter     = "router"
	SourceLoop       = "loop"
	SourceDelegation = "delegation"
	SourceGate       = "gate"
	SourceObligation = "obligation"
)

// Visibility controls which consumers should surface an envelope.
const (
	VisibilityUI       = "ui"
	VisibilityInternal = "internal"
)

// RequestContext carries the identity of one inbound command. It is created
// once by the dispatcher and threaded unchanged through every event produced
// while handling that command.
type RequestContext struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	TurnID    string `json:"turn_id"`
}

// NewRequestContext creates the context for a fresh turn of the given session.
func NewRequestContext(sessionID, requestID string) RequestContext {
	return RequestContext{
		SessionID: sessionID,
		RequestID: requestID,
		TurnID:    "turn_" + uuid.NewString(),
	}
}

// WithTurn returns a copy of the context rebound to an existing turn, used
// when a gate answer resumes a suspended turn.
func (rc RequestContext) WithTurn(turnID string) RequestContext {
	rc.TurnID = turnID
	return rc
}

// Envelope is the immutable record wrapping one domain event. Two envelopes
// with the same (SessionID, EventID) are the same occurrence; deduplication
// is the bus's job, not the constructor's.
type Envelope struct {
	EventID       string    `json:"event_id"`
	SessionID     string    `json:"session_id"`
	RequestID     string    `json:"request_id"`
	TurnID        string    `json:"turn_id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Type          EventType `json:"event_type"`
	CausationID   string    `json:"causation_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       any       `json:"payload"`
	Visibility    string    `json:"visibility"`

	// Seq is assigned by the replay buffer when the envelope is recorded for
	// client replay. Zero until then.
	Seq uint64 `json:"seq,omitempty"`
}

// Option customizes an envelope at construction time.
type Option func(*Envelope)

// WithSource overrides the default "router" source.
func WithSource(source string) Option {
	return func(e *Envelope) { e.Source = source }
}

// WithVisibility overrides the default "ui" visibility.
func WithVisibility(visibility string) Option {
	return func(e *Envelope) { e.Visibility = visibility }
}

// WithCausation records the event that directly caused this one.
func WithCausation(eventID string) Option {
	return func(e *Envelope) { e.CausationID = eventID }
}

// WithCorrelation ties the envelope to a request/response pair.
func WithCorrelation(correlationID string) Option {
	return func(e *Envelope) { e.CorrelationID = correlationID }
}

// NewEvent constructs a fresh envelope for the given context. Every call
// generates a new unique EventID, even for identical payloads.
func NewEvent(rc RequestContext, eventType EventType, payload any, opts ...Option) *Envelope {
	e := &Envelope{
		EventID:    "evt_" + uuid.NewString(),
		SessionID:  rc.SessionID,
		RequestID:  rc.RequestID,
		TurnID:     rc.TurnID,
		Timestamp:  time.Now().UTC(),
		Source:     SourceRouter,
		Type:       eventType,
		Payload:    payload,
		Visibility: VisibilityUI,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateCorrelationID creates a unique ID for request/response pairing.
func GenerateCorrelationID() string {
	return "corr_" + uuid.NewString()
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromJSON parses a serialized envelope. The payload is decoded into
// a generic map; callers needing the typed shape re-decode via PayloadFor.
func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}

func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event ID is required")
	}
	if len(e.EventID) < 16 {
		return fmt.Errorf("event ID too short to be unique: %q", e.EventID)
	}
	if e.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if _, valid := ValidateEventType(string(e.Type)); !valid {
		return fmt.Errorf("invalid event type: %s", e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
