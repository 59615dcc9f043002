package proto

import "time"

// EventType classifies domain events. Types are dot-namespaced; the segment
// before the first dot is the event family.
type EventType string

const (
	// Session lifecycle.
	EventSessionCreated  EventType = "session.created"
	EventSessionAttached EventType = "session.attached"
	EventSessionReset    EventType = "session.reset"

	// Turn lifecycle.
	EventTurnStarted   EventType = "turn.started"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnWaiting   EventType = "turn.waiting"
	EventTurnFailed    EventType = "turn.failed"

	// Agent activity within a turn.
	EventAgentStarted   EventType = "agent.started"
	EventAgentCompleted EventType = "agent.completed"
	EventAgentEscalated EventType = "agent.escalated"
	EventAgentThinking  EventType = "agent.thinking"

	// Tool execution.
	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	// Gates (questions and approvals).
	EventGateOpened   EventType = "gate.opened"
	EventGateResolved EventType = "gate.resolved"
	EventGateExpired  EventType = "gate.expired"

	// Delegation to specialist agents.
	EventDelegationDispatched EventType = "delegation.dispatched"
	EventDelegationCompleted  EventType = "delegation.completed"

	// Obligation ledger.
	EventObligationOpened   EventType = "obligation.opened"
	EventObligationResolved EventType = "obligation.resolved"
)

// SessionPayload accompanies session.* events.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// TurnPayload accompanies turn.* events.
type TurnPayload struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
	Answer  string `json:"answer,omitempty"`
}

// AgentPayload accompanies agent.* events.
type AgentPayload struct {
	Agent  string `json:"agent"`
	Detail string `json:"detail,omitempty"`
}

// ToolCallPayload accompanies tool.call events.
type ToolCallPayload struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
	Agent    string         `json:"agent,omitempty"`
}

// ToolResultPayload accompanies tool.result events.
type ToolResultPayload struct {
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// GatePayload accompanies gate.* events.
type GatePayload struct {
	GateID    string     `json:"gate_id"`
	Kind      string     `json:"kind"` // "question" or "approval"
	Text      string     `json:"text,omitempty"`
	Blocking  bool       `json:"blocking,omitempty"`
	RiskLevel string     `json:"risk_level,omitempty"`
	FromAgent string     `json:"from_agent,omitempty"`
	Outcome   string     `json:"outcome,omitempty"` // resolution events only
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// DelegationPayload accompanies delegation.* events.
type DelegationPayload struct {
	ObligationID string `json:"obligation_id"`
	TargetAgent  string `json:"target_agent"`
	Objective    string `json:"objective"`
	Status       string `json:"status,omitempty"` // completion events only
	Summary      string `json:"summary,omitempty"`
}

// ObligationPayload accompanies obligation.* events.
type ObligationPayload struct {
	ObligationID string `json:"obligation_id"`
	Type         string `json:"type"`
	Description  string `json:"description"`
	Status       string `json:"status,omitempty"`
	Evidence     string `json:"evidence,omitempty"`
}

// payloadShapes is the tagged union: exactly one payload shape per event type.
var payloadShapes = map[EventType]func() any{
	EventSessionCreated:  func() any { return &SessionPayload{} },
	EventSessionAttached: func() any { return &SessionPayload{} },
	EventSessionReset:    func() any { return &SessionPayload{} },

	EventTurnStarted:   func() any { return &TurnPayload{} },
	EventTurnCompleted: func() any { return &TurnPayload{} },
	EventTurnWaiting:   func() any { return &TurnPayload{} },
	EventTurnFailed:    func() any { return &TurnPayload{} },

	EventAgentStarted:   func() any { return &AgentPayload{} },
	EventAgentCompleted: func() any { return &AgentPayload{} },
	EventAgentEscalated: func() any { return &AgentPayload{} },
	EventAgentThinking:  func() any { return &AgentPayload{} },

	EventToolCall:   func() any { return &ToolCallPayload{} },
	EventToolResult: func() any { return &ToolResultPayload{} },

	EventGateOpened:   func() any { return &GatePayload{} },
	EventGateResolved: func() any { return &GatePayload{} },
	EventGateExpired:  func() any { return &GatePayload{} },

	EventDelegationDispatched: func() any { return &DelegationPayload{} },
	EventDelegationCompleted:  func() any { return &DelegationPayload{} },

	EventObligationOpened:   func() any { return &ObligationPayload{} },
	EventObligationResolved: func() any { return &ObligationPayload{} },
}

// ValidateEventType reports whether a string names a known event type.
func ValidateEventType(eventType string) (EventType, bool) {
	et := EventType(eventType)
	if _, ok := payloadShapes[et]; ok {
		return et, true
	}
	return "", false
}

// PayloadFor returns a zero value of the payload shape registered for the
// given event type. Projections use this at registration time to check that
// every type they subscribe to has a known shape.
func PayloadFor(eventType EventType) (any, bool) {
	mk, ok := payloadShapes[eventType]
	if !ok {
		return nil, false
	}
	return mk(), true
}

// AllEventTypes returns every registered event type. Order is unspecified.
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(payloadShapes))
	for et := range payloadShapes {
		types = append(types, et)
	}
	return types
}
