// Package session owns ConversationState: one mutable view per session,
// derived exclusively from bus events by the state projection. Nothing else
// mutates it.
package session

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Phase is the coarse lifecycle position of a session's current turn.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseQualification Phase = "qualification"
	PhaseExecution     Phase = "execution"
	PhaseReview        Phase = "review"
	PhaseWaitingUser   Phase = "waiting_user"
	PhaseError         Phase = "error"
)

// HistoryEntry records an agent activation or escalation within a session.
type HistoryEntry struct {
	Agent  string    `json:"agent"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ConversationState is the projected view of one session. It is created on
// the session's first event and superseded by fresh turns, never deleted.
type ConversationState struct {
	CurrentPhase     Phase                     `json:"current_phase"`
	ActiveAgent      string                    `json:"active_agent,omitempty"`
	PendingApprovals []proto.GatePayload       `json:"pending_approvals"`
	PendingQuestions []proto.GatePayload       `json:"pending_questions"`
	Obligations      []proto.ObligationPayload `json:"obligations"`
	AgentHistory     []HistoryEntry            `json:"agent_history"`
	Todos            []string                  `json:"todos"`
}

// Projection derives ConversationState from bus events. Register it first so
// state is consistent before client broadcast and audit observe the event.
type Projection struct {
	mu     sync.Mutex
	states map[string]*ConversationState
	logger *logx.Logger
}

// NewProjection creates an empty state projection.
func NewProjection() *Projection {
	return &Projection{
		states: make(map[string]*ConversationState),
		logger: logx.NewLogger("session"),
	}
}

func (p *Projection) Name() string { return "session-state" }

// Subscriptions declares every event family the projection reacts to, so
// the bus can check payload shapes at registration.
func (p *Projection) Subscriptions() []proto.EventType {
	return []proto.EventType{
		proto.EventSessionCreated, proto.EventSessionReset,
		proto.EventTurnStarted, proto.EventTurnCompleted, proto.EventTurnWaiting, proto.EventTurnFailed,
		proto.EventAgentStarted, proto.EventAgentCompleted, proto.EventAgentEscalated,
		proto.EventGateOpened, proto.EventGateResolved, proto.EventGateExpired,
		proto.EventObligationOpened, proto.EventObligationResolved,
	}
}

// Handle mutates the owning session's state. The dispatcher serializes
// command handling per session, so no two in-flight handlers mutate the same
// session concurrently; the mutex guards cross-session map access.
func (p *Projection) Handle(_ context.Context, e *proto.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.states[e.SessionID]
	if state == nil {
		state = &ConversationState{CurrentPhase: PhaseIdle}
		p.states[e.SessionID] = state
	}

	switch e.Type {
	case proto.EventSessionReset:
		*state = ConversationState{CurrentPhase: PhaseIdle}

	case proto.EventTurnStarted:
		state.CurrentPhase = PhaseQualification

	case proto.EventTurnCompleted:
		state.CurrentPhase = PhaseIdle
		state.ActiveAgent = ""

	case proto.EventTurnWaiting:
		state.CurrentPhase = PhaseWaitingUser

	case proto.EventTurnFailed:
		state.CurrentPhase = PhaseError

	case proto.EventAgentStarted:
		if payload, ok := e.Payload.(*proto.AgentPayload); ok {
			state.CurrentPhase = PhaseExecution
			state.ActiveAgent = payload.Agent
			state.AgentHistory = append(state.AgentHistory, HistoryEntry{
				Agent: payload.Agent, At: e.Timestamp,
			})
		}

	case proto.EventAgentCompleted:
		state.CurrentPhase = PhaseReview

	case proto.EventAgentEscalated:
		if payload, ok := e.Payload.(*proto.AgentPayload); ok {
			state.ActiveAgent = "coordinator"
			state.AgentHistory = append(state.AgentHistory, HistoryEntry{
				Agent: payload.Agent, Detail: "escalated: " + payload.Detail, At: e.Timestamp,
			})
		}

	case proto.EventGateOpened:
		if payload, ok := e.Payload.(*proto.GatePayload); ok {
			if payload.Kind == "approval" {
				state.PendingApprovals = append(state.PendingApprovals, *payload)
			} else {
				state.PendingQuestions = append(state.PendingQuestions, *payload)
			}
			if payload.Blocking {
				state.CurrentPhase = PhaseWaitingUser
			}
		}

	case proto.EventGateResolved, proto.EventGateExpired:
		if payload, ok := e.Payload.(*proto.GatePayload); ok {
			state.PendingApprovals = removeGate(state.PendingApprovals, payload.GateID)
			state.PendingQuestions = removeGate(state.PendingQuestions, payload.GateID)
		}

	case proto.EventObligationOpened:
		if payload, ok := e.Payload.(*proto.ObligationPayload); ok {
			state.Obligations = append(state.Obligations, *payload)
		}

	case proto.EventObligationResolved:
		if payload, ok := e.Payload.(*proto.ObligationPayload); ok {
			for i := range state.Obligations {
				if state.Obligations[i].ObligationID == payload.ObligationID {
					state.Obligations[i].Status = payload.Status
					break
				}
			}
		}
	}

	return nil
}

// Snapshot returns a copy of the session's state, creating an idle state for
// unknown sessions.
func (p *Projection) Snapshot(sessionID string) ConversationState {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.states[sessionID]
	if state == nil {
		return ConversationState{CurrentPhase: PhaseIdle}
	}

	out := *state
	out.PendingApprovals = append([]proto.GatePayload(nil), state.PendingApprovals...)
	out.PendingQuestions = append([]proto.GatePayload(nil), state.PendingQuestions...)
	out.Obligations = append([]proto.ObligationPayload(nil), state.Obligations...)
	out.AgentHistory = append([]HistoryEntry(nil), state.AgentHistory...)
	out.Todos = append([]string(nil), state.Todos...)
	return out
}

func removeGate(gates []proto.GatePayload, gateID string) []proto.GatePayload {
	for i := range gates {
		if gates[i].GateID == gateID {
			return append(gates[:i], gates[i+1:]...)
		}
	}
	return gates
}
