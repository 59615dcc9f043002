package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func rc() proto.RequestContext {
	return proto.RequestContext{SessionID: "sess-1", RequestID: "req-1", TurnID: "turn-1"}
}

func handle(t *testing.T, p *Projection, eventType proto.EventType, payload any) {
	t.Helper()
	require.NoError(t, p.Handle(context.Background(), proto.NewEvent(rc(), eventType, payload)))
}

func TestPhaseTransitions(t *testing.T) {
	p := NewProjection()

	assert.Equal(t, PhaseIdle, p.Snapshot("sess-1").CurrentPhase)

	handle(t, p, proto.EventTurnStarted, &proto.TurnPayload{Message: "hi"})
	assert.Equal(t, PhaseQualification, p.Snapshot("sess-1").CurrentPhase)

	handle(t, p, proto.EventAgentStarted, &proto.AgentPayload{Agent: "coordinator"})
	state := p.Snapshot("sess-1")
	assert.Equal(t, PhaseExecution, state.CurrentPhase)
	assert.Equal(t, "coordinator", state.ActiveAgent)
	assert.Len(t, state.AgentHistory, 1)

	handle(t, p, proto.EventAgentCompleted, &proto.AgentPayload{Agent: "coordinator"})
	assert.Equal(t, PhaseReview, p.Snapshot("sess-1").CurrentPhase)

	handle(t, p, proto.EventTurnCompleted, &proto.TurnPayload{Status: "completed"})
	state = p.Snapshot("sess-1")
	assert.Equal(t, PhaseIdle, state.CurrentPhase)
	assert.Empty(t, state.ActiveAgent)
}

func TestGateTracking(t *testing.T) {
	p := NewProjection()

	handle(t, p, proto.EventGateOpened, &proto.GatePayload{GateID: "q_1", Kind: "question", Blocking: true})
	handle(t, p, proto.EventGateOpened, &proto.GatePayload{GateID: "appr_1", Kind: "approval"})

	state := p.Snapshot("sess-1")
	assert.Len(t, state.PendingQuestions, 1)
	assert.Len(t, state.PendingApprovals, 1)
	assert.Equal(t, PhaseWaitingUser, state.CurrentPhase, "blocking gate moves the phase to waiting_user")

	handle(t, p, proto.EventGateResolved, &proto.GatePayload{GateID: "q_1", Kind: "question", Outcome: "answered"})
	handle(t, p, proto.EventGateExpired, &proto.GatePayload{GateID: "appr_1", Kind: "approval"})

	state = p.Snapshot("sess-1")
	assert.Empty(t, state.PendingQuestions)
	assert.Empty(t, state.PendingApprovals)
}

func TestObligationMirror(t *testing.T) {
	p := NewProjection()

	handle(t, p, proto.EventObligationOpened, &proto.ObligationPayload{ObligationID: "obl_1", Status: "open", Description: "do x"})
	handle(t, p, proto.EventObligationResolved, &proto.ObligationPayload{ObligationID: "obl_1", Status: "satisfied"})

	state := p.Snapshot("sess-1")
	require.Len(t, state.Obligations, 1)
	assert.Equal(t, "satisfied", state.Obligations[0].Status)
}

func TestEscalationHistory(t *testing.T) {
	p := NewProjection()

	handle(t, p, proto.EventAgentStarted, &proto.AgentPayload{Agent: "researcher"})
	handle(t, p, proto.EventAgentEscalated, &proto.AgentPayload{Agent: "researcher", Detail: "out of scope"})

	state := p.Snapshot("sess-1")
	assert.Equal(t, "coordinator", state.ActiveAgent)
	require.Len(t, state.AgentHistory, 2)
	assert.Contains(t, state.AgentHistory[1].Detail, "out of scope")
}

func TestSessionReset(t *testing.T) {
	p := NewProjection()

	handle(t, p, proto.EventAgentStarted, &proto.AgentPayload{Agent: "coordinator"})
	handle(t, p, proto.EventSessionReset, &proto.SessionPayload{SessionID: "sess-1"})

	state := p.Snapshot("sess-1")
	assert.Equal(t, PhaseIdle, state.CurrentPhase)
	assert.Empty(t, state.AgentHistory)
}

func TestSessionsAreIndependent(t *testing.T) {
	p := NewProjection()

	handle(t, p, proto.EventAgentStarted, &proto.AgentPayload{Agent: "coordinator"})

	other := proto.RequestContext{SessionID: "sess-2", RequestID: "req-9", TurnID: "turn-9"}
	require.NoError(t, p.Handle(context.Background(),
		proto.NewEvent(other, proto.EventTurnFailed, &proto.TurnPayload{Status: "error"})))

	assert.Equal(t, PhaseExecution, p.Snapshot("sess-1").CurrentPhase)
	assert.Equal(t, PhaseError, p.Snapshot("sess-2").CurrentPhase)
}
