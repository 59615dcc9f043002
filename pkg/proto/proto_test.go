package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventGeneratesUniqueIDs(t *testing.T) {
	rc := NewRequestContext("sess-1", "req-1")

	a := NewEvent(rc, EventAgentStarted, &AgentPayload{Agent: "coordinator"})
	b := NewEvent(rc, EventAgentStarted, &AgentPayload{Agent: "coordinator"})

	assert.NotEqual(t, a.EventID, b.EventID, "identical payloads must still yield distinct envelopes")
	assert.GreaterOrEqual(t, len(a.EventID), 16)
	assert.Equal(t, "sess-1", a.SessionID)
	assert.Equal(t, rc.TurnID, a.TurnID)
}

func TestNewEventDefaults(t *testing.T) {
	rc := NewRequestContext("sess-1", "req-1")
	e := NewEvent(rc, EventToolCall, &ToolCallPayload{ToolName: "fs_listFiles"})

	assert.Equal(t, SourceRouter, e.Source)
	assert.Equal(t, VisibilityUI, e.Visibility)
	assert.False(t, e.Timestamp.IsZero())
	require.NoError(t, e.Validate())
}

func TestEnvelopeOptions(t *testing.T) {
	rc := NewRequestContext("sess-1", "req-1")
	e := NewEvent(rc, EventToolResult,
		&ToolResultPayload{ToolName: "fs_listFiles", Success: true},
		WithSource(SourceLoop),
		WithVisibility(VisibilityInternal),
		WithCausation("evt_parent"),
		WithCorrelation("corr_x"),
	)

	assert.Equal(t, SourceLoop, e.Source)
	assert.Equal(t, VisibilityInternal, e.Visibility)
	assert.Equal(t, "evt_parent", e.CausationID)
	assert.Equal(t, "corr_x", e.CorrelationID)
}

func TestEnvelopeValidate(t *testing.T) {
	rc := NewRequestContext("sess-1", "req-1")

	e := NewEvent(rc, EventType("bogus.event"), nil)
	assert.Error(t, e.Validate())

	e = NewEvent(rc, EventTurnStarted, &TurnPayload{Message: "hi"})
	e.SessionID = ""
	assert.Error(t, e.Validate())
}

func TestPayloadShapesCoverAllEventTypes(t *testing.T) {
	for _, et := range AllEventTypes() {
		shape, ok := PayloadFor(et)
		require.True(t, ok, "missing payload shape for %s", et)
		require.NotNil(t, shape)
	}

	_, ok := PayloadFor(EventType("no.such.type"))
	assert.False(t, ok)
}

func TestRequestContextWithTurn(t *testing.T) {
	rc := NewRequestContext("sess-1", "req-1")
	resumed := rc.WithTurn("turn_original")

	assert.Equal(t, "turn_original", resumed.TurnID)
	assert.Equal(t, rc.SessionID, resumed.SessionID)
	assert.NotEqual(t, rc.TurnID, resumed.TurnID)
}

func TestCommandValidation(t *testing.T) {
	cases := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"valid user_request", &UserRequest{SessionID: "s", RequestID: "r", Message: "hello"}, false},
		{"user_request missing message", &UserRequest{SessionID: "s", RequestID: "r"}, true},
		{"valid question answer", &UserQuestionAnswered{SessionID: "s", RequestID: "r", QuestionID: "q", Answer: "yes"}, false},
		{"question answer missing id", &UserQuestionAnswered{SessionID: "s", RequestID: "r"}, true},
		{"valid approval", &UserApprovalDecided{SessionID: "s", RequestID: "r", ApprovalID: "a", Approved: true}, false},
		{"valid plan approval", &UserPlanApprovalDecided{SessionID: "s", RequestID: "r", PlanID: "p"}, false},
		{"plan approval missing session", &UserPlanApprovalDecided{RequestID: "r", PlanID: "p"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
