package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	rc := proto.RequestContext{SessionID: "sess-1", RequestID: "req-1", TurnID: "turn-1"}
	first := proto.NewEvent(rc, proto.EventTurnStarted, &proto.TurnPayload{Message: "hello"})
	second := proto.NewEvent(rc, proto.EventToolCall, &proto.ToolCallPayload{ToolName: "fs_listFiles"})

	require.NoError(t, w.WriteEnvelope(first))
	require.NoError(t, w.WriteEnvelope(second))

	path := w.CurrentLogFile()
	require.NotEmpty(t, path)

	envelopes, err := ReadEnvelopes(path)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	assert.Equal(t, first.EventID, envelopes[0].EventID)
	assert.Equal(t, proto.EventToolCall, envelopes[1].Type)
	assert.Equal(t, "sess-1", envelopes[1].SessionID)
}

func TestAuditProjection(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	p := NewAuditProjection(w)
	assert.Equal(t, "audit-log", p.Name())

	rc := proto.RequestContext{SessionID: "sess-1", RequestID: "req-1", TurnID: "turn-1"}
	require.NoError(t, p.Handle(context.Background(), proto.NewEvent(rc, proto.EventAgentStarted, &proto.AgentPayload{Agent: "coordinator"})))

	envelopes, err := ReadEnvelopes(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, proto.EventAgentStarted, envelopes[0].Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())
}
