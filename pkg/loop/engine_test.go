package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
)

// captureClient records the request it was handed and returns a fixed
// response.
type captureClient struct {
	req  agent.CompletionRequest
	resp agent.CompletionResponse
}

func (c *captureClient) Generate(_ context.Context, req agent.CompletionRequest) (agent.CompletionResponse, error) {
	c.req = req
	return c.resp, nil
}

func (c *captureClient) GetModelName() string { return "capture" }

func testRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	registry, err := agent.NewRegistry(
		&agent.Definition{
			Name:         agent.Coordinator,
			Domain:       "general",
			SystemPrompt: "you coordinate",
			Tools:        []string{"fs_listFiles"},
		},
	)
	require.NoError(t, err)
	return registry
}

func TestModelEngineToolCallPassthrough(t *testing.T) {
	client := agent.NewMockLLMClient(agent.CompletionResponse{
		ToolCalls: []agent.ToolCall{{ID: "tc1", Name: "fs_listFiles", Args: map[string]any{"path": "."}}},
	})
	engine := NewModelEngine(client, testRegistry(t))

	d, err := engine.Decide(context.Background(), DecisionContext{Agent: agent.Coordinator, Message: "list files"})
	require.NoError(t, err)
	assert.Equal(t, IntentToolCall, d.Intent)
	assert.Equal(t, "fs_listFiles", d.ToolName)
	assert.Equal(t, ".", d.ToolArgs["path"])
}

func TestModelEngineParsesJSONDecision(t *testing.T) {
	client := agent.NewMockLLMClient(agent.CompletionResponse{
		Content: `{"intent":"clarify","question":"which environment do you mean?"}`,
	})
	engine := NewModelEngine(client, testRegistry(t))

	d, err := engine.Decide(context.Background(), DecisionContext{Agent: agent.Coordinator, Message: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, IntentClarify, d.Intent)
	assert.Equal(t, "which environment do you mean?", d.Question)
}

func TestModelEngineFreeTextIsAnswer(t *testing.T) {
	client := agent.NewMockLLMClient(agent.CompletionResponse{Content: "three files, all Go"})
	engine := NewModelEngine(client, testRegistry(t))

	d, err := engine.Decide(context.Background(), DecisionContext{Agent: agent.Coordinator, Message: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, IntentAnswer, d.Intent)
	assert.Equal(t, "three files, all Go", d.Content)

	// Malformed JSON also falls back to a final answer.
	client = agent.NewMockLLMClient(agent.CompletionResponse{Content: `{"intent": broken`})
	engine = NewModelEngine(client, testRegistry(t))
	d, err = engine.Decide(context.Background(), DecisionContext{Agent: agent.Coordinator, Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, IntentAnswer, d.Intent)
}

func TestModelEngineUsesAgentDefinition(t *testing.T) {
	client := &captureClient{resp: agent.CompletionResponse{Content: "ok"}}
	engine := NewModelEngine(client, testRegistry(t))

	_, err := engine.Decide(context.Background(), DecisionContext{
		Agent:   agent.Coordinator,
		Message: "hello",
		Note:    "previous tool output",
	})
	require.NoError(t, err)

	assert.Equal(t, "you coordinate", client.req.SystemPrompt)
	require.Len(t, client.req.Tools, 1)
	assert.Equal(t, "fs_listFiles", client.req.Tools[0].Name)
	require.Len(t, client.req.Messages, 2)
	assert.Equal(t, "hello", client.req.Messages[0].Content)
	assert.Equal(t, "previous tool output", client.req.Messages[1].Content)
}

func TestModelEngineGenerationErrorPropagates(t *testing.T) {
	engine := NewModelEngine(agent.NewMockLLMClient(), testRegistry(t))

	_, err := engine.Decide(context.Background(), DecisionContext{Agent: agent.Coordinator, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model generation failed")
}

func TestLoopWithModelEngine(t *testing.T) {
	client := agent.NewMockLLMClient(
		agent.CompletionResponse{
			ToolCalls: []agent.ToolCall{{ID: "tc1", Name: "fs_listFiles"}},
		},
		agent.CompletionResponse{
			Content: `{"intent":"answer","content":"repo summarized"}`,
		},
	)
	f := newFixture(t, NewModelEngine(client, testRegistry(t)))

	result := f.loop.Run(context.Background(), testContext(), Input{Message: "summarize repo"})

	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "repo summarized", result.Answer)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, IntentToolCall, result.Steps[0].Intent)
	assert.Equal(t, 2, client.CallCount())
}
