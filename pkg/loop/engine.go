package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/delegation"
)

// ModelEngine adapts a model client to the Engine contract. The active
// agent's system prompt and tool list come from the registry; the model
// replies either with native tool calls or with a JSON decision in its text
// body. Free text that parses as neither is taken as a final answer.
type ModelEngine struct {
	client   agent.LLMClient
	registry *agent.Registry
}

// NewModelEngine wires an engine over the given client and registry.
func NewModelEngine(client agent.LLMClient, registry *agent.Registry) *ModelEngine {
	return &ModelEngine{client: client, registry: registry}
}

// modelDecision is the JSON shape a model may reply with.
type modelDecision struct {
	Intent      string            `json:"intent"`
	Content     string            `json:"content,omitempty"`
	Tool        string            `json:"tool,omitempty"`
	Args        map[string]any    `json:"args,omitempty"`
	Question    string            `json:"question,omitempty"`
	Delegations []delegation.Spec `json:"delegations,omitempty"`
	Parallel    bool              `json:"parallel,omitempty"`
}

func (e *ModelEngine) Decide(ctx context.Context, dc DecisionContext) (*Decision, error) {
	req := agent.CompletionRequest{Messages: messagesFor(dc)}
	if e.registry != nil {
		if def, ok := e.registry.Get(dc.Agent); ok {
			req.SystemPrompt = def.SystemPrompt
			for _, name := range def.Tools {
				req.Tools = append(req.Tools, agent.ToolDefinition{Name: name})
			}
		}
	}

	resp, err := e.client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model generation failed: %w", err)
	}

	// Native tool calls win over anything in the text body.
	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		return &Decision{Intent: IntentToolCall, ToolName: call.Name, ToolArgs: call.Args}, nil
	}
	return parseDecision(resp.Content), nil
}

func messagesFor(dc DecisionContext) []agent.Message {
	msgs := []agent.Message{{Role: "user", Content: dc.Message}}
	if dc.Note != "" {
		msgs = append(msgs, agent.Message{Role: "tool", Content: dc.Note})
	}
	return msgs
}

// parseDecision reads a JSON decision from the model's text, falling back to
// treating the whole body as a final answer.
func parseDecision(content string) *Decision {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return &Decision{Intent: IntentAnswer, Content: trimmed}
	}

	var md modelDecision
	if err := json.Unmarshal([]byte(trimmed), &md); err != nil || md.Intent == "" {
		return &Decision{Intent: IntentAnswer, Content: trimmed}
	}
	return &Decision{
		Intent:      Intent(md.Intent),
		Content:     md.Content,
		ToolName:    md.Tool,
		ToolArgs:    md.Args,
		Question:    md.Question,
		Delegations: md.Delegations,
		Parallel:    md.Parallel,
	}
}
