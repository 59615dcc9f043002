// Package agent defines the read-only agent registry and the collaborator
// contracts the orchestration core consumes: LLM generation, tool execution,
// and the notification/persistence sinks. Implementations live outside the
// core.
package agent

import (
	"context"
	"fmt"
	"sort"
)

// Coordinator is the agent every session starts with and the target of
// escalations.
const Coordinator = "coordinator"

// Message is one entry of an LLM conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// CompletionRequest is the generation contract consumed by the core.
type CompletionRequest struct {
	Messages     []Message        `json:"messages"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// CompletionResponse is a model's reply.
type CompletionResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// LLMClient generates model responses. Implementations (Anthropic, OpenAI,
// local models) are out of scope for the core.
type LLMClient interface {
	Generate(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	GetModelName() string
}

// ExecResult is the outcome of one tool execution.
type ExecResult struct {
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ToolExecutor runs a named tool. Safe for concurrent calls on read-only
// tools; sequencing of mutating tools is the caller's discipline.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (*ExecResult, error)
}

// Notifier is a fire-and-forget notification sink. Failures are logged by
// callers, never propagated as turn failures.
type Notifier interface {
	Notify(message string)
}

// TurnPersister persists a turn's transcript entries.
type TurnPersister interface {
	PersistTurn(ctx context.Context, sessionID, turnID, role, content string) error
}

// Definition describes one registered specialist agent.
type Definition struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	Description  string   `json:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// Registry is an explicit read-only map of agents, constructed once at
// startup and passed by reference into the dispatcher and loop. No hidden
// module-level mutable singletons.
type Registry struct {
	agents map[string]*Definition
}

// NewRegistry builds a registry from the given definitions. A coordinator
// entry is required; duplicate names are rejected.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	agents := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("agent definition missing name")
		}
		if _, dup := agents[def.Name]; dup {
			return nil, fmt.Errorf("duplicate agent definition: %s", def.Name)
		}
		agents[def.Name] = def
	}
	if _, ok := agents[Coordinator]; !ok {
		return nil, fmt.Errorf("registry requires a %q agent", Coordinator)
	}
	return &Registry{agents: agents}, nil
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.agents[name]
	return def, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
