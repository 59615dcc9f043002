package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockLLMClient returns scripted responses in order. Used by tests and by
// the demo wiring in cmd.
type MockLLMClient struct {
	mu        sync.Mutex
	responses []CompletionResponse
	callCount int
}

// NewMockLLMClient creates a client that will return the given responses in
// sequence.
func NewMockLLMClient(responses ...CompletionResponse) *MockLLMClient {
	return &MockLLMClient{responses: responses}
}

func (m *MockLLMClient) Generate(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.callCount
	m.callCount++
	if idx >= len(m.responses) {
		return CompletionResponse{}, errors.New("no more mock responses")
	}
	return m.responses[idx], nil
}

func (m *MockLLMClient) GetModelName() string { return "mock-model" }

// CallCount returns how many times Generate was invoked.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// MockToolExecutor dispatches to registered handler funcs by tool name.
type MockToolExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, args map[string]any) (string, error)
	calls    []string
}

// NewMockToolExecutor creates an executor with no tools registered.
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		handlers: make(map[string]func(ctx context.Context, args map[string]any) (string, error)),
	}
}

// RegisterTool adds a handler for a tool name.
func (m *MockToolExecutor) RegisterTool(name string, handler func(ctx context.Context, args map[string]any) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler
}

func (m *MockToolExecutor) Execute(ctx context.Context, toolName string, args map[string]any) (*ExecResult, error) {
	m.mu.Lock()
	handler, ok := m.handlers[toolName]
	m.calls = append(m.calls, toolName)
	m.mu.Unlock()

	start := time.Now()
	if !ok {
		return &ExecResult{
			Success:    false,
			Error:      fmt.Sprintf("unknown tool: %s", toolName),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	result, err := handler(ctx, args)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &ExecResult{Success: false, Error: err.Error(), DurationMs: elapsed}, nil
	}
	return &ExecResult{Success: true, Result: result, DurationMs: elapsed}, nil
}

// Calls returns the tool names executed, in order.
func (m *MockToolExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]string, len(m.calls))
	copy(calls, m.calls)
	return calls
}
