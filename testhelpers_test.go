package yodoca

import (
	"context"
	"encoding/json"
	"errors"
)

// mockProvider is a test Provider that returns canned responses in order.
type mockProvider struct {
	name      string
	responses []ChatResponse // popped in order
	idx       int
	requests  []ChatRequest // every request seen, for assertions
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.requests = append(m.requests, req)
	return m.next(), nil
}

func (m *mockProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	m.requests = append(m.requests, req)
	resp := m.next()
	ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}
	return resp, nil
}

func (m *mockProvider) next() ChatResponse {
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp
}

// --- Tool mocks (shared across agent_test.go, tool_test.go) ---

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type mockToolCalc struct{}

func (m mockToolCalc) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "calc", Description: "Calculate"}}
}
func (m mockToolCalc) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "result from " + name}, nil
}

type errTool struct{}

func (e errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}
func (e errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

type panicTool struct{}

func (p panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "explode", Description: "Panics"}}
}
func (p panicTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	panic("boom")
}

type multiTool struct{}

func (m multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read", Description: "Read file"},
		{Name: "write", Description: "Write file"},
	}
}
func (m multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "did " + name}, nil
}
