package yodoca

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool defines an agent capability with one or more tool functions.
// Tool results are always structured records; a tool that needs to return
// data marshals it to JSON in ToolResult.Content.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// StructuredResult marshals v into a ToolResult. Marshal failures become
// tool-level errors rather than Go errors so the agent loop sees them.
func StructuredResult(v any) ToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("marshal result: %v", err)}
	}
	return ToolResult{Content: string(b)}
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// Tools returns the registered tools in registration order.
func (r *ToolRegistry) Tools() []Tool {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// FuncTool adapts a single function into a Tool. The loader uses it for
// agent-as-tool wrappers and the runner for kernel tools.
type FuncTool struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// NewFuncTool builds a one-function tool. parameters must be a JSON Schema
// object; pass nil for a no-argument tool.
func NewFuncTool(name, description string, parameters json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (ToolResult, error)) *FuncTool {
	if parameters == nil {
		parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return &FuncTool{
		Def: ToolDefinition{Name: name, Description: description, Parameters: parameters},
		Fn:  fn,
	}
}

func (f *FuncTool) Definitions() []ToolDefinition { return []ToolDefinition{f.Def} }

func (f *FuncTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if name != f.Def.Name {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return f.Fn(ctx, args)
}

var _ Tool = (*FuncTool)(nil)
