package yodoca

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Agent is a unit of work that takes a task and returns a result. The
// orchestrator built by the runner is an Agent; the message router owns
// exactly one and serialises every invocation against it.
type Agent interface {
	// Name returns the agent's identifier.
	Name() string
	// Description returns a human-readable description of what the agent does.
	Description() string
	// Execute runs the agent on the given task and returns a result.
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
}

// StreamingAgent is an optional capability for agents that support event
// streaming. Check via type assertion:
//
//	if sa, ok := agent.(StreamingAgent); ok { ... }
type StreamingAgent interface {
	Agent
	// ExecuteStream runs the agent like Execute, but emits StreamEvent
	// values into ch throughout execution. The channel is closed when
	// streaming completes.
	ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error)
}

// AgentTask is the input to an Agent.
type AgentTask struct {
	// Input is the natural language task description.
	Input string
	// History carries prior turns of the current session, oldest first.
	// The router populates it for reactive invocations; background callers
	// usually leave it empty.
	History []ChatMessage
	// Context carries optional metadata. Use the Context* constants as keys
	// and the Task* accessors for type-safe reads.
	Context map[string]any
}

// Context key constants for AgentTask.Context.
const (
	// ContextUserID identifies the user.
	ContextUserID = "user_id"
	// ContextChannelID identifies the originating channel extension.
	ContextChannelID = "channel_id"
	// ContextSessionID identifies the conversation session.
	ContextSessionID = "session_id"
	// ContextCorrelationID links the invocation to an event chain or task run.
	ContextCorrelationID = "correlation_id"
)

// TaskUserID returns the user ID from task context, or "" if absent.
func (t AgentTask) TaskUserID() string {
	if v, ok := t.Context[ContextUserID].(string); ok {
		return v
	}
	return ""
}

// TaskChannelID returns the channel ID from task context, or "" if absent.
func (t AgentTask) TaskChannelID() string {
	if v, ok := t.Context[ContextChannelID].(string); ok {
		return v
	}
	return ""
}

// TaskSessionID returns the session ID from task context, or "" if absent.
func (t AgentTask) TaskSessionID() string {
	if v, ok := t.Context[ContextSessionID].(string); ok {
		return v
	}
	return ""
}

// AgentResult is the output of an Agent.
type AgentResult struct {
	// Output is the agent's final response text.
	Output string
	// Usage tracks aggregate token usage across all LLM calls.
	Usage Usage
	// Steps records per-tool execution traces in chronological order.
	// Nil when no tools were called.
	Steps []StepTrace
}

// StepTrace records the execution of a single tool call, collected
// automatically during the agent's tool-calling loop.
type StepTrace struct {
	// Name is the tool name (e.g. "send_to_channel", "agent_researcher").
	Name string `json:"name"`
	// Input is the tool arguments, truncated to 200 characters.
	Input string `json:"input"`
	// Output is the result content, truncated to 500 characters.
	Output string `json:"output"`
	// IsError signals the output is an error message.
	IsError bool `json:"is_error,omitempty"`
	// Duration is the wall-clock time for this step.
	Duration time.Duration `json:"duration"`
}

// agentConfig holds configuration assembled by AgentOption values.
type agentConfig struct {
	tools   []Tool
	prompt  string
	maxIter int
	params  *GenerationParams
	logger  *slog.Logger
}

// AgentOption configures an LLMAgent.
type AgentOption func(*agentConfig)

// WithTools adds tools to the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithPrompt sets the system prompt.
func WithPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.prompt = s }
}

// WithMaxIter sets the maximum tool-calling iterations (default 10).
func WithMaxIter(n int) AgentOption {
	return func(c *agentConfig) { c.maxIter = n }
}

// WithGenerationParams sets per-request sampling parameters attached to
// every LLM call the agent makes.
func WithGenerationParams(p *GenerationParams) AgentOption {
	return func(c *agentConfig) { c.params = p }
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func buildAgentConfig(opts []AgentOption) agentConfig {
	c := agentConfig{maxIter: 10}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// LLMAgent is a single tool-calling agent backed by one Provider. The runner
// builds the orchestrator as an LLMAgent over the collected tool lists.
type LLMAgent struct {
	name        string
	description string
	provider    Provider
	registry    *ToolRegistry
	defs        []ToolDefinition
	cfg         agentConfig
}

// NewAgent creates an LLMAgent.
func NewAgent(name, description string, provider Provider, opts ...AgentOption) *LLMAgent {
	cfg := buildAgentConfig(opts)
	reg := NewToolRegistry(cfg.tools...)
	return &LLMAgent{
		name:        name,
		description: description,
		provider:    provider,
		registry:    reg,
		defs:        reg.AllDefinitions(),
		cfg:         cfg,
	}
}

func (a *LLMAgent) Name() string        { return a.name }
func (a *LLMAgent) Description() string { return a.description }

// Execute runs the blocking tool-calling loop.
func (a *LLMAgent) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	return a.runLoop(ctx, task, nil)
}

// ExecuteStream runs the loop emitting StreamEvent values into ch. The
// channel is closed before returning.
func (a *LLMAgent) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	return a.runLoop(ctx, task, ch)
}

// buildMessages assembles system prompt + session history + user input.
func (a *LLMAgent) buildMessages(task AgentTask) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(task.History)+2)
	if a.cfg.prompt != "" {
		msgs = append(msgs, SystemMessage(a.cfg.prompt))
	}
	msgs = append(msgs, task.History...)
	msgs = append(msgs, UserMessage(task.Input))
	return msgs
}

// runLoop is the shared tool-calling loop. When ch is nil it operates in
// blocking mode (Execute). When ch is non-nil it emits StreamEvent values
// and closes ch when done (ExecuteStream).
func (a *LLMAgent) runLoop(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	var totalUsage Usage
	var steps []StepTrace
	var closeCh sync.Once
	safeClose := func() {
		if ch != nil {
			closeCh.Do(func() { close(ch) })
		}
	}

	messages := a.buildMessages(task)

	for i := 0; i < a.cfg.maxIter; i++ {
		req := ChatRequest{Messages: messages, Tools: a.defs, GenerationParams: a.cfg.params}

		var resp ChatResponse
		var err error
		if len(a.defs) == 0 && ch != nil {
			// No tools, streaming: hand ch to the provider, which closes it
			// on every return path.
			resp, err = a.provider.ChatStream(ctx, req, ch)
			if err != nil {
				return AgentResult{Usage: totalUsage, Steps: steps}, err
			}
			totalUsage.InputTokens += resp.Usage.InputTokens
			totalUsage.OutputTokens += resp.Usage.OutputTokens
			return AgentResult{Output: resp.Content, Usage: totalUsage, Steps: steps}, nil
		}
		resp, err = a.provider.Chat(ctx, req)
		if err != nil {
			safeClose()
			return AgentResult{Usage: totalUsage, Steps: steps}, err
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		// No tool calls — final response.
		if len(resp.ToolCalls) == 0 {
			if ch != nil {
				ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}
			}
			safeClose()
			return AgentResult{Output: resp.Content, Usage: totalUsage, Steps: steps}, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if ch != nil {
			for _, tc := range resp.ToolCalls {
				ch <- StreamEvent{Type: EventToolCallStart, Name: tc.Name, Args: tc.Args}
			}
		}

		results := a.dispatchParallel(ctx, resp.ToolCalls)

		for j, tc := range resp.ToolCalls {
			if ch != nil {
				ch <- StreamEvent{Type: EventToolCallResult, Name: tc.Name, Content: results[j].content}
			}
			steps = append(steps, StepTrace{
				Name:     tc.Name,
				Input:    truncate(string(tc.Args), 200),
				Output:   truncate(results[j].content, 500),
				IsError:  results[j].isError,
				Duration: results[j].duration,
			})
			messages = append(messages, ToolResultMessage(tc.ID, results[j].content))
		}
	}

	// Max iterations — force synthesis without tools.
	a.cfg.logger.Warn("max iterations reached, forcing synthesis",
		"agent", a.name, "iteration", a.cfg.maxIter)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and respond to the user."))

	var resp ChatResponse
	var err error
	if ch != nil {
		// The provider closes ch.
		resp, err = a.provider.ChatStream(ctx, ChatRequest{Messages: messages, GenerationParams: a.cfg.params}, ch)
	} else {
		resp, err = a.provider.Chat(ctx, ChatRequest{Messages: messages, GenerationParams: a.cfg.params})
	}
	if err != nil {
		return AgentResult{Usage: totalUsage, Steps: steps}, err
	}
	totalUsage.InputTokens += resp.Usage.InputTokens
	totalUsage.OutputTokens += resp.Usage.OutputTokens
	return AgentResult{Output: resp.Content, Usage: totalUsage, Steps: steps}, nil
}

// dispatchResult holds the outcome of one tool call.
type dispatchResult struct {
	content  string
	isError  bool
	duration time.Duration
}

// maxParallelTools caps concurrent tool executions within one LLM turn.
const maxParallelTools = 10

// dispatchParallel executes tool calls concurrently, preserving result order.
func (a *LLMAgent) dispatchParallel(ctx context.Context, calls []ToolCall) []dispatchResult {
	results := make([]dispatchResult, len(calls))
	if len(calls) == 1 {
		results[0] = a.dispatchOne(ctx, calls[0])
		return results
	}

	sem := make(chan struct{}, maxParallelTools)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tc ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = a.dispatchOne(ctx, tc)
		}(i, tc)
	}
	wg.Wait()
	return results
}

// dispatchOne executes a single tool call with panic recovery.
func (a *LLMAgent) dispatchOne(ctx context.Context, tc ToolCall) (dr dispatchResult) {
	start := time.Now()
	defer func() {
		dr.duration = time.Since(start)
		if r := recover(); r != nil {
			a.cfg.logger.Error("tool panicked", "agent", a.name, "tool", tc.Name, "panic", r)
			dr.content = fmt.Sprintf("tool %s panicked: %v", tc.Name, r)
			dr.isError = true
		}
	}()

	res, err := a.registry.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		a.cfg.logger.Error("tool failed", "agent", a.name, "tool", tc.Name, "error", err)
		return dispatchResult{content: fmt.Sprintf("tool %s failed: %v", tc.Name, err), isError: true}
	}
	if res.Error != "" {
		return dispatchResult{content: res.Error, isError: true}
	}
	return dispatchResult{content: res.Content}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ Agent          = (*LLMAgent)(nil)
	_ StreamingAgent = (*LLMAgent)(nil)
)
