package yodoca

import "context"

// LifecycleState tracks where an extension is in its lifecycle. Transitions
// are produced only by the loader.
type LifecycleState int32

const (
	// StateLoaded means the manifest parsed and the extension was constructed.
	StateLoaded LifecycleState = iota
	// StateInitialized means Initialize completed.
	StateInitialized
	// StateActive means Start completed.
	StateActive
	// StateError means a lifecycle method or health check failed.
	StateError
	// StateStopped means Stop completed (or the kernel is shutting down).
	StateStopped
)

// String returns a human-readable state name.
func (s LifecycleState) String() string {
	switch s {
	case StateLoaded:
		return "LOADED"
	case StateInitialized:
		return "INITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Usable reports whether handlers may run against an extension in this state.
func (s LifecycleState) Usable() bool {
	return s == StateInitialized || s == StateActive
}

// Extension is the minimal lifecycle contract every extension implements.
// Capabilities beyond the lifecycle are declared by implementing additional
// interfaces below; the loader detects them by type assertion during wiring.
type Extension interface {
	// Initialize receives the per-extension context. Called once, in
	// dependency order, before any capability is used.
	Initialize(ctx context.Context, ec Context) error
	// Start activates the extension. Called after all wiring completes.
	Start(ctx context.Context) error
	// Stop releases resources. Called in reverse dependency order on
	// shutdown, and on health failure.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional capability; extensions without it are
// presumed healthy. A non-nil error marks the extension ERROR and stops it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ToolProvider contributes tools to the orchestrator.
type ToolProvider interface {
	Tools() []Tool
}

// Channel is a communication surface that delivers agent output to the user.
// Channels ingest input on their own (polling, webhooks, stdin) and publish
// user.message events with channel_id set to their extension id.
type Channel interface {
	// SendToUser delivers a reactive response to a specific user.
	SendToUser(ctx context.Context, userID, text string) error
	// SendMessage delivers a proactive notification; the channel resolves
	// its own addressing.
	SendMessage(ctx context.Context, text string) error
}

// StreamingChannel is an optional channel capability. When a channel
// implements it, the router takes the streaming delivery path.
type StreamingChannel interface {
	Channel
	OnStreamStart(ctx context.Context, userID string) error
	OnStreamChunk(ctx context.Context, userID, delta string) error
	OnStreamStatus(ctx context.Context, userID, status string) error
	OnStreamEnd(ctx context.Context, userID, fullText string) error
}

// ReplyStatus classifies an agent-extension response.
type ReplyStatus string

const (
	ReplySuccess ReplyStatus = "success"
	ReplyError   ReplyStatus = "error"
	ReplyRefused ReplyStatus = "refused"
)

// AgentReply is the structured result of an agent-extension invocation.
type AgentReply struct {
	Status  ReplyStatus `json:"status"`
	Content string      `json:"content"`
}

// AgentInvocation carries cross-invocation context into an agent-extension.
type AgentInvocation struct {
	// ConversationSummary is the caller's accumulated context (for task
	// steps, the partial result so far).
	ConversationSummary string
	// CorrelationID links the invocation to an event chain or task run.
	CorrelationID string
}

// AgentDescriptor identifies an agent-extension to the loader and router.
type AgentDescriptor struct {
	// ID is the agent id used by invoke_agent and the task engine.
	ID string
	// Description feeds the agent-as-tool wrapper definition.
	Description string
	// IntegrationMode is "tool" (wrapped as agent_<id>) or "handoff"
	// (registered with the router for delegation).
	IntegrationMode string
}

// AgentProvider exposes a specialised sub-agent to the orchestrator.
type AgentProvider interface {
	AgentDescriptor() AgentDescriptor
	Invoke(ctx context.Context, prompt string, inv AgentInvocation) (AgentReply, error)
}

// ServiceProvider runs a long-lived background loop. The loader spawns
// RunBackground after Start and cancels its context on shutdown.
type ServiceProvider interface {
	RunBackground(ctx context.Context) error
}

// SchedulerProvider contributes cron entries beyond those declared in the
// manifest. Manifest schedules are collected without this interface.
type SchedulerProvider interface {
	Schedules() []ScheduleSpec
}

// ContextProvider contributes prompt context ahead of agent invocations.
// Providers run in ascending Priority order; their fragments are joined
// into the conversation context.
type ContextProvider interface {
	ContextPriority() int
	ProvideContext(ctx context.Context, input string) (string, error)
}

// SetupProvider registers onboarding requirements. The kernel only records
// them; the onboarding subprocess consumes the registry.
type SetupProvider interface {
	SetupInstructions() string
}
