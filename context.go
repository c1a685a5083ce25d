package yodoca

import (
	"context"
	"fmt"
	"log/slog"
)

// HookName identifies a direct-callback hook. Hooks are synchronous and
// in-process; nothing is persisted. For durable delivery use SubscribeEvent.
type HookName string

const (
	// HookUserMessage fires before each reactive agent invocation.
	HookUserMessage HookName = "user_message"
	// HookAgentResponse fires after each completed agent invocation.
	HookAgentResponse HookName = "agent_response"
)

// HookFunc receives the message that triggered the hook. Errors are logged
// and do not affect delivery.
type HookFunc func(ctx context.Context, msg MessagePayload) error

// EventHandler processes one claimed journal event. A non-nil error marks
// the row failed; remaining handlers for the event still run.
type EventHandler func(ctx context.Context, ev Event) error

// ModelHandle is an opaque reference to a resolved provider + model
// configuration. The router is the only component that builds these.
type ModelHandle interface {
	// Provider returns the LLM backend.
	Provider() Provider
	// ModelID returns the configured model identifier.
	ModelID() string
	// Params returns the generation parameters, possibly nil.
	Params() *GenerationParams
}

// ModelResolver maps agent ids to model handles. Unknown ids resolve to the
// handle registered for "default".
type ModelResolver interface {
	Resolve(agentID string) (ModelHandle, error)
	// RegisterAgentConfig adds or replaces an agent_id -> model config
	// binding. Extensions call it during Initialize via their manifest's
	// agent_config block; the loader forwards those entries.
	RegisterAgentConfig(agentID string, cfg AgentModelConfig)
}

// StreamCallbacks receive streamed agent output. OnChunk is required for
// streamed invocations; OnToolCall may be nil.
type StreamCallbacks struct {
	OnChunk    func(delta string)
	OnToolCall func(toolName string)
}

// Context is the per-extension kernel API, supplied at Initialize and valid
// for the extension's lifetime.
type Context interface {
	// ExtensionID returns the owning extension's id.
	ExtensionID() string

	// GetConfig looks up a configuration value: global settings
	// extensions.<id>.<key> first, then the manifest config block, then def.
	GetConfig(key string, def any) any

	// GetSecret resolves name through the keyring-backed store with an
	// environment fallback. ok is false when the secret is absent.
	GetSecret(name string) (value string, ok bool)

	// DataDir returns <sandbox>/data/<id>, creating it on first use.
	DataDir() (string, error)

	// Logger returns the extension's namespaced logger (ext.<id>).
	Logger() *slog.Logger

	// Emit publishes an event on the durable bus; fire-and-forget.
	Emit(ctx context.Context, topic string, payload any, correlationID string) error

	// SubscribeEvent registers a durable-dispatch subscription for topic.
	SubscribeEvent(topic string, h EventHandler)

	// Subscribe registers a direct-callback hook under the given
	// subscriber id. Re-using an id replaces the previous registration.
	Subscribe(hook HookName, id string, fn HookFunc)

	// Unsubscribe removes a hook registration.
	Unsubscribe(hook HookName, id string)

	// InvokeAgent runs a blocking agent invocation. Empty agentID targets
	// the orchestrator.
	InvokeAgent(ctx context.Context, prompt, agentID string) (string, error)

	// InvokeAgentStreamed runs a streaming invocation, delivering output
	// through cb. The router mutex is held for the whole stream. Returns
	// the final accumulated text.
	InvokeAgentStreamed(ctx context.Context, prompt string, cb StreamCallbacks, agentID string) (string, error)

	// GetExtension returns another extension's handle. Fails with
	// *ErrDependencyMissing unless id is declared in the caller's
	// depends_on and that extension is INITIALIZED or ACTIVE.
	GetExtension(id string) (Extension, error)

	// RequestRestart writes the restart flag file; the supervisor respawns
	// the agent process.
	RequestRestart() error

	// RequestShutdown asks the kernel to stop cleanly.
	RequestShutdown()

	// NotifyUser publishes system.user.notify; the kernel handler routes
	// the text to the named channel or the first registered one.
	NotifyUser(ctx context.Context, text, channelID string) error

	// Models returns the model router handle.
	Models() ModelResolver

	// ResolvedTools returns the tool list the loader resolved from the
	// manifest's uses_tools declarations. Empty for non-agent extensions.
	ResolvedTools() []Tool
}

// Constructor builds an extension instance. The context arrives later, at
// Initialize; constructors only allocate.
type Constructor func() (Extension, error)

// Catalog maps manifest entrypoint names to constructors. The runner
// assembles one from compiled-in extensions and passes it to the loader; a
// manifest whose entrypoint has no catalog entry fails to load, without
// affecting other extensions.
type Catalog map[string]Constructor

// Register adds a constructor, rejecting duplicate names.
func (c Catalog) Register(name string, fn Constructor) error {
	if _, exists := c[name]; exists {
		return fmt.Errorf("catalog: entrypoint %q already registered", name)
	}
	c[name] = fn
	return nil
}

// Resolve returns the constructor for name.
func (c Catalog) Resolve(name string) (Constructor, bool) {
	fn, ok := c[name]
	return fn, ok
}
