// Package yodoca is a single-tenant runtime for an autonomous, always-on AI
// agent assembled from extensions.
//
// A host process (the kernel) discovers extensions on disk, wires their
// declared capabilities together, and runs them around a persistent event
// journal. Extensions contribute channels (ways to talk to the user), tools,
// sub-agents, background services, schedules, and context enrichers; the
// kernel contributes the orchestrator agent, the message router, the task
// engine, and the event bus that connects everything.
//
// # Quick Start
//
// Create an agent using the LLMAgent primitive:
//
//	provider := anthropic.New(apiKey, model)
//
//	agent := yodoca.NewAgent(
//		"orchestrator",
//		"General assistant with tool access.",
//		provider,
//		yodoca.WithPrompt(systemPrompt),
//		yodoca.WithTools(registry.Tools()...),
//	)
//
//	result, err := agent.Execute(ctx, yodoca.AgentTask{Input: "What's on my plate today?"})
//
// Or run the full kernel, which builds the orchestrator from installed
// extensions:
//
//	yodoca agent
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Agent], [StreamingAgent] — composable work unit
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Tool] — pluggable capability for LLM function calling
//   - [Extension] — lifecycle contract for loadable units
//   - [Channel], [StreamingChannel], [ToolProvider], [AgentProvider],
//     [ServiceProvider], [SchedulerProvider], [ContextProvider] — optional
//     capabilities the kernel detects by type assertion
//   - [Context] — the API surface handed to each extension at initialize
//   - [Manifest] — the typed record parsed from each extension's manifest.yaml
//
// # Included Implementations
//
// Providers: provider/anthropic (Anthropic Messages API), provider/gemini,
// provider/openaicompat (OpenAI-compatible APIs). Event journal: bus (SQLite).
// Durable work: taskengine. Model selection: modelrouter. Skills: skills
// (markdown packs).
//
// See cmd/yodoca for the supervisor and kernel entrypoints.
package yodoca
