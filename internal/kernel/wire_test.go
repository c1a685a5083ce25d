package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/yodoca/yodoca"
)

// plainAgent is a minimal orchestrator for router-facing tests.
type plainAgent struct {
	output string

	mu     sync.Mutex
	inputs []string
}

func (a *plainAgent) Name() string        { return "orchestrator" }
func (a *plainAgent) Description() string { return "test orchestrator" }

func (a *plainAgent) Execute(_ context.Context, task yodoca.AgentTask) (yodoca.AgentResult, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, task.Input)
	a.mu.Unlock()
	return yodoca.AgentResult{Output: a.output}, nil
}

func echoTool(name, content string) yodoca.Tool {
	return yodoca.NewFuncTool(name, "echoes "+content, nil,
		func(context.Context, json.RawMessage) (yodoca.ToolResult, error) {
			return yodoca.ToolResult{Content: content}, nil
		})
}

func findTool(t *testing.T, tools []yodoca.Tool, name string) yodoca.Tool {
	t.Helper()
	for _, tool := range tools {
		for _, def := range tool.Definitions() {
			if def.Name == name {
				return tool
			}
		}
	}
	t.Fatalf("tool %s not collected", name)
	return nil
}

// ---------------------------------------------------------------------------
// Tool collection
// ---------------------------------------------------------------------------

func TestToolCollectionKeepsFirstDuplicate(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "alpha"}, &toolStub{
		stubExt: stubExt{id: "alpha"},
		tools:   []yodoca.Tool{echoTool("get_data", "from alpha"), echoTool("alpha_only", "a")},
	})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "beta"}, &toolStub{
		stubExt: stubExt{id: "beta"},
		tools:   []yodoca.Tool{echoTool("get_data", "from beta")},
	})
	f.load(t, nil)

	tools := f.k.CollectedTools()
	names := map[string]int{}
	for _, tool := range tools {
		for _, def := range tool.Definitions() {
			names[def.Name]++
		}
	}
	if names["get_data"] != 1 || names["alpha_only"] != 1 {
		t.Fatalf("collected names = %v", names)
	}

	res, err := findTool(t, tools, "get_data").Execute(context.Background(), "get_data", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "from alpha" {
		t.Errorf("duplicate resolution kept %q, want the first provider's tool", res.Content)
	}
}

// ---------------------------------------------------------------------------
// Agent-extension integration
// ---------------------------------------------------------------------------

func TestAgentToolWrapper(t *testing.T) {
	f := newFixture(t)
	worker := &agentStub{
		stubExt:    stubExt{id: "worker"},
		descriptor: yodoca.AgentDescriptor{ID: "worker", Description: "Does work", IntegrationMode: "tool"},
		reply:      yodoca.AgentReply{Status: yodoca.ReplySuccess, Content: "did it"},
	}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "worker"}, worker)
	f.load(t, nil)

	tool := findTool(t, f.k.CollectedTools(), "agent_worker")

	res, err := tool.Execute(context.Background(), "agent_worker", json.RawMessage(`{"prompt":"dig"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" || res.Content != "did it" {
		t.Errorf("result = %+v", res)
	}
	worker.mu.Lock()
	prompts := append([]string(nil), worker.prompts...)
	worker.mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "dig" {
		t.Errorf("provider prompts = %v", prompts)
	}

	// Missing prompt surfaces as a tool-level error, not a Go error.
	res, err = tool.Execute(context.Background(), "agent_worker", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Error("blank prompt accepted")
	}
}

func TestAgentToolWrapperSurfacesRefusal(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "guard"}, &agentStub{
		stubExt:    stubExt{id: "guard"},
		descriptor: yodoca.AgentDescriptor{ID: "guard", IntegrationMode: "tool"},
		reply:      yodoca.AgentReply{Status: yodoca.ReplyRefused, Content: "not allowed"},
	})
	f.load(t, nil)

	tool := findTool(t, f.k.CollectedTools(), "agent_guard")
	res, err := tool.Execute(context.Background(), "agent_guard", json.RawMessage(`{"prompt":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" || res.Content != "not allowed" {
		t.Errorf("refusal not surfaced: %+v", res)
	}
}

func TestHandoffAgentSkipsToolWrapper(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "triage"}, &agentStub{
		stubExt:    stubExt{id: "triage"},
		descriptor: yodoca.AgentDescriptor{ID: "triage", IntegrationMode: "handoff"},
		reply:      yodoca.AgentReply{Status: yodoca.ReplySuccess, Content: "handled"},
	})
	f.load(t, nil)

	for _, tool := range f.k.CollectedTools() {
		for _, def := range tool.Definitions() {
			if def.Name == "agent_triage" {
				t.Fatal("handoff agent got a tool wrapper")
			}
		}
	}

	// Still registered with the router for direct invocation.
	out, err := f.rt.Invoke(context.Background(), "triage", "p", yodoca.AgentInvocation{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "handled" {
		t.Errorf("out = %q", out)
	}
}

// ---------------------------------------------------------------------------
// Channels, schedules, event bridges
// ---------------------------------------------------------------------------

func TestChannelWiring(t *testing.T) {
	f := newFixture(t)
	ch := &channelStub{stubExt: stubExt{id: "term"}}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "term", Name: "Terminal"}, ch)
	f.load(t, nil)

	if err := f.rt.NotifyUser(context.Background(), "hello", "term"); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if got := ch.received(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("channel received %v", got)
	}
}

func TestScheduleWiring(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{
		ID:        "reporter",
		Schedules: []yodoca.ScheduleSpec{{Name: "daily", Cron: "@daily", Task: "report"}},
	}, &schedStub{
		stubExt: stubExt{id: "reporter"},
		specs:   []yodoca.ScheduleSpec{{Name: "extra", Cron: "@hourly", Task: "poll"}},
	})
	f.load(t, nil)

	names := f.sched.Names()
	if len(names) != 2 || names[0] != "reporter/daily" || names[1] != "reporter/extra" {
		t.Errorf("schedule names = %v", names)
	}
}

func TestNotifyBridge(t *testing.T) {
	f := newFixture(t)
	ch := &channelStub{stubExt: stubExt{id: "term"}}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "term"}, ch)
	f.k.AddBuiltin(&yodoca.Manifest{
		ID: "notes",
		Events: yodoca.EventsBlock{
			Subscribes: []yodoca.SubscribeSpec{{Topic: "note.created", Handler: "notify_user"}},
		},
	}, &stubExt{id: "notes"})
	f.load(t, nil)

	ctx := context.Background()
	if _, err := f.bus.Publish(ctx, "note.created", "test",
		yodoca.NotifyPayload{Text: "new note"}, ""); err != nil {
		t.Fatal(err)
	}
	if got := ch.received(); len(got) != 1 || got[0] != "new note" {
		t.Fatalf("bridge delivery = %v", got)
	}

	// Stop releases the bridge subscription.
	f.k.Stop(ctx)
	if subs := f.bus.subscribers("note.created"); len(subs) != 0 {
		t.Errorf("bridge still subscribed after stop: %v", subs)
	}
}

func TestUserMessageSubscriber(t *testing.T) {
	f := newFixture(t)
	ch := &channelStub{stubExt: stubExt{id: "term"}}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "term"}, ch)
	f.load(t, nil)

	agent := &plainAgent{output: "hi back"}
	if err := f.rt.SetAgent(agent); err != nil {
		t.Fatal(err)
	}

	if _, err := f.bus.Publish(context.Background(), yodoca.TopicUserMessage, "term",
		yodoca.MessagePayload{Text: "hi", UserID: "u1", ChannelID: "term"}, ""); err != nil {
		t.Fatal(err)
	}

	ch.mu.Lock()
	sent := append([]string(nil), ch.sent...)
	ch.mu.Unlock()
	if len(sent) != 1 || sent[0] != "hi back" {
		t.Errorf("reactive delivery = %v", sent)
	}
}

func TestAgentTaskSubscriber(t *testing.T) {
	f := newFixture(t)
	ch := &channelStub{stubExt: stubExt{id: "term"}}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "term"}, ch)
	f.load(t, nil)

	agent := &plainAgent{output: "task result"}
	if err := f.rt.SetAgent(agent); err != nil {
		t.Fatal(err)
	}

	if _, err := f.bus.Publish(context.Background(), yodoca.TopicAgentTask, "scheduler",
		yodoca.AgentTaskPayload{Prompt: "run the report", ChannelID: "term"}, "corr-9"); err != nil {
		t.Fatal(err)
	}

	agent.mu.Lock()
	inputs := append([]string(nil), agent.inputs...)
	agent.mu.Unlock()
	if len(inputs) != 1 || inputs[0] != "run the report" {
		t.Fatalf("orchestrator inputs = %v", inputs)
	}
	if got := ch.received(); len(got) != 1 || got[0] != "task result" {
		t.Errorf("task output delivery = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Agent blocks and model bindings
// ---------------------------------------------------------------------------

func TestManifestAgentConfigRegistered(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{
		ID: "engine",
		AgentConfig: map[string]yodoca.AgentModelConfig{
			"summarizer": {Provider: "openai", Model: "gpt-smaller"},
		},
	}, &stubExt{id: "engine"})
	f.load(t, nil)

	cfg, ok := f.models.config("summarizer")
	if !ok {
		t.Fatal("agent_config binding not registered")
	}
	if cfg.Provider != "openai" || cfg.Model != "gpt-smaller" {
		t.Errorf("binding = %+v", cfg)
	}
}

func TestDeclarativeAgentWiring(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "toolbox"}, &toolStub{
		stubExt: stubExt{id: "toolbox"},
		tools:   []yodoca.Tool{echoTool("get_weather", "21C")},
	})

	root := f.cfg.ExtensionsDir()
	writeManifest(t, root, "researcher", `id: researcher
description: Research assistant
agent:
  model: anthropic/claude-sonnet
  instructions: You research things.
  uses_tools: [get_weather, missing_tool]
  parameters:
    temperature: 0.2
`)
	f.load(t, nil)

	mustState(t, f.k, "researcher", yodoca.StateInitialized)

	cfg, ok := f.models.config("researcher")
	if !ok {
		t.Fatal("declarative model binding not registered")
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet" {
		t.Errorf("binding = %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", cfg.Temperature)
	}

	// Unknown names are dropped; the known tool resolves.
	rec := f.k.record("researcher")
	resolved := rec.ec.ResolvedTools()
	if len(resolved) != 1 || resolved[0].Definitions()[0].Name != "get_weather" {
		t.Errorf("resolved tools = %v", resolved)
	}

	// The adapter doubles as a tool-mode agent provider.
	findTool(t, f.k.CollectedTools(), "agent_researcher")
}

func TestBareModelRefFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	writeManifest(t, f.cfg.ExtensionsDir(), "plain", `id: plain
agent:
  model: claude-sonnet
  instructions: Just answer.
`)
	f.load(t, nil)

	mustState(t, f.k, "plain", yodoca.StateInitialized)
	if _, ok := f.models.config("plain"); ok {
		t.Error("bare model ref registered a binding; want default fallback")
	}
}

// ---------------------------------------------------------------------------
// Context providers
// ---------------------------------------------------------------------------

func TestContextProvidersOrderedByPriority(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "later"},
		&ctxProviderStub{stubExt: stubExt{id: "later"}, priority: 50, fragment: "b"})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "earlier"},
		&ctxProviderStub{stubExt: stubExt{id: "earlier"}, priority: 10, fragment: "a"})
	f.load(t, nil)

	providers := f.k.ContextProviders()
	if len(providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(providers))
	}
	if providers[0].ContextPriority() != 10 || providers[1].ContextPriority() != 50 {
		t.Errorf("priorities = %d, %d; want ascending",
			providers[0].ContextPriority(), providers[1].ContextPriority())
	}
}

// GetExtension gating lives on the context; the wiring test exercises the
// full path through loaded records.
func TestGetExtensionGating(t *testing.T) {
	f := newFixture(t)
	dep := &stubExt{id: "dep"}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "dep"}, dep)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "user", DependsOn: []string{"dep"}}, &stubExt{id: "user"})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "stranger"}, &stubExt{id: "stranger"})
	f.load(t, nil)

	userEC := f.k.record("user").ec

	got, err := userEC.GetExtension("dep")
	if err != nil {
		t.Fatalf("GetExtension(dep): %v", err)
	}
	if got != yodoca.Extension(dep) {
		t.Error("returned a different extension instance")
	}

	// Undeclared dependencies are refused even when loaded.
	strangerEC := f.k.record("stranger").ec
	_, err = strangerEC.GetExtension("dep")
	var dm *yodoca.ErrDependencyMissing
	if !errors.As(err, &dm) {
		t.Fatalf("err = %v, want *ErrDependencyMissing", err)
	}

	// A stopped dependency is no longer usable.
	f.k.Stop(context.Background())
	if _, err := userEC.GetExtension("dep"); !errors.As(err, &dm) {
		t.Errorf("stopped dep err = %v, want *ErrDependencyMissing", err)
	}
}
