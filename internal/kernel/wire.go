package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yodoca/yodoca"
)

// wire runs capability detection over the loaded extensions. Tool providers
// are collected first so uses_tools declarations can resolve against the
// complete tool set regardless of dependency order.
func (k *Kernel) wire() {
	records := k.ordered()

	toolsByName := make(map[string]yodoca.Tool)
	var collected []yodoca.Tool
	for _, rec := range records {
		if !rec.lifecycleState().Usable() {
			continue
		}
		tp, ok := rec.ext.(yodoca.ToolProvider)
		if !ok {
			continue
		}
		count := 0
		for _, t := range tp.Tools() {
			fresh := false
			for _, def := range t.Definitions() {
				count++
				if _, dup := toolsByName[def.Name]; dup {
					k.logger.Warn("duplicate tool name, keeping first", "tool", def.Name, "ext", rec.manifest.ID)
					continue
				}
				toolsByName[def.Name] = t
				fresh = true
			}
			if fresh {
				collected = append(collected, t)
			}
		}
		k.logger.Debug("tools collected", "ext", rec.manifest.ID, "count", count)
	}

	for _, rec := range records {
		if !rec.lifecycleState().Usable() {
			continue
		}
		k.wireOne(rec, toolsByName)
	}

	k.mu.Lock()
	k.tools = append(collected, k.agentTools(records)...)
	sort.SliceStable(k.ctxProviders, func(i, j int) bool {
		return k.ctxProviders[i].ContextPriority() < k.ctxProviders[j].ContextPriority()
	})
	k.mu.Unlock()

	k.wireBuiltins()
}

// wireOne registers one extension's capabilities with the shared services.
func (k *Kernel) wireOne(rec *record, toolsByName map[string]yodoca.Tool) {
	m := rec.manifest
	id := m.ID

	if ch, ok := rec.ext.(yodoca.Channel); ok {
		desc := m.Name
		if desc == "" {
			desc = m.Description
		}
		k.router.RegisterChannel(id, ch, desc)
		if _, streams := rec.ext.(yodoca.StreamingChannel); streams {
			k.logger.Debug("channel supports streaming", "ext", id)
		}
	}

	if p, ok := rec.ext.(yodoca.AgentProvider); ok {
		k.router.RegisterAgentProvider(p)
	}

	specs := append([]yodoca.ScheduleSpec(nil), m.Schedules...)
	if sp, ok := rec.ext.(yodoca.SchedulerProvider); ok {
		specs = append(specs, sp.Schedules()...)
	}
	if len(specs) > 0 {
		if err := k.sched.Add(id, specs); err != nil {
			k.logger.Error("schedule registration failed", "ext", id, "error", err)
		}
	}

	if cp, ok := rec.ext.(yodoca.ContextProvider); ok {
		k.mu.Lock()
		k.ctxProviders = append(k.ctxProviders, cp)
		k.mu.Unlock()
	}

	if sp, ok := rec.ext.(yodoca.SetupProvider); ok {
		k.mu.Lock()
		k.setups[id] = sp.SetupInstructions()
		k.mu.Unlock()
	}

	if m.Agent != nil {
		k.resolveAgentBlock(rec, toolsByName)
	}

	for _, sub := range m.Events.Subscribes {
		if sub.Handler != "notify_user" {
			continue // custom handlers register themselves during Initialize
		}
		subID := id + "/notify_user"
		k.bus.Subscribe(sub.Topic, subID, k.notifyBridge(sub.Topic))
		rec.busSubs = append(rec.busSubs, busSub{topic: sub.Topic, id: subID})
	}
}

// resolveAgentBlock resolves uses_tools against the collected tool set,
// registers the agent's model binding, and hands declarative adapters their
// final instructions.
func (k *Kernel) resolveAgentBlock(rec *record, toolsByName map[string]yodoca.Tool) {
	m := rec.manifest
	var resolved []yodoca.Tool
	added := make(map[string]bool)
	for _, name := range m.Agent.UsesTools {
		t, ok := toolsByName[name]
		if !ok {
			k.logger.Warn("uses_tools names unknown tool", "ext", m.ID, "tool", name)
			continue
		}
		// Two names may resolve to the same multi-function tool.
		key := t.Definitions()[0].Name
		if added[key] {
			continue
		}
		added[key] = true
		resolved = append(resolved, t)
	}
	if rec.ec != nil {
		rec.ec.setResolvedTools(resolved)
	}

	if provider, model, ok := splitModelRef(m.Agent.Model); ok {
		k.models.RegisterAgentConfig(m.ID, agentModelConfig(provider, model, m.Agent))
	} else if m.Agent.Model != "" {
		k.logger.Warn("agent.model is not provider/model, using default binding",
			"ext", m.ID, "model", m.Agent.Model)
	}

	if da, ok := rec.ext.(*declarativeAgent); ok {
		base := da.baseInstructions()
		if k.skills != nil && len(m.Agent.UsesSkills) > 0 {
			da.setPrompt(k.skills.Instructions(base, m.Agent.UsesSkills))
		} else {
			da.setPrompt(base)
		}
	}
}

// splitModelRef parses "provider/model" references; model ids may themselves
// contain slashes (openrouter style).
func splitModelRef(s string) (provider, model string, ok bool) {
	provider, model, found := strings.Cut(s, "/")
	if !found || provider == "" || model == "" {
		return "", "", false
	}
	return provider, model, true
}

// agentModelConfig maps an agent block to a model-router binding, lifting
// temperature and max_tokens out of the free-form parameters map.
func agentModelConfig(provider, model string, block *yodoca.AgentBlock) yodoca.AgentModelConfig {
	cfg := yodoca.AgentModelConfig{Provider: provider, Model: model}
	if v, ok := floatParam(block.Parameters, "temperature"); ok {
		cfg.Temperature = &v
	}
	if v, ok := intParam(block.Parameters, "max_tokens"); ok {
		cfg.MaxTokens = &v
	}
	if block.Limits.MaxTokens > 0 {
		n := block.Limits.MaxTokens
		cfg.MaxTokens = &n
	}
	return cfg
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// agentTools builds agent-as-tool wrappers for every tool-mode agent
// provider, in load order.
func (k *Kernel) agentTools(records []*record) []yodoca.Tool {
	var out []yodoca.Tool
	for _, rec := range records {
		if !rec.lifecycleState().Usable() {
			continue
		}
		p, ok := rec.ext.(yodoca.AgentProvider)
		if !ok {
			continue
		}
		d := p.AgentDescriptor()
		mode := d.IntegrationMode
		if mode == "" {
			mode = rec.manifest.IntegrationMode()
		}
		if mode != "tool" {
			continue
		}
		out = append(out, agentTool(p, d))
	}
	return out
}

var agentToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "description": "The request to hand to the agent."}
	},
	"required": ["prompt"]
}`)

// agentTool wraps an agent provider as an orchestrator tool named
// agent_<id>. The provider is called directly: the wrapper runs inside an
// orchestrator invocation that already holds the router's invocation mutex.
func agentTool(p yodoca.AgentProvider, d yodoca.AgentDescriptor) yodoca.Tool {
	desc := d.Description
	if desc == "" {
		desc = "Delegate a request to the " + d.ID + " agent."
	}
	return yodoca.NewFuncTool("agent_"+d.ID, desc, agentToolSchema,
		func(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
			var in struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
			}
			if strings.TrimSpace(in.Prompt) == "" {
				return yodoca.ToolResult{Error: "prompt is required"}, nil
			}
			reply, err := p.Invoke(ctx, in.Prompt, yodoca.AgentInvocation{})
			if err != nil {
				return yodoca.ToolResult{Error: err.Error()}, nil
			}
			if reply.Status == yodoca.ReplyError || reply.Status == yodoca.ReplyRefused {
				return yodoca.ToolResult{Content: reply.Content,
					Error: fmt.Sprintf("agent %s returned %s", d.ID, reply.Status)}, nil
			}
			return yodoca.ToolResult{Content: reply.Content}, nil
		})
}

// notifyBridge adapts a subscribed topic's events into user notifications:
// payload.text goes to the named channel, or the first registered one.
func (k *Kernel) notifyBridge(topic string) yodoca.EventHandler {
	return func(ctx context.Context, ev yodoca.Event) error {
		var p yodoca.NotifyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("notify bridge %s: %w", topic, err)
		}
		if p.Text == "" {
			return nil
		}
		return k.router.NotifyUser(ctx, p.Text, p.ChannelID)
	}
}

// wireBuiltins registers the kernel's own bus subscriptions: channel input,
// proactive notifications, and background agent work.
func (k *Kernel) wireBuiltins() {
	k.bus.Subscribe(yodoca.TopicUserMessage, "kernel/user_message",
		func(ctx context.Context, ev yodoca.Event) error {
			var p yodoca.MessagePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("user.message payload: %w", err)
			}
			_, err := k.router.HandleUserMessage(ctx, p.Text, p.UserID, p.ChannelID)
			return err
		})

	k.bus.Subscribe(yodoca.TopicUserNotify, "kernel/notify_user",
		func(ctx context.Context, ev yodoca.Event) error {
			var p yodoca.NotifyPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("user.notify payload: %w", err)
			}
			return k.router.NotifyUser(ctx, p.Text, p.ChannelID)
		})

	k.bus.Subscribe(yodoca.TopicAgentTask, "kernel/agent_task",
		func(ctx context.Context, ev yodoca.Event) error {
			var p yodoca.AgentTaskPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("agent.task payload: %w", err)
			}
			out, err := k.router.Invoke(ctx, "", p.Prompt,
				yodoca.AgentInvocation{CorrelationID: ev.CorrelationID})
			if err != nil {
				return err
			}
			if out == "" {
				return nil
			}
			return k.router.NotifyUser(ctx, out, p.ChannelID)
		})
}

// CapabilitiesSummary renders one line per extension for the orchestrator
// system prompt: id, description, detected capabilities, schedules.
func (k *Kernel) CapabilitiesSummary() string {
	var b strings.Builder
	for _, id := range k.sortedIDs() {
		rec := k.record(id)
		if rec == nil || !rec.lifecycleState().Usable() {
			continue
		}
		caps := detectCapabilities(rec.ext)
		if names := scheduleNames(rec.manifest, rec.ext); len(names) > 0 {
			caps = append(caps, "schedules["+strings.Join(names, ", ")+"]")
		}
		b.WriteString("- ")
		b.WriteString(id)
		if d := rec.manifest.Description; d != "" {
			b.WriteString(": ")
			b.WriteString(d)
		}
		if len(caps) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(caps, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func detectCapabilities(ext yodoca.Extension) []string {
	var caps []string
	if _, ok := ext.(yodoca.StreamingChannel); ok {
		caps = append(caps, "streaming channel")
	} else if _, ok := ext.(yodoca.Channel); ok {
		caps = append(caps, "channel")
	}
	if tp, ok := ext.(yodoca.ToolProvider); ok {
		n := 0
		for _, t := range tp.Tools() {
			n += len(t.Definitions())
		}
		caps = append(caps, fmt.Sprintf("tools(%d)", n))
	}
	if p, ok := ext.(yodoca.AgentProvider); ok {
		mode := p.AgentDescriptor().IntegrationMode
		if mode == "" {
			mode = "tool"
		}
		caps = append(caps, "agent("+mode+")")
	}
	if _, ok := ext.(yodoca.ServiceProvider); ok {
		caps = append(caps, "service")
	}
	if _, ok := ext.(yodoca.ContextProvider); ok {
		caps = append(caps, "context provider")
	}
	return caps
}

func scheduleNames(m *yodoca.Manifest, ext yodoca.Extension) []string {
	var names []string
	for _, s := range m.Schedules {
		names = append(names, s.Name)
	}
	if sp, ok := ext.(yodoca.SchedulerProvider); ok {
		for _, s := range sp.Schedules() {
			names = append(names, s.Name)
		}
	}
	return names
}
