// Package router owns reactive message flow: session rotation, hook fan-out,
// channel delivery (blocking or streaming), and proactive notifications. All
// agent invocations in the process are serialised through the router's
// invocation mutex, whether they originate from a channel message, an
// extension, or the task engine.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	yodoca "github.com/yodoca/yodoca"
)

// Publisher is the slice of the event bus the router needs.
type Publisher interface {
	Publish(ctx context.Context, topic, source string, payload any, correlationID string) (int64, error)
}

const (
	// eventSource labels journal rows the router publishes.
	eventSource = "kernel"

	// rotationReason is the session.completed reason for timeout rotation.
	rotationReason = "inactivity_timeout"

	// maxTranscript caps the in-memory session history (messages, not turns).
	// Oldest turns fall off first.
	maxTranscript = 40

	defaultSessionTimeout = 30 * time.Minute
)

// ChannelInfo describes a registered channel for the list_channels tool.
type ChannelInfo struct {
	ID          string `json:"channel_id"`
	Description string `json:"description"`
}

// session is the rolling reactive conversation state. One session exists at
// a time; rotation replaces it and publishes session.completed.
type session struct {
	id         string
	lastAt     time.Time
	transcript []yodoca.ChatMessage
}

type channelEntry struct {
	ch   yodoca.Channel
	desc string
}

type hookReg struct {
	id string
	fn yodoca.HookFunc
}

// Router serialises agent invocations and routes responses to channels.
//
// Two locks with distinct roles: mu is the invocation mutex, held for the
// full duration of every agent run (including streaming); regMu guards the
// registries, which are written during loader phases and read at runtime.
type Router struct {
	mu sync.Mutex // invocation + session

	regMu    sync.RWMutex
	agent    yodoca.Agent
	channels map[string]channelEntry
	order    []string // channel registration order, for notify fallback
	agents   map[string]yodoca.AgentProvider
	hooks    map[yodoca.HookName][]hookReg

	sess *session

	bus     Publisher
	guard   *yodoca.InjectionGuard
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithSessionTimeout sets the inactivity threshold for session rotation.
func WithSessionTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithClock injects the time source. Tests use it to drive rotation.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithInjectionGuard screens inbound user messages before they reach the
// orchestrator. Blocked messages get the guard's canned response and never
// enter the session transcript.
func WithInjectionGuard(g *yodoca.InjectionGuard) Option {
	return func(r *Router) { r.guard = g }
}

// New creates a Router. bus may be nil, in which case session.completed and
// agent.response events are not published (hooks still fire).
func New(bus Publisher, opts ...Option) *Router {
	r := &Router{
		channels: make(map[string]channelEntry),
		agents:   make(map[string]yodoca.AgentProvider),
		hooks:    make(map[yodoca.HookName][]hookReg),
		bus:      bus,
		timeout:  defaultSessionTimeout,
		now:      time.Now,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetAgent installs the orchestrator. Called exactly once by the runner;
// subsequent calls fail with *ErrProtocolViolation.
func (r *Router) SetAgent(a yodoca.Agent) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if r.agent != nil {
		return &yodoca.ErrProtocolViolation{Op: "SetAgent", Detail: "agent already set"}
	}
	r.agent = a
	return nil
}

// RegisterChannel adds a channel under id. Idempotent; re-registering an id
// replaces the previous channel (last writer wins) without changing its
// position in the fallback order.
func (r *Router) RegisterChannel(id string, ch yodoca.Channel, description string) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if _, exists := r.channels[id]; !exists {
		r.order = append(r.order, id)
	} else {
		r.logger.Warn("channel re-registered", "channel", id)
	}
	r.channels[id] = channelEntry{ch: ch, desc: description}
}

// Channel returns the channel registered under id.
func (r *Router) Channel(id string) (yodoca.Channel, bool) {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	e, ok := r.channels[id]
	return e.ch, ok
}

// Channels lists registered channels in registration order.
func (r *Router) Channels() []ChannelInfo {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	out := make([]ChannelInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, ChannelInfo{ID: id, Description: r.channels[id].desc})
	}
	return out
}

// RegisterAgentProvider adds an agent-extension for invocation by id. Last
// writer wins on duplicate ids.
func (r *Router) RegisterAgentProvider(p yodoca.AgentProvider) {
	d := p.AgentDescriptor()
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if _, exists := r.agents[d.ID]; exists {
		r.logger.Warn("agent provider re-registered", "agent", d.ID)
	}
	r.agents[d.ID] = p
}

// Subscribe registers a direct-callback hook. Re-using a subscriber id
// replaces the previous registration in place.
func (r *Router) Subscribe(hook yodoca.HookName, id string, fn yodoca.HookFunc) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	regs := r.hooks[hook]
	for i := range regs {
		if regs[i].id == id {
			regs[i].fn = fn
			return
		}
	}
	r.hooks[hook] = append(regs, hookReg{id: id, fn: fn})
}

// Unsubscribe removes a hook registration. Unknown ids are a no-op.
func (r *Router) Unsubscribe(hook yodoca.HookName, id string) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	regs := r.hooks[hook]
	for i := range regs {
		if regs[i].id == id {
			r.hooks[hook] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// fireHooks runs every registration for hook in order. Hook errors are
// logged and do not affect delivery.
func (r *Router) fireHooks(ctx context.Context, hook yodoca.HookName, msg yodoca.MessagePayload) {
	r.regMu.RLock()
	regs := make([]hookReg, len(r.hooks[hook]))
	copy(regs, r.hooks[hook])
	r.regMu.RUnlock()

	for _, reg := range regs {
		if err := reg.fn(ctx, msg); err != nil {
			r.logger.Warn("hook failed", "hook", string(hook), "subscriber", reg.id, "error", err)
		}
	}
}

func (r *Router) publish(ctx context.Context, topic string, payload any, correlationID string) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(ctx, topic, eventSource, payload, correlationID); err != nil {
		r.logger.Error("publish failed", "topic", topic, "error", err)
	}
}

// rotateLocked checks session expiry and rotates if needed. Must be called
// with mu held. Returns the current session.
func (r *Router) rotateLocked(ctx context.Context) *session {
	now := r.now()
	if r.sess == nil {
		r.sess = &session{id: yodoca.NewID(), lastAt: now}
		r.logger.Debug("session started", "session", r.sess.id)
		return r.sess
	}
	if now.Sub(r.sess.lastAt) > r.timeout {
		old := r.sess.id
		r.sess = &session{id: yodoca.NewID(), lastAt: now}
		r.logger.Info("session rotated", "old", old, "new", r.sess.id)
		r.publish(ctx, yodoca.TopicSessionCompleted,
			yodoca.SessionCompletedPayload{SessionID: old, Reason: rotationReason}, "")
	}
	return r.sess
}

// HandleUserMessage is the reactive entry point. It rotates the session if
// expired, fires user_message hooks, runs the orchestrator under the
// invocation mutex, and delivers the response to the originating channel
// (streaming when the channel supports it). It returns once delivery
// completes.
func (r *Router) HandleUserMessage(ctx context.Context, text, userID, channelID string) (string, error) {
	r.regMu.RLock()
	agent := r.agent
	entry, chOK := r.channels[channelID]
	r.regMu.RUnlock()

	if agent == nil {
		return "", yodoca.ErrAgentNotSet
	}
	if !chOK {
		return "", &yodoca.ErrChannelUnavailable{ChannelID: channelID}
	}

	if r.guard != nil {
		if layer, blocked := r.guard.Scan(text); blocked {
			r.logger.Warn("user message blocked", "layer", layer, "channel", channelID)
			reply := r.guard.Response()
			if err := entry.ch.SendToUser(ctx, userID, reply); err != nil {
				return "", err
			}
			return reply, nil
		}
	}

	r.mu.Lock()
	sess := r.rotateLocked(ctx)
	sess.lastAt = r.now()

	msg := yodoca.MessagePayload{Text: text, UserID: userID, ChannelID: channelID, SessionID: sess.id}
	r.fireHooks(ctx, yodoca.HookUserMessage, msg)

	task := yodoca.AgentTask{
		Input:   text,
		History: append([]yodoca.ChatMessage(nil), sess.transcript...),
		Context: map[string]any{
			yodoca.ContextUserID:    userID,
			yodoca.ContextChannelID: channelID,
			yodoca.ContextSessionID: sess.id,
		},
	}

	var final string
	var invokeErr error
	if sc, ok := entry.ch.(yodoca.StreamingChannel); ok {
		final, invokeErr = r.deliverStreamed(ctx, agent, sc, task, userID)
	} else {
		final, invokeErr = r.deliverBlocking(ctx, agent, entry.ch, task, userID)
	}

	if invokeErr == nil {
		sess.transcript = append(sess.transcript,
			yodoca.UserMessage(text), yodoca.AssistantMessage(final))
		if len(sess.transcript) > maxTranscript {
			sess.transcript = sess.transcript[len(sess.transcript)-maxTranscript:]
		}
	}
	sess.lastAt = r.now()
	r.mu.Unlock()

	resp := yodoca.MessagePayload{Text: final, UserID: userID, ChannelID: channelID, SessionID: sess.id}
	r.fireHooks(ctx, yodoca.HookAgentResponse, resp)
	r.publish(ctx, yodoca.TopicAgentResponse, resp, "")

	return final, invokeErr
}

// deliverBlocking runs the agent and sends the complete response.
func (r *Router) deliverBlocking(ctx context.Context, agent yodoca.Agent, ch yodoca.Channel, task yodoca.AgentTask, userID string) (string, error) {
	result, err := agent.Execute(ctx, task)
	text := result.Output
	if err != nil {
		r.logger.Error("agent invocation failed", "error", err)
		text = apology(err)
	}
	if sendErr := ch.SendToUser(ctx, userID, text); sendErr != nil {
		r.logger.Error("channel send failed", "user", userID, "error", sendErr)
		if err == nil {
			err = sendErr
		}
	}
	return text, err
}

// deliverStreamed runs the agent's stream and forwards events to the
// channel's streaming surface. The accumulated text (plus an error suffix on
// failure) goes to OnStreamEnd, so the user always sees a terminated stream.
func (r *Router) deliverStreamed(ctx context.Context, agent yodoca.Agent, sc yodoca.StreamingChannel, task yodoca.AgentTask, userID string) (string, error) {
	if err := sc.OnStreamStart(ctx, userID); err != nil {
		r.logger.Warn("stream start failed", "user", userID, "error", err)
	}

	events := make(chan yodoca.StreamEvent, 64)
	type streamResult struct {
		res yodoca.AgentResult
		err error
	}
	resultCh := make(chan streamResult, 1)
	go func() {
		var res yodoca.AgentResult
		var err error
		if sa, ok := agent.(yodoca.StreamingAgent); ok {
			res, err = sa.ExecuteStream(ctx, task, events)
		} else {
			res, err = agent.Execute(ctx, task)
			if err == nil {
				events <- yodoca.StreamEvent{Type: yodoca.EventTextDelta, Content: res.Output}
			}
			close(events)
		}
		resultCh <- streamResult{res, err}
	}()

	var accumulated strings.Builder
	for ev := range events {
		switch ev.Type {
		case yodoca.EventTextDelta:
			accumulated.WriteString(ev.Content)
			if err := sc.OnStreamChunk(ctx, userID, ev.Content); err != nil {
				r.logger.Warn("stream chunk failed", "user", userID, "error", err)
			}
		case yodoca.EventToolCallStart:
			if err := sc.OnStreamStatus(ctx, userID, "Using: "+ev.Name); err != nil {
				r.logger.Warn("stream status failed", "user", userID, "error", err)
			}
		}
	}

	result := <-resultCh
	final := accumulated.String()
	if result.err != nil {
		r.logger.Error("agent stream failed", "error", result.err)
		if final == "" {
			final = apology(result.err)
		} else {
			final += fmt.Sprintf("\n\n(Error: %s)", yodoca.ErrKind(result.err))
		}
	}

	if err := sc.OnStreamEnd(ctx, userID, final); err != nil {
		r.logger.Error("stream end failed", "user", userID, "error", err)
	}
	return final, result.err
}

// Invoke runs a serialised invocation against the orchestrator (agentID ""
// or "orchestrator") or a registered agent-extension. Agent-extension
// replies with status error map to retryable failures, refused to
// non-retryable; the task engine relies on that taxonomy.
func (r *Router) Invoke(ctx context.Context, agentID, prompt string, inv yodoca.AgentInvocation) (string, error) {
	r.regMu.RLock()
	agent := r.agent
	provider, isExt := r.agents[agentID]
	r.regMu.RUnlock()

	if agentID == "" || agentID == "orchestrator" {
		if agent == nil {
			return "", yodoca.ErrAgentNotSet
		}
		task := yodoca.AgentTask{Input: prompt}
		if inv.CorrelationID != "" {
			task.Context = map[string]any{yodoca.ContextCorrelationID: inv.CorrelationID}
		}
		r.mu.Lock()
		result, err := agent.Execute(ctx, task)
		r.mu.Unlock()
		if err != nil {
			return "", err
		}
		r.fireHooks(ctx, yodoca.HookAgentResponse, yodoca.MessagePayload{Text: result.Output})
		return result.Output, nil
	}

	if !isExt {
		return "", yodoca.NonRetryable(fmt.Errorf("unknown agent %q", agentID))
	}

	r.mu.Lock()
	reply, err := provider.Invoke(ctx, prompt, inv)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	switch reply.Status {
	case yodoca.ReplyError:
		return reply.Content, yodoca.Retryable(fmt.Errorf("agent %s: %s", agentID, reply.Content))
	case yodoca.ReplyRefused:
		return reply.Content, yodoca.NonRetryable(fmt.Errorf("agent %s refused: %s", agentID, reply.Content))
	}
	r.fireHooks(ctx, yodoca.HookAgentResponse, yodoca.MessagePayload{Text: reply.Content})
	return reply.Content, nil
}

// InvokeStreamed runs a streamed orchestrator invocation, delivering output
// through cb. The invocation mutex is held for the whole stream. Returns the
// accumulated text.
func (r *Router) InvokeStreamed(ctx context.Context, prompt string, cb yodoca.StreamCallbacks, agentID string) (string, error) {
	if agentID != "" && agentID != "orchestrator" {
		// Agent-extensions expose a blocking Invoke only; deliver the full
		// reply as one chunk.
		out, err := r.Invoke(ctx, agentID, prompt, yodoca.AgentInvocation{})
		if err == nil && cb.OnChunk != nil {
			cb.OnChunk(out)
		}
		return out, err
	}

	r.regMu.RLock()
	agent := r.agent
	r.regMu.RUnlock()
	if agent == nil {
		return "", yodoca.ErrAgentNotSet
	}

	r.mu.Lock()
	final, err := r.streamLocked(ctx, agent, prompt, cb)
	r.mu.Unlock()
	if err != nil {
		return final, err
	}
	r.fireHooks(ctx, yodoca.HookAgentResponse, yodoca.MessagePayload{Text: final})
	return final, nil
}

// streamLocked runs one streamed orchestrator invocation. Must be called
// with mu held.
func (r *Router) streamLocked(ctx context.Context, agent yodoca.Agent, prompt string, cb yodoca.StreamCallbacks) (string, error) {
	sa, streams := agent.(yodoca.StreamingAgent)
	if !streams {
		result, err := agent.Execute(ctx, yodoca.AgentTask{Input: prompt})
		if err != nil {
			return "", err
		}
		if cb.OnChunk != nil {
			cb.OnChunk(result.Output)
		}
		return result.Output, nil
	}

	events := make(chan yodoca.StreamEvent, 64)
	type streamResult struct {
		res yodoca.AgentResult
		err error
	}
	resultCh := make(chan streamResult, 1)
	go func() {
		res, err := sa.ExecuteStream(ctx, yodoca.AgentTask{Input: prompt}, events)
		resultCh <- streamResult{res, err}
	}()

	var accumulated strings.Builder
	for ev := range events {
		switch ev.Type {
		case yodoca.EventTextDelta:
			accumulated.WriteString(ev.Content)
			if cb.OnChunk != nil {
				cb.OnChunk(ev.Content)
			}
		case yodoca.EventToolCallStart:
			if cb.OnToolCall != nil {
				cb.OnToolCall(ev.Name)
			}
		}
	}

	result := <-resultCh
	return accumulated.String(), result.err
}

// NotifyUser delivers proactive text. A registered channelID wins; otherwise
// the first-registered channel is used. Fails with *ErrChannelUnavailable
// only when no channel can serve the request.
func (r *Router) NotifyUser(ctx context.Context, text, channelID string) error {
	r.regMu.RLock()
	entry, ok := r.channels[channelID]
	if !ok && len(r.order) > 0 {
		if channelID != "" {
			r.logger.Warn("channel not registered, using first registered", "channel", channelID)
		}
		entry, ok = r.channels[r.order[0]], true
	}
	r.regMu.RUnlock()

	if !ok {
		return &yodoca.ErrChannelUnavailable{ChannelID: channelID}
	}
	return entry.ch.SendMessage(ctx, text)
}

// apology is the user-facing text for a failed reactive invocation.
func apology(err error) string {
	return fmt.Sprintf("Sorry, something went wrong. Please try again. (Error: %s)", yodoca.ErrKind(err))
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
