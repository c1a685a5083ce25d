package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/internal/config"
	"github.com/yodoca/yodoca/internal/router"
	"github.com/yodoca/yodoca/internal/scheduler"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// memBus is a synchronous in-memory stand-in for the durable event bus.
type memBus struct {
	mu       sync.Mutex
	seq      int64
	handlers map[string]map[string]yodoca.EventHandler
	events   []memEvent
}

type memEvent struct {
	topic   string
	source  string
	payload json.RawMessage
}

func newMemBus() *memBus {
	return &memBus{handlers: make(map[string]map[string]yodoca.EventHandler)}
}

func (b *memBus) Publish(ctx context.Context, topic, source string, payload any, correlationID string) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.events = append(b.events, memEvent{topic: topic, source: source, payload: data})
	hs := make([]yodoca.EventHandler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	ev := yodoca.Event{ID: id, Topic: topic, Source: source, Payload: data, CorrelationID: correlationID}
	for _, h := range hs {
		_ = h(ctx, ev)
	}
	return id, nil
}

func (b *memBus) Subscribe(topic, subscriberID string, h yodoca.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[string]yodoca.EventHandler)
	}
	b.handlers[topic][subscriberID] = h
}

func (b *memBus) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[topic], subscriberID)
}

func (b *memBus) subscribers(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.handlers[topic]))
	for id := range b.handlers[topic] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *memBus) topicPayloads(topic string) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []json.RawMessage
	for _, e := range b.events {
		if e.topic == topic {
			out = append(out, e.payload)
		}
	}
	return out
}

// fakeHandle is a static model handle.
type fakeHandle struct {
	provider yodoca.Provider
	model    string
	params   *yodoca.GenerationParams
}

func (h *fakeHandle) Provider() yodoca.Provider        { return h.provider }
func (h *fakeHandle) ModelID() string                  { return h.model }
func (h *fakeHandle) Params() *yodoca.GenerationParams { return h.params }

// fakeModels resolves every agent to one handle and records bindings.
type fakeModels struct {
	mu      sync.Mutex
	handle  yodoca.ModelHandle
	err     error
	configs map[string]yodoca.AgentModelConfig
}

func (f *fakeModels) Resolve(string) (yodoca.ModelHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

func (f *fakeModels) RegisterAgentConfig(agentID string, cfg yodoca.AgentModelConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configs == nil {
		f.configs = make(map[string]yodoca.AgentModelConfig)
	}
	f.configs[agentID] = cfg
}

func (f *fakeModels) config(agentID string) (yodoca.AgentModelConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[agentID]
	return cfg, ok
}

// scriptedProvider returns canned responses and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []yodoca.ChatResponse
	requests  []yodoca.ChatRequest
	err       error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req yodoca.ChatRequest) (yodoca.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return yodoca.ChatResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return yodoca.ChatResponse{Content: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req yodoca.ChatRequest, ch chan<- yodoca.StreamEvent) (yodoca.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err == nil && resp.Content != "" {
		ch <- yodoca.StreamEvent{Type: yodoca.EventTextDelta, Content: resp.Content}
	}
	close(ch)
	return resp, err
}

func (p *scriptedProvider) lastRequest(t *testing.T) yodoca.ChatRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatal("provider was never called")
	}
	return p.requests[len(p.requests)-1]
}

// mapSecrets satisfies SecretSource.
type mapSecrets map[string]string

func (m mapSecrets) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// callLog records lifecycle calls across extensions in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// stubExt is a lifecycle extension with scriptable failures.
type stubExt struct {
	id       string
	log      *callLog
	initErr  error
	startErr error
	stopErr  error

	mu sync.Mutex
	ec yodoca.Context
}

func (s *stubExt) Initialize(_ context.Context, ec yodoca.Context) error {
	s.mu.Lock()
	s.ec = ec
	s.mu.Unlock()
	if s.log != nil {
		s.log.add(s.id + ":init")
	}
	return s.initErr
}

func (s *stubExt) Start(context.Context) error {
	if s.log != nil {
		s.log.add(s.id + ":start")
	}
	return s.startErr
}

func (s *stubExt) Stop(context.Context) error {
	if s.log != nil {
		s.log.add(s.id + ":stop")
	}
	return s.stopErr
}

func (s *stubExt) context() yodoca.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ec
}

// toolStub contributes canned tools.
type toolStub struct {
	stubExt
	tools []yodoca.Tool
}

func (s *toolStub) Tools() []yodoca.Tool { return s.tools }

// channelStub records deliveries.
type channelStub struct {
	stubExt
	mu       sync.Mutex
	sent     []string
	messages []string
}

func (c *channelStub) SendToUser(_ context.Context, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *channelStub) SendMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *channelStub) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// agentStub is an agent-extension.
type agentStub struct {
	stubExt
	descriptor yodoca.AgentDescriptor
	reply      yodoca.AgentReply
	err        error

	mu      sync.Mutex
	prompts []string
}

func (a *agentStub) AgentDescriptor() yodoca.AgentDescriptor { return a.descriptor }

func (a *agentStub) Invoke(_ context.Context, prompt string, _ yodoca.AgentInvocation) (yodoca.AgentReply, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	a.mu.Unlock()
	return a.reply, a.err
}

// healthStub flips between healthy and failing.
type healthStub struct {
	stubExt
	failing atomic.Bool
}

func (h *healthStub) HealthCheck(context.Context) error {
	if h.failing.Load() {
		return errors.New("probe failed")
	}
	return nil
}

// serviceStub runs until its context is cancelled.
type serviceStub struct {
	stubExt
	started atomic.Bool
}

func (s *serviceStub) RunBackground(ctx context.Context) error {
	s.started.Store(true)
	<-ctx.Done()
	return nil
}

// schedStub contributes one code-level schedule.
type schedStub struct {
	stubExt
	specs []yodoca.ScheduleSpec
}

func (s *schedStub) Schedules() []yodoca.ScheduleSpec { return s.specs }

// ctxProviderStub contributes prompt context with a fixed priority.
type ctxProviderStub struct {
	stubExt
	priority int
	fragment string
}

func (c *ctxProviderStub) ContextPriority() int { return c.priority }

func (c *ctxProviderStub) ProvideContext(context.Context, string) (string, error) {
	return c.fragment, nil
}

// setupStub registers onboarding notes.
type setupStub struct {
	stubExt
	notes string
}

func (s *setupStub) SetupInstructions() string { return s.notes }

var (
	_ yodoca.Extension         = (*stubExt)(nil)
	_ yodoca.ToolProvider      = (*toolStub)(nil)
	_ yodoca.Channel           = (*channelStub)(nil)
	_ yodoca.AgentProvider     = (*agentStub)(nil)
	_ yodoca.HealthChecker     = (*healthStub)(nil)
	_ yodoca.ServiceProvider   = (*serviceStub)(nil)
	_ yodoca.SchedulerProvider = (*schedStub)(nil)
	_ yodoca.ContextProvider   = (*ctxProviderStub)(nil)
	_ yodoca.SetupProvider     = (*setupStub)(nil)
)

// fixture bundles a kernel with its fake services.
type fixture struct {
	k      *Kernel
	bus    *memBus
	rt     *router.Router
	models *fakeModels
	sched  *scheduler.Scheduler
	cfg    config.Settings
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	bus := newMemBus()
	rt := router.New(bus)
	models := &fakeModels{handle: &fakeHandle{provider: &scriptedProvider{}, model: "test-model"}}
	sched := scheduler.New(bus.Publish, nopLogger)
	cfg := config.Settings{Sandbox: t.TempDir()}
	k := New(Deps{
		Bus:       bus,
		Router:    rt,
		Models:    models,
		Secrets:   mapSecrets{"API_KEY": "sk-test"},
		Scheduler: sched,
		Settings:  cfg,
	}, opts...)
	return &fixture{k: k, bus: bus, rt: rt, models: models, sched: sched, cfg: cfg}
}

func (f *fixture) load(t *testing.T, catalog yodoca.Catalog) {
	t.Helper()
	if err := f.k.Load(context.Background(), catalog); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func mustState(t *testing.T, k *Kernel, id string, want yodoca.LifecycleState) {
	t.Helper()
	got, ok := k.State(id)
	if !ok {
		t.Fatalf("extension %s not tracked", id)
	}
	if got != want {
		t.Fatalf("state(%s) = %s, want %s", id, got, want)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ---------------------------------------------------------------------------
// Lifecycle phases
// ---------------------------------------------------------------------------

func TestLifecyclePhases(t *testing.T) {
	f := newFixture(t)
	log := &callLog{}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "base"}, &stubExt{id: "base", log: log})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "app", DependsOn: []string{"base"}}, &stubExt{id: "app", log: log})
	f.load(t, nil)

	mustState(t, f.k, "base", yodoca.StateInitialized)
	mustState(t, f.k, "app", yodoca.StateInitialized)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.k.StartAll(ctx)
	mustState(t, f.k, "base", yodoca.StateActive)
	mustState(t, f.k, "app", yodoca.StateActive)

	f.k.Stop(context.Background())
	mustState(t, f.k, "base", yodoca.StateStopped)
	mustState(t, f.k, "app", yodoca.StateStopped)

	want := []string{"base:init", "app:init", "base:start", "app:start", "app:stop", "base:stop"}
	got := log.list()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestInitializeFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	log := &callLog{}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "bad"}, &stubExt{id: "bad", log: log, initErr: errors.New("boom")})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "good"}, &stubExt{id: "good", log: log})
	f.load(t, nil)

	mustState(t, f.k, "bad", yodoca.StateError)
	mustState(t, f.k, "good", yodoca.StateInitialized)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.k.StartAll(ctx)
	defer f.k.Stop(context.Background())

	mustState(t, f.k, "bad", yodoca.StateError)
	mustState(t, f.k, "good", yodoca.StateActive)
	for _, call := range log.list() {
		if call == "bad:start" {
			t.Error("errored extension was started")
		}
	}
}

func TestStartFailureMarksError(t *testing.T) {
	f := newFixture(t)
	log := &callLog{}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "flaky"}, &stubExt{id: "flaky", log: log, startErr: errors.New("no dice")})
	f.load(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.k.StartAll(ctx)
	mustState(t, f.k, "flaky", yodoca.StateError)

	// An errored extension receives no Stop call on shutdown.
	f.k.Stop(context.Background())
	mustState(t, f.k, "flaky", yodoca.StateError)
	for _, call := range log.list() {
		if call == "flaky:stop" {
			t.Error("Stop called on errored extension")
		}
	}
}

func TestStopErrorKeepsErrorState(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "sticky"}, &stubExt{id: "sticky", stopErr: errors.New("wedged")})
	f.load(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.k.StartAll(ctx)
	f.k.Stop(context.Background())
	mustState(t, f.k, "sticky", yodoca.StateError)
}

// ---------------------------------------------------------------------------
// Discovery and construction
// ---------------------------------------------------------------------------

func TestLoadFromDiskWithCatalog(t *testing.T) {
	f := newFixture(t)
	root := f.cfg.ExtensionsDir()
	writeManifest(t, root, "notes", "id: notes\nentrypoint: notes.New\n")
	writeManifest(t, root, "orphan", "id: orphan\nentrypoint: gone.New\n")

	constructed := &stubExt{id: "notes"}
	catalog := yodoca.Catalog{}
	if err := catalog.Register("notes.New", func() (yodoca.Extension, error) {
		return constructed, nil
	}); err != nil {
		t.Fatal(err)
	}
	f.load(t, catalog)

	mustState(t, f.k, "notes", yodoca.StateInitialized)
	if constructed.context() == nil {
		t.Error("constructed extension never received its context")
	}

	// No catalog entry: the extension is dropped, not tracked.
	if _, ok := f.k.State("orphan"); ok {
		t.Error("orphan with unresolvable entrypoint was loaded")
	}
}

func TestLoadSkipsDependentsOfUnknownDeps(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "solid"}, &stubExt{id: "solid"})
	f.k.AddBuiltin(&yodoca.Manifest{ID: "needy", DependsOn: []string{"ghost"}}, &stubExt{id: "needy"})
	f.load(t, nil)

	mustState(t, f.k, "solid", yodoca.StateInitialized)
	if _, ok := f.k.State("needy"); ok {
		t.Error("extension with unknown dependency was loaded")
	}
}

func TestDiskManifestCannotShadowBuiltin(t *testing.T) {
	f := newFixture(t)
	builtin := &stubExt{id: "task_engine"}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "task_engine"}, builtin)

	writeManifest(t, f.cfg.ExtensionsDir(), "task_engine", "id: task_engine\nentrypoint: evil.New\n")
	invoked := false
	catalog := yodoca.Catalog{"evil.New": func() (yodoca.Extension, error) {
		invoked = true
		return &stubExt{id: "evil"}, nil
	}}
	f.load(t, catalog)

	mustState(t, f.k, "task_engine", yodoca.StateInitialized)
	if invoked {
		t.Error("shadowing disk manifest was constructed")
	}
	if builtin.context() == nil {
		t.Error("builtin did not win the id")
	}
}

func TestBuiltinCanBeDependedOn(t *testing.T) {
	f := newFixture(t)
	log := &callLog{}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "task_engine"}, &stubExt{id: "task_engine", log: log})

	root := f.cfg.ExtensionsDir()
	writeManifest(t, root, "notes", "id: notes\nentrypoint: notes.New\ndepends_on: [task_engine]\n")
	catalog := yodoca.Catalog{"notes.New": func() (yodoca.Extension, error) {
		return &stubExt{id: "notes", log: log}, nil
	}}
	f.load(t, catalog)

	mustState(t, f.k, "notes", yodoca.StateInitialized)
	calls := log.list()
	if len(calls) != 2 || calls[0] != "task_engine:init" || calls[1] != "notes:init" {
		t.Errorf("init order = %v, want [task_engine:init notes:init]", calls)
	}
}

// ---------------------------------------------------------------------------
// Services, health, shutdown
// ---------------------------------------------------------------------------

func TestServiceLoopRunsAndStops(t *testing.T) {
	f := newFixture(t)
	svc := &serviceStub{stubExt: stubExt{id: "poller"}}
	f.k.AddBuiltin(&yodoca.Manifest{ID: "poller"}, svc)
	f.load(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.k.StartAll(ctx)

	waitFor(t, time.Second, func() bool { return svc.started.Load() })

	rec := f.k.record("poller")
	if rec.service == nil {
		t.Fatal("no service handle spawned")
	}
	done := rec.service.Done()

	f.k.Stop(context.Background())
	select {
	case <-done:
	default:
		t.Error("service loop still running after Stop")
	}
}

func TestHealthFailureStopsExtension(t *testing.T) {
	f := newFixture(t, WithHealthInterval(15*time.Millisecond), WithStopTimeout(time.Second))
	log := &callLog{}
	h := &healthStub{stubExt: stubExt{id: "probe", log: log}}
	f.k.AddBuiltin(&yodoca.Manifest{
		ID:        "probe",
		Schedules: []yodoca.ScheduleSpec{{Name: "tick", Cron: "@hourly", Task: "check"}},
	}, h)
	f.load(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.k.StartAll(ctx)
	defer f.k.Stop(context.Background())

	if names := f.sched.Names(); len(names) != 1 {
		t.Fatalf("schedules = %v, want one entry", names)
	}

	h.failing.Store(true)
	waitFor(t, 2*time.Second, func() bool {
		st, _ := f.k.State("probe")
		return st == yodoca.StateError
	})

	// The failure stops the extension and drops its schedules, keeping the
	// ERROR state visible.
	waitFor(t, time.Second, func() bool {
		for _, call := range log.list() {
			if call == "probe:stop" {
				return true
			}
		}
		return false
	})
	if names := f.sched.Names(); len(names) != 0 {
		t.Errorf("schedules after health failure = %v, want none", names)
	}
	mustState(t, f.k, "probe", yodoca.StateError)
}

func TestRequestShutdownIdempotent(t *testing.T) {
	f := newFixture(t)
	select {
	case <-f.k.ShutdownRequested():
		t.Fatal("shutdown channel closed before request")
	default:
	}

	f.k.RequestShutdown()
	f.k.RequestShutdown()
	select {
	case <-f.k.ShutdownRequested():
	default:
		t.Fatal("shutdown channel not closed after request")
	}
}

func TestSetupNotes(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "mail"},
		&setupStub{stubExt: stubExt{id: "mail"}, notes: "Create an app password first."})
	f.load(t, nil)

	notes := f.k.SetupNotes()
	if notes["mail"] != "Create an app password first." {
		t.Errorf("notes = %v", notes)
	}
}

func TestCapabilitiesSummary(t *testing.T) {
	f := newFixture(t)
	f.k.AddBuiltin(&yodoca.Manifest{ID: "term", Description: "Terminal channel"},
		&channelStub{stubExt: stubExt{id: "term"}})
	f.k.AddBuiltin(&yodoca.Manifest{
		ID:          "weather",
		Description: "Weather lookups",
		Schedules:   []yodoca.ScheduleSpec{{Name: "morning", Cron: "@daily", Task: "forecast"}},
	}, &toolStub{
		stubExt: stubExt{id: "weather"},
		tools: []yodoca.Tool{yodoca.NewFuncTool("get_weather", "d", nil,
			func(context.Context, json.RawMessage) (yodoca.ToolResult, error) {
				return yodoca.ToolResult{}, nil
			})},
	})
	f.load(t, nil)

	summary := f.k.CapabilitiesSummary()
	if !strings.Contains(summary, "- term: Terminal channel (channel)") {
		t.Errorf("summary missing channel line:\n%s", summary)
	}
	if !strings.Contains(summary, "- weather: Weather lookups (tools(1), schedules[morning])") {
		t.Errorf("summary missing tool line:\n%s", summary)
	}
}
