// Package kernel loads extensions, wires their capabilities into the shared
// runtime services, and drives the lifecycle phases of the agent process:
// initialize, wire, start, health monitoring, stop.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/internal/config"
	"github.com/yodoca/yodoca/internal/router"
	"github.com/yodoca/yodoca/internal/scheduler"
	"github.com/yodoca/yodoca/skills"
)

// EventBus is the journal surface extension contexts and built-in handlers
// publish through. *bus.Bus satisfies it.
type EventBus interface {
	Publish(ctx context.Context, topic, source string, payload any, correlationID string) (int64, error)
	Subscribe(topic, subscriberID string, h yodoca.EventHandler)
	Unsubscribe(topic, subscriberID string)
}

// SecretSource resolves named credentials. *secrets.Store satisfies it.
type SecretSource interface {
	Get(name string) (value string, ok bool)
}

const (
	defaultHealthInterval = 30 * time.Second
	defaultStopTimeout    = 10 * time.Second
	defaultRestartPoll    = 2 * time.Second
	// healthCheckTimeout bounds one HealthCheck call so a hung extension
	// cannot stall the monitor loop.
	healthCheckTimeout = 10 * time.Second
)

// Deps are the shared services a Kernel coordinates. All fields except
// Skills are required.
type Deps struct {
	Bus       EventBus
	Router    *router.Router
	Models    yodoca.ModelResolver
	Secrets   SecretSource
	Scheduler *scheduler.Scheduler
	Skills    *skills.Registry
	Settings  config.Settings
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithHealthInterval overrides the health monitor period (default 30s).
func WithHealthInterval(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.healthInterval = d
		}
	}
}

// WithStopTimeout bounds each extension's Stop call (default 10s).
func WithStopTimeout(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.stopTimeout = d
		}
	}
}

// WithRestartPoll overrides the restart-flag poll period (default 2s). The
// poll backs up the fsnotify watch.
func WithRestartPoll(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.restartPoll = d
		}
	}
}

// record tracks one loaded extension through its lifecycle.
type record struct {
	manifest *yodoca.Manifest
	dir      string
	ext      yodoca.Extension
	ec       *extContext
	state    atomic.Int32
	service  *serviceHandle
	// busSubs lists subscriber ids the kernel registered on the
	// extension's behalf (notify_user bridges), released on stop.
	busSubs []busSub
}

type busSub struct {
	topic string
	id    string
}

func (r *record) setState(s yodoca.LifecycleState) { r.state.Store(int32(s)) }

func (r *record) lifecycleState() yodoca.LifecycleState {
	return yodoca.LifecycleState(r.state.Load())
}

// Kernel owns the extension registry and the lifecycle machinery. Create it
// with New, then call Load, StartAll, and finally Stop.
type Kernel struct {
	bus     EventBus
	router  *router.Router
	models  yodoca.ModelResolver
	secrets SecretSource
	sched   *scheduler.Scheduler
	skills  *skills.Registry
	cfg     config.Settings
	logger  *slog.Logger

	healthInterval time.Duration
	stopTimeout    time.Duration
	restartPoll    time.Duration

	mu           sync.RWMutex
	builtins     []entry
	builtinExts  map[string]yodoca.Extension
	records      map[string]*record
	order        []string
	tools        []yodoca.Tool
	ctxProviders []yodoca.ContextProvider
	setups       map[string]string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New builds a Kernel over the shared services.
func New(deps Deps, opts ...Option) *Kernel {
	k := &Kernel{
		bus:            deps.Bus,
		router:         deps.Router,
		models:         deps.Models,
		secrets:        deps.Secrets,
		sched:          deps.Scheduler,
		skills:         deps.Skills,
		cfg:            deps.Settings,
		logger:         nopLogger,
		healthInterval: defaultHealthInterval,
		stopTimeout:    defaultStopTimeout,
		restartPoll:    defaultRestartPoll,
		builtinExts:    make(map[string]yodoca.Extension),
		records:        make(map[string]*record),
		setups:         make(map[string]string),
		shutdownCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// AddBuiltin registers a compiled-in extension ahead of Load. Built-ins
// participate in dependency ordering like disk extensions, so manifests may
// name them in depends_on.
func (k *Kernel) AddBuiltin(m *yodoca.Manifest, ext yodoca.Extension) {
	k.builtins = append(k.builtins, entry{manifest: m})
	k.builtinExts[m.ID] = ext
}

// Load runs discovery, dependency ordering, construction, initialization,
// and capability wiring. Individual extension failures are logged and mark
// only that extension ERROR; Load fails only when the extension directory
// itself is unreadable.
func (k *Kernel) Load(ctx context.Context, catalog yodoca.Catalog) error {
	discovered, err := discover(k.cfg.ExtensionsDir(), k.logger)
	if err != nil {
		return err
	}
	entries := append([]entry(nil), k.builtins...)
	for _, e := range discovered {
		if _, taken := k.builtinExts[e.manifest.ID]; taken {
			k.logger.Warn("extension id shadows a built-in, skipping", "ext", e.manifest.ID)
			continue
		}
		entries = append(entries, e)
	}

	ordered, failed := sortByDependency(entries)
	for id, ferr := range failed {
		k.logger.Error("extension rejected", "ext", id, "error", ferr)
	}

	for _, e := range ordered {
		ext, cerr := k.construct(e, catalog)
		if cerr != nil {
			k.logger.Error("extension construction failed", "ext", e.manifest.ID, "error", cerr)
			continue
		}
		rec := &record{manifest: e.manifest, dir: e.dir, ext: ext}
		rec.setState(yodoca.StateLoaded)
		k.mu.Lock()
		k.records[e.manifest.ID] = rec
		k.order = append(k.order, e.manifest.ID)
		k.mu.Unlock()
		k.logger.Info("extension loaded", "ext", e.manifest.ID, "version", e.manifest.Version)
	}

	k.initializeAll(ctx)
	k.wire()
	return nil
}

// initializeAll calls Initialize on every loaded extension in dependency
// order. Manifest agent_config entries are registered with the model router
// first so Initialize can already resolve models.
func (k *Kernel) initializeAll(ctx context.Context) {
	for _, rec := range k.ordered() {
		id := rec.manifest.ID
		for agentID, mc := range rec.manifest.AgentConfig {
			k.models.RegisterAgentConfig(agentID, mc)
		}

		rec.ec = k.newContext(rec)
		if err := rec.ext.Initialize(ctx, rec.ec); err != nil {
			lerr := &yodoca.ErrLifecycle{ExtensionID: id, Phase: "initialize", Err: err}
			k.logger.Error("extension initialize failed", "ext", id, "error", lerr)
			rec.setState(yodoca.StateError)
			continue
		}
		rec.setState(yodoca.StateInitialized)
		k.logger.Info("extension initialized", "ext", id)
	}
}

// StartAll starts every initialized extension in dependency order, spawns
// service loops, begins the scheduler, and launches the health monitor and
// restart watcher. ctx bounds the whole agent process; cancelling it stops
// service loops.
func (k *Kernel) StartAll(ctx context.Context) {
	for _, rec := range k.ordered() {
		if rec.lifecycleState() != yodoca.StateInitialized {
			continue
		}
		id := rec.manifest.ID
		if err := rec.ext.Start(ctx); err != nil {
			lerr := &yodoca.ErrLifecycle{ExtensionID: id, Phase: "start", Err: err}
			k.logger.Error("extension start failed", "ext", id, "error", lerr)
			rec.setState(yodoca.StateError)
			continue
		}
		rec.setState(yodoca.StateActive)
		k.logger.Info("extension started", "ext", id)

		if sp, ok := rec.ext.(yodoca.ServiceProvider); ok {
			rec.service = runService(ctx, id, sp, k.logger)
		}
	}

	k.sched.Start()

	loopCtx, cancel := context.WithCancel(context.Background())
	k.loopCancel = cancel
	k.loopWG.Add(2)
	go k.healthLoop(loopCtx)
	go k.watchRestartFlag(loopCtx)
}

// Stop shuts the kernel down: loops first, then extensions in reverse
// dependency order (each bounded by the stop timeout), then the scheduler.
func (k *Kernel) Stop(ctx context.Context) {
	if k.loopCancel != nil {
		k.loopCancel()
	}
	k.loopWG.Wait()

	ordered := k.ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		k.stopExtension(ordered[i], "shutdown")
	}

	if err := k.sched.Stop(ctx); err != nil {
		k.logger.Warn("scheduler stop", "error", err)
	}
}

// stopExtension stops one extension: its service loop, its bus and hook
// registrations, then Stop itself. Safe to call for any state; only usable
// extensions receive a Stop call.
func (k *Kernel) stopExtension(rec *record, reason string) {
	id := rec.manifest.ID

	if rec.service != nil {
		rec.service.stop(k.stopTimeout)
		rec.service = nil
	}

	for _, s := range rec.busSubs {
		k.bus.Unsubscribe(s.topic, s.id)
	}
	if rec.ec != nil {
		rec.ec.release()
	}

	st := rec.lifecycleState()
	if !st.Usable() {
		return
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), k.stopTimeout)
	defer cancel()
	if err := rec.ext.Stop(stopCtx); err != nil {
		lerr := &yodoca.ErrLifecycle{ExtensionID: id, Phase: "stop", Err: err}
		k.logger.Error("extension stop failed", "ext", id, "error", lerr)
		rec.setState(yodoca.StateError)
		return
	}
	rec.setState(yodoca.StateStopped)
	k.logger.Info("extension stopped", "ext", id, "reason", reason)
}

// RequestShutdown asks the runner to stop the agent process. Idempotent.
func (k *Kernel) RequestShutdown() {
	k.shutdownOnce.Do(func() { close(k.shutdownCh) })
}

// ShutdownRequested is closed when any component asks for a clean stop.
func (k *Kernel) ShutdownRequested() <-chan struct{} { return k.shutdownCh }

// CollectedTools returns the tools gathered during wiring: tool-provider
// contributions plus agent-as-tool wrappers.
func (k *Kernel) CollectedTools() []yodoca.Tool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]yodoca.Tool(nil), k.tools...)
}

// ContextProviders returns the provider chain in ascending priority order.
func (k *Kernel) ContextProviders() []yodoca.ContextProvider {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]yodoca.ContextProvider(nil), k.ctxProviders...)
}

// SetupNotes returns onboarding instructions keyed by extension id.
func (k *Kernel) SetupNotes() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.setups))
	for id, s := range k.setups {
		out[id] = s
	}
	return out
}

// State reports an extension's lifecycle state.
func (k *Kernel) State(id string) (yodoca.LifecycleState, bool) {
	k.mu.RLock()
	rec, ok := k.records[id]
	k.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return rec.lifecycleState(), true
}

// ExtensionIDs returns loaded extension ids in dependency order.
func (k *Kernel) ExtensionIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]string(nil), k.order...)
}

// record returns the record for id, or nil.
func (k *Kernel) record(id string) *record {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.records[id]
}

// ordered returns records in dependency order.
func (k *Kernel) ordered() []*record {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*record, 0, len(k.order))
	for _, id := range k.order {
		out = append(out, k.records[id])
	}
	return out
}

// construct builds the extension instance: built-ins first, then catalog
// entrypoints, then declarative agent adapters.
func (k *Kernel) construct(e entry, catalog yodoca.Catalog) (yodoca.Extension, error) {
	m := e.manifest
	if ext, ok := k.builtinExts[m.ID]; ok {
		return ext, nil
	}
	if m.Entrypoint != "" {
		fn, ok := catalog.Resolve(m.Entrypoint)
		if !ok {
			return nil, fmt.Errorf("entrypoint %q not in catalog", m.Entrypoint)
		}
		return fn()
	}
	if m.IsDeclarativeAgent() {
		return newDeclarativeAgent(m, e.dir)
	}
	return nil, fmt.Errorf("manifest %s has neither entrypoint nor agent block", m.ID)
}

// healthLoop polls HealthCheck on active extensions. A failure marks the
// extension ERROR, stops it, and drops its schedules; the rest of the
// process keeps running.
func (k *Kernel) healthLoop(ctx context.Context) {
	defer k.loopWG.Done()
	ticker := time.NewTicker(k.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.checkHealth(ctx)
		}
	}
}

// checkHealth runs one monitor sweep. Extensions without the HealthChecker
// capability are presumed healthy.
func (k *Kernel) checkHealth(ctx context.Context) {
	for _, rec := range k.ordered() {
		if rec.lifecycleState() != yodoca.StateActive {
			continue
		}
		hc, ok := rec.ext.(yodoca.HealthChecker)
		if !ok {
			continue
		}
		id := rec.manifest.ID
		err := k.runHealthCheck(ctx, hc)
		if err == nil {
			continue
		}
		k.logger.Error("extension unhealthy", "ext", id,
			"error", &yodoca.ErrLifecycle{ExtensionID: id, Phase: "health", Err: err})
		rec.setState(yodoca.StateError)
		k.sched.RemoveExtension(id)
		k.stopUnhealthy(rec)
	}
}

// stopUnhealthy mirrors stopExtension but keeps the ERROR state so the
// failure stays visible.
func (k *Kernel) stopUnhealthy(rec *record) {
	if rec.service != nil {
		rec.service.stop(k.stopTimeout)
		rec.service = nil
	}
	for _, s := range rec.busSubs {
		k.bus.Unsubscribe(s.topic, s.id)
	}
	if rec.ec != nil {
		rec.ec.release()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), k.stopTimeout)
	defer cancel()
	if err := rec.ext.Stop(stopCtx); err != nil {
		k.logger.Error("unhealthy extension stop failed", "ext", rec.manifest.ID, "error", err)
	}
}

// runHealthCheck bounds one probe and contains panics so a broken extension
// cannot take the monitor down.
func (k *Kernel) runHealthCheck(ctx context.Context, hc yodoca.HealthChecker) (err error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("health check panic: %v", p)
		}
	}()
	return hc.HealthCheck(probeCtx)
}

// sortedIDs returns record ids sorted lexically, for deterministic summary
// output.
func (k *Kernel) sortedIDs() []string {
	ids := k.ExtensionIDs()
	sort.Strings(ids)
	return ids
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
