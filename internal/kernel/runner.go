package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/bus"
	"github.com/yodoca/yodoca/internal/config"
	"github.com/yodoca/yodoca/internal/coretools"
	"github.com/yodoca/yodoca/internal/router"
	"github.com/yodoca/yodoca/internal/scheduler"
	"github.com/yodoca/yodoca/internal/secrets"
	"github.com/yodoca/yodoca/modelrouter"
	"github.com/yodoca/yodoca/observer"
	"github.com/yodoca/yodoca/skills"
	"github.com/yodoca/yodoca/taskengine"
)

// shutdownTimeout bounds the whole teardown sequence.
const shutdownTimeout = 30 * time.Second

// Runner assembles and runs one agent process: event bus, model router,
// message router, skills, scheduler, kernel, task engine, core tools, and
// the orchestrator agent. Run blocks until a signal or a shutdown request.
type Runner struct {
	cfg     config.Settings
	catalog yodoca.Catalog
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger for the whole process.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner builds a Runner over loaded settings and a constructor catalog.
// The catalog holds compiled-in extension entrypoints; it may be empty.
func NewRunner(cfg config.Settings, catalog yodoca.Catalog, opts ...RunnerOption) *Runner {
	r := &Runner{cfg: cfg, catalog: catalog, logger: nopLogger}
	if r.catalog == nil {
		r.catalog = yodoca.Catalog{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run wires the process together and blocks until ctx is cancelled or a
// component requests shutdown. A nil return means a clean stop.
func (r *Runner) Run(ctx context.Context) error {
	var inst *observer.Instruments
	if r.cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			r.logger.Warn("observer init failed, continuing without", "error", err)
			inst = nil
		} else {
			defer func() {
				offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(offCtx); err != nil {
					r.logger.Warn("observer shutdown", "error", err)
				}
			}()
		}
	}

	if err := os.MkdirAll(r.cfg.DataDir(), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store := secrets.New()

	busOpts := []bus.Option{bus.WithLogger(r.logger)}
	if inst != nil {
		busOpts = append(busOpts, bus.WithDispatchHook(inst.BusHook()))
	}
	journal := bus.New(r.cfg.EventBusPath(), busOpts...)
	if err := journal.Init(ctx); err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer journal.Close()
	if n, err := journal.Recover(ctx); err != nil {
		r.logger.Warn("event recovery failed", "error", err)
	} else if n > 0 {
		r.logger.Info("requeued stranded events", "count", n)
	}

	mrOpts := []modelrouter.Option{modelrouter.WithLogger(r.logger)}
	if inst != nil {
		mrOpts = append(mrOpts, modelrouter.WithMiddleware(
			func(p yodoca.Provider, model string) yodoca.Provider {
				return observer.WrapProvider(p, model, inst)
			}))
	}
	models := modelrouter.New(r.cfg.RouterConfig(), store.Get, mrOpts...)

	routerOpts := []router.Option{
		router.WithLogger(r.logger),
		router.WithSessionTimeout(time.Duration(r.cfg.Session.TimeoutSec) * time.Second),
	}
	if r.cfg.Security.InjectionGuard {
		routerOpts = append(routerOpts, router.WithInjectionGuard(
			yodoca.NewInjectionGuard(yodoca.InjectionLogger(r.logger))))
	}
	rt := router.New(journal, routerOpts...)

	skillsReg, err := skills.Load(r.cfg.SkillsDir(), skills.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}

	sched := scheduler.New(journal.Publish, r.logger)

	k := New(Deps{
		Bus:       journal,
		Router:    rt,
		Models:    models,
		Secrets:   store,
		Scheduler: sched,
		Skills:    skillsReg,
		Settings:  r.cfg,
	}, WithLogger(r.logger))

	engineOpts := []taskengine.Option{
		taskengine.WithInvoker(rt.Invoke),
		taskengine.WithLogger(r.logger),
		taskengine.WithDBPath(r.cfg.TaskEnginePath()),
		taskengine.WithMaxConcurrent(r.cfg.TaskEngine.MaxConcurrent),
		taskengine.WithLeaseTTL(time.Duration(r.cfg.TaskEngine.LeaseTTLSec) * time.Second),
		taskengine.WithMaxRetries(r.cfg.TaskEngine.MaxRetries),
	}
	if inst != nil {
		engineOpts = append(engineOpts, taskengine.WithStepHook(inst.StepHook()))
	}
	k.AddBuiltin(&yodoca.Manifest{
		ID:          "task_engine",
		Name:        "Task engine",
		Description: "Durable background task queue with retries, subtasks, and human review",
	}, taskengine.New(engineOpts...))

	if err := k.Load(ctx, r.catalog); err != nil {
		return err
	}

	handle, err := models.Resolve("default")
	if err != nil {
		return fmt.Errorf("resolve default model: %w", err)
	}

	tools := k.CollectedTools()
	tools = append(tools, coretools.New(rt, journal.Publish, r.logger).Tools()...)
	if len(skillsReg.Names()) > 0 {
		tools = append(tools, skillsReg.Tool())
	}
	if inst != nil {
		tools = observer.WrapTools(tools, inst)
	}

	agentOpts := []yodoca.AgentOption{
		yodoca.WithPrompt(orchestratorPrompt(k.CapabilitiesSummary(), skillsReg)),
		yodoca.WithTools(tools...),
		yodoca.WithLogger(r.logger),
	}
	if p := handle.Params(); p != nil {
		agentOpts = append(agentOpts, yodoca.WithGenerationParams(p))
	}

	var agent yodoca.Agent = yodoca.NewAgent("orchestrator",
		"Coordinates every user request across extensions, tools, and background tasks.",
		handle.Provider(), agentOpts...)
	if providers := k.ContextProviders(); len(providers) > 0 {
		agent = newContextualAgent(agent, providers, r.logger)
	}
	if inst != nil {
		agent = observer.WrapAgent(agent, inst)
	}
	if err := rt.SetAgent(agent); err != nil {
		return err
	}

	k.StartAll(ctx)
	journal.Start(ctx)
	r.logger.Info("agent process running",
		"extensions", len(k.ExtensionIDs()),
		"tools", len(tools),
		"model", handle.ModelID())

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case <-k.ShutdownRequested():
		r.logger.Info("shutdown requested")
	}

	offCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	k.Stop(offCtx)
	if err := journal.Stop(offCtx); err != nil {
		r.logger.Warn("event bus stop", "error", err)
	}
	return nil
}

// orchestratorPrompt composes the system prompt: identity, loaded
// capabilities, and the skill catalog.
func orchestratorPrompt(capabilities string, reg *skills.Registry) string {
	var b strings.Builder
	b.WriteString("You are the orchestrator of a single-user autonomous agent runtime. ")
	b.WriteString("You coordinate the user's requests across the installed extensions: ")
	b.WriteString("answer directly when you can, call tools when they help, delegate to ")
	b.WriteString("specialist agents with the agent_* tools, and submit long-running work ")
	b.WriteString("with submit_task instead of doing it inline. Use send_to_channel for ")
	b.WriteString("proactive messages and request_secure_input whenever you need a ")
	b.WriteString("credential from the user; never ask for secrets in plain conversation.")
	if capabilities != "" {
		b.WriteString("\n\nInstalled extensions:\n")
		b.WriteString(capabilities)
	}
	if reg != nil && len(reg.Names()) > 0 {
		b.WriteString("\n\nAvailable skills (load one with use_skill):\n")
		b.WriteString(reg.Catalog())
	}
	return b.String()
}

// contextualAgent prepends context-provider fragments to every task input.
// Providers run in priority order; a failing or panicking provider is
// skipped so prompt enrichment never blocks an invocation.
type contextualAgent struct {
	inner     yodoca.Agent
	providers []yodoca.ContextProvider
	logger    *slog.Logger
}

func newContextualAgent(inner yodoca.Agent, providers []yodoca.ContextProvider, logger *slog.Logger) *contextualAgent {
	return &contextualAgent{inner: inner, providers: providers, logger: logger}
}

func (c *contextualAgent) Name() string        { return c.inner.Name() }
func (c *contextualAgent) Description() string { return c.inner.Description() }

func (c *contextualAgent) Execute(ctx context.Context, task yodoca.AgentTask) (yodoca.AgentResult, error) {
	task.Input = c.enrich(ctx, task.Input)
	return c.inner.Execute(ctx, task)
}

func (c *contextualAgent) ExecuteStream(ctx context.Context, task yodoca.AgentTask, ch chan<- yodoca.StreamEvent) (yodoca.AgentResult, error) {
	task.Input = c.enrich(ctx, task.Input)
	if sa, ok := c.inner.(yodoca.StreamingAgent); ok {
		return sa.ExecuteStream(ctx, task, ch)
	}
	result, err := c.inner.Execute(ctx, task)
	if err == nil && result.Output != "" {
		ch <- yodoca.StreamEvent{Type: yodoca.EventTextDelta, Content: result.Output}
	}
	close(ch)
	return result, err
}

func (c *contextualAgent) enrich(ctx context.Context, input string) string {
	var fragments []string
	for _, p := range c.providers {
		frag, err := provideContext(ctx, p, input)
		if err != nil {
			c.logger.Warn("context provider failed", "error", err)
			continue
		}
		if frag != "" {
			fragments = append(fragments, frag)
		}
	}
	if len(fragments) == 0 {
		return input
	}
	return "Context:\n" + strings.Join(fragments, "\n\n") + "\n\n---\n\n" + input
}

func provideContext(ctx context.Context, p yodoca.ContextProvider, input string) (frag string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("context provider panic: %v", r)
		}
	}()
	return p.ProvideContext(ctx, input)
}
