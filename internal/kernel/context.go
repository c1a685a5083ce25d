package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/yodoca/yodoca"
)

// extContext is the per-extension kernel API handed to Initialize. One
// instance lives for the extension's whole lifetime; the kernel releases its
// registrations on stop.
type extContext struct {
	id  string
	m   *yodoca.Manifest
	k   *Kernel
	log *slog.Logger

	mu       sync.Mutex
	resolved []yodoca.Tool
	topics   []string
	hooks    []hookKey
}

type hookKey struct {
	hook yodoca.HookName
	id   string
}

var _ yodoca.Context = (*extContext)(nil)

func (k *Kernel) newContext(rec *record) *extContext {
	return &extContext{
		id:  rec.manifest.ID,
		m:   rec.manifest,
		k:   k,
		log: k.logger.With("ext", rec.manifest.ID),
	}
}

func (e *extContext) ExtensionID() string { return e.id }

// GetConfig resolves a setting: global settings extensions.<id>.<key> win
// over the manifest config block, which wins over def.
func (e *extContext) GetConfig(key string, def any) any {
	if v, ok := e.k.cfg.ExtensionValue(e.id, key); ok {
		return v
	}
	if v, ok := e.m.Config[key]; ok {
		return v
	}
	return def
}

func (e *extContext) GetSecret(name string) (string, bool) {
	return e.k.secrets.Get(name)
}

// DataDir returns the extension's private directory under the sandbox,
// creating it on first use.
func (e *extContext) DataDir() (string, error) {
	dir := filepath.Join(e.k.cfg.DataDir(), e.id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

func (e *extContext) Logger() *slog.Logger { return e.log }

func (e *extContext) Emit(ctx context.Context, topic string, payload any, correlationID string) error {
	_, err := e.k.bus.Publish(ctx, topic, e.id, payload, correlationID)
	return err
}

func (e *extContext) SubscribeEvent(topic string, h yodoca.EventHandler) {
	e.k.bus.Subscribe(topic, e.id, h)
	e.mu.Lock()
	if !slices.Contains(e.topics, topic) {
		e.topics = append(e.topics, topic)
	}
	e.mu.Unlock()
}

// Subscribe registers a router hook. Ids are namespaced per extension so
// two extensions using the same id never collide.
func (e *extContext) Subscribe(hook yodoca.HookName, id string, fn yodoca.HookFunc) {
	full := e.id + "/" + id
	e.k.router.Subscribe(hook, full, fn)
	e.mu.Lock()
	key := hookKey{hook: hook, id: full}
	if !slices.Contains(e.hooks, key) {
		e.hooks = append(e.hooks, key)
	}
	e.mu.Unlock()
}

func (e *extContext) Unsubscribe(hook yodoca.HookName, id string) {
	full := e.id + "/" + id
	e.k.router.Unsubscribe(hook, full)
	e.mu.Lock()
	e.hooks = slices.DeleteFunc(e.hooks, func(h hookKey) bool {
		return h.hook == hook && h.id == full
	})
	e.mu.Unlock()
}

func (e *extContext) InvokeAgent(ctx context.Context, prompt, agentID string) (string, error) {
	return e.k.router.Invoke(ctx, agentID, prompt, yodoca.AgentInvocation{})
}

func (e *extContext) InvokeAgentStreamed(ctx context.Context, prompt string, cb yodoca.StreamCallbacks, agentID string) (string, error) {
	return e.k.router.InvokeStreamed(ctx, prompt, cb, agentID)
}

// GetExtension hands out another extension's handle, gated on a declared
// dependency in a usable state.
func (e *extContext) GetExtension(id string) (yodoca.Extension, error) {
	if !slices.Contains(e.m.DependsOn, id) {
		return nil, &yodoca.ErrDependencyMissing{
			Caller: e.id, Requested: id, Reason: "not declared in depends_on",
		}
	}
	rec := e.k.record(id)
	if rec == nil {
		return nil, &yodoca.ErrDependencyMissing{
			Caller: e.id, Requested: id, Reason: "extension not loaded",
		}
	}
	if st := rec.lifecycleState(); !st.Usable() {
		return nil, &yodoca.ErrDependencyMissing{
			Caller: e.id, Requested: id, Reason: "extension state is " + st.String(),
		}
	}
	return rec.ext, nil
}

// RequestRestart writes the restart flag; the kernel's watcher shuts the
// process down and the supervisor respawns it.
func (e *extContext) RequestRestart() error {
	path := e.k.cfg.RestartFlagPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("restart flag: %w", err)
	}
	if err := os.WriteFile(path, []byte(e.id+"\n"), 0o600); err != nil {
		return fmt.Errorf("restart flag: %w", err)
	}
	e.log.Info("restart requested")
	return nil
}

func (e *extContext) RequestShutdown() { e.k.RequestShutdown() }

func (e *extContext) NotifyUser(ctx context.Context, text, channelID string) error {
	_, err := e.k.bus.Publish(ctx, yodoca.TopicUserNotify, e.id,
		yodoca.NotifyPayload{Text: text, ChannelID: channelID}, "")
	return err
}

func (e *extContext) Models() yodoca.ModelResolver { return e.k.models }

func (e *extContext) ResolvedTools() []yodoca.Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]yodoca.Tool(nil), e.resolved...)
}

func (e *extContext) setResolvedTools(tools []yodoca.Tool) {
	e.mu.Lock()
	e.resolved = tools
	e.mu.Unlock()
}

// release drops every registration made through this context. Called by the
// kernel when the extension stops.
func (e *extContext) release() {
	e.mu.Lock()
	topics := e.topics
	hooks := e.hooks
	e.topics = nil
	e.hooks = nil
	e.mu.Unlock()

	for _, topic := range topics {
		e.k.bus.Unsubscribe(topic, e.id)
	}
	for _, h := range hooks {
		e.k.router.Unsubscribe(h.hook, h.id)
	}
}
