// Package modelrouter resolves agent ids to provider-backed model handles.
//
// The router is the single component that knows which LLM backends exist and
// how they are constructed; everything else works against yodoca.ModelHandle.
// Unknown agent ids fall back to the "default" binding.
package modelrouter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/provider/anthropic"
	"github.com/yodoca/yodoca/provider/gemini"
	"github.com/yodoca/yodoca/provider/openaicompat"
)

// ProviderConfig is one providers.<id> settings entry.
type ProviderConfig struct {
	Type           string            `yaml:"type" json:"type"` // "anthropic", "openai", "gemini"
	BaseURL        string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeySecret   string            `yaml:"api_key_secret,omitempty" json:"api_key_secret,omitempty"`
	APIKeyLiteral  string            `yaml:"api_key_literal,omitempty" json:"api_key_literal,omitempty"`
	DefaultHeaders map[string]string `yaml:"default_headers,omitempty" json:"default_headers,omitempty"`

	// Client-side budgets over a one-minute sliding window; 0 = unlimited.
	RPM int `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	TPM int `yaml:"tpm,omitempty" json:"tpm,omitempty"`
}

// Config carries the settings slices the router consumes.
type Config struct {
	Providers map[string]ProviderConfig
	Agents    map[string]yodoca.AgentModelConfig
}

// SecretFn resolves a secret name to its value. The runner wires the secret
// store's Get here; nil resolves nothing.
type SecretFn func(name string) (value string, ok bool)

// Middleware wraps a constructed provider. Wrappers are applied outside the
// built-in retry layer, in registration order. The bound model id is passed
// so instrumentation can label per-model without unwrapping.
type Middleware func(p yodoca.Provider, model string) yodoca.Provider

// Router maps agent ids to model handles. Providers are constructed lazily
// and cached per provider id + model pair.
type Router struct {
	mu        sync.Mutex
	providers map[string]ProviderConfig
	agents    map[string]yodoca.AgentModelConfig
	secret    SecretFn
	cache     map[string]yodoca.Provider
	mws       []Middleware
	retryOpts []yodoca.RetryOption
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware appends a wrapper applied to every constructed provider.
// The observer's instrumentation wrapper is wired through this.
func WithMiddleware(mw Middleware) Option {
	return func(r *Router) { r.mws = append(r.mws, mw) }
}

// WithRetryOptions replaces the retry middleware configuration for every
// constructed provider.
func WithRetryOptions(opts ...yodoca.RetryOption) Option {
	return func(r *Router) { r.retryOpts = opts }
}

// New builds a Router from settings slices. secrets may be nil when every
// provider either sets its key literally or needs none (e.g. ollama).
func New(cfg Config, secrets SecretFn, opts ...Option) *Router {
	r := &Router{
		providers: make(map[string]ProviderConfig, len(cfg.Providers)),
		agents:    make(map[string]yodoca.AgentModelConfig, len(cfg.Agents)),
		secret:    secrets,
		cache:     make(map[string]yodoca.Provider),
		logger:    nopLogger,
	}
	for id, pc := range cfg.Providers {
		r.providers[id] = pc
	}
	for id, ac := range cfg.Agents {
		r.agents[id] = ac
	}
	if r.secret == nil {
		r.secret = func(string) (string, bool) { return "", false }
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the model handle for agentID, falling back to the "default"
// binding for unknown ids.
func (r *Router) Resolve(agentID string) (yodoca.ModelHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.agents[agentID]
	if !ok {
		cfg, ok = r.agents["default"]
		if !ok {
			return nil, fmt.Errorf("model router: no model for agent %q and no default configured", agentID)
		}
	}

	p, err := r.providerFor(cfg.Provider, cfg.Model)
	if err != nil {
		return nil, err
	}
	return &handle{provider: p, modelID: cfg.Model, params: genParams(cfg)}, nil
}

// RegisterAgentConfig adds or replaces an agent binding. Extensions call this
// during Initialize via their manifest's agent_config block; overriding an
// existing binding is allowed but logged.
func (r *Router) RegisterAgentConfig(agentID string, cfg yodoca.AgentModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.agents[agentID]; ok {
		r.logger.Warn("agent model config overridden",
			"agent_id", agentID,
			"old", prev.Provider+"/"+prev.Model,
			"new", cfg.Provider+"/"+cfg.Model)
	}
	r.agents[agentID] = cfg
}

// providerFor returns the cached provider for the binding, constructing and
// wrapping it on first use. Caller holds r.mu.
func (r *Router) providerFor(providerID, model string) (yodoca.Provider, error) {
	if providerID == "" || model == "" {
		return nil, fmt.Errorf("model router: binding needs provider and model, got %q/%q", providerID, model)
	}

	key := providerID + "/" + model
	if p, ok := r.cache[key]; ok {
		return p, nil
	}

	pc, ok := r.providers[providerID]
	if !ok {
		pc = defaultProviderConfig(providerID)
		if pc.Type == "" {
			return nil, fmt.Errorf("model router: unknown provider %q", providerID)
		}
	}

	p, err := r.construct(providerID, pc, model)
	if err != nil {
		return nil, err
	}

	ropts := append([]yodoca.RetryOption{yodoca.RetryLogger(r.logger)}, r.retryOpts...)
	p = yodoca.WithRetry(p, ropts...)
	if pc.RPM > 0 || pc.TPM > 0 {
		var lopts []yodoca.RateLimitOption
		if pc.RPM > 0 {
			lopts = append(lopts, yodoca.RPM(pc.RPM))
		}
		if pc.TPM > 0 {
			lopts = append(lopts, yodoca.TPM(pc.TPM))
		}
		p = yodoca.WithRateLimit(p, lopts...)
	}
	for _, mw := range r.mws {
		p = mw(p, model)
	}

	r.cache[key] = p
	return p, nil
}

func (r *Router) construct(providerID string, pc ProviderConfig, model string) (yodoca.Provider, error) {
	apiKey := pc.APIKeyLiteral
	if apiKey == "" {
		name := pc.APIKeySecret
		if name == "" {
			name = providerID + "_api_key"
		}
		// Absent is fine for keyless backends such as ollama.
		apiKey, _ = r.secret(name)
	}

	typ := pc.Type
	if typ == "" {
		typ = defaultProviderConfig(providerID).Type
	}

	switch typ {
	case "anthropic":
		return anthropic.New(apiKey, model, anthropic.WithLogger(r.logger)), nil

	case "gemini":
		gopts := []gemini.Option{gemini.WithLogger(r.logger)}
		if pc.BaseURL != "" {
			gopts = append(gopts, gemini.WithBaseURL(pc.BaseURL))
		}
		return gemini.New(apiKey, model, gopts...), nil

	case "openai":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(providerID)
		}
		if baseURL == "" {
			return nil, fmt.Errorf("model router: provider %q needs base_url", providerID)
		}
		oopts := []openaicompat.ProviderOption{
			openaicompat.WithName(providerID),
			openaicompat.WithLogger(r.logger),
		}
		if len(pc.DefaultHeaders) > 0 {
			oopts = append(oopts, openaicompat.WithHeaders(pc.DefaultHeaders))
		}
		return openaicompat.NewProvider(apiKey, model, baseURL, oopts...), nil

	default:
		return nil, fmt.Errorf("model router: provider %q has unknown type %q", providerID, typ)
	}
}

// KnownProvider returns the synthesized settings entry for a well-known
// provider id, and whether the id is known. The config gate uses it to
// validate minimal settings files.
func KnownProvider(id string) (ProviderConfig, bool) {
	pc := defaultProviderConfig(id)
	return pc, pc.Type != ""
}

// defaultProviderConfig synthesizes the settings entry for a well-known
// provider id, so minimal configs only have to name agent bindings.
func defaultProviderConfig(id string) ProviderConfig {
	switch id {
	case "anthropic":
		return ProviderConfig{Type: "anthropic"}
	case "gemini":
		return ProviderConfig{Type: "gemini"}
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return ProviderConfig{Type: "openai", BaseURL: defaultBaseURL(id)}
	default:
		return ProviderConfig{}
	}
}

// defaultBaseURL returns the base URL for well-known OpenAI-compatible
// services.
func defaultBaseURL(id string) string {
	switch id {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// genParams lifts the optional sampling overrides from an agent binding.
func genParams(cfg yodoca.AgentModelConfig) *yodoca.GenerationParams {
	if cfg.Temperature == nil && cfg.MaxTokens == nil {
		return nil
	}
	return &yodoca.GenerationParams{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
}

// handle is the router's ModelHandle implementation.
type handle struct {
	provider yodoca.Provider
	modelID  string
	params   *yodoca.GenerationParams
}

func (h *handle) Provider() yodoca.Provider        { return h.provider }
func (h *handle) ModelID() string                  { return h.modelID }
func (h *handle) Params() *yodoca.GenerationParams { return h.params }

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Compile-time checks.
var (
	_ yodoca.ModelResolver = (*Router)(nil)
	_ yodoca.ModelHandle   = (*handle)(nil)
)
