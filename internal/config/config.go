// Package config loads the runtime settings file.
//
// Layering: Default() -> YAML file -> environment (env wins). The supervisor
// gates startup on IsConfigured; the runner hands settings slices to the
// model router, event bus, task engine, and kernel.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/modelrouter"
)

// SessionSettings controls reactive session rotation.
type SessionSettings struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// TaskEngineSettings bounds the background worker pool.
type TaskEngineSettings struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	LeaseTTLSec   int `yaml:"lease_ttl_sec"`
	MaxRetries    int `yaml:"max_retries"`
}

// ObserverSettings toggles OTEL instrumentation.
type ObserverSettings struct {
	Enabled bool `yaml:"enabled"`
}

// SecuritySettings toggles inbound message screening.
type SecuritySettings struct {
	InjectionGuard bool `yaml:"injection_guard"`
}

// Settings is the parsed config/settings.yaml.
type Settings struct {
	Sandbox    string                                `yaml:"sandbox"`
	Providers  map[string]modelrouter.ProviderConfig `yaml:"providers"`
	Agents     map[string]yodoca.AgentModelConfig    `yaml:"agents"`
	Extensions map[string]map[string]any             `yaml:"extensions"`
	Session    SessionSettings                       `yaml:"session"`
	TaskEngine TaskEngineSettings                    `yaml:"task_engine"`
	Observer   ObserverSettings                      `yaml:"observer"`
	Security   SecuritySettings                      `yaml:"security"`
}

// Default returns Settings with all defaults applied.
func Default() Settings {
	return Settings{
		Sandbox:    filepath.Join(homeDir(), ".yodoca"),
		Session:    SessionSettings{TimeoutSec: 1800},
		TaskEngine: TaskEngineSettings{MaxConcurrent: 3, LeaseTTLSec: 60, MaxRetries: 5},
	}
}

// DefaultPath returns $YODOCA_CONFIG, or <home>/.yodoca/config/settings.yaml.
func DefaultPath() string {
	if v := os.Getenv("YODOCA_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(homeDir(), ".yodoca", "config", "settings.yaml")
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return home
}

// Load reads settings: defaults -> YAML file -> env vars (env wins). A
// missing file yields defaults; a malformed one is an error.
func Load(path string) (Settings, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return cfg, fmt.Errorf("read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Settings) {
	if v := os.Getenv("YODOCA_SANDBOX"); v != "" {
		cfg.Sandbox = v
	}
	if v := os.Getenv("YODOCA_OTEL"); v == "1" || v == "true" {
		cfg.Observer.Enabled = true
	}
}

// normalize restores required minimums a sparse or hostile file may have
// zeroed. An explicit max_retries of 0 stays 0 (retries disabled).
func normalize(cfg *Settings) {
	if cfg.Session.TimeoutSec <= 0 {
		cfg.Session.TimeoutSec = 1800
	}
	if cfg.TaskEngine.MaxConcurrent <= 0 {
		cfg.TaskEngine.MaxConcurrent = 3
	}
	if cfg.TaskEngine.LeaseTTLSec <= 0 {
		cfg.TaskEngine.LeaseTTLSec = 60
	}
	if cfg.TaskEngine.MaxRetries < 0 {
		cfg.TaskEngine.MaxRetries = 5
	}
}

// DataDir returns <sandbox>/data.
func (s *Settings) DataDir() string { return filepath.Join(s.Sandbox, "data") }

// ExtensionsDir returns <sandbox>/extensions.
func (s *Settings) ExtensionsDir() string { return filepath.Join(s.Sandbox, "extensions") }

// SkillsDir returns <sandbox>/skills.
func (s *Settings) SkillsDir() string { return filepath.Join(s.Sandbox, "skills") }

// RestartFlagPath returns the supervisor restart flag file.
func (s *Settings) RestartFlagPath() string { return filepath.Join(s.Sandbox, ".restart_requested") }

// EventBusPath returns the event journal database file.
func (s *Settings) EventBusPath() string { return filepath.Join(s.DataDir(), "event_bus.sqlite") }

// TaskEnginePath returns the task database file.
func (s *Settings) TaskEnginePath() string { return filepath.Join(s.DataDir(), "task_engine.sqlite") }

// ExtensionValue returns settings extensions.<id>.<key>.
func (s *Settings) ExtensionValue(id, key string) (any, bool) {
	ext, ok := s.Extensions[id]
	if !ok {
		return nil, false
	}
	v, ok := ext[key]
	return v, ok
}

// RouterConfig returns the slices the model router consumes.
func (s *Settings) RouterConfig() modelrouter.Config {
	return modelrouter.Config{Providers: s.Providers, Agents: s.Agents}
}

// IsConfigured reports whether the agent runtime can start: the settings
// file exists and parses, agents.default names a usable provider, and every
// declared provider's credentials resolve. reason explains the first failed
// check.
func IsConfigured(path string, secrets modelrouter.SecretFn) (bool, string) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("settings file %s not readable: %v", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return false, fmt.Sprintf("settings file %s invalid: %v", path, err)
	}
	applyEnv(&cfg)
	normalize(&cfg)

	def, ok := cfg.Agents["default"]
	if !ok {
		return false, "agents.default is not configured"
	}
	if def.Provider == "" || def.Model == "" {
		return false, "agents.default needs both provider and model"
	}

	pc, ok := cfg.Providers[def.Provider]
	if !ok {
		pc, ok = modelrouter.KnownProvider(def.Provider)
		if !ok {
			return false, fmt.Sprintf("agents.default references unknown provider %q", def.Provider)
		}
	}
	if reason := credentialReason(def.Provider, pc, secrets); reason != "" {
		return false, reason
	}

	for id, p := range cfg.Providers {
		if id == def.Provider {
			continue
		}
		if reason := credentialReason(id, p, secrets); reason != "" {
			return false, reason
		}
	}
	return true, ""
}

// credentialReason returns "" when the provider's key resolves or none is
// needed, else the failure description. Secret values are never included.
func credentialReason(id string, pc modelrouter.ProviderConfig, secrets modelrouter.SecretFn) string {
	if pc.APIKeyLiteral != "" {
		return ""
	}
	if keyless(id, pc) {
		return ""
	}
	name := pc.APIKeySecret
	if name == "" {
		name = id + "_api_key"
	}
	if secrets == nil {
		return fmt.Sprintf("provider %q needs secret %q but no secret store is available", id, name)
	}
	if _, ok := secrets(name); !ok {
		return fmt.Sprintf("provider %q: secret %q is not resolvable", id, name)
	}
	return ""
}

// keyless reports whether the provider runs without credentials: ollama,
// or any loopback endpoint.
func keyless(id string, pc modelrouter.ProviderConfig) bool {
	if id == "ollama" {
		return true
	}
	return strings.HasPrefix(pc.BaseURL, "http://localhost") ||
		strings.HasPrefix(pc.BaseURL, "http://127.0.0.1")
}
