package yodoca

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// AgentModelConfig binds an agent id to a provider + model, with optional
// sampling overrides. Used by settings agents.* and manifest agent_config.
type AgentModelConfig struct {
	Provider    string   `yaml:"provider" json:"provider"`
	Model       string   `yaml:"model" json:"model"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// AgentLimits bounds a declarative agent's execution.
type AgentLimits struct {
	MaxTurns     int   `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	MaxTokens    int   `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TimeBudgetMS int64 `yaml:"time_budget_ms,omitempty" json:"time_budget_ms,omitempty"`
}

// AgentBlock marks an extension as an agent-extension. For manifests without
// an entrypoint it fully describes the synthesized declarative agent.
type AgentBlock struct {
	IntegrationMode string         `yaml:"integration_mode,omitempty" json:"integration_mode,omitempty"`
	Model           string         `yaml:"model,omitempty" json:"model,omitempty"`
	Instructions    string         `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Parameters      map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	UsesTools       []string       `yaml:"uses_tools,omitempty" json:"uses_tools,omitempty"`
	UsesSkills      []string       `yaml:"uses_skills,omitempty" json:"uses_skills,omitempty"`
	Limits          AgentLimits    `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// SubscribeSpec declares one event subscription in a manifest. Handler is
// "notify_user" (kernel-provided bridge) or "custom" (extension registers in
// code during Initialize).
type SubscribeSpec struct {
	Topic   string `yaml:"topic" json:"topic"`
	Handler string `yaml:"handler" json:"handler"`
}

// EventsBlock declares published and subscribed topics.
type EventsBlock struct {
	Publishes  []string        `yaml:"publishes,omitempty" json:"publishes,omitempty"`
	Subscribes []SubscribeSpec `yaml:"subscribes,omitempty" json:"subscribes,omitempty"`
}

// ScheduleSpec declares one cron entry. Task is the prompt submitted as a
// system.agent.task event when the entry fires.
type ScheduleSpec struct {
	Name string `yaml:"name" json:"name"`
	Cron string `yaml:"cron" json:"cron"`
	Task string `yaml:"task" json:"task"`
}

// Manifest is the typed record built from one manifest.yaml.
type Manifest struct {
	ID          string                      `yaml:"id" json:"id"`
	Name        string                      `yaml:"name,omitempty" json:"name,omitempty"`
	Version     string                      `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                      `yaml:"description,omitempty" json:"description,omitempty"`
	Entrypoint  string                      `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	DependsOn   []string                    `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Config      map[string]any              `yaml:"config,omitempty" json:"config,omitempty"`
	Secrets     []string                    `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Enabled     *bool                       `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Agent       *AgentBlock                 `yaml:"agent,omitempty" json:"agent,omitempty"`
	AgentConfig map[string]AgentModelConfig `yaml:"agent_config,omitempty" json:"agent_config,omitempty"`
	Events      EventsBlock                 `yaml:"events,omitempty" json:"events,omitempty"`
	Schedules   []ScheduleSpec              `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// IsEnabled reports whether the extension should load. Absent means enabled.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// IsDeclarativeAgent reports whether the loader must synthesize an adapter
// (no entrypoint, agent block present).
func (m *Manifest) IsDeclarativeAgent() bool {
	return m.Entrypoint == "" && m.Agent != nil
}

// IntegrationMode returns the agent block's mode, defaulting to "tool".
func (m *Manifest) IntegrationMode() string {
	if m.Agent == nil || m.Agent.IntegrationMode == "" {
		return "tool"
	}
	return m.Agent.IntegrationMode
}

// LoadManifest reads and validates one manifest.yaml. folder is derived from
// the path; the manifest id must match it.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ErrManifestInvalid{Path: path, Reasons: []string{fmt.Sprintf("yaml: %v", err)}}
	}
	folder := filepath.Base(filepath.Dir(path))
	if err := m.Validate(folder); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks all field constraints. It collects every violation so a
// single load attempt reports the full list.
func (m *Manifest) Validate(folder string) error {
	var reasons []string

	if m.ID == "" {
		reasons = append(reasons, "id is required")
	} else if folder != "" && m.ID != folder {
		reasons = append(reasons, fmt.Sprintf("id %q does not match folder %q", m.ID, folder))
	}

	if m.Entrypoint == "" {
		if m.Agent == nil {
			reasons = append(reasons, "either entrypoint or an agent block is required")
		} else {
			if m.Agent.Model == "" {
				reasons = append(reasons, "declarative agent requires agent.model")
			}
			if m.Agent.Instructions == "" {
				reasons = append(reasons, "declarative agent requires agent.instructions")
			}
		}
	}

	if m.Agent != nil {
		switch m.Agent.IntegrationMode {
		case "", "tool", "handoff":
		default:
			reasons = append(reasons, fmt.Sprintf("agent.integration_mode %q must be tool or handoff", m.Agent.IntegrationMode))
		}
	}

	for i, s := range m.Events.Subscribes {
		if s.Topic == "" {
			reasons = append(reasons, fmt.Sprintf("events.subscribes[%d]: topic is required", i))
		}
		switch s.Handler {
		case "notify_user", "custom":
		default:
			reasons = append(reasons, fmt.Sprintf("events.subscribes[%d]: handler %q must be notify_user or custom", i, s.Handler))
		}
	}

	for i, s := range m.Schedules {
		if s.Name == "" {
			reasons = append(reasons, fmt.Sprintf("schedules[%d]: name is required", i))
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			reasons = append(reasons, fmt.Sprintf("schedules[%d]: cron %q: %v", i, s.Cron, err))
		}
		if s.Task == "" {
			reasons = append(reasons, fmt.Sprintf("schedules[%d]: task is required", i))
		}
	}

	for i, dep := range m.DependsOn {
		if dep == "" {
			reasons = append(reasons, fmt.Sprintf("depends_on[%d]: empty id", i))
		}
		if dep == m.ID {
			reasons = append(reasons, "depends_on must not include the extension itself")
		}
	}

	if len(reasons) > 0 {
		return &ErrManifestInvalid{ExtensionID: m.ID, Reasons: reasons}
	}
	return nil
}
