// Package scheduler turns declared cron entries into agent work. Each firing
// publishes a system.agent.task event; the kernel's built-in subscriber routes
// the prompt to the orchestrator and delivers the reply as a notification.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yodoca/yodoca"
)

// PublishFunc persists one event onto the bus. bus.Publish matches.
type PublishFunc func(ctx context.Context, topic, source string, payload any, correlationID string) (int64, error)

// fireTimeout bounds the journal write for one firing.
const fireTimeout = 10 * time.Second

// Scheduler owns one cron engine over every extension's schedule entries:
// the manifest schedules list plus anything contributed through the
// SchedulerProvider interface.
type Scheduler struct {
	publish PublishFunc
	logger  *slog.Logger

	mu      sync.Mutex
	engine  *cron.Cron
	entries map[string]cron.EntryID // "<extension>/<name>"
	started bool
}

func New(publish PublishFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = nopLogger
	}
	return &Scheduler{
		publish: publish,
		logger:  logger,
		engine:  cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers an extension's schedule entries. Entries are keyed
// "<extension>/<name>"; a duplicate key or an invalid five-field cron
// expression rejects the whole batch.
func (s *Scheduler) Add(extensionID string, specs []yodoca.ScheduleSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		key := extensionID + "/" + spec.Name
		if spec.Name == "" || strings.TrimSpace(spec.Task) == "" {
			return fmt.Errorf("schedule %s: name and task are required", key)
		}
		if _, dup := s.entries[key]; dup {
			return fmt.Errorf("schedule %s registered twice", key)
		}
		if _, err := cron.ParseStandard(spec.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", key, err)
		}
		id, err := s.engine.AddFunc(spec.Cron, func() { s.fire(extensionID, spec) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", key, err)
		}
		s.entries[key] = id
		s.logger.Info("scheduler: entry registered", "schedule", key, "cron", spec.Cron)
	}
	return nil
}

// fire publishes one agent-task event for a due entry. The event is journaled
// durably, so a crash after the write still executes the task on restart.
func (s *Scheduler) fire(extensionID string, spec yodoca.ScheduleSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	correlationID := yodoca.NewID()
	_, err := s.publish(ctx, yodoca.TopicAgentTask, extensionID,
		yodoca.AgentTaskPayload{Prompt: spec.Task}, correlationID)
	if err != nil {
		s.logger.Error("scheduler: firing failed",
			"schedule", extensionID+"/"+spec.Name, "error", err)
		return
	}
	s.logger.Info("scheduler: fired",
		"schedule", extensionID+"/"+spec.Name, "correlation_id", correlationID)
}

// Start begins ticking. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.engine.Start()
	s.logger.Info("scheduler: started", "entries", len(s.entries))
}

// Stop halts new firings and waits for in-flight ones until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.engine.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveExtension drops every entry an extension owns. The health monitor
// calls this when it takes an extension out of service.
func (s *Scheduler) RemoveExtension(extensionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := extensionID + "/"
	for key, id := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.engine.Remove(id)
			delete(s.entries, key)
			s.logger.Info("scheduler: entry removed", "schedule", key)
		}
	}
}

// Names lists registered entry keys sorted; the runner folds them into the
// orchestrator capabilities summary.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for key := range s.entries {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
