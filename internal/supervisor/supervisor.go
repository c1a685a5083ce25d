// Package supervisor keeps the agent process alive. Each loop iteration
// clears the restart flag, gates on configuration completeness, and spawns
// the agent child. Crashes restart the child with exponential backoff up to
// a restart budget; a restart flag or a clean exit recycles it immediately;
// a signal terminates the child and ends the loop.
//
// The supervisor never holds the model router, the event bus, or any
// extension state. Everything it knows about the runtime it learns from the
// configuration check and the child's exit code.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigCheck reports whether the agent process can start, with a human
// readable reason when it cannot. config.IsConfigured is the production
// check.
type ConfigCheck func() (ok bool, reason string)

// Launcher spawns the processes under supervision. ExecLauncher is the
// production implementation; tests substitute fakes.
type Launcher interface {
	// StartAgent spawns the agent child.
	StartAgent(ctx context.Context) (Process, error)
	// Onboard runs the blocking onboarding flow and returns its exit code.
	// It returns ErrNoOnboarding when no such flow is available.
	Onboard(ctx context.Context) (int, error)
}

// Process is one running agent child.
type Process interface {
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
	// ExitCode is valid only after Exited is closed.
	ExitCode() int
	// Terminate asks the process to stop and escalates to a kill after the
	// grace period. It returns once the process is gone.
	Terminate(grace time.Duration)
}

// ErrNoOnboarding means the launcher has no onboarding flow to run; the
// supervisor waits and re-checks the configuration instead.
var ErrNoOnboarding = errors.New("no onboarding command configured")

// ErrTooManyCrashes is returned by Run when consecutive agent crashes
// exceed the restart budget.
var ErrTooManyCrashes = errors.New("too many consecutive agent crashes")

// Onboarding subprocess exit codes.
const (
	onboardSuccess   = 0
	onboardCancelled = 1
	onboardRetry     = 2
)

const (
	defaultMaxRestarts  = 5
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = 60 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultGrace        = 10 * time.Second
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMaxRestarts sets how many consecutive crashes are tolerated before
// Run gives up (default 5).
func WithMaxRestarts(n int) Option {
	return func(s *Supervisor) {
		if n >= 0 {
			s.maxRestarts = n
		}
	}
}

// WithBackoff overrides the crash-restart backoff curve (default 1s base
// doubling up to 60s).
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.backoffBase = base
		}
		if max > 0 {
			s.backoffMax = max
		}
	}
}

// WithPollInterval overrides the restart-flag poll period (default 2s).
// The poll backs up the fsnotify watch.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithGrace bounds how long a terminated child may take to exit before it
// is killed (default 10s).
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// Supervisor is the parent-process state machine. Create it with New and
// drive it with Run; the context is the supervisor's lifetime (wire it to
// signal.NotifyContext in main).
type Supervisor struct {
	check    ConfigCheck
	launch   Launcher
	flagPath string
	logger   *slog.Logger

	maxRestarts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	pollInterval time.Duration
	grace        time.Duration
}

// New builds a Supervisor around the configuration check, the process
// launcher, and the restart flag file path.
func New(check ConfigCheck, launch Launcher, flagPath string, opts ...Option) *Supervisor {
	s := &Supervisor{
		check:        check,
		launch:       launch,
		flagPath:     flagPath,
		logger:       nopLogger,
		maxRestarts:  defaultMaxRestarts,
		backoffBase:  defaultBackoffBase,
		backoffMax:   defaultBackoffMax,
		pollInterval: defaultPollInterval,
		grace:        defaultGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// childOutcome says why superviseChild returned.
type childOutcome int

const (
	childClean childOutcome = iota
	childCrash
	childRestart
	childSignal
)

// Run drives the supervision loop until the context is cancelled, the user
// cancels onboarding, or the crash budget is exhausted. A nil return means
// a clean exit.
func (s *Supervisor) Run(ctx context.Context) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	flagEvents := s.watchFlag(watchCtx)

	crashes := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.clearRestartFlag()

		ok, reason := s.check()
		if !ok {
			done, err := s.runOnboarding(ctx, reason)
			if done || err != nil {
				return err
			}
			continue
		}

		proc, err := s.launch.StartAgent(ctx)
		if err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
		s.logger.Info("agent started")

		switch s.superviseChild(ctx, proc, flagEvents) {
		case childSignal:
			s.logger.Info("supervisor stopping on signal")
			return nil
		case childRestart:
			crashes = 0
		case childClean:
			s.logger.Info("agent exited cleanly")
			crashes = 0
		case childCrash:
			crashes++
			if crashes > s.maxRestarts {
				return fmt.Errorf("%w: %d in a row", ErrTooManyCrashes, crashes)
			}
			d := s.backoff(crashes)
			s.logger.Warn("agent crashed, backing off",
				"exit_code", proc.ExitCode(), "crashes", crashes, "backoff", d)
			if !s.wait(ctx, d) {
				return nil
			}
		}
	}
}

// runOnboarding handles the not-configured branch of an iteration. done
// means the supervisor should exit (user cancelled); otherwise the caller
// loops and re-evaluates the configuration.
func (s *Supervisor) runOnboarding(ctx context.Context, reason string) (done bool, err error) {
	code, err := s.launch.Onboard(ctx)
	switch {
	case errors.Is(err, ErrNoOnboarding):
		s.logger.Warn("configuration incomplete, waiting", "reason", reason)
		if !s.wait(ctx, s.pollInterval) {
			return true, nil
		}
		return false, nil
	case err != nil:
		return true, fmt.Errorf("onboarding: %w", err)
	}

	switch code {
	case onboardSuccess:
		s.logger.Info("onboarding finished")
	case onboardCancelled:
		s.logger.Info("onboarding cancelled by user")
		return true, nil
	case onboardRetry:
		s.logger.Info("onboarding asked for another pass")
	default:
		s.logger.Warn("onboarding exited with unexpected code, retrying", "exit_code", code)
	}
	return false, nil
}

// superviseChild watches one agent child until it exits, the restart flag
// appears, or the supervisor is signalled.
func (s *Supervisor) superviseChild(ctx context.Context, proc Process, flagEvents <-chan struct{}) childOutcome {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	recycle := func() childOutcome {
		s.logger.Info("restart requested, recycling agent")
		proc.Terminate(s.grace)
		return childRestart
	}

	for {
		select {
		case <-ctx.Done():
			proc.Terminate(s.grace)
			return childSignal
		case <-proc.Exited():
			if proc.ExitCode() == 0 {
				return childClean
			}
			return childCrash
		case <-flagEvents:
			if s.restartRequested() {
				return recycle()
			}
		case <-ticker.C:
			if s.restartRequested() {
				return recycle()
			}
		}
	}
}

// watchFlag arranges fsnotify delivery for the restart flag. The returned
// channel carries at most one pending notification; receivers re-check the
// file, so stale wakeups are harmless. On any watcher failure the channel
// stays silent and the poll ticker alone covers detection.
func (s *Supervisor) watchFlag(ctx context.Context) <-chan struct{} {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, restart flag is poll-only", "error", err)
		return nil
	}

	dir := filepath.Dir(s.flagPath)
	if err := os.MkdirAll(dir, 0o700); err == nil {
		err = w.Add(dir)
	}
	if err != nil {
		s.logger.Warn("cannot watch sandbox, restart flag is poll-only", "error", err)
		w.Close()
		return nil
	}

	notify := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.flagPath {
					continue
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
					select {
					case notify <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return notify
}

func (s *Supervisor) clearRestartFlag() {
	if err := os.Remove(s.flagPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("cannot clear restart flag", "path", s.flagPath, "error", err)
	}
}

func (s *Supervisor) restartRequested() bool {
	_, err := os.Stat(s.flagPath)
	return err == nil
}

// backoff returns the sleep before restart attempt number crashes: base
// doubling per consecutive crash, capped at max.
func (s *Supervisor) backoff(crashes int) time.Duration {
	d := s.backoffBase
	for i := 1; i < crashes; i++ {
		d *= 2
		if d >= s.backoffMax {
			return s.backoffMax
		}
	}
	if d > s.backoffMax {
		return s.backoffMax
	}
	return d
}

// wait sleeps for d, returning false if the context ended first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
