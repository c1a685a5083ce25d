package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExecLauncher spawns real OS processes. The agent child re-executes the
// supervisor's own binary with AgentArgs; onboarding runs OnboardCmd with
// the terminal attached.
type ExecLauncher struct {
	// AgentPath is the binary to execute for the agent child. Empty means
	// the current executable.
	AgentPath string
	// AgentArgs are passed to the agent child, e.g. ["agent"].
	AgentArgs []string
	// OnboardCmd is the onboarding command line. Empty means no onboarding
	// flow is available.
	OnboardCmd []string
	// Stdout and Stderr are inherited by children. Nil means the
	// supervisor's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

var _ Launcher = (*ExecLauncher)(nil)

func (l *ExecLauncher) stdout() io.Writer {
	if l.Stdout != nil {
		return l.Stdout
	}
	return os.Stdout
}

func (l *ExecLauncher) stderr() io.Writer {
	if l.Stderr != nil {
		return l.Stderr
	}
	return os.Stderr
}

// StartAgent forks the agent child. The child does not inherit stdin; it is
// a headless process that talks through its channels.
func (l *ExecLauncher) StartAgent(ctx context.Context) (Process, error) {
	path := l.AgentPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate agent binary: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, l.AgentArgs...)
	cmd.Stdout = l.stdout()
	cmd.Stderr = l.stderr()
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.code = waitCode(cmd.Wait())
		close(p.exited)
	}()
	return p, nil
}

// Onboard runs the onboarding command with stdin attached and maps its exit
// code. Onboarding is the one interactive child the supervisor spawns.
func (l *ExecLauncher) Onboard(ctx context.Context) (int, error) {
	if len(l.OnboardCmd) == 0 {
		return 0, ErrNoOnboarding
	}

	cmd := exec.CommandContext(ctx, l.OnboardCmd[0], l.OnboardCmd[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = l.stdout()
	cmd.Stderr = l.stderr()

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("run onboarding: %w", err)
}

// osProcess wraps one spawned agent child.
type osProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
	code   int
}

func (p *osProcess) Exited() <-chan struct{} { return p.exited }

func (p *osProcess) ExitCode() int { return p.code }

// Terminate sends SIGTERM so the kernel can stop extensions in order, then
// kills the process if it outlives the grace period.
func (p *osProcess) Terminate(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.exited:
	case <-t.C:
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// waitCode maps a Wait error to an exit code. A signal death or a wait
// failure reads as -1, which the supervisor treats as a crash.
func waitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
