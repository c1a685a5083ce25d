package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yodoca/yodoca"
)

// serviceHandle tracks one extension's RunBackground goroutine. The loop's
// lifetime is bounded by the kernel: cancelling the parent context or
// calling stop ends it.
type serviceHandle struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// runService spawns sp.RunBackground and returns immediately. A panic or
// error in the loop is contained and logged; the rest of the process keeps
// running.
func runService(ctx context.Context, id string, sp yodoca.ServiceProvider, logger *slog.Logger) *serviceHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &serviceHandle{
		id:     id,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	logger.Info("service started", "ext", id)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				h.err = fmt.Errorf("service panic: %v", p)
				logger.Error("service panic", "ext", id, "panic", fmt.Sprintf("%v", p))
			}
			close(h.done)
		}()

		start := time.Now()
		err := sp.RunBackground(ctx)

		switch {
		case err == nil, ctx.Err() != nil:
			logger.Info("service stopped", "ext", id, "uptime", time.Since(start))
		default:
			h.err = err
			logger.Error("service failed", "ext", id, "error", err, "uptime", time.Since(start))
		}
	}()

	return h
}

// stop cancels the loop and waits up to grace for it to exit. Returns false
// when the loop did not exit in time.
func (h *serviceHandle) stop(grace time.Duration) bool {
	h.cancel()
	select {
	case <-h.done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Done is closed when the loop has exited.
func (h *serviceHandle) Done() <-chan struct{} { return h.done }

// Err reports the loop's failure, if any. Only meaningful after Done.
func (h *serviceHandle) Err() error { return h.err }
