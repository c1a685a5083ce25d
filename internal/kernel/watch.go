package kernel

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchRestartFlag requests shutdown as soon as the restart flag file
// appears. fsnotify covers the common case; a slow poll backs it up for
// filesystems that drop events. The supervisor deletes the flag and
// respawns the process.
func (k *Kernel) watchRestartFlag(ctx context.Context) {
	defer k.loopWG.Done()
	flag := k.cfg.RestartFlagPath()

	var events chan fsnotify.Event
	var werrs chan error
	w, err := fsnotify.NewWatcher()
	if err != nil {
		k.logger.Warn("restart watcher unavailable, polling only", "error", err)
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(flag)); err != nil {
			k.logger.Warn("restart watch failed, polling only", "dir", filepath.Dir(flag), "error", err)
		} else {
			events = w.Events
			werrs = w.Errors
		}
	}

	check := func() bool {
		if _, err := os.Stat(flag); err != nil {
			return false
		}
		k.logger.Info("restart requested, shutting down")
		k.RequestShutdown()
		return true
	}

	// The flag may predate the watch.
	if check() {
		return
	}

	ticker := time.NewTicker(k.restartPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Name == flag && (ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write)) {
				if check() {
					return
				}
			}
		case err := <-werrs:
			k.logger.Warn("restart watcher", "error", err)
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}
