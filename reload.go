package shadowguard

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SIGHUPReloader watches for SIGHUP and triggers a rule reload on the
// Core. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that reloads the Core's rule snapshot
// each time the process receives SIGHUP. A failed reload keeps the
// current snapshot.
func WatchSIGHUP(core *Core, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading rules")
				reloadCtx, reloadCancel := context.WithTimeout(ctx, time.Minute)
				if err := core.Reload(reloadCtx); err != nil {
					logger.Error("SIGHUP reload failed", "error", err)
				} else {
					logger.Info("rules reloaded on SIGHUP")
				}
				reloadCancel()
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
