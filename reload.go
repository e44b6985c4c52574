package paygate

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader re-reads the classifier rules on every SIGHUP.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc is called on each reload trigger.
type ReloadFunc func(ctx context.Context) error

// WatchSIGHUP calls reload on every SIGHUP until Cancel. A failed reload
// keeps the previous rules; the result is counted on metrics when set.
func WatchSIGHUP(reload ReloadFunc, metrics *Metrics, logger *slog.Logger) *SIGHUPReloader {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	r := watchReload(sigCh, reload, metrics, logger)
	go func() {
		<-r.done
		signal.Stop(sigCh)
	}()
	return r
}

func watchReload(trigger <-chan os.Signal, reload ReloadFunc, metrics *Metrics, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				logger.Info("received SIGHUP, reloading classifier rules")
				err := reload(ctx)
				if metrics != nil {
					metrics.RecordClassifierReload(err)
				}
				if err != nil {
					logger.Error("reload failed, keeping previous rules", "error", err)
					continue
				}
				logger.Info("classifier rules reloaded")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
