// Package runner wraps a set of modules with process-level concerns: signal
// handling, startup/shutdown ordering, and exit codes.
package runner

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattih11/commrat/internal/module"
)

// Exit codes following the original contract.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitInterrupted = 130
)

const pollInterval = 100 * time.Millisecond

// Runner drives modules through start, a signal-polled wait, and stop.
type Runner struct {
	modules []*module.Module
	logger  *slog.Logger

	shutdown    atomic.Bool
	interrupted atomic.Bool
}

// New creates a runner over the given modules; they start in order and stop
// in reverse.
func New(logger *slog.Logger, modules ...*module.Module) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{modules: modules, logger: logger}
}

// RequestShutdown ends Run programmatically, as a termination signal would.
func (r *Runner) RequestShutdown() { r.shutdown.Store(true) }

// Run starts every module, waits for an interrupt/terminate signal polling
// at 100 ms resolution, then stops everything. The returned code follows
// the 0/1/130 convention.
func (r *Runner) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		if sig == os.Interrupt {
			r.interrupted.Store(true)
		}
		r.logger.Info("signal received, shutting down", "signal", sig.String())
		r.shutdown.Store(true)
	}()

	started := make([]*module.Module, 0, len(r.modules))
	for _, m := range r.modules {
		if err := m.Start(ctx); err != nil {
			r.logger.Error("start failed", "module", m.Name(), "err", err)
			r.stopAll(ctx, started)
			return ExitError
		}
		started = append(started, m)
	}
	r.logger.Info("running", "modules", len(started))

	for !r.shutdown.Load() {
		select {
		case <-ctx.Done():
			r.shutdown.Store(true)
		case <-time.After(pollInterval):
		}
	}

	if !r.stopAll(ctx, started) {
		return ExitError
	}
	if r.interrupted.Load() {
		return ExitInterrupted
	}
	return ExitOK
}

func (r *Runner) stopAll(ctx context.Context, started []*module.Module) bool {
	ok := true
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			r.logger.Error("stop failed", "module", started[i].Name(), "err", err)
			ok = false
		}
	}
	return ok
}
