// Package daemon implements the optional background supervisor named in
// spec.md §4.13: a ticker-driven loop (grounded on
// emergent-company-specmcp/internal/scheduler/scheduler.go's ticker
// pattern) that polls the state store for non-terminal runs nobody is
// currently supervising, acquires a best-effort per-run lock, and spawns
// a child orchestrator process per run up to a configured concurrency cap.
package daemon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/statestore"
	"github.com/acms-dev/acms/telemetry"
)

// ArgsFunc builds the child process's argv (excluding argv[0]) for
// resuming the given run id.
type ArgsFunc func(runID string) []string

// Options configures a Daemon.
type Options struct {
	Store statestore.Store
	// Executable is the path to the child orchestrator binary (the acms
	// CLI, which cmd/acmsd takes from --acms-path), invoked once per run
	// with the arguments Args builds.
	Executable string
	Args       ArgsFunc
	// LogDir holds one run-scoped log file per supervised child.
	LogDir string
	// PollInterval controls how often the store is polled for newly
	// eligible runs. Defaults to 5s.
	PollInterval time.Duration
	// ConcurrencyCap bounds how many child processes run at once.
	// Defaults to 4.
	ConcurrencyCap int
	Logger         telemetry.Logger
}

// Daemon supervises run dispatch across process restarts. It holds no
// run state of its own beyond which runs it is actively supervising —
// the state store remains the single source of truth.
type Daemon struct {
	opts   Options
	logger telemetry.Logger

	mu       sync.Mutex
	held     map[string]*exec.Cmd // run id -> supervising child process
	inflight int
}

// New builds a Daemon.
func New(opts Options) *Daemon {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ConcurrencyCap <= 0 {
		opts.ConcurrencyCap = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Daemon{opts: opts, logger: logger, held: make(map[string]*exec.Cmd)}
}

// Run blocks, polling on a ticker until ctx is cancelled. On cancellation
// it stops dispatching new runs and waits for already-spawned children to
// exit. The children were started with ctx, so os/exec kills them as soon
// as ctx is cancelled; they do not finish their runs first.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.logger.Info(ctx, "daemon: starting", "poll_interval", d.opts.PollInterval, "concurrency_cap", d.opts.ConcurrencyCap)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info(ctx, "daemon: shutting down, waiting for supervised children")
			d.waitAll()
			return nil
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Daemon) pollOnce(ctx context.Context) {
	runs, err := d.opts.Store.ListRunsByStatus(ctx, apitypes.RunStatusRunning)
	if err != nil {
		d.logger.Error(ctx, "daemon: poll failed", "error", err)
		return
	}

	for _, run := range runs {
		d.mu.Lock()
		_, held := d.held[run.RunID]
		full := d.inflight >= d.opts.ConcurrencyCap
		d.mu.Unlock()
		if held || full {
			continue
		}
		d.dispatch(ctx, run)
	}
}

// dispatch acquires the per-run lock and spawns a supervising child
// process for run. The lock is process-local: a single daemon instance is
// assumed, matching the rest of the engine's "one writer at a time"
// concurrency model (§5).
func (d *Daemon) dispatch(ctx context.Context, run apitypes.Run) {
	d.mu.Lock()
	if _, held := d.held[run.RunID]; held {
		d.mu.Unlock()
		return
	}
	d.held[run.RunID] = nil // placeholder claims the slot before the exec call
	d.inflight++
	d.mu.Unlock()

	logPath := filepath.Join(d.opts.LogDir, run.RunID+".log")
	if err := os.MkdirAll(d.opts.LogDir, 0o755); err != nil {
		d.logger.Error(ctx, "daemon: create log dir failed", "run_id", run.RunID, "error", err)
		d.release(run.RunID)
		return
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.logger.Error(ctx, "daemon: open log file failed", "run_id", run.RunID, "error", err)
		d.release(run.RunID)
		return
	}

	args := d.opts.Args(run.RunID)
	cmd := exec.CommandContext(ctx, d.opts.Executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		d.logger.Error(ctx, "daemon: spawn child failed", "run_id", run.RunID, "error", err)
		logFile.Close()
		d.release(run.RunID)
		return
	}

	d.mu.Lock()
	d.held[run.RunID] = cmd
	d.mu.Unlock()

	d.logger.Info(ctx, "daemon: spawned child", "run_id", run.RunID, "pid", cmd.Process.Pid, "log", logPath)

	go func() {
		defer logFile.Close()
		if err := cmd.Wait(); err != nil {
			d.logger.Warn(ctx, "daemon: child exited with error", "run_id", run.RunID, "error", err)
		} else {
			d.logger.Info(ctx, "daemon: child exited", "run_id", run.RunID)
		}
		d.release(run.RunID)
	}()
}

func (d *Daemon) release(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.held[runID]; ok {
		delete(d.held, runID)
		d.inflight--
	}
}

// waitAll blocks until every supervised child this process spawned has
// exited. Children were started with the same ctx that is now cancelled,
// so os/exec's context machinery has already signalled them to stop.
func (d *Daemon) waitAll() {
	for {
		d.mu.Lock()
		n := len(d.held)
		d.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Supervising reports the run ids currently held by this daemon instance,
// for tests and status introspection.
func (d *Daemon) Supervising() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.held))
	for id := range d.held {
		ids = append(ids, id)
	}
	return ids
}
