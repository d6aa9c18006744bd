// Package orchestrator drives a single run's top-level state machine,
// spec.md §4.12: INIT -> GAP_ANALYSIS -> PLANNING -> EXECUTION -> SUMMARY ->
// DONE/FAILED. It validates the incoming execution plan, builds the
// scheduler and executor, hands the DAG to the worker pool, and writes the
// final run_status document atomically on the way out.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/executor"
	"github.com/acms-dev/acms/runtime/ledger"
	"github.com/acms-dev/acms/runtime/patchledger"
	"github.com/acms-dev/acms/runtime/patterns"
	"github.com/acms-dev/acms/runtime/pathregistry"
	"github.com/acms-dev/acms/runtime/resilience"
	"github.com/acms-dev/acms/runtime/router"
	"github.com/acms-dev/acms/runtime/scheduler"
	"github.com/acms-dev/acms/runtime/statestore"
	"github.com/acms-dev/acms/runtime/tooladapter"
	"github.com/acms-dev/acms/runtime/worktree"
	"github.com/acms-dev/acms/telemetry"
)

// ErrInvalidPlan wraps a plan intake failure: unknown pattern id, missing
// dependency, or a dependency cycle. It maps to exit code 2 (§6).
type ErrInvalidPlan struct {
	Reason string
}

func (e *ErrInvalidPlan) Error() string { return "orchestrator: invalid plan: " + e.Reason }

// ErrInfrastructure wraps a fatal, non-recoverable infrastructure failure
// (state-store I/O, path registry). It maps to exit code 3 (§6).
type ErrInfrastructure struct {
	Cause error
}

func (e *ErrInfrastructure) Error() string { return fmt.Sprintf("orchestrator: infrastructure error: %v", e.Cause) }
func (e *ErrInfrastructure) Unwrap() error { return e.Cause }

// protectedPathViolation is returned internally when a task's actual
// changed files hit a globally protected path after execution; it halts
// the run rather than merely failing the offending task.
type protectedPathViolation struct {
	TaskID string
	Paths  []string
}

func (e *protectedPathViolation) Error() string {
	return fmt.Sprintf("orchestrator: task %s touched protected path(s) %v", e.TaskID, e.Paths)
}

// Options configures an Orchestrator.
type Options struct {
	RepoRoot           string
	Plan               apitypes.ExecutionPlan
	ConfigDigest       string
	RunID              string // non-empty: used instead of a minted id; an existing run's state is not reloaded
	Paths              *pathregistry.Registry
	Store              statestore.Store
	Patterns           *patterns.Registry
	Router             *router.Router
	Profiles           executor.ProfileLookup
	Adapter            *tooladapter.Adapter
	Breakers           *resilience.BreakerRegistry
	RetryPolicy        resilience.RetryPolicy
	PatchLedger        *patchledger.Ledger
	WorktreesEnabled   bool
	ProtectedPaths     []string
	MaxConcurrentTasks int
	// RequestBuilder overrides how task placeholder values and the changed-
	// file set are derived; nil uses the executor's default (task
	// description + declared file_scope).
	RequestBuilder executor.RequestBuilder
	Logger         telemetry.Logger
	Tracer             telemetry.Tracer
	Metrics            telemetry.Metrics
}

// Orchestrator drives exactly one run from intake to a terminal phase.
type Orchestrator struct {
	opts   Options
	logger telemetry.Logger
	tracer telemetry.Tracer
	metrics telemetry.Metrics

	mu sync.Mutex // guards phase transitions, per spec.md §4.12
}

// New builds an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{opts: opts, logger: logger, tracer: tracer, metrics: metrics}
}

// Run executes the full INIT -> ... -> DONE/FAILED lifecycle and returns
// the final run status document. A non-nil error is always one of
// *ErrInvalidPlan or *ErrInfrastructure; individual task failures never
// surface here — they are reflected only in the returned document's
// metrics and the run's FinalStatus.
func (o *Orchestrator) Run(ctx context.Context) (apitypes.RunStatusDocument, error) {
	runID := o.opts.RunID
	if runID == "" {
		runID = apitypes.NewRunID(time.Now())
	}

	runRoot, err := o.opts.Paths.EnsureDir("acms.runs.root", map[string]string{"run_id": runID})
	if err != nil {
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
	}

	ledgerPath, err := o.resolveFile("acms.runs.ledger", runID, "run.ledger.jsonl", runRoot)
	if err != nil {
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
	}
	ledgerWriter, err := ledger.Open(ledgerPath, o.logger)
	if err != nil {
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
	}
	defer ledgerWriter.Close()

	now := time.Now().UTC()
	run := apitypes.Run{
		RunID:        runID,
		RepoRoot:     o.opts.RepoRoot,
		ConfigDigest: o.opts.ConfigDigest,
		Phase:        apitypes.PhaseInit,
		Status:       apitypes.RunStatusRunning,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.opts.Store.InsertRun(ctx, run); err != nil {
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
	}

	run, err = o.transition(ctx, ledgerWriter, run, apitypes.PhaseGapAnalysis)
	if err != nil {
		return apitypes.RunStatusDocument{}, err
	}
	run, err = o.transition(ctx, ledgerWriter, run, apitypes.PhasePlanning)
	if err != nil {
		return apitypes.RunStatusDocument{}, err
	}

	sched, tasks, err := o.buildSchedule(runID)
	if err != nil {
		run.FailReason = err.Error()
		run.Status = apitypes.RunStatusFailed
		_, _ = o.transition(ctx, ledgerWriter, run, apitypes.PhaseFailed)
		return apitypes.RunStatusDocument{}, &ErrInvalidPlan{Reason: err.Error()}
	}
	for _, task := range tasks {
		if err := o.opts.Store.InsertTask(ctx, task); err != nil {
			return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
		}
	}

	run, err = o.transition(ctx, ledgerWriter, run, apitypes.PhaseExecution)
	if err != nil {
		return apitypes.RunStatusDocument{}, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var violation *protectedPathViolation
	var violationMu sync.Mutex

	wtManager := worktree.New(o.opts.RepoRoot, o.opts.Paths, worktree.WithLogger(o.logger), worktree.WithDisabled(!o.opts.WorktreesEnabled))
	defer func() {
		if err := wtManager.Close(); err != nil {
			o.logger.Warn(ctx, "orchestrator: worktree manager close failed", "error", err)
		}
	}()

	ex := executor.New(executor.Options{
		Scheduler:          sched,
		Patterns:           o.opts.Patterns,
		Router:             o.opts.Router,
		Profiles:           o.opts.Profiles,
		Adapter:            o.opts.Adapter,
		Breakers:           o.opts.Breakers,
		RetryPolicy:        o.opts.RetryPolicy,
		PatchLedger:        o.opts.PatchLedger,
		Worktrees:          wtManager,
		Store:              o.opts.Store,
		Ledger:             ledgerWriter,
		Logger:             o.logger,
		Tracer:             o.tracer,
		Metrics:            o.metrics,
		MaxConcurrentTasks: o.opts.MaxConcurrentTasks,
		RequestBuilder:     o.opts.RequestBuilder,
		RunID:              runID,
		OnTaskComplete: func(task apitypes.Task) {
			if hit := protectedPathHits(task, o.opts.ProtectedPaths); len(hit) > 0 {
				violationMu.Lock()
				if violation == nil {
					violation = &protectedPathViolation{TaskID: task.TaskID, Paths: hit}
				}
				violationMu.Unlock()
				ledgerWriter.AppendBestEffort(apitypes.Event{
					Timestamp: time.Now().UTC(),
					RunID:     runID,
					Kind:      apitypes.EventGuardrailViolation,
					State:     "critical",
					Meta:      map[string]any{"task_id": task.TaskID, "paths": hit, "rule_id": "protected_path_violation"},
				})
				cancel()
			}
		},
	})

	execErr := ex.RunUntilComplete(execCtx)

	violationMu.Lock()
	fatalViolation := violation
	violationMu.Unlock()

	if fatalViolation != nil {
		run.FailReason = fatalViolation.Error()
		run.Status = apitypes.RunStatusFailed
	} else if execErr != nil {
		_, _ = o.transition(ctx, ledgerWriter, run, apitypes.PhaseFailed)
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: execErr}
	}

	run, err = o.transition(ctx, ledgerWriter, run, apitypes.PhaseSummary)
	if err != nil {
		return apitypes.RunStatusDocument{}, err
	}

	finalTasks, err := o.opts.Store.ListTasksByRun(ctx, runID)
	if err != nil {
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
	}
	metrics := computeMetrics(finalTasks)
	run.Metrics = metrics

	finalPhase := apitypes.PhaseDone
	if run.Status == apitypes.RunStatusFailed {
		finalPhase = apitypes.PhaseFailed
	} else {
		run.Status = apitypes.RunStatusDone
	}
	run, err = o.transition(ctx, ledgerWriter, run, finalPhase)
	if err != nil {
		return apitypes.RunStatusDocument{}, err
	}

	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	if err := o.opts.Store.UpdateRun(ctx, run); err != nil {
		return apitypes.RunStatusDocument{}, &ErrInfrastructure{Cause: err}
	}

	doc := apitypes.RunStatusDocument{
		RunID:            runID,
		RepoRoot:         o.opts.RepoRoot,
		FinalStatus:      run.Status,
		PhaseTransitions: run.Transitions,
		Metrics:          metrics,
		Artifacts:        map[string]string{"ledger": ledgerPath},
		StartedAt:        run.StartedAt,
		CompletedAt:      completedAt,
	}

	statusPath, err := o.resolveFile("acms.runs.status", runID, "run.status.json", runRoot)
	if err != nil {
		return doc, &ErrInfrastructure{Cause: err}
	}
	if err := writeStatusAtomic(statusPath, doc); err != nil {
		return doc, &ErrInfrastructure{Cause: err}
	}
	doc.Artifacts["status"] = statusPath

	return doc, nil
}

// resolveFile resolves key (falling back to runRoot/fallback if key is
// absent from the path index, so a minimal path index still works) and
// ensures its parent directory exists.
func (o *Orchestrator) resolveFile(key, runID, fallback, runRoot string) (string, error) {
	path, err := o.opts.Paths.Resolve(key, map[string]string{"run_id": runID})
	if err != nil {
		path = filepath.Join(runRoot, fallback)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("orchestrator: create dir for %s: %w", path, err)
	}
	return path, nil
}

// transition moves run from its current phase to to, writing the paired
// exit_state/enter_state events and persisting the updated run record, all
// under o.mu to serialize concurrent transition attempts (§4.12).
func (o *Orchestrator) transition(ctx context.Context, w *ledger.Writer, run apitypes.Run, to apitypes.Phase) (apitypes.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := run.Phase
	now := time.Now().UTC()

	w.AppendBestEffort(apitypes.Event{Timestamp: now, RunID: run.RunID, Kind: apitypes.EventExitState, State: string(from)})
	w.AppendBestEffort(apitypes.Event{Timestamp: now, RunID: run.RunID, Kind: apitypes.EventEnterState, State: string(to)})

	run.Phase = to
	run.UpdatedAt = now
	run.Transitions = append(run.Transitions, apitypes.PhaseTransition{From: from, To: to, Timestamp: now})

	if err := o.opts.Store.UpdateRun(ctx, run); err != nil {
		return run, &ErrInfrastructure{Cause: err}
	}
	return run, nil
}

// buildSchedule validates the plan (every pattern_id must name an enabled
// pattern; the dependency graph must be acyclic with no missing refs — the
// scheduler itself enforces the latter two) and lifts PlanTask entries into
// runtime Task records.
func (o *Orchestrator) buildSchedule(runID string) (*scheduler.Scheduler, []apitypes.Task, error) {
	tasks := make([]apitypes.Task, 0, len(o.opts.Plan.Tasks))
	for _, pt := range o.opts.Plan.Tasks {
		if ok, err := o.opts.Patterns.ValidatePatternExists(pt.Metadata.PatternID); !ok {
			return nil, nil, fmt.Errorf("task %s: %w", pt.TaskID, err)
		}
		tasks = append(tasks, apitypes.Task{
			TaskID:      pt.TaskID,
			RunID:       runID,
			Kind:        pt.TaskKind,
			Description: pt.Description,
			DependsOn:   pt.DependsOn,
			Metadata:    pt.Metadata,
			State:       apitypes.TaskPending,
		})
	}
	sched, err := scheduler.New(tasks)
	if err != nil {
		return nil, nil, err
	}
	return sched, tasks, nil
}

// computeMetrics aggregates terminal task counts for run_status.metrics,
// per spec.md §8 invariant 3: tasks_executed counts every task that reached
// a terminal state, tasks_failed counts failed+blocked.
func computeMetrics(tasks []apitypes.Task) apitypes.Metrics {
	var m apitypes.Metrics
	for _, t := range tasks {
		if !t.State.Terminal() {
			continue
		}
		m.TasksExecuted++
		if t.State == apitypes.TaskFailed || t.State == apitypes.TaskBlocked {
			m.TasksFailed++
		}
	}
	return m
}

// protectedPathHits returns the subset of task's actual changed files
// (Result.Changes.Files) that match a globally protected path glob.
func protectedPathHits(task apitypes.Task, protectedPaths []string) []string {
	if task.Result == nil || len(protectedPaths) == 0 {
		return nil
	}
	var hits []string
	for _, f := range task.Result.Changes.Files {
		for _, g := range protectedPaths {
			if ok, _ := filepath.Match(g, f); ok {
				hits = append(hits, f)
				break
			}
		}
	}
	return hits
}

// writeStatusAtomic marshals doc and writes it to path via the
// write-to-temp-then-rename pattern, per spec.md §4.12.
func writeStatusAtomic(path string, doc apitypes.RunStatusDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal run_status: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write temp run_status: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("orchestrator: rename run_status into place: %w", err)
	}
	return nil
}
