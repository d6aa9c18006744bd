// Package executor is the per-task driver named in spec.md §4.10: for each
// task the scheduler promotes to ready, it runs guardrail pre-checks,
// invokes the router+adapter through the resilience wrapper, runs guardrail
// post-checks (including the hallucinated-success override), and persists
// the outcome. A bounded worker pool (golang.org/x/sync/errgroup +
// semaphore, mirroring the teacher's toolregistry/executor concurrency
// shape) drains ready batches from the scheduler until the run completes.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/ledger"
	"github.com/acms-dev/acms/runtime/patchledger"
	"github.com/acms-dev/acms/runtime/patterns"
	"github.com/acms-dev/acms/runtime/resilience"
	"github.com/acms-dev/acms/runtime/router"
	"github.com/acms-dev/acms/runtime/scheduler"
	"github.com/acms-dev/acms/runtime/statestore"
	"github.com/acms-dev/acms/runtime/tooladapter"
	"github.com/acms-dev/acms/runtime/worktree"
	"github.com/acms-dev/acms/telemetry"
)

// ProfileLookup resolves a tool id to its templatized invocation profile.
type ProfileLookup interface {
	Profile(toolID string) (apitypes.ToolProfile, bool)
}

// MapProfiles adapts a plain map to ProfileLookup.
type MapProfiles map[string]apitypes.ToolProfile

func (m MapProfiles) Profile(toolID string) (apitypes.ToolProfile, bool) {
	p, ok := m[toolID]
	return p, ok
}

// RequestBuilder assembles placeholder values for a task; task metadata
// fields (file_scope, routing hints) are the typical source. Kept as an
// interface seam so callers can plug in richer placeholder resolution
// (e.g. reading a generated prompt file) without changing Executor.
type RequestBuilder func(task apitypes.Task) (values map[string]string, files []string)

// Executor drives tasks from ready through a terminal state.
type Executor struct {
	scheduler      *scheduler.Scheduler
	patterns       *patterns.Registry
	router         *router.Router
	profiles       ProfileLookup
	adapter        *tooladapter.Adapter
	breakers       *resilience.BreakerRegistry
	retryPolicy    resilience.RetryPolicy
	worktrees      *worktree.Manager
	store          statestore.Store
	ledger         *ledger.Writer
	patchLedger    *patchledger.Ledger
	logger         telemetry.Logger
	tracer         telemetry.Tracer
	metrics        telemetry.Metrics
	maxConcurrent  int
	requestBuilder RequestBuilder
	runID          string
	onTaskComplete func(apitypes.Task)
}

// Options configures an Executor.
type Options struct {
	Scheduler         *scheduler.Scheduler
	Patterns          *patterns.Registry
	Router            *router.Router
	Profiles          ProfileLookup
	Adapter           *tooladapter.Adapter
	Breakers          *resilience.BreakerRegistry
	RetryPolicy       resilience.RetryPolicy
	Worktrees         *worktree.Manager
	Store             statestore.Store
	Ledger            *ledger.Writer
	// PatchLedger, if set, drives a apitypes.Patch record through the
	// created -> validated/rejected -> queued -> applied -> verified/
	// rolled_back states for every task that produces changed files. Nil
	// disables patch tracking (the worktree's own diff is still the
	// ground truth; this is bookkeeping for §4.9's audit trail).
	PatchLedger       *patchledger.Ledger
	Logger            telemetry.Logger
	Tracer            telemetry.Tracer
	Metrics           telemetry.Metrics
	MaxConcurrentTasks int
	RequestBuilder    RequestBuilder
	RunID             string
	// OnTaskComplete, if set, runs synchronously right after a task's
	// terminal state is persisted. The orchestrator uses this to watch for
	// run-fatal conditions (a protected-path violation surfacing only once
	// a tool's actual changed files are known) and cancel the driving
	// context; it is never required for ordinary operation.
	OnTaskComplete func(apitypes.Task)
}

// New builds an Executor.
func New(opts Options) *Executor {
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
	maxConcurrent := opts.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	builder := opts.RequestBuilder
	if builder == nil {
		builder = defaultRequestBuilder
	}
	return &Executor{
		scheduler:      opts.Scheduler,
		patterns:       opts.Patterns,
		router:         opts.Router,
		profiles:       opts.Profiles,
		adapter:        opts.Adapter,
		breakers:       opts.Breakers,
		retryPolicy:    opts.RetryPolicy,
		worktrees:      opts.Worktrees,
		store:          opts.Store,
		ledger:         opts.Ledger,
		patchLedger:    opts.PatchLedger,
		logger:         logger,
		tracer:         tracer,
		metrics:        metrics,
		maxConcurrent:  maxConcurrent,
		requestBuilder: builder,
		runID:          opts.RunID,
		onTaskComplete: opts.OnTaskComplete,
	}
}

func defaultRequestBuilder(task apitypes.Task) (map[string]string, []string) {
	values := map[string]string{"task_id": task.TaskID, "description": task.Description}
	return values, task.Metadata.FileScope
}

// RunUntilComplete drains the scheduler's ready batches through a bounded
// worker pool until every task reaches a terminal state. It returns the
// first infrastructure-level error encountered (state-store I/O, worktree
// acquisition failure); guardrail/tool failures are recovered into task
// state and never surface here, matching spec.md §7's propagation policy.
func (ex *Executor) RunUntilComplete(ctx context.Context) error {
	for !ex.scheduler.IsComplete() {
		batch := ex.scheduler.ParallelBatches(ex.maxConcurrent)
		if len(batch) == 0 {
			// No ready tasks and not complete: every remaining task is
			// pending behind a dependency that will never succeed (e.g. a
			// blocked ancestor). Nothing more can be dispatched.
			return nil
		}

		sem := semaphore.NewWeighted(int64(ex.maxConcurrent))
		g, gctx := errgroup.WithContext(ctx)
		for _, taskID := range batch {
			taskID := taskID
			if err := sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("executor: acquire worker slot: %w", err)
			}
			if err := ex.scheduler.MarkTask(taskID, apitypes.TaskRunning); err != nil {
				sem.Release(1)
				return fmt.Errorf("executor: mark task running: %w", err)
			}
			g.Go(func() error {
				defer sem.Release(1)
				return ex.runOne(gctx, taskID)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runOne executes a single task end to end and records its final state.
// Only infrastructure errors (state store, worktree) are returned; tool and
// guardrail failures are folded into the task's own terminal state.
func (ex *Executor) runOne(ctx context.Context, taskID string) error {
	task, err := ex.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("executor: load task %s: %w", taskID, err)
	}

	ctx, span := ex.tracer.Start(ctx, "acms.execute_task")
	defer span.End()
	span.AddEvent("task", "task_id", task.TaskID, "pattern_id", task.Metadata.PatternID)

	final, infraErr := ex.execute(ctx, task)
	if infraErr != nil {
		span.RecordError(infraErr)
		span.SetStatus(codes.Error, "infrastructure error")
		return infraErr
	}

	if err := ex.scheduler.MarkTask(task.TaskID, final.State); err != nil {
		return fmt.Errorf("executor: mark task terminal: %w", err)
	}
	if err := ex.store.UpdateTask(ctx, final); err != nil {
		return fmt.Errorf("executor: persist task %s: %w", task.TaskID, err)
	}

	ex.metrics.IncCounter("acms.tasks.terminal", 1, "state", string(final.State))
	ex.ledger.AppendBestEffort(apitypes.Event{
		Timestamp: time.Now().UTC(),
		RunID:     ex.runID,
		Kind:      apitypes.EventTaskComplete,
		State:     string(final.State),
		Meta:      map[string]any{"task_id": final.TaskID, "pattern_id": final.Metadata.PatternID},
	})
	if ex.onTaskComplete != nil {
		ex.onTaskComplete(final)
	}
	return nil
}

// execute runs the guardrail-pre -> route -> invoke -> guardrail-post
// pipeline for one task and returns its updated record with Result and
// State populated, ready for persistence.
func (ex *Executor) execute(ctx context.Context, task apitypes.Task) (apitypes.Task, error) {
	patternID := task.Metadata.PatternID
	if patternID == "" {
		// Per spec.md §4.10 step 1: no pattern means block by policy rather
		// than silently skip guardrails.
		ex.emitViolation(apitypes.GuardrailViolation{
			RuleID:   "pattern_missing",
			Severity: apitypes.SeverityFatal,
			Message:  "task declares no pattern_id",
			TaskID:   task.TaskID,
		})
		task.State = apitypes.TaskBlocked
		return task, nil
	}

	passed, violations := ex.patterns.PreExecutionCheck(ctx, patternID, task)
	for _, v := range violations {
		ex.emitViolation(v)
	}
	if !passed {
		task.State = apitypes.TaskBlocked
		task.Result = &apitypes.TaskResult{Status: apitypes.TaskBlocked, PreViolations: violations}
		return task, nil
	}

	toolID, err := ex.router.RouteByOperationKind(task.Metadata.OperationKind)
	if err != nil {
		ex.emitViolation(apitypes.GuardrailViolation{
			RuleID:   "routing_failed",
			Severity: apitypes.SeverityFatal,
			Message:  err.Error(),
			TaskID:   task.TaskID,
		})
		task.State = apitypes.TaskFailed
		return task, nil
	}

	profile, ok := ex.profiles.Profile(toolID)
	if !ok {
		return task, fmt.Errorf("executor: no tool profile registered for %q", toolID)
	}

	wt, err := ex.worktrees.Acquire(ctx, ex.runID, task.TaskID)
	if err != nil {
		return task, fmt.Errorf("executor: acquire worktree: %w", err)
	}

	values, files := ex.requestBuilder(task)
	req := tooladapter.BuildRequest(profile, values, files, wt.Path, ex.runID, task.TaskID)

	ex.ledger.AppendBestEffort(apitypes.Event{Timestamp: time.Now().UTC(), RunID: ex.runID, Kind: apitypes.EventToolRunStart, Meta: map[string]any{"task_id": task.TaskID, "tool_id": toolID}})
	toolResult := ex.breakers.RunTool(ctx, ex.retryPolicy, toolID, req, ex.adapter.RunTool)
	ex.ledger.AppendBestEffort(apitypes.Event{Timestamp: time.Now().UTC(), RunID: ex.runID, Kind: apitypes.EventToolRunEnd, Meta: map[string]any{"task_id": task.TaskID, "tool_id": toolID, "exit_code": toolResult.ExitCode}})

	changes, diffErr := ex.worktrees.Diff(ctx, wt)
	switch {
	case errors.Is(diffErr, worktree.ErrDisabled):
		changes = apitypes.ChangeSummary{Files: files}
	case diffErr != nil:
		ex.logger.Error(ctx, "executor: worktree diff failed, falling back to declared file scope", "task_id", task.TaskID, "error", diffErr)
		changes = apitypes.ChangeSummary{Files: files}
	}

	result := apitypes.TaskResult{
		Status:           statusFromToolResult(toolResult),
		ToolID:           toolID,
		DurationMS:       toolResult.Duration().Milliseconds(),
		Changes:          changes,
		VerificationExit: parseVerificationExit(toolResult.Stdout),
	}

	postPassed, postViolations := ex.patterns.PostExecutionCheck(ctx, patternID, task, result)
	for _, v := range postViolations {
		ex.emitViolation(v)
	}
	result.PostViolations = postViolations
	if !postPassed {
		if result.Status == apitypes.TaskSucceeded {
			result.HallucinatedSuccess = hasHallucinatedSuccess(postViolations)
			if result.HallucinatedSuccess {
				ex.ledger.AppendBestEffort(apitypes.Event{
					Timestamp: time.Now().UTC(),
					RunID:     ex.runID,
					Kind:      apitypes.EventAntiPattern,
					State:     apitypes.AntiPatternHallucinatedSuccess,
					Meta:      map[string]any{"task_id": task.TaskID},
				})
			}
		}
		result.Status = apitypes.TaskFailed
	}

	ex.recordPatch(ctx, task, toolResult, result)

	success := result.Status == apitypes.TaskSucceeded
	if relErr := ex.worktrees.Release(ctx, wt, success); relErr != nil {
		ex.logger.Error(ctx, "executor: worktree release failed", "task_id", task.TaskID, "error", relErr)
	}

	task.State = result.Status
	task.Result = &result
	return task, nil
}

// recordPatch drives a patch artifact through the ledger's state machine
// (spec.md §4.9) for the files the worktree diff actually shows changed. A
// task that touched no files produces no patch record — there is nothing to
// track. This is best-effort bookkeeping: ledger errors are logged, never
// folded into the task's own result, since the worktree's actual diff
// remains the ground truth regardless of whether the audit record kept up.
func (ex *Executor) recordPatch(ctx context.Context, task apitypes.Task, toolResult apitypes.ToolRunResult, result apitypes.TaskResult) {
	if ex.patchLedger == nil || len(result.Changes.Files) == 0 {
		return
	}

	patch, err := ex.patchLedger.Create(ctx, ex.runID, task.TaskID, result.Changes.Files, toolResult.Stdout, map[string]any{"tool_id": result.ToolID, "exit_code": toolResult.ExitCode})
	if err != nil {
		ex.logger.Error(ctx, "executor: patch ledger create failed", "task_id", task.TaskID, "error", err)
		return
	}

	if !toolResult.Success() {
		ex.transitionPatch(ctx, patch.PatchID, apitypes.PatchRejected, "tool claimed failure")
		return
	}
	patch, err = ex.transitionPatch(ctx, patch.PatchID, apitypes.PatchValidated, "diff validation passed")
	if err != nil {
		return
	}
	patch, err = ex.transitionPatch(ctx, patch.PatchID, apitypes.PatchQueued, "auto-approval path")
	if err != nil {
		return
	}
	patch, err = ex.transitionPatch(ctx, patch.PatchID, apitypes.PatchApplied, "patch applied to worktree")
	if err != nil {
		return
	}
	if result.Status == apitypes.TaskSucceeded {
		ex.transitionPatch(ctx, patch.PatchID, apitypes.PatchVerified, "postchecks passed")
	} else {
		ex.transitionPatch(ctx, patch.PatchID, apitypes.PatchRolledBack, "postchecks failed")
	}
}

func (ex *Executor) transitionPatch(ctx context.Context, patchID string, to apitypes.PatchState, reason string) (apitypes.Patch, error) {
	patch, err := ex.patchLedger.Transition(ctx, patchID, to, "executor", reason)
	if err != nil {
		ex.logger.Error(ctx, "executor: patch ledger transition failed", "patch_id", patchID, "to", string(to), "error", err)
	}
	return patch, err
}

func hasHallucinatedSuccess(violations []apitypes.GuardrailViolation) bool {
	for _, v := range violations {
		if v.RuleID == apitypes.AntiPatternHallucinatedSuccess {
			return true
		}
	}
	return false
}

// verificationPayload is the optional shape a tool may emit on stdout to
// report its own verification outcome, distinct from its process exit code
// (spec.md §8 scenario 3: a tool can exit 0 while its verification step
// failed). Tools that emit plain text, or no verification object at all,
// leave TaskResult.VerificationExit nil and the hallucinated-success check
// in patterns.PostExecutionCheck never fires for them.
type verificationPayload struct {
	Verification *struct {
		ExitCode int `json:"exit_code"`
	} `json:"verification"`
}

func parseVerificationExit(stdout string) *int {
	var payload verificationPayload
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil || payload.Verification == nil {
		return nil
	}
	code := payload.Verification.ExitCode
	return &code
}

func statusFromToolResult(result apitypes.ToolRunResult) apitypes.TaskState {
	if result.Success() {
		return apitypes.TaskSucceeded
	}
	return apitypes.TaskFailed
}

func (ex *Executor) emitViolation(v apitypes.GuardrailViolation) {
	ex.metrics.IncCounter("acms.guardrail_violations", 1, "severity", string(v.Severity), "rule_id", v.RuleID)
	ex.ledger.AppendBestEffort(apitypes.Event{
		Timestamp: time.Now().UTC(),
		RunID:     ex.runID,
		Kind:      apitypes.EventGuardrailViolation,
		Meta: map[string]any{
			"rule_id":    v.RuleID,
			"severity":   string(v.Severity),
			"task_id":    v.TaskID,
			"pattern_id": v.PatternID,
			"message":    v.Message,
		},
	})
}
