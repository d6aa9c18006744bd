package executor_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/executor"
	"github.com/acms-dev/acms/runtime/ledger"
	"github.com/acms-dev/acms/runtime/patchledger"
	"github.com/acms-dev/acms/runtime/patterns"
	"github.com/acms-dev/acms/runtime/pathregistry"
	"github.com/acms-dev/acms/runtime/resilience"
	"github.com/acms-dev/acms/runtime/router"
	"github.com/acms-dev/acms/runtime/scheduler"
	"github.com/acms-dev/acms/runtime/statestore/inmem"
	"github.com/acms-dev/acms/runtime/tooladapter"
	"github.com/acms-dev/acms/runtime/worktree"
)

const testPatternID = "standard"

func buildExecutor(t *testing.T, tasks []apitypes.Task, toolArgs []string) (*executor.Executor, *scheduler.Scheduler, *inmem.Store) {
	t.Helper()
	ex, sched, store, _ := buildExecutorWithPatches(t, tasks, toolArgs, false)
	return ex, sched, store
}

func buildExecutorWithPatches(t *testing.T, tasks []apitypes.Task, toolArgs []string, withPatches bool) (*executor.Executor, *scheduler.Scheduler, *inmem.Store, *patchledger.Ledger) {
	t.Helper()

	sched, err := scheduler.New(tasks)
	require.NoError(t, err)

	store := inmem.New()
	for _, task := range tasks {
		require.NoError(t, store.InsertTask(context.Background(), task))
	}

	patternRegistry := patterns.New(patterns.Options{
		Patterns: map[string]apitypes.Pattern{
			testPatternID: {
				ID:                testPatternID,
				Enabled:           true,
				AllowedTools:      []string{"probe"},
				RequiredPrechecks: []string{"file_scope_declared"},
			},
		},
	})

	rt := router.New(router.Options{
		Rules: map[string]apitypes.RouteRule{
			"implement": {Strategy: apitypes.StrategyFixed, Tools: []string{"probe"}},
		},
	})

	paths := pathregistry.New(t.TempDir(), map[string]string{})
	wm := worktree.New(t.TempDir(), paths, worktree.WithDisabled(true))

	ldgr, err := ledger.Open(filepath.Join(t.TempDir(), "run.ledger.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ldgr.Close() })

	var patchLdgr *patchledger.Ledger
	if withPatches {
		patchLdgr = patchledger.New(store)
	}

	ex := executor.New(executor.Options{
		Scheduler: sched,
		Patterns:  patternRegistry,
		Router:    rt,
		Profiles: executor.MapProfiles{
			"probe": {
				ToolID:                "probe",
				CommandTemplate:       toolArgs,
				DefaultTimeoutSeconds: 5,
			},
		},
		Adapter:     tooladapter.New(),
		Breakers:    resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), nil),
		RetryPolicy: resilience.DefaultRetryPolicy(),
		Worktrees:   wm,
		Store:       store,
		Ledger:      ldgr,
		PatchLedger: patchLdgr,
		RunID:       "run-executor-test",
	})
	return ex, sched, store, patchLdgr
}

func taskWithFileScope(id string, dependsOn ...string) apitypes.Task {
	return apitypes.Task{
		TaskID:    id,
		RunID:     "run-executor-test",
		Kind:      apitypes.TaskKindImplementation,
		DependsOn: dependsOn,
		Metadata: apitypes.TaskMetadata{
			PatternID:     testPatternID,
			OperationKind: "implement",
			FileScope:     []string{"pkg/x.go"},
		},
	}
}

func TestExecutor_SucceedsAndPersists(t *testing.T) {
	tasks := []apitypes.Task{taskWithFileScope("t1")}
	ex, sched, store := buildExecutor(t, tasks, []string{"true"})

	require.NoError(t, ex.RunUntilComplete(context.Background()))
	assert.True(t, sched.IsComplete())

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskSucceeded, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, "probe", got.Result.ToolID)
}

func TestExecutor_ToolFailureMarksTaskFailed(t *testing.T) {
	tasks := []apitypes.Task{taskWithFileScope("t1")}
	ex, _, store := buildExecutor(t, tasks, []string{"false"})

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskFailed, got.State)
}

func TestExecutor_MissingPatternBlocksTask(t *testing.T) {
	task := taskWithFileScope("t1")
	task.Metadata.PatternID = ""
	ex, _, store := buildExecutor(t, []apitypes.Task{task}, []string{"true"})

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskBlocked, got.State)
}

func TestExecutor_PreExecutionGuardrailBlocksUndeclaredFileScope(t *testing.T) {
	task := taskWithFileScope("t1")
	task.Metadata.FileScope = nil // fails the file_scope_declared precheck
	ex, _, store := buildExecutor(t, []apitypes.Task{task}, []string{"true"})

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskBlocked, got.State)
	require.NotNil(t, got.Result)
	assert.NotEmpty(t, got.Result.PreViolations)
}

func TestExecutor_DependencyChainRunsInOrder(t *testing.T) {
	tasks := []apitypes.Task{
		taskWithFileScope("t1"),
		taskWithFileScope("t2", "t1"),
	}
	ex, sched, store := buildExecutor(t, tasks, []string{"true"})

	require.NoError(t, ex.RunUntilComplete(context.Background()))
	assert.True(t, sched.IsComplete())

	for _, id := range []string{"t1", "t2"} {
		got, err := store.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, apitypes.TaskSucceeded, got.State)
	}
}

func TestExecutor_PatchLedgerRecordsVerifiedPatchOnSuccess(t *testing.T) {
	tasks := []apitypes.Task{taskWithFileScope("t1")}
	ex, _, store, patchLdgr := buildExecutorWithPatches(t, tasks, []string{"true"}, true)

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskSucceeded, got.State)

	patches, err := patchLdgr.ForTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, apitypes.PatchVerified, patches[0].State)
	assert.Equal(t, []string{"pkg/x.go"}, patches[0].Files)

	var states []apitypes.PatchState
	for _, hop := range patches[0].History {
		states = append(states, hop.To)
	}
	assert.Equal(t, []apitypes.PatchState{
		apitypes.PatchValidated,
		apitypes.PatchQueued,
		apitypes.PatchApplied,
		apitypes.PatchVerified,
	}, states)
}

func TestExecutor_PatchLedgerRecordsRejectedPatchOnToolFailure(t *testing.T) {
	tasks := []apitypes.Task{taskWithFileScope("t1")}
	ex, _, store, patchLdgr := buildExecutorWithPatches(t, tasks, []string{"false"}, true)

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskFailed, got.State)

	patches, err := patchLdgr.ForTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, apitypes.PatchRejected, patches[0].State)
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	run("config", "user.email", "acms-test@example.com")
	run("config", "user.name", "acms-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

// buildExecutorWithRealWorktrees is like buildExecutor but backs the
// executor with a real (non-disabled) git worktree manager, so
// TaskResult.Changes reflects what the tool actually wrote rather than the
// task's pre-declared file scope.
func buildExecutorWithRealWorktrees(t *testing.T, tasks []apitypes.Task, toolArgs []string) (*executor.Executor, *inmem.Store) {
	t.Helper()

	sched, err := scheduler.New(tasks)
	require.NoError(t, err)

	store := inmem.New()
	for _, task := range tasks {
		require.NoError(t, store.InsertTask(context.Background(), task))
	}

	patternRegistry := patterns.New(patterns.Options{
		Patterns: map[string]apitypes.Pattern{
			testPatternID: {
				ID:                testPatternID,
				Enabled:           true,
				AllowedTools:      []string{"probe"},
				RequiredPrechecks: []string{"file_scope_declared"},
			},
		},
	})

	rt := router.New(router.Options{
		Rules: map[string]apitypes.RouteRule{
			"implement": {Strategy: apitypes.StrategyFixed, Tools: []string{"probe"}},
		},
	})

	repo := initGitRepo(t)
	paths := pathregistry.New(t.TempDir(), map[string]string{
		"acms.runs.worktrees":         "worktrees/{run_id}",
		"acms.runs.worktrees.archive": "worktrees/{run_id}/archive",
	})
	wm := worktree.New(repo, paths)
	t.Cleanup(func() { _ = wm.Close() })

	ldgr, err := ledger.Open(filepath.Join(t.TempDir(), "run.ledger.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ldgr.Close() })

	ex := executor.New(executor.Options{
		Scheduler: sched,
		Patterns:  patternRegistry,
		Router:    rt,
		Profiles: executor.MapProfiles{
			"probe": {
				ToolID:                "probe",
				CommandTemplate:       toolArgs,
				DefaultTimeoutSeconds: 5,
			},
		},
		Adapter:     tooladapter.New(),
		Breakers:    resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), nil),
		RetryPolicy: resilience.DefaultRetryPolicy(),
		Worktrees:   wm,
		Store:       store,
		Ledger:      ldgr,
		RunID:       "run-executor-test",
	})
	return ex, store
}

func TestExecutor_ChangesReflectActualDiffNotDeclaredScope(t *testing.T) {
	task := taskWithFileScope("t1")
	task.Metadata.FileScope = []string{"pkg/x.go"}
	// The tool never touches the declared file; it creates an entirely
	// different one instead.
	ex, store := buildExecutorWithRealWorktrees(t, []apitypes.Task{task}, []string{
		"sh", "-c", "echo created > surprise.go",
	})

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, []string{"surprise.go"}, got.Result.Changes.Files)
	assert.Greater(t, got.Result.Changes.Lines, 0)
}

// TestExecutor_HallucinatedSuccessOverridesStatusToFailed reproduces spec
// §8 scenario 3 end to end: a tool exits 0 (claims success) while its own
// result payload reports a non-zero verification exit code. The
// post-execution guardrail must override the task's status to failed and
// flag it as hallucinated success.
func TestExecutor_HallucinatedSuccessOverridesStatusToFailed(t *testing.T) {
	task := taskWithFileScope("t1")
	ex, store := buildExecutorWithRealWorktrees(t, []apitypes.Task{task}, []string{
		"sh", "-c", `echo '{"verification":{"exit_code":1}}'; exit 0`,
	})

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskFailed, got.State)
	require.NotNil(t, got.Result)
	require.NotNil(t, got.Result.VerificationExit)
	assert.Equal(t, 1, *got.Result.VerificationExit)
	assert.True(t, got.Result.HallucinatedSuccess)

	var sawHallucinatedSuccess bool
	for _, v := range got.Result.PostViolations {
		if v.RuleID == apitypes.AntiPatternHallucinatedSuccess {
			sawHallucinatedSuccess = true
		}
	}
	assert.True(t, sawHallucinatedSuccess)
}

func TestExecutor_PatchLedgerDisabledByDefault(t *testing.T) {
	tasks := []apitypes.Task{taskWithFileScope("t1")}
	ex, _, store := buildExecutor(t, tasks, []string{"true"})

	require.NoError(t, ex.RunUntilComplete(context.Background()))

	got, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskSucceeded, got.State)

	patches, err := store.ListPatchesByTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, patches)
}
