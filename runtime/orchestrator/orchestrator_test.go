package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/executor"
	"github.com/acms-dev/acms/runtime/ledger"
	"github.com/acms-dev/acms/runtime/orchestrator"
	"github.com/acms-dev/acms/runtime/patterns"
	"github.com/acms-dev/acms/runtime/pathregistry"
	"github.com/acms-dev/acms/runtime/resilience"
	"github.com/acms-dev/acms/runtime/router"
	"github.com/acms-dev/acms/runtime/statestore/inmem"
	"github.com/acms-dev/acms/runtime/tooladapter"
)

const testPatternID = "standard"

func baseOptions(t *testing.T, tasks []apitypes.PlanTask, protectedPaths []string) orchestrator.Options {
	t.Helper()

	paths := pathregistry.New(t.TempDir(), map[string]string{
		"acms.runs.root": ".acms_runs/{run_id}",
	})

	patternRegistry := patterns.New(patterns.Options{
		Patterns: map[string]apitypes.Pattern{
			testPatternID: {
				ID:           testPatternID,
				Enabled:      true,
				AllowedTools: []string{"probe"},
			},
		},
		ProtectedPaths: protectedPaths,
	})

	rt := router.New(router.Options{
		Rules: map[string]apitypes.RouteRule{
			"implement": {Strategy: apitypes.StrategyFixed, Tools: []string{"probe"}},
		},
	})

	return orchestrator.Options{
		RepoRoot: t.TempDir(),
		Plan:     apitypes.ExecutionPlan{PlanID: "plan-1", Tasks: tasks},
		Paths:    paths,
		Store:    inmem.New(),
		Patterns: patternRegistry,
		Router:   rt,
		Profiles: executor.MapProfiles{
			"probe": {ToolID: "probe", CommandTemplate: []string{"true"}, DefaultTimeoutSeconds: 5},
		},
		Adapter:            tooladapter.New(),
		Breakers:           resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), nil),
		RetryPolicy:        resilience.DefaultRetryPolicy(),
		WorktreesEnabled:   false,
		ProtectedPaths:     protectedPaths,
		MaxConcurrentTasks: 2,
	}
}

func planTask(id string, files []string, dependsOn ...string) apitypes.PlanTask {
	return apitypes.PlanTask{
		TaskID:      id,
		TaskKind:    apitypes.TaskKindImplementation,
		Description: "do the thing",
		DependsOn:   dependsOn,
		Metadata: apitypes.TaskMetadata{
			PatternID:     testPatternID,
			OperationKind: "implement",
			FileScope:     files,
		},
	}
}

func TestOrchestrator_HappyPathReachesDone(t *testing.T) {
	opts := baseOptions(t, []apitypes.PlanTask{
		planTask("t1", []string{"pkg/a.go"}),
		planTask("t2", []string{"pkg/b.go"}, "t1"),
	}, nil)
	o := orchestrator.New(opts)

	doc, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, apitypes.RunStatusDone, doc.FinalStatus)
	assert.Equal(t, 2, doc.Metrics.TasksExecuted)
	assert.Equal(t, 0, doc.Metrics.TasksFailed)
	assert.NotEmpty(t, doc.Artifacts["ledger"])
	assert.NotEmpty(t, doc.Artifacts["status"])

	events, err := ledger.ReadAll(doc.Artifacts["ledger"])
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	b, err := os.ReadFile(doc.Artifacts["status"])
	require.NoError(t, err)
	var onDisk apitypes.RunStatusDocument
	require.NoError(t, json.Unmarshal(b, &onDisk))
	assert.Equal(t, doc.RunID, onDisk.RunID)
}

func TestOrchestrator_UnknownPatternIsInvalidPlan(t *testing.T) {
	task := planTask("t1", []string{"pkg/a.go"})
	task.Metadata.PatternID = "does-not-exist"
	opts := baseOptions(t, []apitypes.PlanTask{task}, nil)
	o := orchestrator.New(opts)

	_, err := o.Run(context.Background())
	var target *orchestrator.ErrInvalidPlan
	assert.ErrorAs(t, err, &target)
}

func TestOrchestrator_DependencyCycleIsInvalidPlan(t *testing.T) {
	opts := baseOptions(t, []apitypes.PlanTask{
		planTask("t1", []string{"pkg/a.go"}, "t2"),
		planTask("t2", []string{"pkg/b.go"}, "t1"),
	}, nil)
	o := orchestrator.New(opts)

	_, err := o.Run(context.Background())
	var target *orchestrator.ErrInvalidPlan
	assert.ErrorAs(t, err, &target)
}

func TestOrchestrator_ProtectedPathViolationFailsRun(t *testing.T) {
	// The tool's actual changed files (reported via RequestBuilder, standing
	// in for a post-hoc diff) hit a protected path even though the task's
	// declared file_scope did not, so the pre-execution guardrail lets it
	// through and only the orchestrator's post-hoc check catches it.
	opts := baseOptions(t, []apitypes.PlanTask{
		planTask("t1", []string{"pkg/a.go"}),
	}, []string{"secrets/*"})
	opts.RequestBuilder = func(task apitypes.Task) (map[string]string, []string) {
		return map[string]string{"task_id": task.TaskID}, []string{"secrets/creds.env"}
	}
	o := orchestrator.New(opts)

	doc, err := o.Run(context.Background())
	require.NoError(t, err) // a protected-path violation still produces a document, per §7
	assert.Equal(t, apitypes.RunStatusFailed, doc.FinalStatus)
}

func TestOrchestrator_TaskFailureStillReachesDone(t *testing.T) {
	opts := baseOptions(t, []apitypes.PlanTask{
		planTask("t1", []string{"pkg/a.go"}),
	}, nil)
	opts.Profiles = executor.MapProfiles{
		"probe": {ToolID: "probe", CommandTemplate: []string{"false"}, DefaultTimeoutSeconds: 5},
	}
	o := orchestrator.New(opts)

	doc, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, apitypes.RunStatusDone, doc.FinalStatus)
	assert.Equal(t, 1, doc.Metrics.TasksFailed)
}

func TestOrchestrator_ResolveFileFallsBackWithoutIndexEntry(t *testing.T) {
	opts := baseOptions(t, []apitypes.PlanTask{planTask("t1", []string{"pkg/a.go"})}, nil)
	o := orchestrator.New(opts)

	doc, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(doc.Artifacts["ledger"]))
}
