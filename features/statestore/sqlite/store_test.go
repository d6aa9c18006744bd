package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/statestore"
	sqlitestore "github.com/acms-dev/acms/features/statestore/sqlite"
)

func TestStore_RunAndTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := apitypes.Run{RunID: "run-1", Phase: apitypes.PhaseInit, Status: apitypes.RunStatusRunning, RepoRoot: "/repo"}
	require.NoError(t, s.InsertRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run, got)

	run.Phase = apitypes.PhaseDone
	run.Status = apitypes.RunStatusDone
	require.NoError(t, s.UpdateRun(ctx, run))

	byStatus, err := s.ListRunsByStatus(ctx, apitypes.RunStatusDone)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "run-1", byStatus[0].RunID)

	task := apitypes.Task{TaskID: "t1", RunID: "run-1", State: apitypes.TaskPending}
	require.NoError(t, s.InsertTask(ctx, task))
	task.State = apitypes.TaskReady
	require.NoError(t, s.UpdateTask(ctx, task))

	gotTask, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskReady, gotTask.State)

	byRun, err := s.ListTasksByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 1)
}

func TestStore_ReopenPersists(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.InsertRun(ctx, apitypes.Run{RunID: "run-1", Status: apitypes.RunStatusRunning}))
	require.NoError(t, s1.Close())

	s2, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	got, err := s2.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	err = s.UpdateRun(ctx, apitypes.Run{RunID: "missing"})
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}
