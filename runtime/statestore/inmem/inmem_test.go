package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/statestore"
	"github.com/acms-dev/acms/runtime/statestore/inmem"
)

func TestStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	run := apitypes.Run{RunID: "run-1", Phase: apitypes.PhaseInit, Status: apitypes.RunStatusRunning}
	require.NoError(t, s.InsertRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run, got)

	run.Phase = apitypes.PhaseDone
	run.Status = apitypes.RunStatusDone
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.PhaseDone, got.Phase)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	err = s.UpdateRun(ctx, apitypes.Run{RunID: "missing"})
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	byStatus, err := s.ListRunsByStatus(ctx, apitypes.RunStatusDone)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
}

func TestStore_TaskQueries(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	tasks := []apitypes.Task{
		{TaskID: "t1", RunID: "run-1", State: apitypes.TaskSucceeded},
		{TaskID: "t2", RunID: "run-1", State: apitypes.TaskPending},
		{TaskID: "t3", RunID: "run-2", State: apitypes.TaskPending},
	}
	for _, task := range tasks {
		require.NoError(t, s.InsertTask(ctx, task))
	}

	byRun, err := s.ListTasksByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	byState, err := s.ListTasksByState(ctx, apitypes.TaskPending)
	require.NoError(t, err)
	assert.Len(t, byState, 2)

	tasks[0].State = apitypes.TaskFailed
	require.NoError(t, s.UpdateTask(ctx, tasks[0]))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.TaskFailed, got.State)
}

func TestStore_PatchAndSession(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	patch := apitypes.Patch{PatchID: "p1", TaskID: "t1", State: apitypes.PatchCreated}
	require.NoError(t, s.InsertPatch(ctx, patch))
	patch.State = apitypes.PatchValidated
	require.NoError(t, s.UpdatePatch(ctx, patch))

	got, err := s.GetPatch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.PatchValidated, got.State)

	byTask, err := s.ListPatchesByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, byTask, 1)

	sess := apitypes.Session{SessionID: "s1", State: apitypes.SessionCreated}
	require.NoError(t, s.InsertSession(ctx, sess))
	sess.State = apitypes.SessionActive
	require.NoError(t, s.UpdateSession(ctx, sess))
	gotSess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, apitypes.SessionActive, gotSess.State)

	require.NoError(t, s.Close())
}
