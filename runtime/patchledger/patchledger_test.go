package patchledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/patchledger"
	"github.com/acms-dev/acms/runtime/statestore/inmem"
)

func TestLedger_HappyPathToCommitted(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	l := patchledger.New(store)

	patch, err := l.Create(ctx, "run-1", "task-1", []string{"a.go"}, "diff", nil)
	require.NoError(t, err)
	assert.Equal(t, apitypes.PatchCreated, patch.State)

	for _, to := range []apitypes.PatchState{
		apitypes.PatchValidated,
		apitypes.PatchQueued,
		apitypes.PatchApplied,
		apitypes.PatchVerified,
		apitypes.PatchCommitted,
	} {
		patch, err = l.Transition(ctx, patch.PatchID, to, "tool:claude-code", "")
		require.NoError(t, err)
		assert.Equal(t, to, patch.State)
	}
	assert.Len(t, patch.History, 5)
	assert.True(t, patch.State.Terminal())
}

func TestLedger_ReviewBranch(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	l := patchledger.New(store)

	patch, err := l.Create(ctx, "run-1", "task-1", nil, "", nil)
	require.NoError(t, err)

	patch, err = l.Transition(ctx, patch.PatchID, apitypes.PatchValidated, "", "")
	require.NoError(t, err)
	patch, err = l.Transition(ctx, patch.PatchID, apitypes.PatchAwaitingReview, "", "flagged for manual review")
	require.NoError(t, err)
	patch, err = l.Transition(ctx, patch.PatchID, apitypes.PatchDropped, "reviewer:alice", "rejected")
	require.NoError(t, err)
	assert.Equal(t, apitypes.PatchDropped, patch.State)
}

func TestLedger_InvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	l := patchledger.New(store)

	patch, err := l.Create(ctx, "run-1", "task-1", nil, "", nil)
	require.NoError(t, err)

	_, err = l.Transition(ctx, patch.PatchID, apitypes.PatchCommitted, "", "")
	var target *patchledger.ErrInvalidTransition
	assert.ErrorAs(t, err, &target)

	// State is unchanged after a rejected transition.
	got, err := l.Get(ctx, patch.PatchID)
	require.NoError(t, err)
	assert.Equal(t, apitypes.PatchCreated, got.State)
}

func TestLedger_QuarantineFromAnyNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	l := patchledger.New(store)

	patch, err := l.Create(ctx, "run-1", "task-1", nil, "", nil)
	require.NoError(t, err)
	patch, err = l.Transition(ctx, patch.PatchID, apitypes.PatchQuarantined, "policy", "safety intervention")
	require.NoError(t, err)
	assert.Equal(t, apitypes.PatchQuarantined, patch.State)

	// Quarantined is terminal; cannot quarantine again.
	_, err = l.Transition(ctx, patch.PatchID, apitypes.PatchQuarantined, "", "")
	assert.Error(t, err)
}

func TestLedger_ForTask(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	l := patchledger.New(store)

	_, err := l.Create(ctx, "run-1", "task-1", nil, "", nil)
	require.NoError(t, err)
	_, err = l.Create(ctx, "run-1", "task-1", nil, "", nil)
	require.NoError(t, err)

	patches, err := l.ForTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, patches, 2)
}
