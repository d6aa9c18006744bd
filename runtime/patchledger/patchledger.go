// Package patchledger implements the patch state machine from spec.md §4.9:
// an explicit allowed-transition table over individual patch artifacts,
// persisted to the state store on every hop. Invalid transitions are
// rejected outright — there are no silent corrections.
package patchledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/statestore"
)

// transitions enumerates every valid (from, to) hop in the patch state
// machine, exactly as tabulated in spec.md §4.9. "any non-terminal ->
// quarantined" is handled separately since it isn't keyed by a single
// source state.
var transitions = map[apitypes.PatchState][]apitypes.PatchState{
	apitypes.PatchCreated:        {apitypes.PatchValidated, apitypes.PatchRejected},
	apitypes.PatchValidated:      {apitypes.PatchQueued, apitypes.PatchAwaitingReview},
	apitypes.PatchAwaitingReview: {apitypes.PatchQueued, apitypes.PatchDropped},
	apitypes.PatchQueued:         {apitypes.PatchApplied, apitypes.PatchApplyFailed},
	apitypes.PatchApplied:        {apitypes.PatchVerified, apitypes.PatchRolledBack},
	apitypes.PatchVerified:       {apitypes.PatchCommitted},
}

// ErrInvalidTransition is returned when a requested (from, to) hop is not
// in the allowed-transition table.
type ErrInvalidTransition struct {
	PatchID string
	From    apitypes.PatchState
	To      apitypes.PatchState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("patchledger: invalid transition for patch %s: %s -> %s", e.PatchID, e.From, e.To)
}

// Ledger drives the patch state machine, persisting every transition to a
// statestore.Store.
type Ledger struct {
	store statestore.Store
}

// New builds a Ledger backed by store.
func New(store statestore.Store) *Ledger {
	return &Ledger{store: store}
}

// Create inserts a new patch in the created state.
func (l *Ledger) Create(ctx context.Context, runID, taskID string, files []string, diff string, metadata map[string]any) (apitypes.Patch, error) {
	now := time.Now().UTC()
	patch := apitypes.Patch{
		PatchID:   uuid.NewString(),
		RunID:     runID,
		TaskID:    taskID,
		State:     apitypes.PatchCreated,
		Files:     files,
		Diff:      diff,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.InsertPatch(ctx, patch); err != nil {
		return apitypes.Patch{}, fmt.Errorf("patchledger: create patch: %w", err)
	}
	return patch, nil
}

// isAllowed reports whether (from, to) is a valid hop, including the
// blanket "any non-terminal -> quarantined" escape hatch.
func isAllowed(from, to apitypes.PatchState) bool {
	if to == apitypes.PatchQuarantined {
		return !from.Terminal()
	}
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition moves patchID from its current state to to, appending a
// PatchTransition record to its history and persisting the result.
// Transitions not present in the allowed table are rejected with
// ErrInvalidTransition and the patch is left unchanged.
func (l *Ledger) Transition(ctx context.Context, patchID string, to apitypes.PatchState, actor, reason string) (apitypes.Patch, error) {
	patch, err := l.store.GetPatch(ctx, patchID)
	if err != nil {
		return apitypes.Patch{}, fmt.Errorf("patchledger: load patch %s: %w", patchID, err)
	}

	if !isAllowed(patch.State, to) {
		return apitypes.Patch{}, &ErrInvalidTransition{PatchID: patchID, From: patch.State, To: to}
	}

	now := time.Now().UTC()
	patch.History = append(patch.History, apitypes.PatchTransition{
		From:      patch.State,
		To:        to,
		Timestamp: now,
		Actor:     actor,
		Reason:    reason,
	})
	patch.State = to
	patch.UpdatedAt = now

	if err := l.store.UpdatePatch(ctx, patch); err != nil {
		return apitypes.Patch{}, fmt.Errorf("patchledger: persist transition for %s: %w", patchID, err)
	}
	return patch, nil
}

// Get fetches the current record for patchID.
func (l *Ledger) Get(ctx context.Context, patchID string) (apitypes.Patch, error) {
	return l.store.GetPatch(ctx, patchID)
}

// ForTask lists every patch produced for a given task, in the order the
// store returns them.
func (l *Ledger) ForTask(ctx context.Context, taskID string) ([]apitypes.Patch, error) {
	return l.store.ListPatchesByTask(ctx, taskID)
}
