package apitypes

import "time"

// PatchState is the lifecycle state of a produced diff or file operation.
// Transitions are enumerated exhaustively in runtime/patchledger.
type PatchState string

const (
	PatchCreated        PatchState = "created"
	PatchValidated       PatchState = "validated"
	PatchQueued          PatchState = "queued"
	PatchApplied         PatchState = "applied"
	PatchVerified        PatchState = "verified"
	PatchCommitted       PatchState = "committed"
	PatchAwaitingReview  PatchState = "awaiting_review"
	PatchRejected        PatchState = "rejected"
	PatchApplyFailed     PatchState = "apply_failed"
	PatchRolledBack      PatchState = "rolled_back"
	PatchQuarantined     PatchState = "quarantined"
	PatchDropped         PatchState = "dropped"
)

// Terminal reports whether the patch state is one the ledger never leaves.
func (s PatchState) Terminal() bool {
	switch s {
	case PatchCommitted, PatchDropped, PatchRejected, PatchQuarantined, PatchRolledBack:
		return true
	default:
		return false
	}
}

// PatchTransition records one state-machine hop for a patch, persisted with
// a timestamp and optional actor metadata (e.g., "reviewer:alice").
type PatchTransition struct {
	From      PatchState `json:"from"`
	To        PatchState `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Actor     string     `json:"actor,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Patch is the durable record of a single diff/file-operation artifact
// produced by a tool invocation.
type Patch struct {
	PatchID     string            `json:"patch_id"`
	RunID       string            `json:"run_id"`
	TaskID      string            `json:"task_id"`
	SessionID   string            `json:"session_id,omitempty"`
	State       PatchState        `json:"state"`
	History     []PatchTransition `json:"history"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Files       []string          `json:"files"`
	Diff        string            `json:"diff,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}
