// Package statestore defines the durable storage contract for Run, Task,
// Patch, and Session records. The core depends only on this interface;
// features/statestore/sqlite provides the concrete embedded-SQL
// implementation. An in-memory implementation lives alongside it for tests
// and local/dev runs that don't need cross-process durability.
package statestore

import (
	"context"
	"errors"

	"github.com/acms-dev/acms/apitypes"
)

// ErrNotFound is returned when a query by id finds no matching record.
var ErrNotFound = errors.New("statestore: record not found")

// Store is the durable record of runs, tasks, patches, and sessions. Every
// method must be safe for concurrent use; implementations serialize writes
// through their underlying engine's own transaction discipline. Records
// outlive a crashed process, but the orchestrator does not reload an
// in-flight run from them: every Run starts a fresh run record.
type Store interface {
	// InsertRun atomically inserts a new run record.
	InsertRun(ctx context.Context, run apitypes.Run) error
	// UpdateRun atomically updates the run record keyed by run.RunID. It is
	// an error to update a run id that was never inserted.
	UpdateRun(ctx context.Context, run apitypes.Run) error
	// GetRun fetches a single run by id. Returns ErrNotFound if absent.
	GetRun(ctx context.Context, runID string) (apitypes.Run, error)
	// ListRunsByStatus returns every run whose Status matches, in no
	// particular order beyond what the engine's query planner picks.
	ListRunsByStatus(ctx context.Context, status apitypes.RunStatus) ([]apitypes.Run, error)

	// InsertTask atomically inserts a new task record.
	InsertTask(ctx context.Context, task apitypes.Task) error
	// UpdateTask atomically updates the task record keyed by task.TaskID.
	UpdateTask(ctx context.Context, task apitypes.Task) error
	// GetTask fetches a single task by id. Returns ErrNotFound if absent.
	GetTask(ctx context.Context, taskID string) (apitypes.Task, error)
	// ListTasksByRun returns every task belonging to runID, ordered by task
	// id.
	ListTasksByRun(ctx context.Context, runID string) ([]apitypes.Task, error)
	// ListTasksByState returns every task in the given state across all
	// runs, ordered by task id. The orchestrator does not call it.
	ListTasksByState(ctx context.Context, state apitypes.TaskState) ([]apitypes.Task, error)

	// InsertPatch atomically inserts a new patch record.
	InsertPatch(ctx context.Context, patch apitypes.Patch) error
	// UpdatePatch atomically updates the patch record keyed by patch.PatchID.
	UpdatePatch(ctx context.Context, patch apitypes.Patch) error
	// GetPatch fetches a single patch by id. Returns ErrNotFound if absent.
	GetPatch(ctx context.Context, patchID string) (apitypes.Patch, error)
	// ListPatchesByTask returns every patch produced for taskID.
	ListPatchesByTask(ctx context.Context, taskID string) ([]apitypes.Patch, error)

	// InsertSession atomically inserts a new session record.
	InsertSession(ctx context.Context, session apitypes.Session) error
	// UpdateSession atomically updates the session record keyed by
	// session.SessionID.
	UpdateSession(ctx context.Context, session apitypes.Session) error
	// GetSession fetches a single session by id. Returns ErrNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (apitypes.Session, error)

	// Close releases any resources (file handles, connection pools) held by
	// the store.
	Close() error
}
