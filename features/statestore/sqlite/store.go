// Package sqlite is the durable, embedded-SQL implementation of
// statestore.Store. It uses modernc.org/sqlite (a pure-Go, no-cgo SQLite
// engine) so the single-file state database (spec.md §6's
// ".minipipe/state.db") needs no platform-specific toolchain to build.
// Schemas are created lazily on first Open — there is no separate
// migration step, matching spec.md §4.2's "schemas are created lazily on
// first use".
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/statestore"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS tasks (
	task_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	state TEXT NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS patches (
	patch_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patches_task ON patches(task_id);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	document TEXT NOT NULL
);
`

// Store is a modernc.org/sqlite-backed statestore.Store. A single *sql.DB
// serializes writes through the engine's own transaction handling; readers
// see committed snapshots per database/sql's usual semantics.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: open %s: %w", path, err)
	}
	// The state store is the only cross-process shared mutable per spec.md
	// §5; a single writer connection avoids SQLITE_BUSY under concurrent
	// executor workers without needing WAL-mode tuning.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore/sqlite: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) InsertRun(ctx context.Context, run apitypes.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (run_id, status, document) VALUES (?, ?, ?)`, run.RunID, string(run.Status), doc)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: insert run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run apitypes.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, document = ? WHERE run_id = ?`, string(run.Status), doc, run.RunID)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: update run %s: %w", run.RunID, err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetRun(ctx context.Context, runID string) (apitypes.Run, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE run_id = ?`, runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return apitypes.Run{}, statestore.ErrNotFound
	}
	if err != nil {
		return apitypes.Run{}, fmt.Errorf("statestore/sqlite: get run %s: %w", runID, err)
	}
	var run apitypes.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return apitypes.Run{}, fmt.Errorf("statestore/sqlite: decode run %s: %w", runID, err)
	}
	return run, nil
}

func (s *Store) ListRunsByStatus(ctx context.Context, status apitypes.RunStatus) ([]apitypes.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM runs WHERE status = ? ORDER BY run_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: list runs by status: %w", err)
	}
	defer rows.Close()

	var out []apitypes.Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: scan run: %w", err)
		}
		var run apitypes.Run
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) InsertTask(ctx context.Context, task apitypes.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (task_id, run_id, state, document) VALUES (?, ?, ?, ?)`, task.TaskID, task.RunID, string(task.State), doc)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: insert task %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task apitypes.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal task: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET state = ?, document = ? WHERE task_id = ?`, string(task.State), doc, task.TaskID)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: update task %s: %w", task.TaskID, err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetTask(ctx context.Context, taskID string) (apitypes.Task, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM tasks WHERE task_id = ?`, taskID).Scan(&doc)
	if err == sql.ErrNoRows {
		return apitypes.Task{}, statestore.ErrNotFound
	}
	if err != nil {
		return apitypes.Task{}, fmt.Errorf("statestore/sqlite: get task %s: %w", taskID, err)
	}
	var task apitypes.Task
	if err := json.Unmarshal([]byte(doc), &task); err != nil {
		return apitypes.Task{}, fmt.Errorf("statestore/sqlite: decode task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *Store) ListTasksByRun(ctx context.Context, runID string) ([]apitypes.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM tasks WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: list tasks by run: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListTasksByState(ctx context.Context, state apitypes.TaskState) ([]apitypes.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM tasks WHERE state = ? ORDER BY task_id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: list tasks by state: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]apitypes.Task, error) {
	var out []apitypes.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: scan task: %w", err)
		}
		var task apitypes.Task
		if err := json.Unmarshal([]byte(doc), &task); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: decode task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) InsertPatch(ctx context.Context, patch apitypes.Patch) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal patch: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO patches (patch_id, task_id, state, document) VALUES (?, ?, ?, ?)`, patch.PatchID, patch.TaskID, string(patch.State), doc)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: insert patch %s: %w", patch.PatchID, err)
	}
	return nil
}

func (s *Store) UpdatePatch(ctx context.Context, patch apitypes.Patch) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE patches SET state = ?, document = ? WHERE patch_id = ?`, string(patch.State), doc, patch.PatchID)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: update patch %s: %w", patch.PatchID, err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetPatch(ctx context.Context, patchID string) (apitypes.Patch, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM patches WHERE patch_id = ?`, patchID).Scan(&doc)
	if err == sql.ErrNoRows {
		return apitypes.Patch{}, statestore.ErrNotFound
	}
	if err != nil {
		return apitypes.Patch{}, fmt.Errorf("statestore/sqlite: get patch %s: %w", patchID, err)
	}
	var patch apitypes.Patch
	if err := json.Unmarshal([]byte(doc), &patch); err != nil {
		return apitypes.Patch{}, fmt.Errorf("statestore/sqlite: decode patch %s: %w", patchID, err)
	}
	return patch, nil
}

func (s *Store) ListPatchesByTask(ctx context.Context, taskID string) ([]apitypes.Patch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM patches WHERE task_id = ? ORDER BY patch_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("statestore/sqlite: list patches by task: %w", err)
	}
	defer rows.Close()

	var out []apitypes.Patch
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: scan patch: %w", err)
		}
		var patch apitypes.Patch
		if err := json.Unmarshal([]byte(doc), &patch); err != nil {
			return nil, fmt.Errorf("statestore/sqlite: decode patch: %w", err)
		}
		out = append(out, patch)
	}
	return out, rows.Err()
}

func (s *Store) InsertSession(ctx context.Context, session apitypes.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (session_id, state, document) VALUES (?, ?, ?)`, session.SessionID, string(session.State), doc)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: insert session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, session apitypes.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: marshal session: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, document = ? WHERE session_id = ?`, string(session.State), doc, session.SessionID)
	if err != nil {
		return fmt.Errorf("statestore/sqlite: update session %s: %w", session.SessionID, err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (apitypes.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE session_id = ?`, sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return apitypes.Session{}, statestore.ErrNotFound
	}
	if err != nil {
		return apitypes.Session{}, fmt.Errorf("statestore/sqlite: get session %s: %w", sessionID, err)
	}
	var session apitypes.Session
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return apitypes.Session{}, fmt.Errorf("statestore/sqlite: decode session %s: %w", sessionID, err)
	}
	return session, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("statestore/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return statestore.ErrNotFound
	}
	return nil
}
