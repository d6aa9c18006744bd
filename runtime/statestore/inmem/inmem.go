// Package inmem provides an in-memory implementation of statestore.Store for
// unit tests and local/dev runs. Records are held in maps keyed by id, with
// no persistence across process restarts. Use features/statestore/sqlite
// for a durable backend.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/statestore"
)

// Store implements statestore.Store in memory. All operations are
// thread-safe via sync.RWMutex.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]apitypes.Run
	tasks    map[string]apitypes.Task
	patches  map[string]apitypes.Patch
	sessions map[string]apitypes.Session
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:     make(map[string]apitypes.Run),
		tasks:    make(map[string]apitypes.Task),
		patches:  make(map[string]apitypes.Patch),
		sessions: make(map[string]apitypes.Session),
	}
}

func (s *Store) InsertRun(_ context.Context, run apitypes.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *Store) UpdateRun(_ context.Context, run apitypes.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; !ok {
		return statestore.ErrNotFound
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *Store) GetRun(_ context.Context, runID string) (apitypes.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return apitypes.Run{}, statestore.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRunsByStatus(_ context.Context, status apitypes.RunStatus) ([]apitypes.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []apitypes.Run
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (s *Store) InsertTask(_ context.Context, task apitypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task
	return nil
}

func (s *Store) UpdateTask(_ context.Context, task apitypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; !ok {
		return statestore.ErrNotFound
	}
	s.tasks[task.TaskID] = task
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (apitypes.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return apitypes.Task{}, statestore.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTasksByRun(_ context.Context, runID string) ([]apitypes.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []apitypes.Task
	for _, t := range s.tasks {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *Store) ListTasksByState(_ context.Context, state apitypes.TaskState) ([]apitypes.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []apitypes.Task
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *Store) InsertPatch(_ context.Context, patch apitypes.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches[patch.PatchID] = patch
	return nil
}

func (s *Store) UpdatePatch(_ context.Context, patch apitypes.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patches[patch.PatchID]; !ok {
		return statestore.ErrNotFound
	}
	s.patches[patch.PatchID] = patch
	return nil
}

func (s *Store) GetPatch(_ context.Context, patchID string) (apitypes.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patches[patchID]
	if !ok {
		return apitypes.Patch{}, statestore.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPatchesByTask(_ context.Context, taskID string) ([]apitypes.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []apitypes.Patch
	for _, p := range s.patches {
		if p.TaskID == taskID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatchID < out[j].PatchID })
	return out, nil
}

func (s *Store) InsertSession(_ context.Context, session apitypes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

func (s *Store) UpdateSession(_ context.Context, session apitypes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; !ok {
		return statestore.ErrNotFound
	}
	s.sessions[session.SessionID] = session
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (apitypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return apitypes.Session{}, statestore.ErrNotFound
	}
	return sess, nil
}

// Close is a no-op; the in-memory store holds no external resources.
func (s *Store) Close() error { return nil }
