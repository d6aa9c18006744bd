// Package worktree creates, tracks, and tears down isolated git worktrees
// so parallel tasks never write into the same working directory. A
// worktree is scoped to a single task at a time: callers acquire one
// before dispatching a task and release it — cleanly on success, archived
// on failure — when the task finishes.
package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/pathregistry"
	"github.com/acms-dev/acms/telemetry"
)

// Worktree is a single checked-out, isolated working directory bound to
// one run and one step.
type Worktree struct {
	RunID  string
	StepID string
	Path   string
	Branch string
}

// Manager creates and tears down git worktrees rooted under the run's
// path-registry-resolved worktree directory. When Disabled, Acquire
// returns the repo root itself for every call and Release is a no-op —
// tasks then run directly against the shared tree, relying on scheduler
// ordering alone to prevent interleaving.
type Manager struct {
	repoRoot string
	paths    *pathregistry.Registry
	logger   telemetry.Logger
	disabled bool

	mu     sync.Mutex
	active map[string]*Worktree // keyed by path, to enforce exclusivity

	// archiveWatcher notices when something outside this process removes an
	// archived (failed-task) worktree — a retention cronjob, an operator
	// cleaning disk by hand — so the event lands in the logs instead of
	// silently vanishing. Nil when disabled or when the watcher itself
	// couldn't be constructed.
	archiveWatcher      *fsnotify.Watcher
	watchMu             sync.Mutex
	watchedArchiveRoots map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDisabled disables worktree isolation entirely; Acquire then always
// hands back the repo root.
func WithDisabled(disabled bool) Option {
	return func(m *Manager) { m.disabled = disabled }
}

// New builds a Manager rooted at repoRoot, resolving worktree and archive
// directories through paths.
func New(repoRoot string, paths *pathregistry.Registry, opts ...Option) *Manager {
	m := &Manager{
		repoRoot:            repoRoot,
		paths:               paths,
		logger:              telemetry.NoopLogger{},
		active:              make(map[string]*Worktree),
		watchedArchiveRoots: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.disabled {
		if w, err := fsnotify.NewWatcher(); err == nil {
			m.archiveWatcher = w
			go m.watchArchiveEvents()
		} else {
			m.logger.Warn(context.Background(), "worktree: archive watcher unavailable", "error", err)
		}
	}
	return m
}

// watchArchiveEvents drains the archive watcher until it is closed, logging
// every externally-triggered removal under a watched archive root.
func (m *Manager) watchArchiveEvents() {
	for {
		select {
		case event, ok := <-m.archiveWatcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove != 0 {
				m.logger.Info(context.Background(), "worktree: archived worktree removed externally", "path", event.Name)
			}
		case err, ok := <-m.archiveWatcher.Errors:
			if !ok {
				return
			}
			m.logger.Error(context.Background(), "worktree: archive watcher error", "error", err)
		}
	}
}

// watchArchiveRoot begins watching a run's archive directory for external
// deletions, idempotently: repeated calls for the same root are no-ops.
func (m *Manager) watchArchiveRoot(archiveRoot string) {
	if m.archiveWatcher == nil {
		return
	}
	m.watchMu.Lock()
	already := m.watchedArchiveRoots[archiveRoot]
	m.watchedArchiveRoots[archiveRoot] = true
	m.watchMu.Unlock()
	if already {
		return
	}
	if err := m.archiveWatcher.Add(archiveRoot); err != nil {
		m.logger.Warn(context.Background(), "worktree: failed to watch archive root", "path", archiveRoot, "error", err)
	}
}

// Close stops the archive watcher, if one is running. Safe to call on a
// disabled manager or one whose watcher failed to construct.
func (m *Manager) Close() error {
	if m.archiveWatcher == nil {
		return nil
	}
	return m.archiveWatcher.Close()
}

// ErrDisabled indicates a Manager built with WithDisabled(true) has no
// isolated tree to diff against; callers fall back to the task's declared
// file scope in that case.
var ErrDisabled = errors.New("worktree: diffing unavailable, worktree isolation disabled")

// Diff reports the files, added+removed line count, and hunk count of
// uncommitted change currently sitting in wt's working tree, relative to
// the commit it branched from — the ground truth behind a task's
// TaskResult.Changes.
func (m *Manager) Diff(ctx context.Context, wt *Worktree) (apitypes.ChangeSummary, error) {
	if m.disabled {
		return apitypes.ChangeSummary{}, ErrDisabled
	}

	// Intent-to-add every untracked path first: plain "git diff" is blind to
	// files a tool created from scratch, since they have no index entry at
	// all. "-N" records the path with no content, which is enough for the
	// diffs below to report it as a pure addition.
	addCmd := exec.CommandContext(ctx, "git", "add", "-A", "-N", ".")
	addCmd.Dir = wt.Path
	if out, err := addCmd.CombinedOutput(); err != nil {
		return apitypes.ChangeSummary{}, fmt.Errorf("worktree: git add -N: %w: %s", err, out)
	}

	numstat := exec.CommandContext(ctx, "git", "diff", "--numstat", "HEAD")
	numstat.Dir = wt.Path
	out, err := numstat.Output()
	if err != nil {
		return apitypes.ChangeSummary{}, fmt.Errorf("worktree: git diff --numstat: %w", err)
	}

	var summary apitypes.ChangeSummary
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		summary.Files = append(summary.Files, fields[2])
		added, addErr := strconv.Atoi(fields[0])
		removed, remErr := strconv.Atoi(fields[1])
		if addErr == nil && remErr == nil {
			summary.Lines += added + removed
		}
	}

	hunks := exec.CommandContext(ctx, "git", "diff", "--unified=0", "HEAD")
	hunks.Dir = wt.Path
	hunkOut, err := hunks.Output()
	if err != nil {
		return summary, fmt.Errorf("worktree: git diff --unified=0: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(hunkOut))
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "@@ ") {
			summary.Hunks++
		}
	}

	return summary, nil
}

// ErrAlreadyCheckedOut indicates the step's worktree path is already in
// use by another, not-yet-released Worktree.
var ErrAlreadyCheckedOut = errors.New("worktree: path already checked out by another task")

// Acquire creates (or reuses, if already created and idle) a git worktree
// for the given run/step pair and returns it. The caller must Release it
// — exactly once — when the task using it finishes.
func (m *Manager) Acquire(ctx context.Context, runID, stepID string) (*Worktree, error) {
	if m.disabled {
		return &Worktree{RunID: runID, StepID: stepID, Path: m.repoRoot}, nil
	}

	path, err := m.paths.EnsureDir("acms.runs.worktrees", map[string]string{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("worktree: resolve worktree root: %w", err)
	}
	wtPath := filepath.Join(path, stepID)

	m.mu.Lock()
	if _, busy := m.active[wtPath]; busy {
		m.mu.Unlock()
		return nil, ErrAlreadyCheckedOut
	}
	wt := &Worktree{RunID: runID, StepID: stepID, Path: wtPath, Branch: fmt.Sprintf("acms/%s/%s-%s", runID, stepID, uuid.NewString()[:8])}
	m.active[wtPath] = wt
	m.mu.Unlock()

	if _, err := os.Stat(wtPath); err == nil {
		// A prior run left this worktree registered with git but the
		// directory already exists on disk (e.g. resumed run); reuse it
		// rather than failing the add.
		m.logger.Info(ctx, "worktree: reusing existing checkout", "path", wtPath)
		return wt, nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", wt.Branch, wtPath, "HEAD")
	cmd.Dir = m.repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		m.mu.Lock()
		delete(m.active, wtPath)
		m.mu.Unlock()
		return nil, fmt.Errorf("worktree: git worktree add failed: %w: %s", err, out)
	}

	m.logger.Info(ctx, "worktree: created", "run_id", runID, "step_id", stepID, "path", wtPath)
	return wt, nil
}

// Release tears down a worktree: removes it cleanly on success, or moves
// it under the archive directory and detaches it from git's bookkeeping
// on failure, leaving the evidence inspectable.
func (m *Manager) Release(ctx context.Context, wt *Worktree, success bool) error {
	if m.disabled {
		return nil
	}

	m.mu.Lock()
	delete(m.active, wt.Path)
	m.mu.Unlock()

	if success {
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", wt.Path)
		cmd.Dir = m.repoRoot
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("worktree: git worktree remove failed: %w: %s", err, out)
		}
		m.logger.Info(ctx, "worktree: removed on success", "path", wt.Path)
		return nil
	}

	archiveRoot, err := m.paths.EnsureDir("acms.runs.worktrees.archive", map[string]string{"run_id": wt.RunID})
	if err != nil {
		return fmt.Errorf("worktree: resolve archive root: %w", err)
	}
	m.watchArchiveRoot(archiveRoot)
	archivePath := filepath.Join(archiveRoot, wt.StepID)

	if err := os.Rename(wt.Path, archivePath); err != nil {
		return fmt.Errorf("worktree: archive %s: %w", wt.Path, err)
	}

	// The rename already moved the directory out from under git; prune
	// reconciles git's worktree list with that fact ("remove" would
	// refuse since the tree is dirty, which is exactly why we're
	// archiving instead of removing).
	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = m.repoRoot
	if out, err := pruneCmd.CombinedOutput(); err != nil {
		m.logger.Error(ctx, "worktree: prune after archive failed", "error", err, "output", string(out))
	}

	m.logger.Info(ctx, "worktree: archived on failure", "path", archivePath)
	return nil
}

// Active reports the worktrees currently checked out, for diagnostics.
func (m *Manager) Active() []*Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worktree, 0, len(m.active))
	for _, wt := range m.active {
		out = append(out, wt)
	}
	return out
}
