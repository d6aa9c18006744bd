// Package scheduler maintains a directed acyclic graph of tasks and exposes
// the operations the executor and orchestrator drive a run with: readiness
// promotion, parallel batch dispatch, and a full topological ordering for
// dry-runs and plan validation.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/acms-dev/acms/apitypes"
)

type node struct {
	task        apitypes.Task
	state       apitypes.TaskState
	dependsOn   []string
	reverseDeps []string // tasks that depend on this one
}

// Scheduler is a dependency-DAG task manager keyed by task id, with an
// inverse-adjacency index for O(1) "who depends on me" queries. It is safe
// for concurrent use by multiple executor workers.
type Scheduler struct {
	mu    sync.Mutex
	order []string // insertion order, for FIFO tie-breaking parity with lexicographic task ids
	nodes map[string]*node
}

// ErrCycle is returned by New when the task graph contains a cycle.
type ErrCycle struct {
	Cycle []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("scheduler: dependency cycle detected: %v", e.Cycle)
}

// ErrMissingDependency is returned by New when a task declares a dependency
// on an id that doesn't exist in the plan.
type ErrMissingDependency struct {
	TaskID       string
	MissingDepID string
}

func (e *ErrMissingDependency) Error() string {
	return fmt.Sprintf("scheduler: task %q depends on missing task %q", e.TaskID, e.MissingDepID)
}

// New builds a Scheduler from the given tasks. It detects missing
// dependency ids and cycles at construction time (intake-time validation,
// never at runtime) and returns a structured error for either.
func New(tasks []apitypes.Task) (*Scheduler, error) {
	nodes := make(map[string]*node, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		nodes[t.TaskID] = &node{task: t, state: apitypes.TaskPending, dependsOn: append([]string{}, t.DependsOn...)}
		order = append(order, t.TaskID)
	}

	for id, n := range nodes {
		for _, dep := range n.dependsOn {
			depNode, ok := nodes[dep]
			if !ok {
				return nil, &ErrMissingDependency{TaskID: id, MissingDepID: dep}
			}
			depNode.reverseDeps = append(depNode.reverseDeps, id)
		}
	}

	if cycle := detectCycle(nodes); cycle != nil {
		return nil, &ErrCycle{Cycle: cycle}
	}

	s := &Scheduler{nodes: nodes, order: order}
	s.promoteReadyLocked()
	return s, nil
}

func detectCycle(nodes map[string]*node) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range nodes[id].dependsOn {
			switch color[dep] {
			case gray:
				// found the back-edge; trim path to the cycle itself
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
				return []string{dep}
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := sortedKeys(nodes)
	for _, id := range ids {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func sortedKeys(nodes map[string]*node) []string {
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// promoteReadyLocked scans every pending task and promotes it to ready if
// all its dependencies are already succeeded. Called once at construction
// to seed tasks with no dependencies.
func (s *Scheduler) promoteReadyLocked() {
	for _, id := range s.order {
		n := s.nodes[id]
		if n.state != apitypes.TaskPending {
			continue
		}
		if s.depsSatisfiedLocked(n) {
			n.state = apitypes.TaskReady
		}
	}
}

func (s *Scheduler) depsSatisfiedLocked(n *node) bool {
	for _, dep := range n.dependsOn {
		if s.nodes[dep].state != apitypes.TaskSucceeded {
			return false
		}
	}
	return true
}

// MarkTask updates a task's state. When transitioning to Succeeded, it
// scans only reverse_deps[id] — not the full task set — and promotes any
// newly-satisfied dependent to Ready.
func (s *Scheduler) MarkTask(id string, newState apitypes.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	n.state = newState

	if newState == apitypes.TaskSucceeded {
		for _, dependentID := range n.reverseDeps {
			dependent := s.nodes[dependentID]
			if dependent.state == apitypes.TaskPending && s.depsSatisfiedLocked(dependent) {
				dependent.state = apitypes.TaskReady
			}
		}
	}
	return nil
}

// TaskState returns the current state of a task.
func (s *Scheduler) TaskState(id string) (apitypes.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.state, true
}

// ReadyTasks returns every task currently in the Ready state, in
// lexicographic task-id order.
func (s *Scheduler) ReadyTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Scheduler) readyLocked() []string {
	var ready []string
	for _, id := range s.order {
		if s.nodes[id].state == apitypes.TaskReady {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// ParallelBatches computes the next batch of ready tasks, capped at
// maxParallel, honoring lexicographic order among equally-ready tasks so
// identical plans yield identical schedules. Calling it repeatedly with no
// intervening state change returns the same batch — it does not mutate
// state itself; callers transition tasks (typically to Running) via
// MarkTask once they've committed to dispatching a batch.
func (s *Scheduler) ParallelBatches(maxParallel int) []string {
	ready := s.ReadyTasks()
	if maxParallel <= 0 || maxParallel >= len(ready) {
		return ready
	}
	return ready[:maxParallel]
}

// ExecutionOrder returns the full topological sort of the task graph
// (Kahn's algorithm), used for dry-runs and plan validation. It does not
// consult runtime task state.
func (s *Scheduler) ExecutionOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	inDegree := make(map[string]int, len(s.nodes))
	for id, n := range s.nodes {
		inDegree[id] = len(n.dependsOn)
	}

	var queue []string
	for _, id := range s.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, dependentID := range s.nodes[id].reverseDeps {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				queue = append(queue, dependentID)
			}
		}
	}
	return result
}

// IsComplete reports whether every task has reached a terminal state.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if !n.state.Terminal() {
			return false
		}
	}
	return true
}

// Tasks returns a snapshot copy of every task's current state, keyed by id.
func (s *Scheduler) Tasks() map[string]apitypes.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]apitypes.TaskState, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n.state
	}
	return out
}
