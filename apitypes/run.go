// Package apitypes defines the shared contract types passed between the
// orchestrator, scheduler, executor, and their collaborators: runs, phases,
// tasks, workstreams, patterns, patches, sessions, and events. Types here
// carry no behavior beyond small invariant helpers — the state machines that
// mutate them live in their owning packages (runtime/orchestrator,
// runtime/scheduler, runtime/patchledger).
package apitypes

import "time"

// Phase is a named state in a run's top-level state machine.
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseGapAnalysis  Phase = "GAP_ANALYSIS"
	PhasePlanning     Phase = "PLANNING"
	PhaseExecution    Phase = "EXECUTION"
	PhaseSummary      Phase = "SUMMARY"
	PhaseDone         Phase = "DONE"
	PhaseFailed       Phase = "FAILED"
)

// PhaseTransition records a single enter/exit event against a run's phase
// machine, used both for the event ledger and for run_status.phase_transitions.
type PhaseTransition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStatus is the coarse-grained terminal/non-terminal status of a run,
// distinct from Phase (which tracks where in the state machine the run is).
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "DONE"
	RunStatusFailed  RunStatus = "FAILED"
)

// Metrics aggregates run-wide counters, surfaced in RunStatusDocument.
type Metrics struct {
	GapsDiscovered     int `json:"gaps_discovered"`
	WorkstreamsCreated int `json:"workstreams_created"`
	TasksExecuted      int `json:"tasks_executed"`
	TasksFailed        int `json:"tasks_failed"`
}

// Run is the durable record for a single end-to-end pipeline invocation.
// RunID is a monotonically sortable, lexicographically comparable
// identifier (see apitypes.NewRunID). A Run is created at orchestrator
// entry and mutated only by the orchestrator's transition operation; it is
// terminal once Phase is PhaseDone or PhaseFailed.
type Run struct {
	RunID        string            `json:"run_id"`
	RepoRoot     string            `json:"repo_root"`
	ConfigDigest string            `json:"config_digest"`
	Phase        Phase             `json:"phase"`
	Status       RunStatus         `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Transitions  []PhaseTransition `json:"phase_transitions"`
	Metrics      Metrics           `json:"metrics"`
	FailReason   string            `json:"fail_reason,omitempty"`
}

// Terminal reports whether the run has reached a phase it cannot leave.
func (r Run) Terminal() bool {
	return r.Phase == PhaseDone || r.Phase == PhaseFailed
}

// RunStatusDocument is the final aggregated view written atomically to
// acms.runs.status once, after the run's final transition out of SUMMARY
// into DONE or FAILED. A run that ends earlier with a plan-intake or
// infrastructure error gets no document.
type RunStatusDocument struct {
	RunID            string            `json:"run_id"`
	RepoRoot         string            `json:"repo_root"`
	FinalStatus      RunStatus         `json:"final_status"`
	PhaseTransitions []PhaseTransition `json:"phase_transitions"`
	Metrics          Metrics           `json:"metrics"`
	Artifacts        map[string]string `json:"artifacts"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
}
