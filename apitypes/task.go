package apitypes

// TaskKind classifies the nature of a unit of executable work.
type TaskKind string

const (
	TaskKindAnalysis       TaskKind = "analysis"
	TaskKindImplementation TaskKind = "implementation"
	TaskKindTest           TaskKind = "test"
	TaskKindRefactor       TaskKind = "refactor"
	TaskKindOther          TaskKind = "other"
)

// TaskState is the mutable execution state of a Task. A task is Ready iff
// all of its declared dependencies are Succeeded; a task in Blocked is
// never executed and is terminal for the run.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskBlocked   TaskState = "blocked"
	TaskSkipped   TaskState = "skipped"
)

// Terminal reports whether the state can never transition further.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskBlocked, TaskSkipped:
		return true
	default:
		return false
	}
}

// TaskMetadata carries the fields the router and pattern registry need to
// resolve a tool and enforce guardrails for a task, taken verbatim from the
// execution plan's task.metadata object.
type TaskMetadata struct {
	PatternID     string         `json:"pattern_id"`
	OperationKind string         `json:"operation_kind"`
	FileScope     []string       `json:"file_scope"`
	RoutingHints  map[string]any `json:"routing_hints,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Task is a unit of executable work routed to a tool.
type Task struct {
	TaskID       string       `json:"task_id"`
	RunID        string       `json:"run_id"`
	WorkstreamID string       `json:"workstream_id,omitempty"`
	Kind         TaskKind     `json:"task_kind"`
	Description  string       `json:"description"`
	DependsOn    []string     `json:"depends_on"`
	Metadata     TaskMetadata `json:"metadata"`
	State        TaskState    `json:"state"`
	Result       *TaskResult  `json:"result,omitempty"`
}

// TaskResult is the standardized outcome recorded once a task leaves
// running, built by the executor from a ToolRunResult plus guardrail
// verdicts.
type TaskResult struct {
	Status              TaskState            `json:"status"`
	Changes             ChangeSummary        `json:"changes"`
	VerificationExit    *int                 `json:"verification_exit_code,omitempty"`
	ExpectedOutputs     []string             `json:"expected_outputs,omitempty"`
	PreViolations       []GuardrailViolation `json:"pre_violations,omitempty"`
	PostViolations      []GuardrailViolation `json:"post_violations,omitempty"`
	HallucinatedSuccess bool                 `json:"hallucinated_success"`
	ToolID              string               `json:"tool_id"`
	DurationMS          int64                `json:"duration_ms"`
}

// ChangeSummary tallies the size of a task's produced changes, checked
// against a pattern's max_changes limits.
type ChangeSummary struct {
	Files []string `json:"files"`
	Lines int      `json:"lines"`
	Hunks int      `json:"hunks"`
}
