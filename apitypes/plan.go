package apitypes

// ExecutionPlan is the validated input document handed to the orchestrator:
// a task DAG with tool bindings and pattern tags. It is produced by an
// external collaborator (gap discovery + clustering) and is opaque to the
// core beyond structural validation.
type ExecutionPlan struct {
	PlanID   string         `json:"plan_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tasks    []PlanTask     `json:"tasks"`
}

// PlanTask is one entry in an ExecutionPlan's tasks array, prior to being
// lifted into a runtime Task by the orchestrator.
type PlanTask struct {
	TaskID      string       `json:"task_id"`
	TaskKind    TaskKind     `json:"task_kind"`
	Description string       `json:"description"`
	DependsOn   []string     `json:"depends_on"`
	Metadata    TaskMetadata `json:"metadata"`
}

// RouteStrategy selects how the router picks a tool id for an
// operation_kind.
type RouteStrategy string

const (
	StrategyFixed      RouteStrategy = "fixed"
	StrategyRoundRobin RouteStrategy = "round_robin"
)

// RouteRule binds an operation_kind to a strategy over a candidate tool
// list, per the router configuration document.
type RouteRule struct {
	Strategy RouteStrategy `json:"strategy" yaml:"strategy"`
	Tools    []string      `json:"tools" yaml:"tools"`
}
