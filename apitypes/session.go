package apitypes

import "time"

// SessionState is the lifecycle state of a long-lived AI-agent handle.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// Session is an optional long-lived agent handle that, when present,
// integrates with the patch ledger (PatchID -> SessionID) but is never
// required by the core.
type Session struct {
	SessionID     string         `json:"session_id"`
	ProjectID     string         `json:"project_id"`
	AgentKind     string         `json:"agent_kind"`
	WorkspacePath string         `json:"workspace_path"`
	State         SessionState   `json:"state"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
