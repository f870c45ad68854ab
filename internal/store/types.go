package store

import "time"

// SessionStatus mirrors the Session status enumeration.
type SessionStatus string

const (
	SessionIdle             SessionStatus = "idle"
	SessionStarting         SessionStatus = "starting"
	SessionRunning          SessionStatus = "running"
	SessionWaitingApproval  SessionStatus = "waiting-approval"
	SessionCompleted        SessionStatus = "completed"
	SessionError            SessionStatus = "error"
	SessionKilled           SessionStatus = "killed"
)

// Terminal reports whether status is one of the terminal states a
// session never leaves.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionError, SessionKilled:
		return true
	default:
		return false
	}
}

// SessionMode is one selectable agent mode, denormalized from the ACP
// session/new response.
type SessionMode struct {
	ModeID string `json:"modeId"`
	Name   string `json:"name"`
}

// ProjectContext optionally associates a session with a project and
// worktree/branch.
type ProjectContext struct {
	ProjectID  string `json:"projectId,omitempty"`
	WorktreeID string `json:"worktreeId,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// SessionMeta is the relational row describing one session. Event data
// itself lives in the per-session JSONL file, not here.
type SessionMeta struct {
	ID              string         `json:"id"`
	ClientID        string         `json:"clientId"`
	Kind            string         `json:"kind"`
	Cwd             string         `json:"cwd"`
	Name            string         `json:"name,omitempty"`
	Status          SessionStatus  `json:"status"`
	AvailableModes  []SessionMode  `json:"availableModes,omitempty"`
	CurrentModeID   string         `json:"currentModeId,omitempty"`
	ProjectContext  ProjectContext `json:"projectContext,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
