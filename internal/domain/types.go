// Package domain defines the persistent and in-memory entities owned
// by the orchestrator: repositories, sessions, events, connections and
// subscriptions.
package domain

import "time"

// Role configures a session's agent prompt. The core treats both
// roles identically except for enforcing at most one orchestrator
// session per repository.
type Role string

const (
	RoleImplementer Role = "implementer"
	RoleOrchestrator Role = "orchestrator"
)

// SessionStatus is a session's position in its lifecycle state
// machine.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionWaiting  SessionStatus = "waiting"
	SessionFinished SessionStatus = "finished"
	SessionError    SessionStatus = "error"
	SessionStopped  SessionStatus = "stopped"
)

// Terminal reports whether status is one of finished, error, stopped.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionFinished, SessionError, SessionStopped:
		return true
	default:
		return false
	}
}

// EventSource classifies who produced an event.
type EventSource string

const (
	SourceClaude  EventSource = "claude"
	SourceRunner  EventSource = "runner"
	SourceManager EventSource = "manager"
)

// Repository is a reference to a remote source-tree namespace.
type Repository struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	DefaultBranch string   `json:"defaultBranch"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

// Session is a single agent run against a repository.
type Session struct {
	ID            string        `json:"id"`
	RepoID        string        `json:"repoId"`
	Role          Role          `json:"role"`
	Status        SessionStatus `json:"status"`
	Branch        string        `json:"branch"`
	BaseBranch    string        `json:"baseBranch"`
	WorktreePath  *string       `json:"worktreePath,omitempty"`
	SandboxHandle *string       `json:"sandboxHandle,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
	LastEventID   *uint64       `json:"lastEventId,omitempty"`
	HeadRevision  string        `json:"headRevision,omitempty"`
	PullRequestURL string       `json:"pullRequestUrl,omitempty"`
}

// SessionPatch is a sparse set of fields applied to a session by
// update_session_fields. Nil fields are left unchanged.
type SessionPatch struct {
	Status         *SessionStatus
	WorktreePath   *string
	SandboxHandle  *string
	FinishedAt     *time.Time
	LastEventID    *uint64
	HeadRevision   *string
	PullRequestURL *string
}

// Event is an immutable, append-only log entry for a session.
type Event struct {
	ID        uint64          `json:"id"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"ts"`
	Source    EventSource     `json:"source"`
	Kind      string          `json:"kind"`
	Payload   []byte          `json:"payload"`
}

// ConnectionClass is what a connection has been determined to be.
type ConnectionClass string

const (
	ClassUndetermined ConnectionClass = "undetermined"
	ClassSandbox      ConnectionClass = "sandbox"
	ClassObserver     ConnectionClass = "observer"
)
