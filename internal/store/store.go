// Package store defines the durable store contract the orchestrator
// needs (spec.md §6): repositories, sessions, and an append-only
// event log with monotone identifiers, plus the atomic
// ingest-plus-metadata-update operation event ingest relies on.
package store

import (
	"errors"

	"github.com/cuemby/agentctl/internal/domain"
)

// ErrNotFound is returned by single-entity lookups that miss.
var ErrNotFound = errors.New("store: not found")

// EventFilter narrows list_events_by_session (spec.md §6).
type EventFilter struct {
	After  *uint64
	Before *uint64
	Limit  int
	Order  Order
	Source *domain.EventSource
	Kind   *string
}

// Order is chronological direction.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// RepoCounts are the derived per-repository counts the snapshot
// service's repo-list payload needs (spec.md §4.7).
type RepoCounts struct {
	TotalSessions  int
	ActiveSessions int
	HasRunning     bool
	HasWaiting     bool
	HasError       bool
}

// Store is the durable store contract. The core is its sole writer.
type Store interface {
	InsertRepo(repo *domain.Repository) error
	FindRepoByOwnerName(owner, name string) (*domain.Repository, error)
	FindRepoByID(id string) (*domain.Repository, error)
	ListReposOrdered() ([]*domain.Repository, error)
	DeleteRepo(id string) error

	InsertSession(session *domain.Session) error
	UpdateSessionFields(id string, patch domain.SessionPatch) error
	FindSessionByID(id string) (*domain.Session, error)
	ListSessionsByRepo(repoID string) ([]*domain.Session, error)
	ListNonTerminalSessions() ([]*domain.Session, error)

	// InsertEventReturningID appends ev, assigns it the store-global
	// monotone identifier, and atomically applies sessionPatch and a
	// repo last-activity touch in the same transaction (spec.md §4.4
	// steps 3-5; this is the "atomic operation combining event insert
	// with two metadata updates" spec.md §6 requires).
	InsertEventReturningID(ev *domain.Event, sessionPatch domain.SessionPatch) (uint64, error)
	ListEventsBySession(sessionID string, filter EventFilter) ([]*domain.Event, error)

	RepoCounts(repoID string) (RepoCounts, error)

	Close() error
}
