// Package snapshot implements the snapshot service (spec.md §4.7):
// consistent point-in-time views of the repository list, a single
// repository's sessions, and a session's event tail, with cursor
// pagination.
package snapshot

import (
	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/store"
)

// MaxEventLimit is the upper bound spec.md §8 requires event
// pagination's limit to clamp to.
const MaxEventLimit = 1000

// DefaultEventLimit is used when a session-events snapshot request
// carries no explicit limit.
const DefaultEventLimit = 100

// RepoSummary is one entry of the repo-list snapshot.
type RepoSummary struct {
	Repo           *domain.Repository `json:"repo"`
	TotalSessions  int                `json:"totalSessions"`
	ActiveSessions int                `json:"activeSessions"`
	HasRunning     bool               `json:"hasRunning"`
	HasWaiting     bool               `json:"hasWaiting"`
	HasError       bool               `json:"hasError"`
}

// SessionSummary is one entry of the repo-view snapshot.
type SessionSummary struct {
	Session    *domain.Session `json:"session"`
	NeedsInput bool            `json:"needsInput"`
}

// EventsPage is the session-events snapshot payload.
type EventsPage struct {
	Events  []*domain.Event `json:"events"`
	Cursor  *uint64         `json:"cursor,omitempty"`
	HasMore bool            `json:"hasMore"`
}

// Service produces the three snapshot payloads spec.md §4.7 names.
type Service struct {
	store store.Store
}

// New constructs a Service.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// RepoList produces the repo-list snapshot: every repository with
// derived counts, ordered by last-activity descending then updated
// descending (the store's ListReposOrdered already applies that
// order).
func (s *Service) RepoList() ([]RepoSummary, error) {
	repos, err := s.store.ListReposOrdered()
	if err != nil {
		return nil, err
	}
	summaries := make([]RepoSummary, 0, len(repos))
	for _, repo := range repos {
		counts, err := s.store.RepoCounts(repo.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, RepoSummary{
			Repo:           repo,
			TotalSessions:  counts.TotalSessions,
			ActiveSessions: counts.ActiveSessions,
			HasRunning:     counts.HasRunning,
			HasWaiting:     counts.HasWaiting,
			HasError:       counts.HasError,
		})
	}
	return summaries, nil
}

// RepoView produces a single repository's sessions, updated
// descending, with each session's needs_input flag derived from its
// status.
func (s *Service) RepoView(repoID string) ([]SessionSummary, error) {
	sessions, err := s.store.ListSessionsByRepo(repoID)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, SessionSummary{
			Session:    sess,
			NeedsInput: sess.Status == domain.SessionWaiting,
		})
	}
	return summaries, nil
}

// SessionEvents produces a session's event tail. With no cursor, it
// returns the most recent limit events in chronological order,
// cursor set to the greatest id returned. With after set, it returns
// events with id > after, chronological, up to limit, with hasMore
// set by over-fetching by one and trimming.
func (s *Service) SessionEvents(sessionID string, after *uint64, limit int) (EventsPage, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	if after == nil {
		events, err := s.store.ListEventsBySession(sessionID, store.EventFilter{
			Order: store.OrderDesc,
			Limit: limit,
		})
		if err != nil {
			return EventsPage{}, err
		}
		reverse(events)
		return pageFrom(events, limit), nil
	}

	events, err := s.store.ListEventsBySession(sessionID, store.EventFilter{
		After: after,
		Order: store.OrderAsc,
		Limit: limit + 1,
	})
	if err != nil {
		return EventsPage{}, err
	}
	return pageFrom(events, limit), nil
}

func pageFrom(events []*domain.Event, limit int) EventsPage {
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	page := EventsPage{Events: events, HasMore: hasMore}
	if len(events) > 0 {
		maxID := events[0].ID
		for _, e := range events {
			if e.ID > maxID {
				maxID = e.ID
			}
		}
		page.Cursor = &maxID
	}
	return page
}

func reverse(events []*domain.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
