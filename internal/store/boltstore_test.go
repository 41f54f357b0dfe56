package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/domain"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func seedRepo(t *testing.T, s *BoltStore, id string) *domain.Repository {
	t.Helper()
	repo := &domain.Repository{ID: id, Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertRepo(repo))
	return repo
}

func TestEventIDsAreMonotoneAcrossSessions(t *testing.T) {
	s := newTestStore(t)
	repo := seedRepo(t, s, "r1")
	sess := &domain.Session{ID: "sess-1", RepoID: repo.ID, Status: domain.SessionStarting, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertSession(sess))

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := s.InsertEventReturningID(&domain.Event{SessionID: sess.ID, Timestamp: time.Now(), Source: domain.SourceRunner, Kind: "x"}, domain.SessionPatch{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1])
	}
}

func TestInsertEventUpdatesSessionAndRepo(t *testing.T) {
	s := newTestStore(t)
	repo := seedRepo(t, s, "r1")
	sess := &domain.Session{ID: "sess-1", RepoID: repo.ID, Status: domain.SessionStarting, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertSession(sess))

	now := time.Now().UTC()
	id, err := s.InsertEventReturningID(&domain.Event{SessionID: sess.ID, Timestamp: now, Source: domain.SourceRunner, Kind: "process.started"}, domain.SessionPatch{})
	require.NoError(t, err)

	updated, err := s.FindSessionByID(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastEventID)
	require.Equal(t, id, *updated.LastEventID)

	updatedRepo, err := s.FindRepoByID(repo.ID)
	require.NoError(t, err)
	require.NotNil(t, updatedRepo.LastActivityAt)
}

func TestListEventsBySessionCursorPagination(t *testing.T) {
	s := newTestStore(t)
	repo := seedRepo(t, s, "r1")
	sess := &domain.Session{ID: "sess-1", RepoID: repo.ID, Status: domain.SessionRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertSession(sess))

	var lastID uint64
	for i := 0; i < 10; i++ {
		id, err := s.InsertEventReturningID(&domain.Event{SessionID: sess.ID, Timestamp: time.Now(), Source: domain.SourceRunner, Kind: "tick"}, domain.SessionPatch{})
		require.NoError(t, err)
		lastID = id
	}

	after := lastID - 3
	events, err := s.ListEventsBySession(sess.ID, EventFilter{After: &after, Limit: 100, Order: OrderAsc})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		require.Greater(t, ev.ID, after)
	}
}

func TestDeleteRepoCascades(t *testing.T) {
	s := newTestStore(t)
	repo := seedRepo(t, s, "r1")
	sess := &domain.Session{ID: "sess-1", RepoID: repo.ID, Status: domain.SessionRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.InsertSession(sess))
	_, err := s.InsertEventReturningID(&domain.Event{SessionID: sess.ID, Timestamp: time.Now(), Source: domain.SourceRunner, Kind: "tick"}, domain.SessionPatch{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRepo(repo.ID))

	_, err = s.FindSessionByID(sess.ID)
	require.ErrorIs(t, err, ErrNotFound)

	events, err := s.ListEventsBySession(sess.ID, EventFilter{Limit: 100})
	require.NoError(t, err)
	require.Empty(t, events)
}
