package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestRepoListIncludesDerivedCounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: "sess-1", RepoID: "r1", Status: domain.SessionRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: "sess-2", RepoID: "r1", Status: domain.SessionFinished, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	svc := New(s)
	summaries, err := svc.RepoList()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 2, summaries[0].TotalSessions)
	require.Equal(t, 1, summaries[0].ActiveSessions)
	require.True(t, summaries[0].HasRunning)
}

func TestRepoViewMarksWaitingSessionsAsNeedingInput(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: "sess-1", RepoID: "r1", Status: domain.SessionWaiting, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: "sess-2", RepoID: "r1", Status: domain.SessionRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	svc := New(s)
	summaries, err := svc.RepoView("r1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]SessionSummary{}
	for _, sm := range summaries {
		byID[sm.Session.ID] = sm
	}
	require.True(t, byID["sess-1"].NeedsInput)
	require.False(t, byID["sess-2"].NeedsInput)
}

func seedEvents(t *testing.T, s *store.BoltStore, sessionID string, n int) {
	t.Helper()
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: sessionID, RepoID: "r1", Status: domain.SessionRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	for i := 0; i < n; i++ {
		_, err := s.InsertEventReturningID(&domain.Event{SessionID: sessionID, Timestamp: time.Now(), Source: domain.SourceRunner, Kind: "x"}, domain.SessionPatch{})
		require.NoError(t, err)
	}
}

func TestSessionEventsWithoutCursorReturnsMostRecentInChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	seedEvents(t, s, "sess-1", 5)

	svc := New(s)
	page, err := svc.SessionEvents("sess-1", nil, 3)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.Less(t, page.Events[0].ID, page.Events[1].ID)
	require.Less(t, page.Events[1].ID, page.Events[2].ID)
	require.Equal(t, page.Events[2].ID, *page.Cursor)
}

func TestSessionEventsClampsLimitToMax(t *testing.T) {
	s := newTestStore(t)
	seedEvents(t, s, "sess-1", 3)

	svc := New(s)
	page, err := svc.SessionEvents("sess-1", nil, MaxEventLimit+500)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.False(t, page.HasMore)
}

func TestSessionEventsDefaultsLimitWhenZero(t *testing.T) {
	s := newTestStore(t)
	seedEvents(t, s, "sess-1", 3)

	svc := New(s)
	page, err := svc.SessionEvents("sess-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
}

func TestSessionEventsCursorPaginatesForwardAndReportsHasMore(t *testing.T) {
	s := newTestStore(t)
	seedEvents(t, s, "sess-1", 5)

	svc := New(s)
	// Start from an explicit cursor before the first event: an
	// uncursored request returns the newest events, after which
	// nothing remains to page forward to.
	start := uint64(0)
	first, err := svc.SessionEvents("sess-1", &start, 2)
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	require.NotNil(t, first.Cursor)

	second, err := svc.SessionEvents("sess-1", first.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Events, 2)
	require.True(t, second.HasMore)
	require.Greater(t, second.Events[0].ID, *first.Cursor)

	third, err := svc.SessionEvents("sess-1", second.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, third.Events, 1)
	require.False(t, third.HasMore)
}
