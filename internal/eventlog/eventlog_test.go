package eventlog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/broker"
	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/store"
)

type recordingSender struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recordingSender) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, append([]byte(nil), data...))
	return nil
}

func (r *recordingSender) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

func newTestLog(t *testing.T) (*Log, *store.BoltStore, *broker.Broker) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	b := broker.New()
	return New(s, b), s, b
}

func seedSession(t *testing.T, s *store.BoltStore, repoID, sessionID string) {
	t.Helper()
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: repoID, Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: sessionID, RepoID: repoID, Status: domain.SessionRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
}

func TestAppendAssignsMonotoneIDs(t *testing.T) {
	l, s, _ := newTestLog(t)
	seedSession(t, s, "r1", "sess-1")

	first, err := l.Append(&domain.Event{SessionID: "sess-1", Source: domain.SourceRunner, Kind: "process.started"}, domain.SessionPatch{})
	require.NoError(t, err)
	second, err := l.Append(&domain.Event{SessionID: "sess-1", Source: domain.SourceRunner, Kind: "session.idle"}, domain.SessionPatch{})
	require.NoError(t, err)
	require.Greater(t, second, first)
}

func TestAppendStampsTimestampWhenZero(t *testing.T) {
	l, s, _ := newTestLog(t)
	seedSession(t, s, "r1", "sess-1")

	ev := &domain.Event{SessionID: "sess-1", Source: domain.SourceRunner, Kind: "process.started"}
	_, err := l.Append(ev, domain.SessionPatch{})
	require.NoError(t, err)
	require.False(t, ev.Timestamp.IsZero())
}

func TestAppendPublishesToSessionAndRepoTopics(t *testing.T) {
	l, s, b := newTestLog(t)
	seedSession(t, s, "r1", "sess-1")

	sessionSub := &recordingSender{}
	repoSub := &recordingSender{}
	b.Subscribe("session:sess-1", "a", sessionSub)
	b.Subscribe("repo:r1", "b", repoSub)

	_, err := l.Append(&domain.Event{SessionID: "sess-1", Source: domain.SourceClaude, Kind: "claude.message", Payload: []byte(`{"text":"hi"}`)}, domain.SessionPatch{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sessionSub.snapshot()) == 1 && len(repoSub.snapshot()) == 1
	}, time.Second, time.Millisecond)

	env, err := envelope.Decode(sessionSub.snapshot()[0])
	require.NoError(t, err)
	require.Equal(t, envelope.KindEvent, env.Kind)
	require.NotNil(t, env.SessionID)
	require.Equal(t, "sess-1", *env.SessionID)
}

func TestAppendFailsWhenOwningSessionDoesNotExist(t *testing.T) {
	l, s, _ := newTestLog(t)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	_, err := l.Append(&domain.Event{SessionID: "ghost-session", Source: domain.SourceManager, Kind: "manager.session.started"}, domain.SessionPatch{})
	require.Error(t, err)
}

func TestAppendUpdatesSessionLastEventID(t *testing.T) {
	l, s, _ := newTestLog(t)
	seedSession(t, s, "r1", "sess-1")

	id, err := l.Append(&domain.Event{SessionID: "sess-1", Source: domain.SourceRunner, Kind: "process.started"}, domain.SessionPatch{})
	require.NoError(t, err)

	sess, err := s.FindSessionByID("sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.LastEventID)
	require.Equal(t, id, *sess.LastEventID)
}
