package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/broker"
	"github.com/cuemby/agentctl/internal/containerfacade"
	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/eventlog"
	"github.com/cuemby/agentctl/internal/hostfacade"
	"github.com/cuemby/agentctl/internal/registry"
	"github.com/cuemby/agentctl/internal/scfacade"
	"github.com/cuemby/agentctl/internal/session"
	"github.com/cuemby/agentctl/internal/snapshot"
	"github.com/cuemby/agentctl/internal/store"
)

type fakeTransport struct{ got [][]byte }

func (f *fakeTransport) Send(data []byte) error {
	f.got = append(f.got, append([]byte(nil), data...))
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func newTestRouter(t *testing.T) (*Router, *store.BoltStore, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	b := broker.New()
	reg := registry.New(nil)
	l := eventlog.New(s, b)
	sess := session.New(s, l, reg, scfacade.New(dir), hostfacade.New(""), (*containerfacade.Facade)(nil), "http://127.0.0.1:8080", "agentctl/sandbox:latest")
	snap := snapshot.New(s)
	host := hostfacade.New("")
	sc := scfacade.New(dir)

	return New(s, sess, b, reg, snap, host, sc), s, reg
}

func observerConn(t *testing.T, reg *registry.Registry) *registry.Connection {
	t.Helper()
	connID := reg.Register(&fakeTransport{})
	c, ok := reg.Lookup(connID)
	require.True(t, ok)
	return c
}

func dispatch(t *testing.T, r *Router, conn *registry.Connection, payload any) (envelope.AckPayload, *envelope.ErrorPayload) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return r.Dispatch(conn, envelope.Envelope{Kind: envelope.KindCommand, Payload: raw})
}

func TestDispatchUnknownCommand(t *testing.T) {
	r, _, reg := newTestRouter(t)
	conn := observerConn(t, reg)

	_, errPayload := dispatch(t, r, conn, map[string]string{"type": "bogus.command"})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeUnknownCommand, errPayload.Code)
}

func TestDispatchMalformedPayload(t *testing.T) {
	r, _, reg := newTestRouter(t)
	conn := observerConn(t, reg)

	_, errPayload := r.Dispatch(conn, envelope.Envelope{Kind: envelope.KindCommand, Payload: json.RawMessage(`not json`)})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeInvalidMessage, errPayload.Code)
}

func TestSessionStartMapsRepoNotFound(t *testing.T) {
	r, _, reg := newTestRouter(t)
	conn := observerConn(t, reg)

	_, errPayload := dispatch(t, r, conn, map[string]string{"type": "session.start", "repoId": "missing", "role": "implementer"})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeRepoNotFound, errPayload.Code)
}

func TestSessionStartSucceeds(t *testing.T) {
	r, s, reg := newTestRouter(t)
	conn := observerConn(t, reg)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", DefaultBranch: "main", CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	ack, errPayload := dispatch(t, r, conn, map[string]string{"type": "session.start", "repoId": "r1", "role": "implementer"})
	require.Nil(t, errPayload)
	require.True(t, ack.Success)
}

func TestSessionStopMapsSessionNotFound(t *testing.T) {
	r, _, reg := newTestRouter(t)
	conn := observerConn(t, reg)

	_, errPayload := dispatch(t, r, conn, map[string]string{"type": "session.stop", "sessionId": "missing"})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeSessionNotFound, errPayload.Code)
}

func TestSendMessageMapsNoContainer(t *testing.T) {
	r, s, reg := newTestRouter(t)
	conn := observerConn(t, reg)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: "sess-1", RepoID: "r1", Status: domain.SessionWaiting, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	_, errPayload := dispatch(t, r, conn, map[string]any{"type": "session.send_message", "sessionId": "sess-1", "message": "hi"})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeNoContainer, errPayload.Code)
}

func TestSubscribeRepoListReturnsSnapshotAndRegistersTopic(t *testing.T) {
	r, s, reg := newTestRouter(t)
	conn := observerConn(t, reg)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	ack, errPayload := dispatch(t, r, conn, map[string]string{"type": "subscribe.repo_list"})
	require.Nil(t, errPayload)
	require.True(t, ack.Success)

	_, has := conn.Subscriptions["repo_list"]
	require.True(t, has)
}

func TestUnsubscribeRemovesTopic(t *testing.T) {
	r, _, reg := newTestRouter(t)
	conn := observerConn(t, reg)

	_, errPayload := dispatch(t, r, conn, map[string]string{"type": "subscribe.repo_list"})
	require.Nil(t, errPayload)

	_, errPayload = dispatch(t, r, conn, map[string]string{"type": "unsubscribe", "subscriptionId": "repo_list"})
	require.Nil(t, errPayload)

	_, has := conn.Subscriptions["repo_list"]
	require.False(t, has)
}

func TestSnapshotRequestUnknownTarget(t *testing.T) {
	r, _, reg := newTestRouter(t)
	conn := observerConn(t, reg)

	_, errPayload := dispatch(t, r, conn, map[string]string{"type": "snapshot.request", "target": "bogus"})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeInvalidMessage, errPayload.Code)
}

func TestSnapshotRequestRepos(t *testing.T) {
	r, s, reg := newTestRouter(t)
	conn := observerConn(t, reg)
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	ack, errPayload := dispatch(t, r, conn, map[string]string{"type": "snapshot.request", "target": "repos"})
	require.Nil(t, errPayload)
	require.True(t, ack.Success)
}
