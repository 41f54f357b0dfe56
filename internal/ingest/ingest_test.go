package ingest

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
	"github.com/cuemby/agentctl/internal/store"
)

type fakeTransport struct{ got [][]byte }

func (f *fakeTransport) Send(data []byte) error {
	f.got = append(f.got, append([]byte(nil), data...))
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func newTestIngest(t *testing.T) (*Ingest, *store.BoltStore, *session.Controller, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	b := broker.New()
	reg := registry.New(nil)
	l := eventlog.New(s, b)
	sess := session.New(s, l, reg, scfacade.New(dir), hostfacade.New(""), (*containerfacade.Facade)(nil), "http://127.0.0.1:8080", "agentctl/sandbox:latest")

	return New(l, sess), s, sess, reg
}

func sandboxConn(t *testing.T, reg *registry.Registry, sessionID string) *registry.Connection {
	t.Helper()
	connID := reg.Register(&fakeTransport{})
	require.NoError(t, reg.Classify(connID, domain.ClassSandbox, sessionID))
	c, ok := reg.Lookup(connID)
	require.True(t, ok)
	return c
}

func seedSession(t *testing.T, s *store.BoltStore, id string) {
	t.Helper()
	require.NoError(t, s.InsertRepo(&domain.Repository{ID: "r1", Owner: "acme", Name: "webapp", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, s.InsertSession(&domain.Session{ID: id, RepoID: "r1", Role: domain.RoleImplementer, Status: domain.SessionStarting, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
}

func TestHandleRejectsUnclassifiedConnection(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")

	connID := reg.Register(&fakeTransport{})
	c, ok := reg.Lookup(connID)
	require.True(t, ok)

	_, errPayload := ing.Handle(c, envelope.Envelope{Payload: json.RawMessage(`{"runnerEvent":{"type":"process.started"}}`)})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeInvalidMessage, errPayload.Code)
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")
	conn := sandboxConn(t, reg, "sess-1")

	_, errPayload := ing.Handle(conn, envelope.Envelope{Payload: json.RawMessage(`not json`)})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeInvalidMessage, errPayload.Code)
}

func TestHandleRejectsEmptyEventBody(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")
	conn := sandboxConn(t, reg, "sess-1")

	_, errPayload := ing.Handle(conn, envelope.Envelope{Payload: json.RawMessage(`{}`)})
	require.NotNil(t, errPayload)
	require.Equal(t, envelope.CodeInvalidMessage, errPayload.Code)
}

func TestHandlePersistsRunnerEventAndAcks(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")
	conn := sandboxConn(t, reg, "sess-1")

	ack, errPayload := ing.Handle(conn, envelope.Envelope{
		SessionID: strPtr("sess-1"),
		Payload:   json.RawMessage(`{"runnerEvent":{"type":"process.started","data":{"pid":123}}}`),
	})
	require.Nil(t, errPayload)
	require.True(t, ack.Success)

	events, err := s.ListEventsBySession("sess-1", store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.SourceRunner, events[0].Source)
	require.Equal(t, "process.started", events[0].Kind)
}

func TestHandleClaudeMessageFallsBackToDefaultKind(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")
	conn := sandboxConn(t, reg, "sess-1")

	_, errPayload := ing.Handle(conn, envelope.Envelope{
		Payload: json.RawMessage(`{"claudeMessage":{"text":"hello"}}`),
	})
	require.Nil(t, errPayload)

	events, err := s.ListEventsBySession("sess-1", store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.SourceClaude, events[0].Source)
	require.Equal(t, domain.FallbackClaudeKind, events[0].Kind)
}

func TestHandleClaudeMessageUsesInnerType(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")
	conn := sandboxConn(t, reg, "sess-1")

	_, errPayload := ing.Handle(conn, envelope.Envelope{
		Payload: json.RawMessage(`{"claudeMessage":{"type":"tool_use","name":"bash"}}`),
	})
	require.Nil(t, errPayload)

	events, err := s.ListEventsBySession("sess-1", store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "tool_use", events[0].Kind)
}

func TestHandleProcessStartedTransitionsSession(t *testing.T) {
	ing, s, _, reg := newTestIngest(t)
	seedSession(t, s, "sess-1")
	conn := sandboxConn(t, reg, "sess-1")

	_, errPayload := ing.Handle(conn, envelope.Envelope{
		Payload: json.RawMessage(`{"runnerEvent":{"type":"process.started"}}`),
	})
	require.Nil(t, errPayload)

	got, err := s.FindSessionByID("sess-1")
	require.NoError(t, err)
	require.Equal(t, domain.SessionRunning, got.Status)
}

func TestAckSendsSuccessEnvelope(t *testing.T) {
	reg := registry.New(nil)
	connID := reg.Register(&fakeTransport{})
	c, _ := reg.Lookup(connID)

	err := Ack(c, "sess-1", envelope.AckPayload{Success: true}, nil)
	require.NoError(t, err)

	ft := c.Transport.(*fakeTransport)
	require.Len(t, ft.got, 1)
	env, err := envelope.Decode(ft.got[0])
	require.NoError(t, err)
	require.Equal(t, envelope.KindAck, env.Kind)
}

func TestAckSendsErrorEnvelopeWhenPresent(t *testing.T) {
	reg := registry.New(nil)
	connID := reg.Register(&fakeTransport{})
	c, _ := reg.Lookup(connID)

	err := Ack(c, "sess-1", envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeIngestFailed, Message: "boom"})
	require.NoError(t, err)

	ft := c.Transport.(*fakeTransport)
	require.Len(t, ft.got, 1)
	env, err := envelope.Decode(ft.got[0])
	require.NoError(t, err)
	require.Equal(t, envelope.KindError, env.Kind)
}

func strPtr(s string) *string { return &s }
