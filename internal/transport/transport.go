// Package transport implements the bidirectional WebSocket transport
// shared by sandboxes and observers: accepting connections, reading
// envelopes, classifying each connection on its first message, and
// routing to event ingest or the command router.
//
// Grounded in the rest of the retrieval pack's WebSocket usage
// (nugget-thane-ai-agent and telnet2-opencode/go-memsh both depend on
// github.com/gorilla/websocket); the teacher itself has no WebSocket
// transport of its own (it speaks gRPC+mTLS for its cluster API), so
// this concern is sourced entirely from the rest of the pack.
package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/ingest"
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/registry"
	"github.com/cuemby/agentctl/internal/router"
	"github.com/cuemby/agentctl/internal/session"
	"github.com/cuemby/agentctl/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Single-tenant, host-local trust per spec.md §1/§9: no
		// end-user authentication layer sits in front of this socket.
		return true
	},
}

// wsConn adapts a *websocket.Conn to the registry.Transport interface,
// serializing writes behind a mutex so concurrently-queued envelopes
// never interleave on the wire (spec.md §5).
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (w *wsConn) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return websocket.ErrCloseSent
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}

// Listener accepts sandbox and observer connections and wires inbound
// envelopes to ingest or the command router.
type Listener struct {
	registry    *registry.Registry
	ingest      *ingest.Ingest
	router      *router.Router
	session     *session.Controller
	supervisor  *supervisor.Supervisor
	broker      unsubscribeAller
}

type unsubscribeAller interface {
	UnsubscribeAll(connID string, topics []string)
}

// New constructs a Listener.
func New(r *registry.Registry, i *ingest.Ingest, rt *router.Router, sess *session.Controller, sup *supervisor.Supervisor, b unsubscribeAller) *Listener {
	return &Listener{registry: r, ingest: i, router: rt, session: sess, supervisor: sup, broker: b}
}

// ServeHTTP upgrades the request to a WebSocket connection and
// services it until it closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("transport").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wc := &wsConn{conn: conn}
	connID := l.registry.Register(wc)
	metrics.ConnectionsTotal.WithLabelValues(string(domain.ClassUndetermined)).Inc()
	logger := log.WithConnection(connID)
	logger.Info().Msg("connection established")

	defer l.cleanup(connID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("connection read loop ended")
			return
		}
		l.handleMessage(connID, raw)
	}
}

func (l *Listener) handleMessage(connID string, raw []byte) {
	c, ok := l.registry.Lookup(connID)
	if !ok {
		return
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		_ = c.SendEnvelope(envelope.KindError, nil, envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: err.Error()})
		return
	}

	l.supervisor.Seen(connID)

	if c.Class == domain.ClassUndetermined {
		if err := l.classify(c, env); err != nil {
			_ = c.SendEnvelope(envelope.KindError, env.SessionID, envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: err.Error()})
			return
		}
	}

	switch env.Kind {
	case envelope.KindEvent:
		ack, errPayload := l.ingest.Handle(c, env)
		_ = ingest.Ack(c, c.SessionID, ack, errPayload)
	case envelope.KindCommand, envelope.KindSubscribe, envelope.KindSnapshot:
		ack, errPayload := l.router.Dispatch(c, env)
		if errPayload != nil {
			_ = c.SendEnvelope(envelope.KindError, env.SessionID, errPayload)
			return
		}
		_ = c.SendEnvelope(envelope.KindAck, env.SessionID, envelope.AckPayload{CommandSeq: env.Seq, Success: ack.Success, Data: ack.Data})
	default:
		_ = c.SendEnvelope(envelope.KindError, env.SessionID, envelope.ErrorPayload{Code: envelope.CodeUnknownKind, Message: "unknown envelope kind: " + string(env.Kind)})
	}
}

func (l *Listener) classify(c *registry.Connection, env envelope.Envelope) error {
	switch env.Kind {
	case envelope.KindEvent:
		if env.SessionID == nil || *env.SessionID == "" {
			return errMissingSessionID
		}
		if err := l.registry.Classify(c.ID, domain.ClassSandbox, *env.SessionID); err != nil {
			return err
		}
		metrics.ConnectionsTotal.WithLabelValues(string(domain.ClassUndetermined)).Dec()
		metrics.ConnectionsTotal.WithLabelValues(string(domain.ClassSandbox)).Inc()
		l.supervisor.Track(c.ID, *env.SessionID)
	default:
		if err := l.registry.Classify(c.ID, domain.ClassObserver, ""); err != nil {
			return err
		}
		metrics.ConnectionsTotal.WithLabelValues(string(domain.ClassUndetermined)).Dec()
		metrics.ConnectionsTotal.WithLabelValues(string(domain.ClassObserver)).Inc()
	}
	return nil
}

var errMissingSessionID = &classifyError{"event envelope classifying a sandbox connection must carry a session id"}

type classifyError struct{ msg string }

func (e *classifyError) Error() string { return e.msg }

func (l *Listener) cleanup(connID string) {
	c, ok := l.registry.Forget(connID)
	if !ok {
		return
	}
	_ = c.Transport.Close()
	metrics.ConnectionsTotal.WithLabelValues(string(c.Class)).Dec()

	topics := make([]string, 0, len(c.Subscriptions))
	for t := range c.Subscriptions {
		topics = append(topics, t)
	}
	l.broker.UnsubscribeAll(connID, topics)

	if c.Class == domain.ClassSandbox && c.SessionID != "" {
		l.supervisor.Untrack(connID)
		l.session.HandleDisconnect(c.SessionID)
	}
	log.WithConnection(connID).Info().Msg("connection closed")
}
