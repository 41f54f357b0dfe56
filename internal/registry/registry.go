// Package registry tracks open bidirectional transports and
// classifies each as a sandbox (owns one session) or an observer
// (browser UI), per spec.md §4.2.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
)

// Transport is the minimal shape the registry needs from a
// connection's underlying transport: a way to send bytes and to
// close it. The concrete websocket transport implements this.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Connection is the in-memory record spec.md §3 names. outSeq is the
// per-emitter sequence counter spec.md §4.1 requires whenever the
// core itself is the one sending envelopes down this connection
// (pings, forwarded commands, acks, errors) — this connection is its
// own emitter, distinct from a topic's emitter sequence.
type Connection struct {
	ID            string
	Transport     Transport
	Class         domain.ConnectionClass
	SessionID     string // bound session id, sandbox connections only
	Subscriptions map[string]struct{}
	outSeq        envelope.SeqCounter
}

// SendEnvelope builds an envelope of kind carrying payload, stamped
// with this connection's own outbound sequence counter, and writes it
// to the underlying transport.
func (c *Connection) SendEnvelope(kind envelope.Kind, sessionID *string, payload any) error {
	env, err := envelope.New(kind, sessionID, c.outSeq.Next(), payload)
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return c.Transport.Send(raw)
}

// Registry is the process-owned connection registry. It is not a
// singleton: the orchestrator constructs one and passes it explicitly
// to every component that needs it, per SPEC_FULL.md §5's note on
// avoiding incidental process-wide singletons.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	// onDisplace is invoked (outside the lock) when a sandbox
	// connection is displaced by a newer one for the same session, so
	// the caller can close the old transport and drive disconnection
	// handling.
	onDisplace func(old *Connection)
}

// New creates an empty registry. onDisplace may be nil.
func New(onDisplace func(old *Connection)) *Registry {
	return &Registry{
		conns:      make(map[string]*Connection),
		onDisplace: onDisplace,
	}
}

// Register adds a new, as yet undetermined connection and returns its
// id.
func (r *Registry) Register(t Transport) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &Connection{
		ID:            id,
		Transport:     t,
		Class:         domain.ClassUndetermined,
		Subscriptions: make(map[string]struct{}),
	}
	r.mu.Unlock()
	return id
}

// Classify assigns a connection's class and, for sandboxes, its bound
// session id. Reclassification once set is rejected. A second sandbox
// connection for a session displaces the first.
func (r *Registry) Classify(connID string, class domain.ConnectionClass, sessionID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown connection %s", connID)
	}
	if conn.Class != domain.ClassUndetermined {
		r.mu.Unlock()
		return fmt.Errorf("registry: connection %s already classified as %s", connID, conn.Class)
	}

	var displaced *Connection
	if class == domain.ClassSandbox {
		for _, other := range r.conns {
			if other.Class == domain.ClassSandbox && other.SessionID == sessionID && other.ID != connID {
				displaced = other
				delete(r.conns, other.ID)
				break
			}
		}
	}

	conn.Class = class
	conn.SessionID = sessionID
	r.mu.Unlock()

	if displaced != nil && r.onDisplace != nil {
		r.onDisplace(displaced)
	}
	return nil
}

// Lookup returns the connection for id, if any.
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// SandboxFor returns the sandbox connection bound to sessionID, if
// one is currently registered.
func (r *Registry) SandboxFor(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.Class == domain.ClassSandbox && c.SessionID == sessionID {
			return c, true
		}
	}
	return nil, false
}

// Forget removes a connection from the registry, returning it if it
// was present so the caller can complete cleanup (e.g. unsubscribe
// from the broker).
func (r *Registry) Forget(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	return conn, true
}

// AddSubscription records topic against connID's subscription set.
func (r *Registry) AddSubscription(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		conn.Subscriptions[topic] = struct{}{}
	}
}

// RemoveSubscription drops topic from connID's subscription set.
func (r *Registry) RemoveSubscription(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		delete(conn.Subscriptions, topic)
	}
}
