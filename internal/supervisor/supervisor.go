// Package supervisor implements the health half of the idle/health
// supervisor (spec.md §4.8): tracking the per-connection heartbeat
// expectation and closing a sandbox connection after two consecutive
// missed heartbeats. It keeps no per-session idle timer; the sandbox
// itself emits session.idle, and the session controller acts on it.
//
// Grounded on the teacher's pkg/worker/health_monitor.go almost
// directly: a ticker-driven monitorLoop plus a per-entity
// goroutine+context.CancelFunc map, applied here to sandbox
// connections instead of containers.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/registry"
)

const maxMissedHeartbeats = 2

// Supervisor tracks per-connection heartbeat activity for sandbox
// connections.
type Supervisor struct {
	registry *registry.Registry
	interval time.Duration
	onClose  func(connID, sessionID string)

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	missed    map[string]int
	cancelFns map[string]context.CancelFunc
}

// New constructs a Supervisor. interval is the heartbeat expectation
// (spec.md §6's heartbeatIntervalMs); onClose is invoked when a
// connection is closed after two consecutive unreplied pings, so the
// caller can drive the disconnection path (spec.md §4.5).
func New(r *registry.Registry, interval time.Duration, onClose func(connID, sessionID string)) *Supervisor {
	return &Supervisor{
		registry:  r,
		interval:  interval,
		onClose:   onClose,
		lastSeen:  make(map[string]time.Time),
		missed:    make(map[string]int),
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// Track begins heartbeat supervision of a sandbox connection.
func (s *Supervisor) Track(connID, sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.lastSeen[connID] = time.Now()
	s.missed[connID] = 0
	s.cancelFns[connID] = cancel
	s.mu.Unlock()

	go s.loop(ctx, connID, sessionID)
}

// Untrack stops heartbeat supervision of connID, e.g. once it has
// been forgotten via the normal disconnection path.
func (s *Supervisor) Untrack(connID string) {
	s.mu.Lock()
	cancel, ok := s.cancelFns[connID]
	delete(s.cancelFns, connID)
	delete(s.lastSeen, connID)
	delete(s.missed, connID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Seen resets a connection's heartbeat clock: any inbound envelope,
// not just a pong, counts as liveness (spec.md §4.8).
func (s *Supervisor) Seen(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lastSeen[connID]; ok {
		s.lastSeen[connID] = time.Now()
		s.missed[connID] = 0
	}
}

func (s *Supervisor) loop(ctx context.Context, connID, sessionID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.checkAndPing(connID, sessionID) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// checkAndPing pings connID if it has been quiet for a full
// interval; once maxMissedHeartbeats consecutive pings have gone
// unreplied it closes the connection and reports true to stop
// supervision.
func (s *Supervisor) checkAndPing(connID, sessionID string) bool {
	conn, ok := s.registry.Lookup(connID)
	if !ok {
		return true
	}

	s.mu.Lock()
	quiet := time.Since(s.lastSeen[connID]) >= s.interval
	if quiet {
		s.missed[connID]++
	}
	// missed counts consecutive quiet ticks. The first
	// maxMissedHeartbeats quiet ticks each send a ping; the next quiet
	// tick closes, so exactly maxMissedHeartbeats pings go unreplied
	// before the connection is dropped.
	tooManyMissed := s.missed[connID] > maxMissedHeartbeats
	s.mu.Unlock()

	if tooManyMissed {
		log.WithComponent("supervisor").Warn().Str("connection_id", connID).Str("session_id", sessionID).Msg("closing sandbox connection after missed heartbeats")
		_ = conn.Transport.Close()
		s.Untrack(connID)
		if s.onClose != nil {
			s.onClose(connID, sessionID)
		}
		return true
	}

	if quiet {
		_ = conn.SendEnvelope(envelope.KindAck, nil, envelope.AckPayload{Success: true, Data: "ping"})
	}
	return false
}
