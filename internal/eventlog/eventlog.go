// Package eventlog is the shared primitive behind event ingest & the
// session controller's synthetic events: append one event to the
// durable store (with its atomic session/repo metadata update) and
// fan the canonical stored representation out to the session and
// repo topics, per spec.md §4.4 steps 3-5 and their post-commit
// broadcast.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/agentctl/internal/broker"
	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/store"
)

// Log appends events and publishes them, holding the store and broker
// every other component touching events needs.
type Log struct {
	store store.Store
	broker *broker.Broker
}

// New constructs a Log.
func New(s store.Store, b *broker.Broker) *Log {
	return &Log{store: s, broker: b}
}

// StoredEventPayload is the wire shape of a stored event, per
// spec.md §6: "the stored event {id, ts, source, type, payload}
// wrapped in the session envelope."
type StoredEventPayload struct {
	ID      uint64          `json:"id"`
	TS      time.Time       `json:"ts"`
	Source  domain.EventSource `json:"source"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Append persists ev (assigning its id and applying sessionPatch to
// the owning session plus touching the owning repo's last-activity
// timestamp, all in one durable-store transaction), then publishes
// the canonical stored representation to session:<sid> and
// repo:<rid>. Returns the assigned event id.
func (l *Log) Append(ev *domain.Event, sessionPatch domain.SessionPatch) (uint64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	id, err := l.store.InsertEventReturningID(ev, sessionPatch)
	if err != nil {
		return 0, fmt.Errorf("ingest failed: %w", err)
	}

	sess, err := l.store.FindSessionByID(ev.SessionID)
	if err != nil {
		// The event is already durably committed; a lookup failure
		// here only affects the broadcast, not persistence.
		return id, nil
	}

	sid := ev.SessionID
	payload := StoredEventPayload{ID: id, TS: ev.Timestamp, Source: ev.Source, Type: ev.Kind, Payload: ev.Payload}
	_ = l.broker.Publish("session:"+sid, envelope.KindEvent, &sid, payload)
	_ = l.broker.Publish("repo:"+sess.RepoID, envelope.KindEvent, &sid, payload)

	return id, nil
}
