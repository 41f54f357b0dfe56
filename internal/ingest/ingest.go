// Package ingest implements event ingest & persistence (spec.md
// §4.4): classifying inbound sandbox events, appending them to the
// durable log via internal/eventlog's shared atomic
// append-plus-metadata-update, acking the sender, and driving the
// session controller's idle/process-started side effects.
package ingest

import (
	"encoding/json"

	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/eventlog"
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/registry"
	"github.com/cuemby/agentctl/internal/session"
)

// Ingest is the event ingest & persistence component.
type Ingest struct {
	eventlog *eventlog.Log
	session  *session.Controller
}

// New constructs an Ingest.
func New(l *eventlog.Log, sess *session.Controller) *Ingest {
	return &Ingest{eventlog: l, session: sess}
}

// inboundEventPayload is the inbound event envelope's payload shape,
// per spec.md §6: either a claude message or a runner event, never
// both.
type inboundEventPayload struct {
	ClaudeMessage json.RawMessage `json:"claudeMessage,omitempty"`
	RunnerEvent   *runnerEvent    `json:"runnerEvent,omitempty"`
}

type runnerEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// claudeMessageType probes an agent message's inner "type" field,
// falling back to domain.FallbackClaudeKind if absent (spec.md §4.4
// step 2).
type claudeMessageType struct {
	Type string `json:"type"`
}

// Handle processes one inbound event envelope from conn, which must
// be classified as a sandbox connection bound to a session. It
// returns the envelope to ack back to the sender, or an error
// envelope on failure (never both).
func (i *Ingest) Handle(conn *registry.Connection, env envelope.Envelope) (ackPayload envelope.AckPayload, errPayload *envelope.ErrorPayload) {
	if conn.SessionID == "" {
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: "event envelope missing bound session id"}
	}

	var payload inboundEventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: "malformed event payload: " + err.Error()}
	}

	var source domain.EventSource
	var kind string
	var body []byte

	switch {
	case payload.RunnerEvent != nil:
		source = domain.SourceRunner
		kind = payload.RunnerEvent.Type
		body = payload.RunnerEvent.Data
		if body == nil {
			body = []byte("{}")
		}
	case len(payload.ClaudeMessage) > 0:
		source = domain.SourceClaude
		var probe claudeMessageType
		if err := json.Unmarshal(payload.ClaudeMessage, &probe); err == nil && probe.Type != "" {
			kind = probe.Type
		} else {
			kind = domain.FallbackClaudeKind
		}
		body = payload.ClaudeMessage
	default:
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: "event payload carries neither claudeMessage nor runnerEvent"}
	}

	timer := metrics.NewTimer()
	id, err := i.eventlog.Append(&domain.Event{
		SessionID: conn.SessionID,
		Source:    source,
		Kind:      kind,
		Payload:   body,
	}, domain.SessionPatch{})
	timer.ObserveDuration(metrics.IngestDuration)
	if err != nil {
		log.WithComponent("ingest").Error().Err(err).Str("session_id", conn.SessionID).Msg("ingest failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeIngestFailed, Message: err.Error()}
	}
	metrics.EventsIngestedTotal.WithLabelValues(string(source)).Inc()

	i.applySideEffects(conn.SessionID, source, kind)

	return envelope.AckPayload{Success: true, Data: map[string]uint64{"eventId": id}}, nil
}

// applySideEffects drives the session controller's state transitions
// that spec.md §4.4 and §4.5 attach to specific runner event kinds.
func (i *Ingest) applySideEffects(sessionID string, source domain.EventSource, kind string) {
	if source != domain.SourceRunner {
		return
	}
	switch kind {
	case domain.RunnerProcessStarted:
		i.session.HandleProcessStarted(sessionID)
	case domain.RunnerSessionIdle:
		i.session.HandleIdleEvent(sessionID)
	}
}

// Ack builds the ack/error envelope to send back to the ingesting
// sandbox connection, stamped with that connection's own outbound
// sequence counter.
func Ack(conn *registry.Connection, sessionID string, ack envelope.AckPayload, errPayload *envelope.ErrorPayload) error {
	if errPayload != nil {
		return conn.SendEnvelope(envelope.KindError, &sessionID, errPayload)
	}
	return conn.SendEnvelope(envelope.KindAck, &sessionID, ack)
}
