// Package broker implements the subscription broker: topic-keyed
// fan-out to observer connections with a per-topic single-writer
// ordering guarantee, per spec.md §4.3.
//
// The teacher's event broker (pkg/events/events.go) funnels every
// event through one global channel drained by one goroutine, which
// only gives a single linearization across all topics combined. That
// is not enough here: spec.md requires that two subscribers of the
// same topic see the same order as each other, but interleaving
// across different topics is unspecified. This implementation gives
// each topic its own buffered channel and its own single-writer
// goroutine, so one slow topic never blocks another.
package broker

import (
	"sync"

	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/log"
)

const topicQueueDepth = 256

// Sender is the minimal shape the broker needs to deliver an envelope
// to a subscriber. The connection registry's Connection satisfies it.
type Sender interface {
	Send(data []byte) error
}

// topic is, for sequencing purposes, its own emitter: spec.md §4.1
// requires per-emitter strictly increasing sequence numbers, and
// §9's design note requires a per-topic single writer. Treating each
// topic as one logical emitter satisfies both with one mechanism.
type topic struct {
	mu          sync.RWMutex
	subscribers map[string]Sender
	queue       chan []byte
	stop        chan struct{}
	seq         envelope.SeqCounter
}

// Broker maps topic keys to the set of connections subscribed to
// them, and serializes delivery per topic.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) getOrCreateTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			subscribers: make(map[string]Sender),
			queue:       make(chan []byte, topicQueueDepth),
			stop:        make(chan struct{}),
		}
		b.topics[name] = t
		go t.run(name)
	}
	return t
}

func (t *topic) run(name string) {
	logger := log.WithComponent("broker").With().Str("topic", name).Logger()
	for {
		select {
		case envelope := <-t.queue:
			t.broadcast(envelope)
		case <-t.stop:
			logger.Debug().Msg("topic writer stopped")
			return
		}
	}
}

func (t *topic) broadcast(envelope []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for connID, s := range t.subscribers {
		// Best-effort: a slow or dead observer may miss envelopes; it
		// reconciles via a snapshot on reconnect (spec.md §4.3, §4.7).
		if err := s.Send(envelope); err != nil {
			log.WithComponent("broker").Debug().Str("connection_id", connID).Err(err).Msg("dropped envelope")
		}
	}
}

// Subscribe registers connID (with sender s) under topic.
func (b *Broker) Subscribe(topicName, connID string, s Sender) {
	t := b.getOrCreateTopic(topicName)
	t.mu.Lock()
	t.subscribers[connID] = s
	t.mu.Unlock()
}

// Unsubscribe removes connID from topic.
func (b *Broker) Unsubscribe(topicName, connID string) {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subscribers, connID)
	t.mu.Unlock()
}

// UnsubscribeAll removes connID from every topic it is subscribed to,
// given the caller's recollection of which topics those were (the
// connection registry is the source of truth for that set, per
// spec.md §3's subscription-index invariant).
func (b *Broker) UnsubscribeAll(connID string, topics []string) {
	for _, topicName := range topics {
		b.Unsubscribe(topicName, connID)
	}
}

// Publish builds an envelope of kind carrying payload (stamped with
// this topic's own sequence counter) and enqueues it for delivery to
// topic's subscribers. The enqueue itself is synchronized by the
// topic's buffered channel; actual sends happen on the topic's single
// writer goroutine, giving every subscriber of this topic the same
// linearized order.
func (b *Broker) Publish(topicName string, kind envelope.Kind, sessionID *string, payload any) error {
	t := b.getOrCreateTopic(topicName)

	env, err := envelope.New(kind, sessionID, t.seq.Next(), payload)
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	select {
	case t.queue <- raw:
	default:
		// Queue full: drop rather than block the publisher. Delivery
		// is explicitly best-effort (spec.md §4.3).
		log.WithComponent("broker").Warn().Str("topic", topicName).Msg("topic queue full, dropping envelope")
	}
	return nil
}

// SubscriberCount reports how many connections are subscribed to
// topic, for diagnostics.
func (b *Broker) SubscriberCount(topicName string) int {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}
