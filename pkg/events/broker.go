package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRingSize is the number of recent events retained per source for
	// replay to newly connected subscribers.
	DefaultRingSize = 100

	// DefaultSubscriberQueue is the capacity of each subscriber's queue.
	DefaultSubscriberQueue = 256
)

// Broker is the shared fan-out publisher. One Broker per process.
type Broker struct {
	mu       sync.Mutex
	nextID   uint64
	ringSize int
	queueCap int
	rings    map[string][]Event
	subs     map[string]*subscriber
	done     map[string]bool // sources that reached a terminal event
}

// subscriber is a single client's bounded queue plus its source filter.
//
// ch is written only while holding Broker.mu, and closed only while holding
// Broker.mu, so send-after-close cannot occur. Receives are lock-free.
type subscriber struct {
	id      string
	ch      chan Event
	sources map[string]bool // empty means all sources
	closed  bool
}

// NewBroker creates a Broker. Non-positive sizes select the defaults.
func NewBroker(ringSize, queueCap int) *Broker {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if queueCap <= 0 {
		queueCap = DefaultSubscriberQueue
	}
	return &Broker{
		ringSize: ringSize,
		queueCap: queueCap,
		rings:    make(map[string][]Event),
		subs:     make(map[string]*subscriber),
		done:     make(map[string]bool),
	}
}

// Subscribe registers a new subscriber for the given sources (none means
// all). It returns the subscriber's receive channel and a cancel closure.
// Cancel is idempotent and closes the channel.
//
// The ring-buffer tail for the subscribed sources is delivered first so a
// late subscriber sees recent history before live events.
func (b *Broker) Subscribe(sources ...string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		id:      uuid.New().String(),
		ch:      make(chan Event, b.queueCap),
		sources: make(map[string]bool, len(sources)),
	}
	for _, s := range sources {
		sub.sources[s] = true
	}
	b.subs[sub.id] = sub

	// Replay tails. With no source filter, replay nothing: an unfiltered
	// subscriber (the /logs firehose) wants live events only.
	for _, s := range sources {
		for _, evt := range b.rings[s] {
			b.deliver(sub, evt)
		}
	}

	// A subscriber bound only to an already-terminated source gets the
	// replayed tail and an immediate close; the stream it asked for is over
	// and nothing will ever close it otherwise.
	if len(sources) == 1 && b.done[sources[0]] {
		b.remove(sub)
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(sub)
	}
	return sub.ch, cancel
}

// Publish appends an event to the source's ring buffer and fans it out.
// Never blocks: slow subscribers lose their oldest events and get an
// overflow marker. Returns the assigned event ID.
func (b *Broker) Publish(source string, kind Kind, payload map[string]any) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	evt := Event{
		ID:        b.nextID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
		Payload:   payload,
	}

	ring := append(b.rings[source], evt)
	if len(ring) > b.ringSize {
		ring = ring[len(ring)-b.ringSize:]
	}
	b.rings[source] = ring

	for _, sub := range b.subs {
		if sub.matches(source) {
			b.deliver(sub, evt)
		}
	}
	return evt.ID
}

// Complete publishes a terminal complete event and closes subscribers bound
// exclusively to this source. The ring buffer is kept so stragglers can
// still read the tail.
func (b *Broker) Complete(source string, payload map[string]any) {
	b.Publish(source, KindComplete, payload)
	b.closeExclusive(source)
}

// Fail publishes a terminal error event and closes subscribers bound
// exclusively to this source.
func (b *Broker) Fail(source string, message string) {
	b.Publish(source, KindError, map[string]any{"error": message})
	b.closeExclusive(source)
}

// CloseSource closes subscribers bound exclusively to the source without
// publishing anything further. Producers that emit their own terminal kinds
// (the alert run stream ends with run_complete) call this after their last
// event.
func (b *Broker) CloseSource(source string) {
	b.closeExclusive(source)
}

// Tail returns a copy of up to ringSize most recent events for a source.
func (b *Broker) Tail(source string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.rings[source]
	out := make([]Event, len(ring))
	copy(out, ring)
	return out
}

// DropSource discards the ring buffer for a source. Used after a stream's
// consumers are gone to bound memory across many short-lived uploads/runs.
func (b *Broker) DropSource(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, source)
	delete(b.done, source)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// deliver enqueues evt for sub without blocking. Caller holds b.mu.
//
// On a full queue the oldest entries are dropped to make room for an
// overflow marker plus the new event. The marker lets the client detect the
// gap and resynchronize via Tail or a REST reload.
func (b *Broker) deliver(sub *subscriber, evt Event) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- evt:
		return
	default:
	}

	// Queue full: free two slots (marker + event), oldest first.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
		default:
		}
	}
	marker := Event{
		ID:        evt.ID, // same publication position as the event that overflowed
		Timestamp: time.Now().UTC(),
		Source:    evt.Source,
		Kind:      KindOverflow,
		Payload:   map[string]any{"dropped": true},
	}
	select {
	case sub.ch <- marker:
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

// closeExclusive closes subscribers whose subscription set is exactly the
// terminal source. Multi-source and firehose subscribers stay open.
func (b *Broker) closeExclusive(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[source] = true
	for _, sub := range b.subs {
		if len(sub.sources) == 1 && sub.sources[source] {
			b.remove(sub)
		}
	}
}

// remove unregisters and closes a subscriber. Caller holds b.mu.
func (b *Broker) remove(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}

func (s *subscriber) matches(source string) bool {
	return len(s.sources) == 0 || s.sources[source]
}
