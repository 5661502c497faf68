// Package bus implements the in-process publish/subscribe registry that
// decouples event ingestion from transport-level observers. Delivery is
// at-most-once and best-effort: a subscriber whose queue is saturated or
// cancelled has the delivery dropped and is removed rather than retried,
// so a slow consumer never blocks the publish path.
package bus

import (
	"sort"
	"sync"

	"log/slog"

	"github.com/caretide/fhirgate/internal/domain"
)

// Channel names a subscription topic.
type Channel string

const (
	ChannelEvents    Channel = "events"
	ChannelAnalytics Channel = "analytics"
	ChannelLogs      Channel = "logs"
)

// Valid reports whether the channel is one of the known topics.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEvents, ChannelAnalytics, ChannelLogs:
		return true
	}
	return false
}

// Delivery is one published item. Exactly one payload field is set,
// matching the channel it was published on.
type Delivery struct {
	Channel   Channel
	Event     *domain.FlowEvent
	Analytics *domain.AnalyticsSnapshot
}

// DefaultBuffer is the per-subscription queue depth used when the caller
// does not specify one.
const DefaultBuffer = 64

// Subscription is one listener's registration. The owner consumes
// Deliveries and must call Cancel when done; Cancel is idempotent.
type Subscription struct {
	id         uint64
	channel    Channel
	deliveries chan Delivery
	bus        *Bus
	once       sync.Once
}

// Deliveries returns the queue the bus enqueues into. The channel is
// closed when the subscription is cancelled.
func (s *Subscription) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Channel reports the topic this subscription is registered on.
func (s *Subscription) Channel() Channel {
	return s.channel
}

// Cancel removes the subscription from the bus and closes its queue.
// Calling Cancel more than once is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus fans published events and analytics snapshots out to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Channel]map[uint64]*Subscription
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger != nil {
		logger = logger.With("component", "subscription_bus")
	}
	return &Bus{
		subs:   make(map[Channel]map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a listener on a channel with the given queue depth.
func (b *Bus) Subscribe(channel Channel, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		channel:    channel,
		deliveries: make(chan Delivery, buffer),
		bus:        b,
	}
	if _, ok := b.subs[channel]; !ok {
		b.subs[channel] = make(map[uint64]*Subscription)
	}
	b.subs[channel][sub.id] = sub
	return sub
}

// PublishEvent enqueues an event for every listener on the events channel.
func (b *Bus) PublishEvent(event domain.FlowEvent) {
	b.publish(Delivery{Channel: ChannelEvents, Event: &event})
}

// PublishAnalytics enqueues a snapshot for every listener on the
// analytics channel.
func (b *Bus) PublishAnalytics(snapshot domain.AnalyticsSnapshot) {
	b.publish(Delivery{Channel: ChannelAnalytics, Analytics: &snapshot})
}

// Listeners reports the number of live subscriptions on a channel.
func (b *Bus) Listeners(channel Channel) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *Bus) publish(delivery Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listeners := b.subs[delivery.Channel]
	if len(listeners) == 0 {
		return
	}
	// Deliver in registration order; IDs are monotonically assigned.
	ids := make([]uint64, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sub := listeners[id]
		select {
		case sub.deliveries <- delivery:
		default:
			// Saturated queue: drop the delivery and evict the listener.
			// The subscription's once is left untouched: a later Cancel
			// runs remove, which no-ops on the absent id, and firing it
			// here would park the publisher inside another goroutine's
			// teardown while holding b.mu.
			delete(listeners, id)
			close(sub.deliveries)
			if b.logger != nil {
				b.logger.Warn("subscriber queue saturated, dropping listener",
					"channel", delivery.Channel, "subscription_id", id)
			}
		}
	}
	if len(listeners) == 0 {
		delete(b.subs, delivery.Channel)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	listeners := b.subs[sub.channel]
	if _, ok := listeners[sub.id]; !ok {
		return
	}
	delete(listeners, sub.id)
	close(sub.deliveries)
	if len(listeners) == 0 {
		delete(b.subs, sub.channel)
	}
}
