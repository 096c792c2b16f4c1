package progress

import (
	"log/slog"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/seantiz/autopilot/internal/model"
)

// DefaultSubscriberBuffer is the channel buffer for each subscriber.
// When a subscriber falls this far behind, its oldest event is dropped.
const DefaultSubscriberBuffer = 64

// AllTasks subscribes to every event.
const AllTasks model.TaskID = 0

// Broker fans events out to subscribers. It is safe for concurrent use and
// Publish never blocks: a subscriber with a full buffer loses its oldest
// event so that it always sees the most recent ones.
//
// A subscriber filtered to one task also receives engine-global events
// (TaskID zero), so a task watcher learns when the engine degrades.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	buffer int
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	filter  model.TaskID
	ch      chan model.Event
	dropped uint64
}

// NewBroker creates a broker whose subscribers buffer up to buffer events.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of events for filter (AllTasks for every
// event) and an unsubscribe function. The channel is closed on unsubscribe
// or when the broker closes. Subscribing to a closed broker returns a
// closed channel.
func (b *Broker) Subscribe(filter model.TaskID) (<-chan model.Event, func()) {
	return b.SubscribeBuffered(filter, b.buffer)
}

// SubscribeBuffered is Subscribe with an explicit buffer size.
func (b *Broker) SubscribeBuffered(filter model.TaskID, buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = b.buffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := shortuuid.New()
	b.subs[id] = &subscriber{filter: filter, ch: ch}
	brokerSubscribers.Set(float64(len(b.subs)))

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		s, ok := b.subs[id]
		if !ok {
			return
		}
		delete(b.subs, id)
		close(s.ch)
		brokerSubscribers.Set(float64(len(b.subs)))
		if s.dropped > 0 {
			b.logger.Debug("subscriber dropped events", "subscriber", id, "dropped", s.dropped)
		}
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Broker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.filter != AllTasks && ev.TaskID != AllTasks && s.filter != ev.TaskID {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Full: evict the oldest event, then retry once.
		select {
		case <-s.ch:
			s.dropped++
			brokerDropped.Inc()
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped++
			brokerDropped.Inc()
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are discarded and
// later subscribers receive a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	brokerSubscribers.Set(0)
}
