package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/observe"
)

// EventType names the kind of an [Event].
type EventType string

const (
	// EventFrame is published for every processed frame.
	EventFrame EventType = "frame"

	// EventConversation is published for every conversation response the
	// monitor produces (start, ask, complete, error).
	EventConversation EventType = "conversation"
)

// Event is one message on the [Hub].
type Event struct {
	Type         EventType              `json:"type"`
	Stream       string                 `json:"stream"`
	Time         time.Time              `json:"time"`
	Frame        *FrameResult           `json:"frame,omitempty"`
	Conversation *conversation.Response `json:"conversation,omitempty"`
}

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 64

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose queue is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
	metrics *observe.Metrics
}

// NewHub returns a hub whose subscribers queue up to buffer events.
func NewHub(buffer int, m *observe.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer, metrics: m}
}

// Subscription is a live feed of hub events. Read from C until it is closed.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.EventSubscribers.Add(context.Background(), 1)
	return s
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
		s.hub.metrics.EventSubscribers.Add(context.Background(), -1)
	})
}

// Publish delivers e to every subscriber with room in its queue.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of deliveries skipped because a queue was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
