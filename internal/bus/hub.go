package bus

import (
	"log/slog"
	"sync"
	"time"
)

const defaultSubscriberBuffer = 64

// Hub fans events out to subscribers. Delivery never blocks the publisher;
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	now    func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// Subscribe registers a new subscriber. The returned cancel func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps the event time when missing and delivers it.
func (h *Hub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			slog.Warn("dropping event for slow subscriber", "type", event.Type, "run_id", event.RunID)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
