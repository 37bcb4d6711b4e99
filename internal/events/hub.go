// Package events is the gateway's in-process event feed: every inbound
// message and outbound send is published here and streamed to /events
// subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	MessageReceived   = "message.received"
	MessageRejected   = "message.rejected"
	MessageDispatched = "message.dispatched"
	MessageDropped    = "message.dropped"
	MessageFailed     = "message.failed"
	MessageSent       = "message.sent"
	SendFailed        = "send.failed"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}

// Hub is an in-memory pub/sub with a ring buffer so late subscribers can
// catch up via Last-Event-ID.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so the ring stays ordered.
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   h.now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events rather than block the request path.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
