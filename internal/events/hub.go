package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscription receives the events of one client, or of every client when
// subscribed with an empty client id.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	id       uint64
	clientID string
	dropped  atomic.Int64
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub is an in-process fan-out sink for live subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *slog.Logger
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription), logger: slog.Default()}
}

// Subscribe registers a subscriber with a buffer of size events.
func (h *Hub) Subscribe(clientID string, size int) *Subscription {
	if size < 1 {
		size = 1
	}
	ch := make(chan Event, size)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{C: ch, ch: ch, id: h.nextID, clientID: clientID}
	h.subs[s.id] = s
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver hands e to every matching subscriber without blocking. A full
// subscriber loses the event; the persisted log still has it.
func (h *Hub) Deliver(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.clientID != "" && s.clientID != e.ClientID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			h.logger.Warn("subscriber behind, event dropped", "client_id", s.clientID, "job_id", e.JobID, "seq", e.Seq)
		}
	}
	return nil
}
