// Package events fans database change notifications out to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one row change on bookings, service_orders or companies.
type Event struct {
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	CompanyID *int64    `json:"companyId"`
	DriverID  *int64    `json:"driverId"`
	BookingID *int64    `json:"bookingId"`
	At        time.Time `json:"at"`
}

type Filter func(Event) bool

type subscriber struct {
	ch     chan Event
	filter Filter
}

type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: map[*subscriber]struct{}{},
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a subscriber. A nil filter receives everything. The
// returned cancel func must be called to release the subscription.
func (h *Hub) Subscribe(filter Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer), filter: filter}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers e to every matching subscriber without blocking. Slow
// subscribers miss events rather than stall the feed.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.log.Warn().Str("table", e.Table).Int64("id", e.ID).Msg("subscriber buffer full, event dropped")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
