package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"pos-sync/internal/common/metrics"
	"pos-sync/internal/domain"
)

// Hub fans events out to connected terminals by role. It holds no history:
// a subscriber only sees events dispatched while it is subscribed.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

type Subscription struct {
	ID    string
	Roles []domain.Role
	C     <-chan domain.Event

	hub     *Hub
	roleSet map[domain.Role]struct{}
	ch      chan domain.Event
	once    sync.Once
	dropped atomic.Bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: map[string]*Subscription{}, buffer: buffer}
}

func (h *Hub) Subscribe(roles []domain.Role) *Subscription {
	ch := make(chan domain.Event, h.buffer)
	s := &Subscription{
		ID:      uuid.NewString(),
		Roles:   roles,
		C:       ch,
		hub:     h,
		roleSet: make(map[domain.Role]struct{}, len(roles)),
		ch:      ch,
	}
	for _, r := range roles {
		s.roleSet[r] = struct{}{}
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	return s
}

// Cancel removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() { s.hub.remove(s) }

// Dropped reports whether the hub closed C because the buffer overflowed.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

func (h *Hub) remove(s *Subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s.ID)
		h.mu.Unlock()
		close(s.ch)
	})
}

// Dispatch delivers ev to every subscriber whose roles intersect the
// event's targets and returns how many received it. A subscriber with a
// full buffer is dropped rather than blocking the others.
func (h *Hub) Dispatch(ev domain.Event) int {
	var slow []*Subscription
	delivered := 0

	h.mu.RLock()
	for _, s := range h.subs {
		if !ev.Targets(s.roleSet) {
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		s.dropped.Store(true)
		metrics.SlowConsumerDropped()
		h.remove(s)
	}
	return delivered
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.remove(s)
	}
}
