package coordinator

import (
	"sync"

	"github.com/quantarc/execd/internal/entity"
)

// Subscribers fans execution notifications out to registered listeners.
// Callbacks run inline on the dispatching goroutine; listeners that need
// to block hand off to their own goroutines.
type Subscribers struct {
	mu        sync.RWMutex
	listeners []entity.Listener
}

func NewSubscribers() *Subscribers {
	return &Subscribers{}
}

func (s *Subscribers) Add(listener entity.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, listener)
}

func (s *Subscribers) snapshot() []entity.Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]entity.Listener(nil), s.listeners...)
}

func (s *Subscribers) OnOrderStatus(order entity.Order) {
	for _, listener := range s.snapshot() {
		listener.OnOrderStatus(order)
	}
}

func (s *Subscribers) OnFill(order entity.Order, fill entity.Fill) {
	for _, listener := range s.snapshot() {
		listener.OnFill(order, fill)
	}
}

func (s *Subscribers) OnConnection(state entity.ConnectionState) {
	for _, listener := range s.snapshot() {
		listener.OnConnection(state)
	}
}

func (s *Subscribers) OnAnomaly(event entity.BrokerEvent) {
	for _, listener := range s.snapshot() {
		listener.OnAnomaly(event)
	}
}

// BookListener folds applied fills into the position book. Other
// callbacks are no-ops.
type BookListener struct {
	Apply func(fill entity.Fill)
}

func (l BookListener) OnOrderStatus(entity.Order) {}

func (l BookListener) OnFill(_ entity.Order, fill entity.Fill) {
	l.Apply(fill)
}

func (l BookListener) OnConnection(entity.ConnectionState) {}

func (l BookListener) OnAnomaly(entity.BrokerEvent) {}
