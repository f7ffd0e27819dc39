package internal

import (
	"sync"

	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
)

// Bus republishes lifecycle messages to any number of subscribers and keeps
// the latest Status so that late subscribers can read it.
//
// Delivery is best effort: a subscriber that isn't keeping up with its buffer
// misses messages, but can always read the current Status.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	buffer      int
	status      lifecycle.Status
	subscribers map[uint64]*Subscription
	closed      bool
}

// Subscription is one consumer's view of the Bus.
type Subscription struct {
	ID     uint64
	bus    *Bus
	events chan lifecycle.Message
}

func newBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		buffer:      buffer,
		status:      lifecycle.StatusOf(lifecycle.Offline),
		subscribers: make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new consumer. Subscribing to a closed Bus returns a
// Subscription whose Events channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{ID: b.nextID, bus: b, events: make(chan lifecycle.Message, b.buffer)}
	if b.closed {
		close(sub.events)
		return sub
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Publish delivers msg to every subscriber with room for it, recording the
// Status carried by StatusChanged messages. It returns how many subscribers
// missed the message.
func (b *Bus) Publish(msg lifecycle.Message) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	if m, ok := msg.(lifecycle.StatusChanged); ok {
		b.status = m.Status
	}
	for _, sub := range b.subscribers {
		select {
		case sub.events <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

// Status returns the most recently published Status.
func (b *Bus) Status() lifecycle.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		close(sub.events)
	}
}

// close ends every subscription. Later Publish calls are ignored.
func (b *Bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.events)
	}
}

// Events is closed when the subscription or the Controller is closed.
func (s *Subscription) Events() <-chan lifecycle.Message { return s.events }

// Status returns the Controller's current Status.
func (s *Subscription) Status() lifecycle.Status { return s.bus.Status() }

// Close stops delivery to this subscription. Safe to call more than once.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }
