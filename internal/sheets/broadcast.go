package sheets

import "sync"

// update is a character sheet change relayed between connections.
type update struct {
	origin uint64
	data   string
	owner  uint32
}

// subscription receives the updates published by other subscribers.
type subscription struct {
	id      uint64
	updates chan update
}

// broadcaster fans updates out to every subscribed connection except the one
// that published it. Delivery is best effort: a subscriber whose buffer is
// full misses the update.
type broadcaster struct {
	mu          sync.RWMutex
	nextID      uint64
	buffer      int
	subscribers map[uint64]*subscription
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &broadcaster{
		buffer:      buffer,
		subscribers: make(map[uint64]*subscription),
	}
}

func (b *broadcaster) subscribe() *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, updates: make(chan update, b.buffer)}
	b.subscribers[sub.id] = sub
	return sub
}

// unsubscribe removes sub and closes its channel. Safe to call more than once.
func (b *broadcaster) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.updates)
	}
}

// publish delivers u to every subscriber but its origin and returns how many
// subscribers had to be skipped because they were full.
func (b *broadcaster) publish(u update) (dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if id == u.origin {
			continue
		}
		select {
		case sub.updates <- u:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *broadcaster) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
