package messaging

import (
	"encoding/json"
	"sync"
)

// Storage change operations carried on the bus.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpAppend = "append"
)

// Event is one storage mutation broadcast to in-process subscribers.
type Event struct {
	Index string          `json:"index"`
	Op    string          `json:"op"`
	Item  json.RawMessage `json:"item"`
}

// busBuffer is the per-subscriber channel capacity. Publishers never
// block: events beyond the buffer are dropped for that subscriber.
const busBuffer = 100

// Bus is a bounded broadcast channel for storage change events. Every
// subscriber owns an independent buffered view of events published
// after it subscribed.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish broadcasts the event to every subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel together
// with a cancel function. Cancel unsubscribes and closes the channel;
// it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, busBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
