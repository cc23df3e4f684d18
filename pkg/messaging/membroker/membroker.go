// Package membroker provides an in-memory broker backend. It serves
// single-process deployments and tests; queue contents do not survive a
// restart.
package membroker

import (
	"context"
	"sync"

	"github.com/rustyops/rustyci/pkg/messaging"
)

// queueBuffer bounds how many undelivered messages a queue holds before
// publishers block.
const queueBuffer = 1024

type queue struct {
	ch   chan []byte
	done chan struct{}
}

// Broker is the in-memory messaging.Broker implementation. Consumers on
// the same queue compete for messages.
type Broker struct {
	mu     sync.RWMutex
	queues map[string]*queue
	closed bool
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// CreateQueue declares a queue. Creating an existing queue is a no-op.
func (b *Broker) CreateQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrQueueClosed
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{
			ch:   make(chan []byte, queueBuffer),
			done: make(chan struct{}),
		}
	}
	return nil
}

// DeleteQueue removes a queue. Blocked consumers receive ErrQueueClosed
// once buffered messages run out. Deleting a missing queue is a no-op.
func (b *Broker) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	delete(b.queues, name)
	close(q.done)
	return nil
}

// Publish appends a message to the named queue.
func (b *Broker) Publish(ctx context.Context, name string, msg []byte) error {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return messaging.ErrUnknownQueue
	}

	// Copy so callers may reuse their buffer.
	owned := make([]byte, len(msg))
	copy(owned, msg)

	select {
	case <-q.done:
		return messaging.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- owned:
		return nil
	case <-q.done:
		return messaging.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consumer binds a competing consumer to the named queue.
func (b *Broker) Consumer(_ context.Context, name string) (messaging.Consumer, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return nil, messaging.ErrUnknownQueue
	}
	return &consumer{q: q}, nil
}

// Close deletes every queue.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for name, q := range b.queues {
		close(q.done)
		delete(b.queues, name)
	}
	return nil
}

type consumer struct {
	q *queue
}

// Next returns the next message. Buffered messages are still delivered
// after the queue is deleted; only then does Next report ErrQueueClosed.
func (c *consumer) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.q.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.q.ch:
		return msg, nil
	case <-c.q.done:
		select {
		case msg := <-c.q.ch:
			return msg, nil
		default:
			return nil, messaging.ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *consumer) Close() error {
	return nil
}
