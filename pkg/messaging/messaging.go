// Package messaging defines the broker port used for pipeline log
// streaming and the in-process broadcast bus that carries storage
// change events between components.
package messaging

import (
	"context"
	"errors"
)

// EOF is the sentinel message marking logical end-of-stream on a
// pipeline log queue. It travels as a bare byte string, not JSON.
const EOF = "EOF"

// LogQueue returns the per-pipeline log queue name.
func LogQueue(pipelineID string) string {
	return "pipeline-logs-" + pipelineID
}

// IsEOF reports whether a queue message is the end-of-stream sentinel.
func IsEOF(msg []byte) bool {
	return string(msg) == EOF
}

var (
	// ErrQueueClosed is returned by consumers once their queue has been
	// deleted and no buffered messages remain.
	ErrQueueClosed = errors.New("queue closed")

	// ErrUnknownQueue is returned when publishing to or consuming from
	// a queue that was never created.
	ErrUnknownQueue = errors.New("unknown queue")
)

// Broker is the external queue contract. Delivery is at-least-once and
// consumers bound to one queue compete: each message is delivered to
// exactly one of them.
type Broker interface {
	CreateQueue(ctx context.Context, name string) error
	DeleteQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, queue string, msg []byte) error
	Consumer(ctx context.Context, queue string) (Consumer, error)
	Close() error
}

// Consumer reads messages from one queue. Next blocks until a message
// arrives, the context is done, or the queue closes.
type Consumer interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}
