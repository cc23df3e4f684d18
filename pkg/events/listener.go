// Package events carries storage change events to their consumers: the
// NotifyListener turns PostgreSQL NOTIFY payloads into bus events, and
// the ConnectionManager fans bus events out to WebSocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/storage/postgres"
)

// DocFetcher re-reads a document by index and id. Implemented by the
// postgres store.
type DocFetcher interface {
	FetchDoc(ctx context.Context, index, id string) (json.RawMessage, error)
}

// NotifyListener holds a dedicated LISTEN connection and republishes
// every change notification onto the in-process bus. With the memory
// store the bus is fed directly and no listener runs; with postgres the
// listener is what makes change events visible across replicas.
type NotifyListener struct {
	connString string
	fetcher    DocFetcher
	bus        *messaging.Bus

	connMu sync.Mutex
	conn   *pgx.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifyListener creates the listener.
func NewNotifyListener(connString string, fetcher DocFetcher, bus *messaging.Bus) *NotifyListener {
	return &NotifyListener{connString: connString, fetcher: fetcher, bus: bus}
}

// Start establishes the LISTEN connection and begins receiving.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Notify listener started", "channel", postgres.NotifyChannel)
	return nil
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
	slog.Info("Notify listener stopped")
}

func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, err
	}
	channel := pgx.Identifier{postgres.NotifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.connMu.Lock()
			_ = l.conn.Close(ctx)
			l.conn = nil
			l.connMu.Unlock()
			continue
		}

		l.dispatch(ctx, notification.Payload)
	}
}

// dispatch decodes the payload, re-fetches the document, and publishes
// the event on the bus.
func (l *NotifyListener) dispatch(ctx context.Context, payload string) {
	var np postgres.NotifyPayload
	if err := json.Unmarshal([]byte(payload), &np); err != nil {
		slog.Error("Undecodable NOTIFY payload", "payload", payload, "error", err)
		return
	}

	doc, err := l.fetcher.FetchDoc(ctx, np.Index, np.ID)
	if err != nil {
		slog.Error("NOTIFY document fetch failed",
			"index", np.Index, "id", np.ID, "error", err)
		return
	}
	if doc == nil {
		// Deleted between notify and fetch.
		return
	}

	l.bus.Publish(messaging.Event{Index: np.Index, Op: np.Op, Item: doc})
}

// reconnect re-establishes the LISTEN connection with capped
// exponential backoff. Returns false when the context ends first.
func (l *NotifyListener) reconnect(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		slog.Info("Notify listener reconnected")
		return true
	}
}
