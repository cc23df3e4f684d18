package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/telemetry"
)

// GraphQL-WS frame types understood by the dispatch protocol.
const (
	frameConnectionInit      = "connection_init"
	frameConnectionAck       = "connection_ack"
	frameConnectionError     = "connection_error"
	frameConnectionTerminate = "connection_terminate"
	frameStart               = "start"
	frameStop                = "stop"
	frameData                = "data"
)

// subscriptionRight is the permission a client needs to receive
// pipeline events.
const subscriptionRight = "PIPELINES:GET"

// sendBuffer bounds the per-connection outbound queue. A client that
// cannot keep up is dropped rather than stalling the fan-out.
const sendBuffer = 32

// Frame is one GraphQL-WS protocol message.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// initPayload is the connection_init payload carrying the auth header.
type initPayload struct {
	Auth string `json:"auth"`
}

// Authority is the slice of the auth layer the manager needs.
type Authority interface {
	Authenticate(ctx context.Context, cred auth.Credential) (string, error)
	Authorize(ctx context.Context, cred auth.Credential, username, required string) error
}

// connection is one accepted WebSocket client. send is drained by a
// dedicated write loop; subscriptions maps subscription ids owned by
// the client.
type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]bool
}

// ConnectionManager accepts GraphQL-WS clients and fans pipeline
// creation events out to their pipelineInserted subscriptions.
type ConnectionManager struct {
	authority    Authority
	bus          *messaging.Bus
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*connection

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnectionManager creates the manager.
func NewConnectionManager(authority Authority, bus *messaging.Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		authority:    authority,
		bus:          bus,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*connection),
	}
}

// Start launches the bus fan-out loop.
func (m *ConnectionManager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.fanout(ctx)
}

// Stop ends the fan-out loop and closes every connection.
func (m *ConnectionManager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done

	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.drop(c, websocket.StatusGoingAway, "server shutting down")
	}
}

// ActiveConnections returns the number of accepted clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection runs the protocol for one accepted WebSocket. It
// blocks until the connection closes. The handshake must begin with
// connection_init carrying credentials that authorize PIPELINES:GET.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, wsConn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:     uuid.NewString(),
		conn:   wsConn,
		send:   make(chan []byte, sendBuffer),
		cancel: cancel,
		subs:   make(map[string]bool),
	}

	if !m.handshake(ctx, c) {
		cancel()
		_ = wsConn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
	telemetry.WSConnections.Inc()
	defer func() {
		m.mu.Lock()
		delete(m.connections, c.id)
		m.mu.Unlock()
		telemetry.WSConnections.Dec()
		cancel()
		_ = wsConn.Close(websocket.StatusNormalClosure, "")
	}()

	go m.writeLoop(ctx, c)
	m.readLoop(ctx, c)
}

// handshake reads connection_init, authenticates and authorizes the
// payload credentials, and answers with connection_ack.
func (m *ConnectionManager) handshake(ctx context.Context, c *connection) bool {
	frame, err := readFrame(ctx, c.conn)
	if err != nil || frame.Type != frameConnectionInit {
		return false
	}

	var payload initPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return false
		}
	}

	cred := auth.ParseHeader(payload.Auth)
	username, err := m.authority.Authenticate(ctx, cred)
	if err == nil {
		err = m.authority.Authorize(ctx, cred, username, subscriptionRight)
	}
	if err != nil {
		slog.Warn("WS handshake rejected", "connection_id", c.id, "error", err)
		_ = writeFrame(ctx, c.conn, m.writeTimeout, Frame{
			Type:    frameConnectionError,
			Payload: jsonMessage(err.Error()),
		})
		return false
	}

	if err := writeFrame(ctx, c.conn, m.writeTimeout, Frame{Type: frameConnectionAck}); err != nil {
		return false
	}
	slog.Info("WS client connected", "connection_id", c.id, "username", username)
	return true
}

// readLoop processes client frames until the connection closes.
func (m *ConnectionManager) readLoop(ctx context.Context, c *connection) {
	for {
		frame, err := readFrame(ctx, c.conn)
		if err != nil {
			return
		}
		switch frame.Type {
		case frameStart:
			c.mu.Lock()
			c.subs[frame.ID] = true
			c.mu.Unlock()
		case frameStop:
			c.mu.Lock()
			delete(c.subs, frame.ID)
			c.mu.Unlock()
		case frameConnectionTerminate:
			return
		}
	}
}

// writeLoop drains the send queue onto the socket.
func (m *ConnectionManager) writeLoop(ctx context.Context, c *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("WS write failed", "connection_id", c.id, "error", err)
				m.drop(c, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// fanout turns pipeline creation events into data frames for every
// active subscription.
func (m *ConnectionManager) fanout(ctx context.Context) {
	defer close(m.done)

	events, unsubscribe := m.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Index != models.IndexPipelines || ev.Op != messaging.OpCreate {
				continue
			}
			m.broadcast(ev.Item)
		}
	}
}

// broadcast sends one pipelineInserted data frame per subscription.
// Clients with a full send queue are dropped.
func (m *ConnectionManager) broadcast(pipeline json.RawMessage) {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		subs := make([]string, 0, len(c.subs))
		for id := range c.subs {
			subs = append(subs, id)
		}
		c.mu.Unlock()

		for _, subID := range subs {
			frame, err := json.Marshal(Frame{
				Type:    frameData,
				ID:      subID,
				Payload: dataPayload(pipeline),
			})
			if err != nil {
				continue
			}
			select {
			case c.send <- frame:
			default:
				slog.Warn("WS client too slow, dropping", "connection_id", c.id)
				m.drop(c, websocket.StatusPolicyViolation, "client too slow")
			}
		}
	}
}

// drop closes a connection and removes it from the registry. The read
// loop's deferred cleanup handles the map entry if still present.
func (m *ConnectionManager) drop(c *connection, code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.conn.Close(code, reason)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, timeout time.Duration, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// dataPayload wraps a pipeline document in the subscription result
// shape {"data":{"pipelineInserted":{...}}}.
func dataPayload(pipeline json.RawMessage) json.RawMessage {
	payload, err := json.Marshal(map[string]map[string]json.RawMessage{
		"data": {"pipelineInserted": pipeline},
	})
	if err != nil {
		return nil
	}
	return payload
}

func jsonMessage(msg string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	return payload
}
