package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rustyops/rustyci/pkg/models"
)

// WSClient is a subscription client speaking the server's GraphQL-WS
// dialect: connection_init with an auth payload, then start, then a
// stream of data frames carrying inserted pipelines.
type WSClient struct {
	conn *websocket.Conn

	mu        sync.Mutex
	pipelines []models.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSConnect dials the subscription endpoint, performs the handshake
// with the given Authorization header value, and starts collecting
// pipelineInserted events in a background goroutine.
func WSConnect(ctx context.Context, wsURL, authHeader string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	init, _ := json.Marshal(map[string]any{
		"type":    "connection_init",
		"payload": map[string]string{"auth": authHeader},
	})
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("ws init: %w", err)
	}

	var ack wsFrame
	if err := readWSFrame(ctx, conn, &ack); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("ws ack: %w", err)
	}
	if ack.Type != "connection_ack" {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("handshake rejected: %s %s", ack.Type, ack.Payload)
	}

	start, _ := json.Marshal(map[string]any{
		"type": "start",
		"id":   "1",
		"payload": map[string]string{
			"query": "subscription { pipelines { pipelineInserted } }",
		},
	})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("ws start: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WaitForPipeline waits until a pipeline matching the predicate has
// been announced, or times out.
func (c *WSClient) WaitForPipeline(predicate func(models.Pipeline) bool, timeout time.Duration) (*models.Pipeline, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for pipeline (collected %d)", len(c.Pipelines()))
		case <-tick.C:
			for _, pipeline := range c.Pipelines() {
				if predicate(pipeline) {
					return &pipeline, nil
				}
			}
		}
	}
}

// Pipelines returns a snapshot of the announced pipelines.
func (c *WSClient) Pipelines() []models.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Pipeline(nil), c.pipelines...)
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		var frame struct {
			Type    string `json:"type"`
			Payload struct {
				Data struct {
					PipelineInserted models.Pipeline `json:"pipelineInserted"`
				} `json:"data"`
			} `json:"payload"`
		}
		if err := readWSFrame(c.ctx, c.conn, &frame); err != nil {
			return
		}
		if frame.Type != "data" {
			continue
		}
		c.mu.Lock()
		c.pipelines = append(c.pipelines, frame.Payload.Data.PipelineInserted)
		c.mu.Unlock()
	}
}

func readWSFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
