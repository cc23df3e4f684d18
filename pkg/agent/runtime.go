package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/config"
	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
)

// wsRedialDelay is how long the subscription loop waits before
// reconnecting after any WS failure.
const wsRedialDelay = 5 * time.Second

// tokenRenewalFraction refreshes the JWT when this share of its
// lifetime has passed.
const tokenRenewalFraction = 0.9

// Runtime supervises the agent's loops: the server subscription, the
// two polling loops, the heartbeat, and token renewal.
type Runtime struct {
	cfg      config.AgentConfig
	client   *Client
	broker   messaging.Broker
	tokenTTL time.Duration

	agentID  string
	executor *Executor
}

// NewRuntime creates the runtime. tokenTTL must match the server's
// JWT_TTL so renewal fires before expiry.
func NewRuntime(cfg config.AgentConfig, client *Client, broker messaging.Broker, tokenTTL time.Duration) *Runtime {
	return &Runtime{cfg: cfg, client: client, broker: broker, tokenTTL: tokenTTL}
}

// Run logs in, registers the agent, and runs every loop until the
// context ends. The agent unregisters on the way out.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.client.Login(ctx); err != nil {
		return fmt.Errorf("initial login: %w", err)
	}
	agent, err := r.client.RegisterAgent(ctx)
	if err != nil {
		return fmt.Errorf("agent registration: %w", err)
	}
	r.agentID = agent.ID
	r.executor = NewExecutor(agent.ID, r.client, r.broker, r.cfg.Workdir)
	slog.Info("Agent registered", "agent_id", agent.ID)

	defer func() {
		// Best effort: the TTL sweep collects us if this fails.
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.UnregisterAgent(unregCtx, r.agentID); err != nil {
			slog.Warn("Unregister failed", "agent_id", r.agentID, "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.subscriptionLoop(ctx) })
	g.Go(func() error { return r.pollLoop(ctx, r.cfg.GetUnassigned, r.pollUnassigned) })
	g.Go(func() error { return r.pollLoop(ctx, r.cfg.GetAssigned, r.pollAssigned) })
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.tokenRenewalLoop(ctx) })
	g.Go(func() error { return r.serveHealth(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// subscriptionLoop keeps a WS subscription to pipelineInserted events
// open, trying to lease every announced pipeline.
func (r *Runtime) subscriptionLoop(ctx context.Context) error {
	for {
		if err := r.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("WS subscription lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wsRedialDelay):
		}
	}
}

// subscribe dials the server, performs the GraphQL-WS handshake, and
// consumes data frames until the connection fails.
func (r *Runtime) subscribe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.cfg.ServerWSURL(), nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	init, err := json.Marshal(map[string]any{
		"type":    "connection_init",
		"payload": map[string]string{"auth": auth.BasicHeader(r.cfg.User, r.cfg.Password)},
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		return fmt.Errorf("ws init: %w", err)
	}

	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := readJSON(ctx, conn, &frame); err != nil {
		return fmt.Errorf("ws ack: %w", err)
	}
	if frame.Type != "connection_ack" {
		return fmt.Errorf("ws handshake rejected: %s", frame.Type)
	}

	start, err := json.Marshal(map[string]any{
		"type": "start",
		"id":   "1",
		"payload": map[string]string{
			"query": "subscription { pipelines { pipelineInserted } }",
		},
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		return fmt.Errorf("ws start: %w", err)
	}

	for {
		var data struct {
			Type    string `json:"type"`
			Payload struct {
				Data struct {
					PipelineInserted models.Pipeline `json:"pipelineInserted"`
				} `json:"data"`
			} `json:"payload"`
		}
		if err := readJSON(ctx, conn, &data); err != nil {
			return err
		}
		if data.Type != "data" {
			continue
		}
		r.tryAssign(ctx, data.Payload.Data.PipelineInserted)
	}
}

// pollLoop runs fn immediately and then on every tick.
func (r *Runtime) pollLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pollUnassigned fetches the oldest Defined pipeline and tries to
// lease it. Covers pipelines announced while the agent was offline.
func (r *Runtime) pollUnassigned(ctx context.Context) {
	pipelines, err := r.client.GetPipelines(ctx, query.Filter{
		"status": {query.OpEquals: string(models.StatusDefined)},
	}, &query.Options{SortField: "number", PageSize: 1}, true)
	if err != nil {
		slog.Warn("Unassigned poll failed", "error", err)
		return
	}
	for _, pipeline := range pipelines {
		r.tryAssign(ctx, pipeline)
	}
}

// pollAssigned fetches the oldest pipeline leased to this agent and
// executes it.
func (r *Runtime) pollAssigned(ctx context.Context) {
	pipelines, err := r.client.GetPipelines(ctx, query.Filter{
		"status":   {query.OpEquals: string(models.StatusAssigned)},
		"agent_id": {query.OpEquals: r.agentID},
	}, &query.Options{SortField: "number", PageSize: 1}, true)
	if err != nil {
		slog.Warn("Assigned poll failed", "error", err)
		return
	}
	for _, pipeline := range pipelines {
		r.execute(ctx, pipeline)
	}
}

// tryAssign races other agents for the lease. Losing is normal.
func (r *Runtime) tryAssign(ctx context.Context, pipeline models.Pipeline) {
	if _, err := r.client.Assign(ctx, pipeline.ID, r.agentID); err != nil {
		slog.Debug("Assign lost", "pipeline_id", pipeline.ID, "error", err)
		return
	}
	slog.Info("Pipeline leased", "pipeline_id", pipeline.ID)
}

// execute transitions a leased pipeline to InProgress and runs it.
func (r *Runtime) execute(ctx context.Context, pipeline models.Pipeline) {
	if _, err := r.client.SetRunning(ctx, pipeline.ID, r.agentID); err != nil {
		slog.Warn("SetRunning failed", "pipeline_id", pipeline.ID, "error", err)
		return
	}
	if err := r.executor.Execute(ctx, pipeline); err != nil {
		slog.Error("Pipeline execution failed", "pipeline_id", pipeline.ID, "error", err)
	}
}

// heartbeatLoop keeps the agent registration alive.
func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Healthcheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.client.Healthcheck(ctx, r.agentID); err != nil {
				slog.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// tokenRenewalLoop refreshes the JWT before it expires. A failed
// renewal retries on the next tick; requests fall back to basic
// credentials only if the token expires meanwhile.
func (r *Runtime) tokenRenewalLoop(ctx context.Context) error {
	interval := time.Duration(float64(r.tokenTTL) * tokenRenewalFraction)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.client.Login(ctx); err != nil {
				slog.Warn("Token renewal failed", "error", err)
			}
		}
	}
}

// serveHealth answers liveness probes on the agent's own listener.
func (r *Runtime) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              r.cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
