// Package scheduler runs the server-side background loops: agent TTL
// expiry, orphaned pipeline reassignment, and pipeline log draining.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/services"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/telemetry"
)

// Consumer acquisition retries while the agent may not have created the
// log queue yet.
const (
	consumerRetries    = 10
	consumerRetryDelay = 500 * time.Millisecond
)

// Config carries the loop intervals.
type Config struct {
	AgentSweepInterval    time.Duration
	PipelineSweepInterval time.Duration
	LogScanInterval       time.Duration
}

// Fleet owns the three scheduler loops. All of them call services
// directly with system authority; none go through the wire layer.
type Fleet struct {
	config    Config
	agents    *services.AgentService
	pipelines *services.PipelineService
	store     storage.Store
	broker    messaging.Broker
	bus       *messaging.Bus

	cancel context.CancelFunc
	done   chan struct{}

	// In-flight drain set, keyed by pipeline id.
	mu       sync.Mutex
	draining map[string]bool
	drainWG  sync.WaitGroup
}

// NewFleet creates the fleet.
func NewFleet(cfg Config, agents *services.AgentService, pipelines *services.PipelineService, store storage.Store, broker messaging.Broker, bus *messaging.Bus) *Fleet {
	return &Fleet{
		config:    cfg,
		agents:    agents,
		pipelines: pipelines,
		store:     store,
		broker:    broker,
		bus:       bus,
		draining:  make(map[string]bool),
	}
}

// Start launches the background loops. Safe to call once.
func (f *Fleet) Start(ctx context.Context) {
	if f.cancel != nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	go f.run(ctx)

	slog.Info("Scheduler fleet started",
		"agent_sweep", f.config.AgentSweepInterval,
		"pipeline_sweep", f.config.PipelineSweepInterval,
		"log_scan", f.config.LogScanInterval)
}

// Stop signals the loops to exit and waits for them, including any
// drains still in flight.
func (f *Fleet) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.drainWG.Wait()
	slog.Info("Scheduler fleet stopped")
}

func (f *Fleet) run(ctx context.Context) {
	defer close(f.done)

	events, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	agentTicker := time.NewTicker(f.config.AgentSweepInterval)
	defer agentTicker.Stop()
	pipelineTicker := time.NewTicker(f.config.PipelineSweepInterval)
	defer pipelineTicker.Stop()
	logTicker := time.NewTicker(f.config.LogScanInterval)
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-agentTicker.C:
			f.sweepAgents(ctx)
		case <-pipelineTicker.C:
			f.sweepPipelines(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.handleEvent(ctx, ev)
		case <-logTicker.C:
			// Liveness fallback: the bus drops events when a
			// subscriber's buffer overflows, so rescan running
			// pipelines on a slow tick.
			f.scanRunning(ctx)
		}
	}
}

// sweepAgents deletes agents whose heartbeat expiry has lapsed.
func (f *Fleet) sweepAgents(ctx context.Context) {
	agents, err := f.agents.List(ctx)
	if err != nil {
		slog.Error("Agent sweep: list failed", "error", err)
		return
	}
	now := time.Now().Unix()
	for _, agent := range agents {
		if agent.Expiry >= now {
			continue
		}
		if err := f.agents.Unregister(ctx, agent.ID); err != nil {
			slog.Error("Agent sweep: unregister failed", "agent_id", agent.ID, "error", err)
			continue
		}
		telemetry.AgentsExpired.Inc()
		slog.Info("Agent expired", "agent_id", agent.ID)
	}
}

// sweepPipelines resets leased pipelines whose agent no longer exists,
// returning them to the pool for reassignment.
func (f *Fleet) sweepPipelines(ctx context.Context) {
	leased, err := f.pipelines.Get(ctx, query.Filter{
		"status": {query.OpOneOf: []any{
			string(models.StatusAssigned),
			string(models.StatusInProgress),
		}},
	}, nil, false)
	if err != nil {
		slog.Error("Pipeline sweep: list failed", "error", err)
		return
	}
	for _, pipeline := range leased {
		exists, err := f.agents.Exists(ctx, pipeline.AgentID)
		if err != nil {
			slog.Error("Pipeline sweep: agent lookup failed",
				"pipeline_id", pipeline.ID, "agent_id", pipeline.AgentID, "error", err)
			continue
		}
		if exists {
			continue
		}
		if _, err := f.pipelines.Reset(ctx, pipeline.ID); err != nil {
			slog.Error("Pipeline sweep: reset failed", "pipeline_id", pipeline.ID, "error", err)
			continue
		}
		slog.Info("Pipeline reset after agent loss",
			"pipeline_id", pipeline.ID, "agent_id", pipeline.AgentID)
	}
}

// handleEvent starts a drain when a pipeline transitions to InProgress.
func (f *Fleet) handleEvent(ctx context.Context, ev messaging.Event) {
	if ev.Index != models.IndexPipelines || ev.Op != messaging.OpUpdate {
		return
	}
	var pipeline models.Pipeline
	if err := json.Unmarshal(ev.Item, &pipeline); err != nil {
		slog.Error("Log drain: undecodable pipeline event", "error", err)
		return
	}
	if pipeline.Status != models.StatusInProgress {
		return
	}
	f.startDrain(ctx, pipeline.ID)
}

// scanRunning starts drains for any InProgress pipeline not already
// being drained.
func (f *Fleet) scanRunning(ctx context.Context) {
	running, err := f.pipelines.Get(ctx, query.Filter{
		"status": {query.OpEquals: string(models.StatusInProgress)},
	}, nil, false)
	if err != nil {
		slog.Error("Log drain: rescan failed", "error", err)
		return
	}
	for _, pipeline := range running {
		f.startDrain(ctx, pipeline.ID)
	}
}

// startDrain launches one drain goroutine per pipeline id.
func (f *Fleet) startDrain(ctx context.Context, pipelineID string) {
	f.mu.Lock()
	if f.draining[pipelineID] {
		f.mu.Unlock()
		return
	}
	f.draining[pipelineID] = true
	f.mu.Unlock()

	f.drainWG.Add(1)
	go func() {
		defer f.drainWG.Done()
		defer func() {
			f.mu.Lock()
			delete(f.draining, pipelineID)
			f.mu.Unlock()
		}()
		if err := f.drain(ctx, pipelineID); err != nil {
			slog.Error("Log drain failed", "pipeline_id", pipelineID, "error", err)
		}
	}()
}

// drain consumes the pipeline's log queue until EOF, appending every
// line to the pipeline's log record, then deletes the queue.
func (f *Fleet) drain(ctx context.Context, pipelineID string) error {
	queue := messaging.LogQueue(pipelineID)

	consumer, err := f.acquireConsumer(ctx, queue)
	if err != nil {
		return err
	}
	defer consumer.Close()

	for {
		msg, err := consumer.Next(ctx)
		if err != nil {
			return err
		}
		if messaging.IsEOF(msg) {
			break
		}
		if _, err := f.store.Append(ctx, models.IndexPipelineLogs, pipelineID, string(msg)); err != nil {
			return err
		}
		telemetry.LogEntriesDrained.Inc()
	}

	if err := f.broker.DeleteQueue(ctx, queue); err != nil {
		slog.Error("Log drain: queue delete failed", "queue", queue, "error", err)
	}
	slog.Info("Pipeline logs drained", "pipeline_id", pipelineID)
	return nil
}

// acquireConsumer retries while the agent may not have created the
// queue yet.
func (f *Fleet) acquireConsumer(ctx context.Context, queue string) (messaging.Consumer, error) {
	var lastErr error
	for i := 0; i < consumerRetries; i++ {
		consumer, err := f.broker.Consumer(ctx, queue)
		if err == nil {
			return consumer, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(consumerRetryDelay):
		}
	}
	return nil, lastErr
}
