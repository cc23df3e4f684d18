package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/messaging/membroker"
	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/services"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/storage/memstore"
	"github.com/rustyops/rustyci/pkg/template"
)

const testTemplateYAML = "stages:\n  t:\n    script:\n      - echo hi\n"

func testConfig() Config {
	return Config{
		AgentSweepInterval:    10 * time.Millisecond,
		PipelineSweepInterval: 10 * time.Millisecond,
		LogScanInterval:       10 * time.Millisecond,
	}
}

type harness struct {
	bus       *messaging.Bus
	store     *memstore.Store
	broker    *membroker.Broker
	agents    *services.AgentService
	pipelines *services.PipelineService
	fleet     *Fleet
}

func newHarness(t *testing.T, agentTTL time.Duration) *harness {
	t.Helper()
	bus := messaging.NewBus()
	store := memstore.New(bus)
	broker := membroker.New()
	agents := services.NewAgentService(store, agentTTL, 10)
	pipelines := services.NewPipelineService(store, 10)
	return &harness{
		bus:       bus,
		store:     store,
		broker:    broker,
		agents:    agents,
		pipelines: pipelines,
		fleet:     NewFleet(testConfig(), agents, pipelines, store, broker, bus),
	}
}

// seedPipeline registers a project, a job, and one pipeline.
func (h *harness) seedPipeline(t *testing.T) models.Pipeline {
	t.Helper()
	ctx := context.Background()
	projects := services.NewProjectService(h.store)
	project, err := projects.Register(ctx, models.Project{Name: "p", URL: "http://p.example"})
	require.NoError(t, err)
	jobs := services.NewJobService(h.store)
	job, err := jobs.Register(ctx, models.Job{
		Name:      "build",
		Template:  template.Encode(testTemplateYAML),
		ProjectID: project.ID,
	})
	require.NoError(t, err)
	pipeline, err := h.pipelines.Create(ctx, job.ID, "")
	require.NoError(t, err)
	return pipeline
}

func TestAgentSweepDeletesExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, -time.Minute)

	agent, err := h.agents.Register(ctx)
	require.NoError(t, err)

	h.fleet.Start(ctx)
	defer h.fleet.Stop()

	require.Eventually(t, func() bool {
		exists, err := h.agents.Exists(ctx, agent.ID)
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond, "expired agent not swept")
}

func TestAgentSweepKeepsLive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Hour)

	agent, err := h.agents.Register(ctx)
	require.NoError(t, err)

	h.fleet.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	h.fleet.Stop()

	exists, err := h.agents.Exists(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPipelineSweepResetsOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Hour)

	pipeline := h.seedPipeline(t)
	// Lease the pipeline to an agent that was never registered.
	_, err := h.pipelines.Assign(ctx, pipeline.ID, "gone-agent")
	require.NoError(t, err)

	h.fleet.Start(ctx)
	defer h.fleet.Stop()

	require.Eventually(t, func() bool {
		got, found, err := h.pipelines.GetOne(ctx, storage.ByID(pipeline.ID))
		return err == nil && found && got.Status == models.StatusDefined && got.AgentID == ""
	}, 2*time.Second, 10*time.Millisecond, "orphaned pipeline not reset")
}

func TestPipelineSweepKeepsOwned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Hour)

	agent, err := h.agents.Register(ctx)
	require.NoError(t, err)
	pipeline := h.seedPipeline(t)
	_, err = h.pipelines.Assign(ctx, pipeline.ID, agent.ID)
	require.NoError(t, err)

	h.fleet.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	h.fleet.Stop()

	got, found, err := h.pipelines.GetOne(ctx, storage.ByID(pipeline.ID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.Equal(t, agent.ID, got.AgentID)
}

func TestLogDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Hour)

	agent, err := h.agents.Register(ctx)
	require.NoError(t, err)
	pipeline := h.seedPipeline(t)
	_, err = h.pipelines.Assign(ctx, pipeline.ID, agent.ID)
	require.NoError(t, err)

	// Agent side: create the queue and stream two lines plus EOF.
	queue := messaging.LogQueue(pipeline.ID)
	require.NoError(t, h.broker.CreateQueue(ctx, queue))
	require.NoError(t, h.broker.Publish(ctx, queue, []byte(`{"stage":"t","line":"one"}`)))
	require.NoError(t, h.broker.Publish(ctx, queue, []byte(`{"stage":"t","line":"two"}`)))
	require.NoError(t, h.broker.Publish(ctx, queue, []byte(messaging.EOF)))

	h.fleet.Start(ctx)
	defer h.fleet.Stop()

	// The InProgress transition triggers the drain via the bus.
	_, err = h.pipelines.SetRunning(ctx, pipeline.ID, agent.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		logs, err := h.pipelines.Logs(ctx, pipeline.ID)
		return err == nil && len(logs.Entries) == 2
	}, 2*time.Second, 10*time.Millisecond, "logs not drained")

	logs, err := h.pipelines.Logs(ctx, pipeline.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"stage":"t","line":"one"}`, `{"stage":"t","line":"two"}`}, logs.Entries)

	// The queue is deleted after EOF.
	require.Eventually(t, func() bool {
		_, err := h.broker.Consumer(ctx, queue)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "queue not deleted")
}

func TestLogDrainRescanFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Hour)

	agent, err := h.agents.Register(ctx)
	require.NoError(t, err)
	pipeline := h.seedPipeline(t)
	_, err = h.pipelines.Assign(ctx, pipeline.ID, agent.ID)
	require.NoError(t, err)
	// Transition before the fleet subscribes, so the bus event is lost
	// and only the rescan tick can pick the pipeline up.
	_, err = h.pipelines.SetRunning(ctx, pipeline.ID, agent.ID)
	require.NoError(t, err)

	queue := messaging.LogQueue(pipeline.ID)
	require.NoError(t, h.broker.CreateQueue(ctx, queue))
	require.NoError(t, h.broker.Publish(ctx, queue, []byte(`{"stage":"t","line":"only"}`)))
	require.NoError(t, h.broker.Publish(ctx, queue, []byte(messaging.EOF)))

	h.fleet.Start(ctx)
	defer h.fleet.Stop()

	require.Eventually(t, func() bool {
		logs, err := h.pipelines.Logs(ctx, pipeline.ID)
		return err == nil && len(logs.Entries) == 1
	}, 2*time.Second, 10*time.Millisecond, "rescan did not drain logs")
}

