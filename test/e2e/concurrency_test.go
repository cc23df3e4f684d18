package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/agent"
)

// TestAssignmentRace has a pack of agents race for the same lease over
// real HTTP. A start barrier releases every contender at once so the
// requests actually overlap. Exactly one wins; every loser sees the
// stable wire message.
func TestAssignmentRace(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()

	jobID := app.SeedJob(t, "contended", "stages:\n  t:\n    script:\n      - true\n")
	pipeline := app.RegisterPipeline(t, jobID)

	const contenders = 6
	clients := make([]*agent.Client, contenders)
	agentIDs := make([]string, contenders)
	for i := range clients {
		clients[i] = agent.NewClient(app.BaseURL, AgentUser, AgentPassword)
		require.NoError(t, clients[i].Login(ctx))
		worker, err := clients[i].RegisterAgent(ctx)
		require.NoError(t, err)
		agentIDs[i] = worker.ID
	}

	start := make(chan struct{})
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := range clients {
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = clients[i].Assign(ctx, pipeline.ID, agentIDs[i])
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorContains(t, err, fmt.Sprintf("pipeline %s already assigned", pipeline.ID))
		}
	}
	assert.Equal(t, 1, winners)
}

// TestAgentLeaseCap verifies the per-agent assignment cap holds across
// pipelines of the same job.
func TestAgentLeaseCap(t *testing.T) {
	app := NewTestApp(t, WithMaxAssignedJobs(1))
	ctx := context.Background()

	jobID := app.SeedJob(t, "capped", "stages:\n  t:\n    script:\n      - true\n")
	first := app.RegisterPipeline(t, jobID)
	second := app.RegisterPipeline(t, jobID)

	client := agent.NewClient(app.BaseURL, AgentUser, AgentPassword)
	require.NoError(t, client.Login(ctx))
	worker, err := client.RegisterAgent(ctx)
	require.NoError(t, err)

	_, err = client.Assign(ctx, first.ID, worker.ID)
	require.NoError(t, err)

	// The cap rejects a second lease until the first starts running.
	_, err = client.Assign(ctx, second.ID, worker.ID)
	require.Error(t, err)

	_, err = client.SetRunning(ctx, first.ID, worker.ID)
	require.NoError(t, err)
	_, err = client.Assign(ctx, second.ID, worker.ID)
	require.NoError(t, err)
}
