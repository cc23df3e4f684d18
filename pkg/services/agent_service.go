package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rustyops/rustyci/pkg/models"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/telemetry"
)

// AgentService manages the registered agent fleet. Agents register on
// startup, refresh their expiry with heartbeats, and are deleted by
// the TTL sweep once the expiry lapses.
type AgentService struct {
	store    storage.Store
	ttl      time.Duration
	fleetMax int
}

// NewAgentService creates the service. ttl is how long a heartbeat
// keeps an agent alive; fleetMax caps concurrent registrations.
func NewAgentService(store storage.Store, ttl time.Duration, fleetMax int) *AgentService {
	return &AgentService{store: store, ttl: ttl, fleetMax: fleetMax}
}

// Register admits a new agent and returns its identity.
func (s *AgentService) Register(ctx context.Context) (models.Agent, error) {
	existing, err := s.List(ctx)
	if err != nil {
		return models.Agent{}, err
	}
	if len(existing) >= s.fleetMax {
		return models.Agent{}, fmt.Errorf("%d agents registered: %w", len(existing), ErrFleetFull)
	}

	agent := models.Agent{
		ID:     uuid.NewString(),
		Expiry: time.Now().Add(s.ttl).Unix(),
	}
	if _, err := s.store.Create(ctx, models.IndexAgents, agent); err != nil {
		return models.Agent{}, err
	}

	telemetry.AgentsRegistered.Inc()
	slog.Info("Agent registered", "agent_id", agent.ID, "expiry", agent.Expiry)
	return agent, nil
}

// Healthcheck refreshes the agent's expiry.
func (s *AgentService) Healthcheck(ctx context.Context, agentID string) (models.Agent, error) {
	agent, found, err := storage.GetOne[models.Agent](ctx, s.store, models.IndexAgents, storage.ByID(agentID))
	if err != nil {
		return models.Agent{}, err
	}
	if !found {
		return models.Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	agent.Expiry = time.Now().Add(s.ttl).Unix()
	if _, err := s.store.Update(ctx, models.IndexAgents, agent.ID, agent); err != nil {
		return models.Agent{}, err
	}
	return agent, nil
}

// Unregister removes an agent, releasing its fleet slot.
func (s *AgentService) Unregister(ctx context.Context, agentID string) error {
	n, err := s.store.DeleteOne(ctx, models.IndexAgents, storage.ByID(agentID))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	slog.Info("Agent unregistered", "agent_id", agentID)
	return nil
}

// List returns every registered agent.
func (s *AgentService) List(ctx context.Context) ([]models.Agent, error) {
	return storage.GetAll[models.Agent](ctx, s.store, models.IndexAgents, nil, nil, false)
}

// Exists reports whether an agent is registered.
func (s *AgentService) Exists(ctx context.Context, agentID string) (bool, error) {
	_, found, err := storage.GetOne[models.Agent](ctx, s.store, models.IndexAgents, storage.ByID(agentID))
	return found, err
}
