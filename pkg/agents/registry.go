// Package agents tracks remote worker nodes. The registry is an
// in-memory map with write-through persistence: every mutation writes
// the store first, then the map. Offline status is derived at read time
// from heartbeat age.
package agents

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
)

// Store is the persistence behind the registry. A nil Store makes the
// registry memory-only.
type Store interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
	ListAgents(ctx context.Context) ([]models.Agent, error)
	TouchAgentHeartbeat(ctx context.Context, agentID string, currentBuilds int, at time.Time) error
}

// RegisterRequest is the payload an agent presents at registration.
type RegisterRequest struct {
	Name      string   `json:"name" binding:"required"`
	URL       string   `json:"url" binding:"required,url"`
	Labels    []string `json:"labels"`
	MaxBuilds int      `json:"max_builds"`
	OrgID     *string  `json:"org_id"`
	CPUCores  int      `json:"cpu_cores"`
	MemoryGB  int      `json:"memory_gb"`
	Region    string   `json:"region"`
}

// Heartbeat is the periodic agent status report.
type Heartbeat struct {
	CurrentBuilds int `json:"current_builds"`
	CPUCores      int `json:"cpu_cores,omitempty"`
	MemoryGB      int `json:"memory_gb,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	// Labels must all be present on a matching agent.
	Labels []string

	// OrgID matches agents scoped to the org or shared (null org).
	OrgID string
}

// Registry is the write-through agent registry.
type Registry struct {
	store      Store
	staleAfter time.Duration

	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewRegistry creates a registry. store may be nil for memory-only use.
func NewRegistry(store Store, cfg *config.DispatchConfig) *Registry {
	staleAfter := 90 * time.Second
	if cfg != nil && cfg.HeartbeatStaleAfter > 0 {
		staleAfter = cfg.HeartbeatStaleAfter
	}
	return &Registry{
		store:      store,
		staleAfter: staleAfter,
		agents:     make(map[string]*models.Agent),
	}
}

// Hydrate refills the in-memory map from the store. Called on master
// start, before any dispatch decision.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range persisted {
		agent := persisted[i]
		r.agents[agent.ID] = &agent
	}
	slog.Info("Agent registry hydrated", "agents", len(persisted))
	return nil
}

// Register adds an agent and returns its id. Re-registration under the
// same name and URL reuses the existing id so restarts keep identity.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	r.mu.Lock()
	var existing *models.Agent
	for _, agent := range r.agents {
		if agent.Name == req.Name && agent.URL == req.URL {
			existing = agent
			break
		}
	}
	r.mu.Unlock()

	labels, err := json.Marshal(req.Labels)
	if err != nil {
		return "", err
	}
	maxBuilds := req.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = 2
	}

	agent := &models.Agent{
		ID:              uuid.New().String(),
		OrgID:           req.OrgID,
		Name:            req.Name,
		URL:             req.URL,
		Labels:          datatypes.JSON(labels),
		MaxBuilds:       maxBuilds,
		CPUCores:        req.CPUCores,
		MemoryGB:        req.MemoryGB,
		Region:          req.Region,
		LastHeartbeatAt: time.Now().UTC(),
		Status:          models.AgentStatusOnline,
	}
	if existing != nil {
		agent.ID = existing.ID
	}

	if r.store != nil {
		if err := r.store.SaveAgent(ctx, agent); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	slog.Info("Agent registered",
		"agent_id", agent.ID, "name", agent.Name, "url", agent.URL,
		"max_builds", agent.MaxBuilds, "region", agent.Region)
	return agent.ID, nil
}

// RecordHeartbeat updates liveness and load for an agent. Unknown ids
// return false.
func (r *Registry) RecordHeartbeat(ctx context.Context, agentID string, hb Heartbeat) (bool, error) {
	r.mu.RLock()
	agent, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	now := time.Now().UTC()
	if r.store != nil {
		if err := r.store.TouchAgentHeartbeat(ctx, agentID, hb.CurrentBuilds, now); err != nil {
			return true, err
		}
	}
	r.mu.Lock()
	agent.LastHeartbeatAt = now
	agent.CurrentBuilds = hb.CurrentBuilds
	agent.Status = models.AgentStatusOnline
	if hb.CPUCores > 0 {
		agent.CPUCores = hb.CPUCores
	}
	if hb.MemoryGB > 0 {
		agent.MemoryGB = hb.MemoryGB
	}
	r.mu.Unlock()
	return true, nil
}

// AdjustLoad shifts an agent's tracked build count after a dispatch or
// completion.
func (r *Registry) AdjustLoad(ctx context.Context, agentID string, delta int) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if ok {
		agent.CurrentBuilds += delta
		if agent.CurrentBuilds < 0 {
			agent.CurrentBuilds = 0
		}
	}
	r.mu.Unlock()
	if ok && r.store != nil {
		if err := r.store.SaveAgent(ctx, agent); err != nil {
			slog.Warn("Failed to persist agent load", "agent_id", agentID, "error", err)
		}
	}
}

// Get returns a copy of one agent with its effective status.
func (r *Registry) Get(agentID string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, false
	}
	return r.withEffectiveStatus(*agent), true
}

// List returns agents matching the filter, with offline status derived
// from heartbeat age at read time.
func (r *Registry) List(filter Filter) []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Agent
	for _, agent := range r.agents {
		if filter.OrgID != "" && agent.OrgID != nil && *agent.OrgID != filter.OrgID {
			continue
		}
		if len(filter.Labels) > 0 && !hasAllLabels(agent.Labels, filter.Labels) {
			continue
		}
		out = append(out, r.withEffectiveStatus(*agent))
	}
	return out
}

// Counts summarizes the registry for readiness reporting.
func (r *Registry) Counts() (total, online, offline, capacity int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		total++
		if r.online(agent) {
			online++
			capacity += agent.MaxBuilds - agent.CurrentBuilds
		} else {
			offline++
		}
	}
	return
}

func (r *Registry) online(agent *models.Agent) bool {
	return time.Since(agent.LastHeartbeatAt) < r.staleAfter
}

func (r *Registry) withEffectiveStatus(agent models.Agent) models.Agent {
	if r.online(&agent) {
		agent.Status = models.AgentStatusOnline
	} else {
		agent.Status = models.AgentStatusOffline
	}
	return agent
}

func hasAllLabels(raw datatypes.JSON, required []string) bool {
	var labels []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &labels); err != nil {
			return false
		}
	}
	have := make(map[string]bool, len(labels))
	for _, l := range labels {
		have[l] = true
	}
	for _, l := range required {
		if !have[l] {
			return false
		}
	}
	return true
}
