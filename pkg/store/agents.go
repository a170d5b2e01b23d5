package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/conveyorci/conveyor/pkg/models"
)

// SaveAgent inserts or updates an agent record (write-through from the
// in-memory registry).
func (s *Store) SaveAgent(ctx context.Context, agent *models.Agent) error {
	return s.db.WithContext(ctx).Save(agent).Error
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).Where("id = ?", agentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &agent, err
}

// ListAgents returns every persisted agent. The registry hydrates its
// in-memory map from this at startup.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.WithContext(ctx).Find(&agents).Error
	return agents, err
}

// TouchAgentHeartbeat updates heartbeat time and load counters.
func (s *Store) TouchAgentHeartbeat(ctx context.Context, agentID string, currentBuilds int, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ?", agentID).
		Updates(map[string]any{
			"last_heartbeat_at": at,
			"current_builds":    currentBuilds,
			"status":            models.AgentStatusOnline,
		}).Error
}
