// Package cleanup runs the scheduled retention work: event TTL
// deletion, cache eviction, and workspace sweeping. Runs on the leader
// only.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/store"
	"github.com/conveyorci/conveyor/pkg/workspace"
)

// Service schedules retention runs with cron expressions from config.
type Service struct {
	store      *store.Store
	caches     *cache.Manager
	workspaces *workspace.Manager
	cfg        *config.RetentionConfig
	cron       *cron.Cron
}

// NewService creates the retention service.
func NewService(st *store.Store, caches *cache.Manager, workspaces *workspace.Manager, cfg *config.RetentionConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{
		store:      st,
		caches:     caches,
		workspaces: workspaces,
		cfg:        cfg,
		cron:       cron.New(),
	}
}

// Run installs the schedules and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() { s.runRetention(ctx) }); err != nil {
		slog.Error("Invalid cleanup schedule", "schedule", s.cfg.CleanupSchedule, "error", err)
		return
	}
	if _, err := s.cron.AddFunc(s.cfg.CacheEvictionSchedule, func() { s.runEviction(ctx) }); err != nil {
		slog.Error("Invalid cache eviction schedule", "schedule", s.cfg.CacheEvictionSchedule, "error", err)
		return
	}

	s.cron.Start()
	slog.Info("Retention service started",
		"cleanup_schedule", s.cfg.CleanupSchedule,
		"eviction_schedule", s.cfg.CacheEvictionSchedule)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		slog.Warn("Retention jobs still running at shutdown")
	}
	slog.Info("Retention service stopped")
}

// runRetention deletes expired events and sweeps old workspaces.
func (s *Service) runRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.EventTTL)
	removed, err := s.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Event retention failed", "error", err)
	} else if removed > 0 {
		slog.Info("Expired build events deleted", "removed", removed, "cutoff", cutoff)
	}

	if s.workspaces != nil {
		swept := s.workspaces.SweepOlderThan(time.Now().Add(-s.cfg.WorkspaceTTL))
		if swept > 0 {
			slog.Info("Stale workspaces swept", "removed", swept)
		}
	}
}

// runEviction applies the cache age and size bounds.
func (s *Service) runEviction(ctx context.Context) {
	if s.caches == nil {
		return
	}
	removed, err := s.caches.Evict(ctx)
	if err != nil {
		slog.Error("Cache eviction failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Cache entries evicted", "removed", removed)
	}
}
