// Package store provides the persistent state of the orchestration
// core on top of gorm. Both the networked engine (postgres) and the
// embedded single-file engine (sqlite) are supported; engine-specific
// behavior (row-skip locking, concurrent leaders) degrades gracefully
// on sqlite. Consumers depend on narrow interfaces they declare
// themselves; Store is the single concrete implementation.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
)

// Store is the gorm-backed persistence layer.
type Store struct {
	db       *gorm.DB
	postgres bool
}

// Open connects to the configured engine, applies the schema, and
// returns a ready Store.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	if cfg.IsPostgres() {
		dialector = postgres.Open(cfg.DSN())
	} else {
		dialector = sqlite.Open(cfg.Path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, postgres: cfg.IsPostgres()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("Store opened", "engine", cfg.Engine)
	return s, nil
}

// OpenMemory opens an in-memory sqlite store. Used by tests.
func OpenMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, &config.DatabaseConfig{
		Engine:       "sqlite",
		Path:         "file::memory:?cache=shared&_busy_timeout=5000",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&models.Job{},
		&models.Build{},
		&models.BuildStage{},
		&models.BuildStep{},
		&models.BuildEvent{},
		&models.QueueEntry{},
		&models.Agent{},
		&models.CacheEntry{},
		&models.StageCacheEntry{},
		&models.ApprovalGate{},
		&models.Artifact{},
		&models.Secret{},
		&models.SecretAccess{},
		&models.LeaderLock{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

// DB exposes the gorm handle for targeted queries in tests.
func (s *Store) DB() *gorm.DB { return s.db }
