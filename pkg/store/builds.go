package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CreateJob persists a pipeline template.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// SaveJob upserts a pipeline template by id. Agent workers use this to
// mirror the dispatched pipeline value into their local store.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(job).Error
}

// GetJob fetches a job scoped to its organization.
func (s *Store) GetJob(ctx context.Context, orgID, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", jobID, orgID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &job, err
}

// CreateBuild persists a new build, allocating the next monotonically
// increasing build number for the job inside one transaction.
func (s *Store) CreateBuild(ctx context.Context, build *models.Build) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		err := tx.Model(&models.Build{}).
			Where("job_id = ? AND org_id = ?", build.JobID, build.OrgID).
			Select("COALESCE(MAX(build_number), 0)").
			Scan(&maxNumber).Error
		if err != nil {
			return fmt.Errorf("allocating build number: %w", err)
		}
		build.BuildNumber = maxNumber + 1
		if build.RootBuildID == "" {
			build.RootBuildID = build.ID
		}
		if build.AttemptNumber == 0 {
			build.AttemptNumber = 1
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = time.Now().UTC()
		}
		return tx.Create(build).Error
	})
}

// GetBuild fetches one build by id.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*models.Build, error) {
	var build models.Build
	err := s.db.WithContext(ctx).Where("id = ?", buildID).First(&build).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &build, err
}

// UpdateBuild saves mutable build fields.
func (s *Store) UpdateBuild(ctx context.Context, build *models.Build) error {
	return s.db.WithContext(ctx).Save(build).Error
}

// FinalizeBuild transitions a build to a terminal status. Idempotent:
// a build already terminal is left untouched, which also guards the
// one-terminal-status invariant.
func (s *Store) FinalizeBuild(ctx context.Context, buildID string, status models.BuildStatus, errKind, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Build{}).
		Where("id = ? AND status IN ?", buildID,
			[]models.BuildStatus{models.BuildStatusQueued, models.BuildStatusRunning}).
		Updates(map[string]any{
			"status":        status,
			"finished_at":   now,
			"error_kind":    errKind,
			"error_message": errMsg,
		})
	return res.Error
}

// MarkBuildRunning records that execution started on the given instance.
func (s *Store) MarkBuildRunning(ctx context.Context, buildID, instanceID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&models.Build{}).
		Where("id = ?", buildID).
		Updates(map[string]any{
			"status":            models.BuildStatusRunning,
			"instance_id":       instanceID,
			"last_heartbeat_at": now,
		}).Error
}

// TouchBuildHeartbeat refreshes the liveness marker for orphan detection.
func (s *Store) TouchBuildHeartbeat(ctx context.Context, buildID string) error {
	return s.db.WithContext(ctx).Model(&models.Build{}).
		Where("id = ?", buildID).
		Update("last_heartbeat_at", time.Now().UTC()).Error
}

// ListStaleRunningBuilds returns running builds whose heartbeat is older
// than the threshold. Used by the orphan monitor.
func (s *Store) ListStaleRunningBuilds(ctx context.Context, olderThan time.Time) ([]models.Build, error) {
	var builds []models.Build
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?",
			models.BuildStatusRunning, olderThan).
		Find(&builds).Error
	return builds, err
}

// ListRunningBuildsByInstance returns running builds owned by one
// master instance. Used by startup orphan cleanup.
func (s *Store) ListRunningBuildsByInstance(ctx context.Context, instanceID string) ([]models.Build, error) {
	var builds []models.Build
	err := s.db.WithContext(ctx).
		Where("status = ? AND instance_id = ?", models.BuildStatusRunning, instanceID).
		Find(&builds).Error
	return builds, err
}

// FindActiveBuildByCommit looks for a queued/running/successful build of
// the same job and commit inside the dedup window.
func (s *Store) FindActiveBuildByCommit(ctx context.Context, orgID, jobID, commit string, since time.Time) (*models.Build, error) {
	var build models.Build
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND job_id = ? AND git_commit = ? AND started_at >= ? AND status IN ?",
			orgID, jobID, commit, since,
			[]models.BuildStatus{models.BuildStatusQueued, models.BuildStatusRunning, models.BuildStatusSuccess}).
		Order("started_at DESC").
		First(&build).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &build, err
}

// CreateStage persists a stage record after verifying the parent build
// exists, is not terminal, and shares the org.
func (s *Store) CreateStage(ctx context.Context, stage *models.BuildStage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.guardBuildOpen(tx, stage.BuildID, &stage.OrgID); err != nil {
			return err
		}
		return tx.Create(stage).Error
	})
}

// UpdateStage saves mutable stage fields.
func (s *Store) UpdateStage(ctx context.Context, stage *models.BuildStage) error {
	return s.db.WithContext(ctx).Save(stage).Error
}

// CreateStep persists a step record under the same guards as stages.
func (s *Store) CreateStep(ctx context.Context, step *models.BuildStep) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.guardBuildOpen(tx, step.BuildID, &step.OrgID); err != nil {
			return err
		}
		return tx.Create(step).Error
	})
}

// UpdateStep saves mutable step fields.
func (s *Store) UpdateStep(ctx context.Context, step *models.BuildStep) error {
	return s.db.WithContext(ctx).Save(step).Error
}

// ListStages returns the stage records of a build in start order.
func (s *Store) ListStages(ctx context.Context, buildID string) ([]models.BuildStage, error) {
	var stages []models.BuildStage
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("started_at ASC").
		Find(&stages).Error
	return stages, err
}

// ListSteps returns the step records of a build in start order.
func (s *Store) ListSteps(ctx context.Context, buildID string) ([]models.BuildStep, error) {
	var steps []models.BuildStep
	err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("started_at ASC").
		Find(&steps).Error
	return steps, err
}

// guardBuildOpen verifies the parent build exists and is not terminal,
// and propagates the build's org_id into the child record when unset.
func (s *Store) guardBuildOpen(tx *gorm.DB, buildID string, orgID *string) error {
	var build models.Build
	if err := tx.Select("id", "org_id", "status").Where("id = ?", buildID).First(&build).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cierr.New(cierr.KindStoreConflict, "build %s does not exist", buildID)
		}
		return err
	}
	if build.Status.Terminal() {
		return cierr.New(cierr.KindStoreConflict, "build %s is already terminal (%s)", buildID, build.Status)
	}
	if *orgID == "" {
		*orgID = build.OrgID
	} else if *orgID != build.OrgID {
		return cierr.New(cierr.KindStoreConflict, "org mismatch for build %s", buildID)
	}
	return nil
}

// upsertDoNothing is the first-write-wins conflict clause shared by the
// cache tables.
var upsertDoNothing = clause.OnConflict{DoNothing: true}
