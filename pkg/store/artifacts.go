package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/conveyorci/conveyor/pkg/models"
)

// CreateArtifact persists an artifact record.
func (s *Store) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(artifact).Error
}

// GetArtifact fetches one artifact by id.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*models.Artifact, error) {
	var artifact models.Artifact
	err := s.db.WithContext(ctx).Where("id = ?", artifactID).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &artifact, err
}

// ListArtifacts returns a build's artifacts.
func (s *Store) ListArtifacts(ctx context.Context, buildID string) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.db.WithContext(ctx).Where("build_id = ?", buildID).Find(&artifacts).Error
	return artifacts, err
}

// FindPreviousArtifact returns the latest full (non-delta) artifact with
// the given filename from an earlier build of the same job. Delta
// collection diffs against it.
func (s *Store) FindPreviousArtifact(ctx context.Context, orgID, jobID, filename, excludeBuildID string) (*models.Artifact, error) {
	var artifact models.Artifact
	err := s.db.WithContext(ctx).
		Joins("JOIN builds ON builds.id = build_artifacts.build_id").
		Where("builds.org_id = ? AND builds.job_id = ?", orgID, jobID).
		Where("build_artifacts.filename = ? AND build_artifacts.is_delta = ? AND build_artifacts.build_id <> ?",
			filename, false, excludeBuildID).
		Order("build_artifacts.created_at DESC").
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &artifact, err
}
