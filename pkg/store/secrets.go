package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/conveyorci/conveyor/pkg/models"
)

// PutSecret inserts or replaces an encrypted secret.
func (s *Store) PutSecret(ctx context.Context, secret *models.Secret) error {
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Save(secret).Error
}

// GetSecret fetches one secret by org, scope, and name.
func (s *Store) GetSecret(ctx context.Context, orgID, scope, name string) (*models.Secret, error) {
	var secret models.Secret
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND scope = ? AND name = ?", orgID, scope, name).
		First(&secret).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &secret, err
}

// ListSecrets returns every secret visible to a job: its own scope plus
// the org-global scope.
func (s *Store) ListSecrets(ctx context.Context, orgID, jobScope string) ([]models.Secret, error) {
	var secrets []models.Secret
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND scope IN ?", orgID, []string{"global", jobScope}).
		Find(&secrets).Error
	return secrets, err
}

// LogSecretAccess appends a secret access record.
func (s *Store) LogSecretAccess(ctx context.Context, access *models.SecretAccess) error {
	if access.AccessedAt.IsZero() {
		access.AccessedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(access).Error
}
