package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/conveyorci/conveyor/pkg/models"
)

// SaveCacheEntry inserts an artifact-cache entry. First write wins:
// a duplicate (job_id, cache_key) silently retains the existing value.
func (s *Store) SaveCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(upsertDoNothing).Create(entry).Error
}

// FindCacheEntry returns the exact-key match for a job, or ErrNotFound.
func (s *Store) FindCacheEntry(ctx context.Context, orgID, jobID, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND job_id = ? AND cache_key = ?", orgID, jobID, key).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &entry, err
}

// FindCacheEntryByPrefix returns the most recent entry whose key begins
// with the prefix, or ErrNotFound.
func (s *Store) FindCacheEntryByPrefix(ctx context.Context, orgID, jobID, prefix string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND job_id = ? AND cache_key LIKE ?", orgID, jobID, escapeLike(prefix)+"%").
		Order("created_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &entry, err
}

// IncrementCacheHit bumps the hit counter after a successful restore.
func (s *Store) IncrementCacheHit(ctx context.Context, entryID string) error {
	return s.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Where("id = ?", entryID).
		Update("hit_count", gorm.Expr("hit_count + 1")).Error
}

// ListCacheEntriesOlderThan returns entries past the retention age,
// oldest first. Eviction also walks this list when the size bound is
// exceeded.
func (s *Store) ListCacheEntriesOlderThan(ctx context.Context, cutoff time.Time) ([]models.CacheEntry, error) {
	var entries []models.CacheEntry
	err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// ListCacheEntriesByAge returns all entries oldest first with the
// current total size.
func (s *Store) ListCacheEntriesByAge(ctx context.Context) ([]models.CacheEntry, int64, error) {
	var entries []models.CacheEntry
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return entries, total, nil
}

// DeleteCacheEntry removes one entry row.
func (s *Store) DeleteCacheEntry(ctx context.Context, entryID string) error {
	return s.db.WithContext(ctx).Where("id = ?", entryID).Delete(&models.CacheEntry{}).Error
}

// PutStageCacheEntry inserts a stage-result cache row; first write wins
// per (job_id, fingerprint).
func (s *Store) PutStageCacheEntry(ctx context.Context, entry *models.StageCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(upsertDoNothing).Create(entry).Error
}

// GetStageCacheEntry returns the cached result for a fingerprint.
func (s *Store) GetStageCacheEntry(ctx context.Context, orgID, jobID, fingerprint string) (*models.StageCacheEntry, error) {
	var entry models.StageCacheEntry
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND job_id = ? AND fingerprint = ?", orgID, jobID, fingerprint).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &entry, err
}

// escapeLike escapes LIKE metacharacters so cache-key prefixes match
// literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
