package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyorci/conveyor/pkg/models"
)

// TryAcquireLeaderLock attempts a non-blocking acquisition of the named
// lock for holderID with a lease of ttl. It returns true when holderID
// holds the lock after the call (fresh acquisition or renewal).
//
// On the embedded engine there is a single master process, so the lock
// is granted unconditionally. On postgres the lease row is claimed in
// one transaction: a live lease held by someone else loses the attempt;
// an expired or own lease is taken over.
func (s *Store) TryAcquireLeaderLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	if !s.postgres {
		return true, nil
	}

	now := time.Now().UTC()
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock models.LeaderLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).
			First(&lock).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lock = models.LeaderLock{
				Name:       name,
				HolderID:   holderID,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}
			if err := tx.Create(&lock).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		case err != nil:
			return err
		}

		if lock.HolderID != holderID && lock.ExpiresAt.After(now) {
			return nil // live lease held elsewhere
		}

		if lock.HolderID != holderID {
			lock.AcquiredAt = now
		}
		lock.HolderID = holderID
		lock.ExpiresAt = now.Add(ttl)
		if err := tx.Save(&lock).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLeaderLock drops the lease if holderID owns it.
func (s *Store) ReleaseLeaderLock(ctx context.Context, name, holderID string) error {
	if !s.postgres {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("name = ? AND holder_id = ?", name, holderID).
		Delete(&models.LeaderLock{}).Error
}
