package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/conveyorci/conveyor/pkg/models"
)

// ErrQueueEmpty is returned by Dequeue when no pending entry exists.
var ErrQueueEmpty = errors.New("queue empty")

// Enqueue inserts a pending queue entry.
func (s *Store) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	entry.Status = models.QueueStatusPending
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// Dequeue atomically claims the highest-priority oldest pending entry
// for workerID. On postgres the claim uses FOR UPDATE SKIP LOCKED so
// concurrent drainers never observe the same entry; on sqlite the
// database serializes writers, so a plain transactional
// check-and-update provides the same exactly-once property.
func (s *Store) Dequeue(ctx context.Context, workerID string) (*models.QueueEntry, error) {
	var claimed *models.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", models.QueueStatusPending).
			Order("priority DESC").
			Order("enqueued_at ASC").
			Limit(1)
		if s.postgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var entry models.QueueEntry
		if err := q.First(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQueueEmpty
			}
			return fmt.Errorf("querying pending entry: %w", err)
		}

		now := time.Now().UTC()
		res := tx.Model(&models.QueueEntry{}).
			Where("id = ? AND status = ?", entry.ID, models.QueueStatusPending).
			Updates(map[string]any{
				"status":     models.QueueStatusClaimed,
				"claimed_by": workerID,
				"claimed_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("claiming entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another claimer won the race (sqlite path without row locks).
			return ErrQueueEmpty
		}

		entry.Status = models.QueueStatusClaimed
		entry.ClaimedBy = workerID
		entry.ClaimedAt = &now
		claimed = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteQueueEntry transitions a claimed entry to the given status:
// done when the build reached an execution target, pending to release
// the claim so a later drain retries the entry.
func (s *Store) CompleteQueueEntry(ctx context.Context, entryID string, status models.QueueStatus) error {
	updates := map[string]any{"status": status}
	if status == models.QueueStatusPending {
		updates["claimed_by"] = ""
		updates["claimed_at"] = nil
	}
	return s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", entryID, models.QueueStatusClaimed).
		Updates(updates).Error
}

// QueueDepth counts pending entries, for readiness reporting.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("status = ?", models.QueueStatusPending).
		Count(&n).Error
	return n, err
}

// ListStalledQueueEntries returns entries claimed longer ago than the
// threshold. The drainer logs them with kind queue-stalled.
func (s *Store) ListStalledQueueEntries(ctx context.Context, olderThan time.Time) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.QueueStatusClaimed, olderThan).
		Find(&entries).Error
	return entries, err
}
