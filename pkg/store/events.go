package store

import (
	"context"
	"time"

	"github.com/conveyorci/conveyor/pkg/models"
)

// AppendEvent persists a build event. The event_id column is the total
// order key; insertion order per build is recoverable by sorting on it.
func (s *Store) AppendEvent(ctx context.Context, event *models.BuildEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.OrgID == "" {
		var orgID string
		if err := s.db.WithContext(ctx).Model(&models.Build{}).
			Where("id = ?", event.BuildID).
			Select("org_id").Scan(&orgID).Error; err == nil {
			event.OrgID = orgID
		}
	}
	return s.db.WithContext(ctx).Create(event).Error
}

// ListEventsAfter returns up to limit events of a build with event_id
// strictly greater than afterEventID, in insertion order. An empty
// cursor replays from the beginning.
func (s *Store) ListEventsAfter(ctx context.Context, buildID, afterEventID string, limit int) ([]models.BuildEvent, error) {
	q := s.db.WithContext(ctx).Where("build_id = ?", buildID)
	if afterEventID != "" {
		q = q.Where("event_id > ?", afterEventID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []models.BuildEvent
	err := q.Order("event_id ASC").Find(&events).Error
	return events, err
}

// DeleteEventsBefore removes events older than the cutoff. Returns the
// number of rows removed. Used by retention.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.BuildEvent{})
	return res.RowsAffected, res.Error
}
