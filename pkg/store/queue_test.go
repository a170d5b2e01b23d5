package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/models"
)

func enqueue(t *testing.T, s *Store, buildID string, priority models.QueuePriority, at time.Time) {
	t.Helper()
	require.NoError(t, s.Enqueue(context.Background(), &models.QueueEntry{
		ID:         uuid.New().String(),
		OrgID:      "org-q",
		JobID:      "job-q",
		BuildID:    buildID,
		Priority:   priority,
		EnqueuedAt: at,
	}))
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	enqueue(t, s, "b-normal-old", models.QueuePriorityNormal, base)
	enqueue(t, s, "b-high-new", models.QueuePriorityHigh, base.Add(10*time.Second))
	enqueue(t, s, "b-high-old", models.QueuePriorityHigh, base.Add(5*time.Second))
	enqueue(t, s, "b-low", models.QueuePriorityLow, base)

	var order []string
	for i := 0; i < 4; i++ {
		entry, err := s.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		order = append(order, entry.BuildID)
	}
	assert.Equal(t, []string{"b-high-old", "b-high-new", "b-normal-old", "b-low"}, order)

	_, err := s.Dequeue(ctx, "worker-1")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestDequeueClaimsExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "b-once", models.QueuePriorityNormal, time.Now().UTC())

	entry, err := s.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "b-once", entry.BuildID)
	assert.Equal(t, models.QueueStatusClaimed, entry.Status)
	assert.Equal(t, "worker-a", entry.ClaimedBy)
	require.NotNil(t, entry.ClaimedAt)

	_, err = s.Dequeue(ctx, "worker-b")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestCompleteQueueEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "b-done", models.QueuePriorityNormal, time.Now().UTC())
	entry, err := s.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, s.CompleteQueueEntry(ctx, entry.ID, models.QueueStatusDone))

	var got models.QueueEntry
	require.NoError(t, s.DB().Where("id = ?", entry.ID).First(&got).Error)
	assert.Equal(t, models.QueueStatusDone, got.Status)

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCompleteQueueEntryReleaseRestoresPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "b-release", models.QueuePriorityNormal, time.Now().UTC())
	entry, err := s.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, s.CompleteQueueEntry(ctx, entry.ID, models.QueueStatusPending))

	again, err := s.Dequeue(ctx, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, "worker-2", again.ClaimedBy)
}

func TestListStalledQueueEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "b-stalled", models.QueuePriorityNormal, time.Now().UTC())
	entry, err := s.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	old := time.Now().UTC().Add(-15 * time.Minute)
	require.NoError(t, s.DB().Model(&models.QueueEntry{}).
		Where("id = ?", entry.ID).
		Update("claimed_at", old).Error)

	stalled, err := s.ListStalledQueueEntries(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, entry.ID, stalled[0].ID)
}
