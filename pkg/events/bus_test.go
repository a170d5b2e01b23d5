package events

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
)

// memStore is an in-memory durable plane for bus tests.
type memStore struct {
	mu      sync.Mutex
	records []models.BuildEvent
}

func (m *memStore) AppendEvent(_ context.Context, event *models.BuildEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *event)
	return nil
}

func (m *memStore) ListEventsAfter(_ context.Context, buildID, afterEventID string, limit int) ([]models.BuildEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BuildEvent
	for _, r := range m.records {
		if r.BuildID == buildID && r.EventID > afterEventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestEventIDsAreLexicographicallyIncreasing(t *testing.T) {
	now := time.Now()
	prev := NewEventID(now)
	for i := 0; i < 100; i++ {
		next := NewEventID(now)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestPublishPersistsAndReplaysInOrder(t *testing.T) {
	st := &memStore{}
	bus := NewBus(st, nil)
	ctx := context.Background()

	kinds := []string{KindBuildStarted, KindStageStarted, KindStepCompleted, KindBuildCompleted}
	for _, kind := range kinds {
		bus.Publish(ctx, Event{BuildID: "b-1", Kind: kind})
	}
	bus.Publish(ctx, Event{BuildID: "b-other", Kind: KindBuildStarted})

	replayed, err := bus.Replay(ctx, "b-1", "", 0)
	require.NoError(t, err)
	require.Len(t, replayed, 4)
	for i, event := range replayed {
		assert.Equal(t, kinds[i], event.Kind)
	}
}

func TestReplayHonorsCursorAndLimit(t *testing.T) {
	st := &memStore{}
	bus := NewBus(st, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		published := bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStepLog})
		ids = append(ids, published.EventID)
	}

	afterSecond, err := bus.Replay(ctx, "b-1", ids[1], 0)
	require.NoError(t, err)
	require.Len(t, afterSecond, 3)
	assert.Equal(t, ids[2], afterSecond[0].EventID)

	limited, err := bus.Replay(ctx, "b-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := NewBus(&memStore{}, nil)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b-1", "")
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindBuildStarted})
	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindBuildCompleted})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, KindBuildStarted, first.Kind)
	assert.Equal(t, KindBuildCompleted, second.Kind)
}

func TestSubscribeReplaysHistoryBeforeLiveEvents(t *testing.T) {
	bus := NewBus(&memStore{}, nil)
	ctx := context.Background()

	started := bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindBuildStarted})
	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStageStarted})

	sub, err := bus.Subscribe(ctx, "b-1", started.EventID)
	require.NoError(t, err)
	defer sub.Close()

	replayed := <-sub.C
	assert.Equal(t, KindStageStarted, replayed.Kind)

	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindBuildCompleted})
	live := <-sub.C
	assert.Equal(t, KindBuildCompleted, live.Kind)
}

func TestSubscriberWindowDropsOldestNonCritical(t *testing.T) {
	bus := NewBus(&memStore{}, &config.EventsConfig{
		SubscriberWindow:    2,
		CriticalPublishWait: 10 * time.Millisecond,
	})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b-1", "")
	require.NoError(t, err)
	defer sub.Close()

	// Third non-critical publication displaces the oldest buffered one.
	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStepLog, Payload: map[string]any{"n": "1"}})
	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStepLog, Payload: map[string]any{"n": "2"}})
	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStepLog, Payload: map[string]any{"n": "3"}})

	first := <-sub.C
	assert.Equal(t, "2", first.Payload["n"])
	assert.False(t, sub.DroppedCritical())
}

func TestCriticalEventDropFlagsSubscription(t *testing.T) {
	bus := NewBus(&memStore{}, &config.EventsConfig{
		SubscriberWindow:    1,
		CriticalPublishWait: 10 * time.Millisecond,
	})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b-1", "")
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStepLog})
	bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindBuildCompleted})

	assert.True(t, sub.DroppedCritical())
	delivered := <-sub.C
	assert.Equal(t, KindBuildCompleted, delivered.Kind)
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	bus := NewBus(&memStore{}, nil)
	sub, err := bus.Subscribe(context.Background(), "b-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("b-1"))

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("b-1"))
}

func TestConcurrentPublishersDeliverInIDOrder(t *testing.T) {
	bus := NewBus(&memStore{}, &config.EventsConfig{
		SubscriberWindow:    256,
		CriticalPublishWait: 100 * time.Millisecond,
	})
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b-1", "")
	require.NoError(t, err)
	defer sub.Close()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(ctx, Event{BuildID: "b-1", Kind: KindStepCompleted})
		}()
	}
	wg.Wait()

	prev := ""
	for i := 0; i < n; i++ {
		event := <-sub.C
		assert.Greater(t, event.EventID, prev)
		prev = event.EventID
	}
	assert.False(t, sub.DroppedCritical())
}

func TestRegressedEventIDFlagsCriticalGap(t *testing.T) {
	bus := NewBus(&memStore{}, nil)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b-1", "")
	require.NoError(t, err)
	defer sub.Close()

	// Pre-assigned ids arriving inverted, as forwarded agent events can.
	now := time.Now().UTC()
	early := NewEventID(now)
	late := NewEventID(now)

	bus.Publish(ctx, Event{EventID: late, BuildID: "b-1", Kind: KindStageCompleted})
	bus.Publish(ctx, Event{EventID: early, BuildID: "b-1", Kind: KindStepCompleted})

	delivered := <-sub.C
	assert.Equal(t, KindStageCompleted, delivered.Kind)

	// The earlier critical event cannot be slotted behind the cursor;
	// the subscription is flagged so the consumer re-syncs via Replay.
	assert.True(t, sub.DroppedCritical())
	replayed, err := bus.Replay(ctx, "b-1", "", 0)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, KindStepCompleted, replayed[0].Kind)
}

func TestRegressedNonCriticalIDDoesNotFlag(t *testing.T) {
	bus := NewBus(&memStore{}, nil)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b-1", "")
	require.NoError(t, err)
	defer sub.Close()

	now := time.Now().UTC()
	early := NewEventID(now)
	late := NewEventID(now)

	bus.Publish(ctx, Event{EventID: late, BuildID: "b-1", Kind: KindStepLog})
	bus.Publish(ctx, Event{EventID: early, BuildID: "b-1", Kind: KindStepLog})

	delivered := <-sub.C
	assert.Equal(t, late, delivered.EventID)
	assert.False(t, sub.DroppedCritical())
}

func TestCriticalKinds(t *testing.T) {
	assert.True(t, Critical(KindBuildCompleted))
	assert.True(t, Critical(KindApprovalRequired))
	assert.False(t, Critical(KindStepLog))
	assert.False(t, Critical(KindStageStarted))
}
