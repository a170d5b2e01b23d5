package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/dispatch"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/store"
)

// newDrainerHarness wires a drainer over a real store and a worker pool
// that is never started, so submitted builds sit in the backlog. With
// distributed dispatch off every dispatch goes through the local pool.
func newDrainerHarness(t *testing.T, dispatchCfg *config.DispatchConfig) (*Drainer, *store.Store, *runner.Runner) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runnerCfg := config.DefaultRunnerConfig()
	runnerCfg.WorkerCount = 1
	pool := runner.New(st, nil, runnerCfg, "drain-test-instance")

	registry := agents.NewRegistry(nil, dispatchCfg)
	dispatcher := dispatch.New(st, registry, pool, dispatchCfg, &config.QueueConfig{}, "")
	d := NewDrainer(st, dispatcher, config.DefaultQueueConfig(), "drain-test-worker")
	return d, st, pool
}

func localDispatchConfig() *config.DispatchConfig {
	return &config.DispatchConfig{
		DistributedDispatch: false,
		HeartbeatStaleAfter: time.Minute,
		RequestTimeout:      time.Second,
	}
}

func queuedBuild(t *testing.T, st *store.Store) *models.Build {
	t.Helper()
	b := &models.Build{
		ID:     uuid.New().String(),
		JobID:  "job-drain",
		OrgID:  "org-drain",
		Status: models.BuildStatusQueued,
	}
	require.NoError(t, st.CreateBuild(context.Background(), b))
	return b
}

func enqueueEntry(t *testing.T, st *store.Store, buildID string) *models.QueueEntry {
	t.Helper()
	entry := &models.QueueEntry{
		ID:       uuid.New().String(),
		OrgID:    "org-drain",
		JobID:    "job-drain",
		BuildID:  buildID,
		Priority: models.QueuePriorityNormal,
	}
	require.NoError(t, st.Enqueue(context.Background(), entry))
	return entry
}

func entryStatus(t *testing.T, st *store.Store, entryID string) models.QueueStatus {
	t.Helper()
	var got models.QueueEntry
	require.NoError(t, st.DB().Where("id = ?", entryID).First(&got).Error)
	return got.Status
}

func TestDrainOneDispatchesAndCompletes(t *testing.T) {
	d, st, _ := newDrainerHarness(t, localDispatchConfig())
	build := queuedBuild(t, st)
	entry := enqueueEntry(t, st, build.ID)

	d.drainOne(context.Background())

	assert.Equal(t, models.QueueStatusDone, entryStatus(t, st, entry.ID))
	_, err := st.Dequeue(context.Background(), "other")
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestDrainOneReleasesEntryWhenPoolFull(t *testing.T) {
	d, st, pool := newDrainerHarness(t, localDispatchConfig())
	ctx := context.Background()

	// Fill the backlog so the dispatch fails with pool at capacity.
	for {
		if err := pool.Submit(&models.Build{ID: uuid.New().String()}); err != nil {
			require.ErrorIs(t, err, runner.ErrAtCapacity)
			break
		}
	}

	build := queuedBuild(t, st)
	entry := enqueueEntry(t, st, build.ID)

	d.drainOne(ctx)

	// The claim is released, the build stays queued, and a later drain
	// sees the entry again.
	assert.Equal(t, models.QueueStatusPending, entryStatus(t, st, entry.ID))
	got, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusQueued, got.Status)

	again, err := st.Dequeue(ctx, "retry-worker")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
}

func TestDrainOneCompletesEntryForTerminalBuild(t *testing.T) {
	d, st, _ := newDrainerHarness(t, localDispatchConfig())
	ctx := context.Background()

	build := queuedBuild(t, st)
	require.NoError(t, st.FinalizeBuild(ctx, build.ID,
		models.BuildStatusAborted, string(cierr.KindStepAborted), "cancelled before start"))
	entry := enqueueEntry(t, st, build.ID)

	d.drainOne(ctx)
	assert.Equal(t, models.QueueStatusDone, entryStatus(t, st, entry.ID))
}

func TestDrainOneCompletesEntryWhenDispatchFailsBuild(t *testing.T) {
	// Distributed dispatch without local fallback and no agents: the
	// dispatcher finalizes the build, so the entry is finished with.
	d, st, _ := newDrainerHarness(t, &config.DispatchConfig{
		DistributedDispatch:     true,
		FallbackLocal:           false,
		HeartbeatStaleAfter:     time.Minute,
		RequestTimeout:          time.Second,
		BreakerFailureThreshold: 3,
		BreakerCooldown:         time.Minute,
	})
	ctx := context.Background()

	build := queuedBuild(t, st)
	entry := enqueueEntry(t, st, build.ID)

	d.drainOne(ctx)

	assert.Equal(t, models.QueueStatusDone, entryStatus(t, st, entry.ID))
	got, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailure, got.Status)
	assert.Equal(t, string(cierr.KindNoAgentAvailable), got.ErrorKind)
}

func TestDrainOneCompletesEntryForMissingBuild(t *testing.T) {
	d, st, _ := newDrainerHarness(t, localDispatchConfig())
	entry := enqueueEntry(t, st, "no-such-build")

	d.drainOne(context.Background())
	assert.Equal(t, models.QueueStatusDone, entryStatus(t, st, entry.ID))
}
