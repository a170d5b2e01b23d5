// Package queue runs the durable build queue's processor loop: the
// leader repeatedly claims the highest-priority pending entry and hands
// it to the dispatcher.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/dispatch"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// Drainer is the leader-gated queue processor.
type Drainer struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	cfg        *config.QueueConfig
	workerID   string
}

// NewDrainer creates a drainer identified by workerID in claim records.
func NewDrainer(st *store.Store, d *dispatch.Dispatcher, cfg *config.QueueConfig, workerID string) *Drainer {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &Drainer{store: st, dispatcher: d, cfg: cfg, workerID: workerID}
}

// Run drains the queue until ctx is cancelled. Each tick claims at most
// one entry; an empty queue just waits for the next tick. Jitter keeps
// multiple instances from synchronizing when leadership moves.
func (d *Drainer) Run(ctx context.Context) {
	slog.Info("Queue drainer started",
		"worker_id", d.workerID, "interval", d.cfg.DrainInterval)
	for {
		wait := d.cfg.DrainInterval
		if d.cfg.DrainIntervalJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(d.cfg.DrainIntervalJitter)))
		}
		select {
		case <-ctx.Done():
			slog.Info("Queue drainer stopped", "worker_id", d.workerID)
			return
		case <-time.After(wait):
		}

		d.drainOne(ctx)
		d.reportStalled(ctx)
	}
}

// drainOne claims and dispatches a single entry. An entry completes
// only when its build reached an execution target or is finished with;
// a dispatch failure that left the build alive (pool at capacity, store
// hiccup) releases the claim so the next tick retries it.
func (d *Drainer) drainOne(ctx context.Context) {
	entry, err := d.store.Dequeue(ctx, d.workerID)
	if errors.Is(err, store.ErrQueueEmpty) {
		return
	}
	if err != nil {
		slog.Error("Queue dequeue failed", "error", err)
		return
	}

	slog.Info("Queue entry claimed",
		"entry_id", entry.ID, "build_id", entry.BuildID, "priority", entry.Priority)
	if err := d.dispatcher.DispatchFromQueue(ctx, entry); err != nil {
		slog.Error("Dispatch of queued build failed",
			"entry_id", entry.ID, "build_id", entry.BuildID, "error", err)
		if d.buildStillLive(ctx, entry.BuildID) {
			if err := d.store.CompleteQueueEntry(ctx, entry.ID, models.QueueStatusPending); err != nil {
				slog.Error("Failed to release queue entry", "entry_id", entry.ID, "error", err)
			}
			return
		}
	}
	if err := d.store.CompleteQueueEntry(ctx, entry.ID, models.QueueStatusDone); err != nil {
		slog.Error("Failed to complete queue entry", "entry_id", entry.ID, "error", err)
	}
}

// buildStillLive reports whether the entry's build still needs an
// execution target after a failed dispatch. A build the dispatcher
// already finalized is done with the queue; a missing build has nothing
// left to run. A store error counts as live so the entry is retried
// rather than dropped.
func (d *Drainer) buildStillLive(ctx context.Context, buildID string) bool {
	build, err := d.store.GetBuild(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return !build.Status.Terminal()
}

// reportStalled logs entries stuck in claimed past the threshold.
func (d *Drainer) reportStalled(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.StalledThreshold)
	stalled, err := d.store.ListStalledQueueEntries(ctx, cutoff)
	if err != nil {
		slog.Error("Stalled queue scan failed", "error", err)
		return
	}
	for _, entry := range stalled {
		slog.Warn("Queue entry stalled",
			"error_kind", "queue-stalled",
			"entry_id", entry.ID, "build_id", entry.BuildID,
			"claimed_by", entry.ClaimedBy, "claimed_at", entry.ClaimedAt)
	}
}
