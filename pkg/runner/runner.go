// Package runner owns the local build worker pool: bounded workers, a
// cancellation registry keyed by build id, per-build heartbeats, and
// the orphan monitor that reaps builds whose owner went away.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// ErrAtCapacity is returned by Submit when the pool's backlog is full;
// the caller should leave the build queued.
var ErrAtCapacity = cierr.New(cierr.KindDispatchFailed, "local worker pool is at capacity")

// Runner schedules builds onto a bounded worker pool.
type Runner struct {
	store      *store.Store
	exec       *executor.Executor
	cfg        *config.RunnerConfig
	instanceID string

	mu     sync.Mutex
	active map[string]context.CancelFunc

	backlog chan *models.Build
	wg      sync.WaitGroup
}

// New creates a runner for this master instance.
func New(st *store.Store, exec *executor.Executor, cfg *config.RunnerConfig, instanceID string) *Runner {
	if cfg == nil {
		cfg = config.DefaultRunnerConfig()
	}
	return &Runner{
		store:      st,
		exec:       exec,
		cfg:        cfg,
		instanceID: instanceID,
		active:     make(map[string]context.CancelFunc),
		backlog:    make(chan *models.Build, cfg.WorkerCount*2),
	}
}

// Start launches the worker pool and reaps builds this instance left
// running before a restart.
func (r *Runner) Start(ctx context.Context) {
	r.cleanupStartupOrphans(ctx)
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	slog.Info("Build runner started",
		"workers", r.cfg.WorkerCount, "instance_id", r.instanceID)
}

// Submit hands a queued build to the pool. Returns ErrAtCapacity when
// the backlog is full so the caller can keep the build in the durable
// queue instead.
func (r *Runner) Submit(build *models.Build) error {
	select {
	case r.backlog <- build:
		return nil
	default:
		return ErrAtCapacity
	}
}

// Cancel sets the build's cancellation and interrupts its worker.
// Returns false when the build is not active on this instance.
func (r *Runner) Cancel(buildID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[buildID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	slog.Info("Cancelling build", "build_id", buildID)
	cancel()
	return true
}

// ActiveCount returns the number of builds currently executing here.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown waits for active builds to finish, up to the configured
// graceful timeout, then returns.
func (r *Runner) Shutdown() {
	close(r.backlog)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Build runner drained")
	case <-time.After(r.cfg.GracefulShutdownTimeout):
		slog.Warn("Build runner shutdown timed out with builds still active",
			"active", r.ActiveCount())
	}
}

// worker consumes builds from the backlog until it closes or the
// parent context is cancelled.
func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case build, ok := <-r.backlog:
			if !ok {
				return
			}
			slog.Debug("Worker picked up build", "worker", id, "build_id", build.ID)
			r.runBuild(ctx, build)
		}
	}
}

// runBuild executes one build with its own cancellable context, a
// heartbeat loop for orphan detection, and registry bookkeeping.
func (r *Runner) runBuild(ctx context.Context, build *models.Build) {
	buildCtx, cancel := context.WithTimeout(ctx, r.cfg.BuildTimeout)
	defer cancel()

	r.mu.Lock()
	r.active[build.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, build.ID)
		r.mu.Unlock()
	}()

	if err := r.store.MarkBuildRunning(buildCtx, build.ID, r.instanceID); err != nil {
		slog.Error("Failed to mark build running", "build_id", build.ID, "error", err)
		return
	}
	build.Status = models.BuildStatusRunning

	stopHeartbeat := r.startHeartbeat(buildCtx, build.ID)
	defer stopHeartbeat()

	slog.Info("Build execution starting", "build_id", build.ID, "job_id", build.JobID)
	if err := r.exec.Execute(buildCtx, build); err != nil {
		slog.Warn("Build finished with error",
			"build_id", build.ID, "error_kind", cierr.KindOf(err), "error", err)
	}
}

// startHeartbeat refreshes the build's liveness marker until stopped.
func (r *Runner) startHeartbeat(ctx context.Context, buildID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.TouchBuildHeartbeat(hbCtx, buildID); err != nil {
					slog.Warn("Build heartbeat failed", "build_id", buildID, "error", err)
				}
			}
		}
	}()
	return cancel
}

// cleanupStartupOrphans aborts builds this instance left in running
// after a crash or restart.
func (r *Runner) cleanupStartupOrphans(ctx context.Context) {
	builds, err := r.store.ListRunningBuildsByInstance(ctx, r.instanceID)
	if err != nil {
		slog.Error("Startup orphan scan failed", "error", err)
		return
	}
	for _, build := range builds {
		slog.Warn("Aborting orphaned build from previous run",
			"build_id", build.ID, "instance_id", r.instanceID)
		if err := r.store.FinalizeBuild(ctx, build.ID, models.BuildStatusAborted,
			string(cierr.KindOrphaned), "instance restarted while build was running"); err != nil {
			slog.Error("Failed to abort orphaned build", "build_id", build.ID, "error", err)
		}
	}
}

// RunOrphanMonitor periodically aborts running builds whose heartbeat
// is older than the orphan threshold. Runs on the leader only.
func (r *Runner) RunOrphanMonitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.OrphanScanInterval)
	defer ticker.Stop()

	slog.Info("Orphan monitor started",
		"scan_interval", r.cfg.OrphanScanInterval, "threshold", r.cfg.OrphanThreshold)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Orphan monitor stopped")
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-r.cfg.OrphanThreshold)
			stale, err := r.store.ListStaleRunningBuilds(ctx, cutoff)
			if err != nil {
				slog.Error("Orphan scan failed", "error", err)
				continue
			}
			for _, build := range stale {
				if r.isActive(build.ID) {
					continue // our own worker is alive, heartbeat just lagged
				}
				slog.Warn("Aborting orphaned build",
					"build_id", build.ID, "last_heartbeat", build.LastHeartbeat)
				if err := r.store.FinalizeBuild(ctx, build.ID, models.BuildStatusAborted,
					string(cierr.KindOrphaned), "no heartbeat within orphan threshold"); err != nil {
					slog.Error("Failed to abort orphaned build", "build_id", build.ID, "error", err)
				}
			}
		}
	}
}

func (r *Runner) isActive(buildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[buildID]
	return ok
}
