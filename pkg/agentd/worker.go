package agentd

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// Dispatch is the build assignment the master POSTs to an agent.
type Dispatch struct {
	BuildID       string            `json:"build_id" binding:"required"`
	JobID         string            `json:"job_id" binding:"required"`
	OrgID         string            `json:"org_id" binding:"required"`
	PipelineValue json.RawMessage   `json:"pipeline_value,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// ErrAtCapacity rejects a dispatch when every slot is busy. The master
// counts the rejection against the agent's breaker and reroutes.
var ErrAtCapacity = cierr.New(cierr.KindDispatchFailed, "agent at capacity")

// Worker runs dispatched builds on a bounded pool. Build, stage, step,
// and event records go to the agent's local store; a per-build
// forwarder relays events, the final result, and artifacts to the
// master.
type Worker struct {
	store     *store.Store
	bus       *events.Bus
	exec      *executor.Executor
	client    *Client
	cfg       *config.AgentConfig
	runnerCfg *config.RunnerConfig

	slots  *semaphore.Weighted
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewWorker creates the agent build pool.
func NewWorker(st *store.Store, bus *events.Bus, exec *executor.Executor, client *Client, cfg *config.AgentConfig, runnerCfg *config.RunnerConfig) *Worker {
	maxBuilds := cfg.MaxBuilds
	if maxBuilds <= 0 {
		maxBuilds = 2
	}
	if runnerCfg == nil {
		runnerCfg = config.DefaultRunnerConfig()
	}
	return &Worker{
		store:     st,
		bus:       bus,
		exec:      exec,
		client:    client,
		cfg:       cfg,
		runnerCfg: runnerCfg,
		slots:     semaphore.NewWeighted(int64(maxBuilds)),
	}
}

// ActiveCount returns the number of builds currently executing.
func (w *Worker) ActiveCount() int { return int(w.active.Load()) }

// Accept claims a slot and starts the build asynchronously. Returns
// ErrAtCapacity without blocking when no slot is free.
func (w *Worker) Accept(ctx context.Context, d *Dispatch) error {
	if !w.slots.TryAcquire(1) {
		return ErrAtCapacity
	}
	if err := w.mirror(ctx, d); err != nil {
		w.slots.Release(1)
		return err
	}
	w.active.Add(1)
	w.wg.Add(1)
	go w.run(ctx, d)
	return nil
}

// Wait blocks until all accepted builds have finished reporting.
func (w *Worker) Wait() { w.wg.Wait() }

// mirror writes the job and build records the executor expects into the
// agent's local store, using the ids assigned by the master.
func (w *Worker) mirror(ctx context.Context, d *Dispatch) error {
	pipelineValue := d.PipelineValue
	if len(d.Env) > 0 {
		merged, err := mergePipelineEnv(pipelineValue, d.Env)
		if err != nil {
			return cierr.Wrap(cierr.KindPipelineInvalid, err, "merging dispatch env")
		}
		pipelineValue = merged
	}

	job := &models.Job{
		ID:            d.JobID,
		OrgID:         d.OrgID,
		Name:          d.JobID,
		PipelineValue: datatypes.JSON(pipelineValue),
	}
	if err := w.store.SaveJob(ctx, job); err != nil {
		return err
	}

	build := &models.Build{
		ID:          d.BuildID,
		JobID:       d.JobID,
		OrgID:       d.OrgID,
		Status:      models.BuildStatusQueued,
		TriggerType: "dispatch",
		StartedAt:   time.Now().UTC(),
	}
	if len(d.Parameters) > 0 {
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return err
		}
		build.Parameters = datatypes.JSON(raw)
	}
	return w.store.CreateBuild(ctx, build)
}

// run executes one build and reports everything back to the master.
// The dispatch request's context ends with the HTTP exchange, so the
// build runs on its own context.
func (w *Worker) run(reqCtx context.Context, d *Dispatch) {
	defer func() {
		w.active.Add(-1)
		w.slots.Release(1)
		w.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), w.runnerCfg.BuildTimeout)
	defer cancel()

	build, err := w.store.GetBuild(ctx, d.BuildID)
	if err != nil {
		slog.Error("Dispatched build missing from local store", "build_id", d.BuildID, "error", err)
		return
	}

	sub, err := w.bus.Subscribe(ctx, d.BuildID, "")
	if err != nil {
		slog.Error("Failed to subscribe to build events", "build_id", d.BuildID, "error", err)
		return
	}
	// Forwarding outlives the build timeout so terminal events from a
	// timed-out build still reach the master.
	forwardCtx := context.WithoutCancel(ctx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for event := range sub.C {
			w.client.SendEvent(forwardCtx, event)
		}
	}()

	if err := w.store.MarkBuildRunning(ctx, d.BuildID, "agent:"+w.client.AgentID()); err != nil {
		slog.Error("Failed to mark build running", "build_id", d.BuildID, "error", err)
	}
	if err := w.exec.Execute(ctx, build); err != nil {
		slog.Warn("Build failed on agent", "build_id", d.BuildID, "error", err)
	}

	sub.Close()
	<-forwarded

	// A timed-out build still reports its result, on a fresh context.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancelReport()
	w.report(reportCtx, d.BuildID)
}

// report sends the terminal result and uploads collected artifacts.
func (w *Worker) report(ctx context.Context, buildID string) {
	build, err := w.store.GetBuild(ctx, buildID)
	if err != nil {
		slog.Error("Cannot load finished build for result report", "build_id", buildID, "error", err)
		return
	}
	if err := w.client.SendResult(ctx, build); err != nil {
		slog.Error("Failed to report build result", "build_id", buildID, "error", err)
	}

	artifacts, err := w.store.ListArtifacts(ctx, buildID)
	if err != nil {
		slog.Error("Failed to list artifacts for upload", "build_id", buildID, "error", err)
		return
	}
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		paths = append(paths, a.Path)
	}
	if err := w.client.UploadArtifacts(ctx, buildID, paths); err != nil {
		slog.Error("Artifact upload failed", "build_id", buildID, "error", err)
	}
}

// mergePipelineEnv folds dispatch-level env vars into the pipeline
// value's env map without disturbing the rest of the document.
func mergePipelineEnv(pipelineValue json.RawMessage, env map[string]string) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(pipelineValue) > 0 {
		if err := json.Unmarshal(pipelineValue, &doc); err != nil {
			return nil, err
		}
	}
	merged := map[string]string{}
	if raw, ok := doc["env"]; ok {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range env {
		merged[k] = v
	}
	rawEnv, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	doc["env"] = rawEnv
	return json.Marshal(doc)
}
