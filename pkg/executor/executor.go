// Package executor drives one build end to end: workspace, checkout,
// pipeline resolution, secret injection, matrix and DAG expansion, the
// stage loop with caching and approval gates, post actions, artifact
// collection, and notification.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/pkg/approval"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/exec"
	"github.com/conveyorci/conveyor/pkg/masking"
	"github.com/conveyorci/conveyor/pkg/matrix"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/pipeline"
	"github.com/conveyorci/conveyor/pkg/secrets"
	"github.com/conveyorci/conveyor/pkg/store"
	"github.com/conveyorci/conveyor/pkg/workspace"
)

// Executor runs builds. One instance serves all workers; per-build
// state lives in a buildContext.
type Executor struct {
	store      *store.Store
	bus        *events.Bus
	workspaces *workspace.Manager
	caches     *cache.Manager
	approvals  *approval.Manager
	secrets    *secrets.Service
	parsers    *pipeline.Registry
	runner     *exec.Runner
	steps      *StepRegistry
	hooks      Hooks
	cfg        *config.RunnerConfig
	wsCfg      *config.WorkspaceConfig
}

// New creates an executor. secretsSvc may be nil when no master key is
// configured; secret-referencing pipelines then fail with
// secret-missing.
func New(
	st *store.Store,
	bus *events.Bus,
	workspaces *workspace.Manager,
	caches *cache.Manager,
	approvals *approval.Manager,
	secretsSvc *secrets.Service,
	parsers *pipeline.Registry,
	hooks Hooks,
	cfg *config.RunnerConfig,
	wsCfg *config.WorkspaceConfig,
) *Executor {
	if cfg == nil {
		cfg = config.DefaultRunnerConfig()
	}
	if wsCfg == nil {
		wsCfg = config.LoadWorkspaceConfig()
	}
	if parsers == nil {
		parsers = pipeline.NewRegistry()
	}
	return &Executor{
		store:      st,
		bus:        bus,
		workspaces: workspaces,
		caches:     caches,
		approvals:  approvals,
		secrets:    secretsSvc,
		parsers:    parsers,
		runner:     &exec.Runner{},
		steps:      NewStepRegistry(),
		hooks:      hooks,
		cfg:        cfg,
		wsCfg:      wsCfg,
	}
}

// Steps exposes the step registry so hosts can add executor types.
func (e *Executor) Steps() *StepRegistry { return e.steps }

// buildContext is the per-build execution state.
type buildContext struct {
	build    *models.Build
	job      *models.Job
	pipeline *pipeline.Pipeline
	dir      string
	masker   *masking.Masker
	env      map[string]string // base env every step inherits
}

// errDeduplicated signals that an equivalent build already exists; the
// current build records a pointer to it instead of executing.
type errDeduplicated struct{ existingID string }

func (e *errDeduplicated) Error() string {
	return "deduplicated against build " + e.existingID
}

// Execute runs one build to its terminal status. The returned error
// mirrors what was recorded on the build; callers use it for logging
// only. Cancellation of ctx aborts the build.
func (e *Executor) Execute(ctx context.Context, build *models.Build) error {
	bc, err := e.prepare(ctx, build)
	if err != nil {
		var dedup *errDeduplicated
		if errors.As(err, &dedup) {
			e.finishDeduplicated(ctx, build, dedup.existingID)
			return nil
		}
		e.finish(ctx, &buildContext{build: build}, err)
		return err
	}

	runErr := e.runStages(ctx, bc)
	e.runPostActions(ctx, bc, runErr)
	if artErr := e.collectArtifacts(ctx, bc); artErr != nil && runErr == nil {
		runErr = artErr
	}
	e.notify(ctx, bc)
	e.finish(ctx, bc, runErr)
	return runErr
}

// prepare takes the build from record to runnable: workspace, checkout,
// pipeline resolution, expressions, secrets, containers, matrix, dedup.
func (e *Executor) prepare(ctx context.Context, build *models.Build) (*buildContext, error) {
	job, err := e.store.GetJob(ctx, build.OrgID, build.JobID)
	if err != nil {
		return nil, cierr.Wrap(cierr.KindPipelineNotFound, err, "loading job %s", build.JobID)
	}

	dir, err := e.workspaces.Allocate(build.ID)
	if err != nil {
		return nil, cierr.Wrap(cierr.KindCheckoutFailed, err, "allocating workspace")
	}
	build.WorkspacePath = dir
	if err := e.store.UpdateBuild(ctx, build); err != nil {
		return nil, err
	}

	e.bus.Publish(ctx, events.Event{
		BuildID: build.ID,
		OrgID:   build.OrgID,
		Kind:    events.KindBuildStarted,
		Payload: map[string]any{"build_number": build.BuildNumber, "job_id": build.JobID},
	})

	bc := &buildContext{
		build:  build,
		job:    job,
		dir:    dir,
		masker: masking.NewMasker(),
		env: map[string]string{
			"BUILD_ID":     build.ID,
			"BUILD_NUMBER": strconv.Itoa(build.BuildNumber),
			"JOB_NAME":     job.Name,
			"WORKSPACE":    dir,
		},
	}

	if err := e.checkout(ctx, bc); err != nil {
		return nil, err
	}

	if e.cfg.DedupEnabled && build.GitCommit != "" {
		since := time.Now().Add(-e.cfg.DedupWindow)
		existing, err := e.store.FindActiveBuildByCommit(ctx, build.OrgID, build.JobID, build.GitCommit, since)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.ID != build.ID {
			return nil, &errDeduplicated{existingID: existing.ID}
		}
	}

	p, source, err := e.resolvePipeline(bc)
	if err != nil {
		return nil, err
	}
	build.PipelineSource = source
	if err := e.store.UpdateBuild(ctx, build); err != nil {
		return nil, err
	}

	var params map[string]string
	if len(build.Parameters) > 0 {
		if err := json.Unmarshal(build.Parameters, &params); err != nil {
			return nil, cierr.Wrap(cierr.KindPipelineInvalid, err, "decoding build parameters")
		}
	}
	for name, value := range params {
		bc.env["PARAM_"+strings.ToUpper(name)] = value
	}
	for _, def := range p.Parameters {
		key := "PARAM_" + strings.ToUpper(def.Name)
		if _, set := bc.env[key]; !set && def.Default != "" {
			bc.env[key] = def.Default
		}
	}

	secretValues, err := e.injectSecrets(ctx, bc)
	if err != nil {
		return nil, err
	}

	// Server-side pipeline values are never expression-resolved.
	if source != models.PipelineSourceServer {
		pipeline.ResolveExpressions(p, func(name string) (string, bool) {
			v, ok := secretValues[name]
			return v, ok
		})
	}
	for k, v := range p.Env {
		bc.env[k] = v
	}

	p.PropagateContainers()
	if err := matrix.ExpandPipeline(p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	bc.pipeline = p
	return bc, nil
}

// checkout runs the host SCM hook and threads commit metadata into the
// build record and the step environment.
func (e *Executor) checkout(ctx context.Context, bc *buildContext) error {
	if e.hooks.Checkout == nil || len(bc.job.SourceConfig) == 0 {
		return nil
	}
	var src SourceConfig
	if err := json.Unmarshal(bc.job.SourceConfig, &src); err != nil {
		return cierr.Wrap(cierr.KindCheckoutFailed, err, "decoding source config")
	}
	if src.URL == "" {
		return nil
	}

	info, err := e.hooks.Checkout(ctx, src, bc.dir, bc.build.GitCommit)
	if err != nil {
		return cierr.Wrap(cierr.KindCheckoutFailed, err, "checking out %s", src.URL)
	}

	bc.build.GitCommit = info.Commit
	bc.build.GitBranch = info.Branch
	bc.build.GitAuthor = info.Author
	bc.build.GitEmail = info.Email
	bc.build.GitMessage = info.Message
	if err := e.store.UpdateBuild(ctx, bc.build); err != nil {
		return err
	}

	bc.env["GIT_COMMIT"] = info.Commit
	if len(info.Commit) >= 7 {
		bc.env["GIT_COMMIT_SHORT"] = info.Commit[:7]
	} else {
		bc.env["GIT_COMMIT_SHORT"] = info.Commit
	}
	bc.env["GIT_BRANCH"] = info.Branch
	bc.env["GIT_AUTHOR"] = info.Author
	bc.env["GIT_EMAIL"] = info.Email
	bc.env["GIT_MESSAGE"] = info.Message
	return nil
}

// resolvePipeline selects the pipeline definition in priority order:
// the EDN file in the workspace root, then the fixed YAML workflow
// paths, then the job's server-side value.
func (e *Executor) resolvePipeline(bc *buildContext) (*pipeline.Pipeline, models.PipelineSource, error) {
	ednPath := filepath.Join(bc.dir, pipeline.EDNPipelineFile)
	if _, err := os.Stat(ednPath); err == nil {
		p, err := e.parsers.ParseFile(ednPath)
		if err != nil {
			return nil, "", err
		}
		return p, models.PipelineSourceRepoEDN, nil
	}

	for _, rel := range pipeline.WorkflowPaths {
		path := filepath.Join(bc.dir, rel)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		p, err := e.parsers.ParseFile(path)
		if err != nil {
			return nil, "", err
		}
		return p, models.PipelineSourceRepoYAML, nil
	}

	if len(bc.job.PipelineValue) == 0 {
		return nil, "", cierr.New(cierr.KindPipelineNotFound,
			"job %s has no pipeline value and the workspace has no workflow file", bc.job.ID)
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal(bc.job.PipelineValue, &p); err != nil {
		return nil, "", cierr.Wrap(cierr.KindPipelineInvalid, err, "decoding server pipeline value")
	}
	return &p, models.PipelineSourceServer, nil
}

// injectSecrets resolves every secret visible to the job, registers
// each value with the masker, and adds it to the base env.
func (e *Executor) injectSecrets(ctx context.Context, bc *buildContext) (map[string]string, error) {
	if e.secrets == nil {
		return nil, nil
	}
	values, err := e.secrets.ResolveAll(ctx, bc.build.OrgID, bc.job.ID, bc.build.ID)
	if err != nil {
		return nil, err
	}
	for name, value := range values {
		bc.masker.Register(value)
		bc.env[name] = value
	}
	return values, nil
}

// runStages executes the stage loop in DAG or sequential mode. Pipeline
// level caches restore before the first stage and save after overall
// success.
func (e *Executor) runStages(ctx context.Context, bc *buildContext) error {
	for _, decl := range bc.pipeline.Cache {
		e.restoreCache(ctx, bc, decl)
	}

	var runErr error
	if bc.pipeline.UsesDAG() {
		runErr = e.runDAG(ctx, bc)
	} else {
		runErr = e.runSequential(ctx, bc)
	}

	if runErr == nil {
		for _, decl := range bc.pipeline.Cache {
			e.saveCache(ctx, bc, decl)
		}
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return runErr
}

// runPostActions runs always, then the outcome-matched group. Failures
// here are recorded but never change the build status.
func (e *Executor) runPostActions(ctx context.Context, bc *buildContext, runErr error) {
	post := bc.pipeline.Post
	if post == nil {
		return
	}
	// Post actions run even for failed builds, on a fresh context so a
	// cancelled build can still clean up.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()

	groups := [][]pipeline.Step{post.Always}
	if runErr == nil {
		groups = append(groups, post.OnSuccess)
	} else {
		groups = append(groups, post.OnFailure)
	}
	for _, steps := range groups {
		for i := range steps {
			step := steps[i]
			if _, err := e.runStep(postCtx, bc, "post", nil, &step); err != nil {
				slog.Warn("Post action failed",
					"build_id", bc.build.ID, "step", step.Name, "error", err)
			}
		}
	}
}

// notify drives the pluggable notification sinks and the SCM status
// reporter. Sink failures are logged only.
func (e *Executor) notify(ctx context.Context, bc *buildContext) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	for _, nc := range bc.pipeline.Notify {
		sink, ok := e.hooks.Notifiers[nc.Type]
		if !ok {
			slog.Warn("No notifier registered", "type", nc.Type, "build_id", bc.build.ID)
			continue
		}
		if err := sink(notifyCtx, bc.build, nc.Config); err != nil {
			slog.Warn("Notification failed",
				"type", nc.Type, "build_id", bc.build.ID, "error", err)
		}
	}
	if e.hooks.ReportSCMStatus != nil {
		if err := e.hooks.ReportSCMStatus(notifyCtx, bc.build); err != nil {
			slog.Warn("SCM status report failed", "build_id", bc.build.ID, "error", err)
		}
	}
}

// finish maps the terminal error to a build status, emits
// build-completed, finalizes the record, and removes the workspace.
func (e *Executor) finish(ctx context.Context, bc *buildContext, runErr error) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	status := models.BuildStatusSuccess
	var kind cierr.Kind
	var message string
	if runErr != nil {
		kind = cierr.KindOf(runErr)
		message = runErr.Error()
		if errors.Is(runErr, context.Canceled) || kind == cierr.KindStepAborted {
			status = models.BuildStatusAborted
		} else {
			status = models.BuildStatusFailure
		}
	}

	e.bus.Publish(finishCtx, events.Event{
		BuildID: bc.build.ID,
		OrgID:   bc.build.OrgID,
		Kind:    events.KindBuildCompleted,
		Payload: map[string]any{
			"status":     string(status),
			"error_kind": string(kind),
		},
	})
	if bc.masker != nil {
		message = bc.masker.Mask(message)
	}
	if err := e.store.FinalizeBuild(finishCtx, bc.build.ID, status, string(kind), message); err != nil {
		slog.Error("Failed to finalize build", "build_id", bc.build.ID, "error", err)
	}
	if bc.dir != "" {
		if err := e.workspaces.Remove(bc.dir); err != nil {
			slog.Warn("Failed to remove workspace", "build_id", bc.build.ID, "error", err)
		}
	}
	slog.Info("Build finished",
		"build_id", bc.build.ID, "status", status, "error_kind", kind)
}

// finishDeduplicated records the build as succeeded by reference to an
// equivalent existing build, without executing anything.
func (e *Executor) finishDeduplicated(ctx context.Context, build *models.Build, existingID string) {
	e.bus.Publish(ctx, events.Event{
		BuildID: build.ID,
		OrgID:   build.OrgID,
		Kind:    events.KindBuildCompleted,
		Payload: map[string]any{
			"status":               string(models.BuildStatusSuccess),
			"deduplicated_against": existingID,
		},
	})
	msg := fmt.Sprintf("deduplicated against build %s", existingID)
	if err := e.store.FinalizeBuild(ctx, build.ID, models.BuildStatusSuccess, "", msg); err != nil {
		slog.Error("Failed to finalize deduplicated build", "build_id", build.ID, "error", err)
	}
	slog.Info("Build deduplicated", "build_id", build.ID, "existing_build_id", existingID)
}
