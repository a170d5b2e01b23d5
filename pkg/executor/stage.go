package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/dag"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/pipeline"
	"github.com/conveyorci/conveyor/pkg/store"
)

// runSequential executes stages in declaration order. The first failure
// ends the run; the remaining stages are recorded skipped.
func (e *Executor) runSequential(ctx context.Context, bc *buildContext) error {
	stages := bc.pipeline.Stages
	for i := range stages {
		if ctx.Err() != nil {
			for j := i; j < len(stages); j++ {
				e.recordSkipped(ctx, bc, stages[j].Name, "")
			}
			return cierr.Wrap(cierr.KindStepAborted, ctx.Err(), "build cancelled")
		}
		if err := e.runStage(ctx, bc, &stages[i]); err != nil {
			for j := i + 1; j < len(stages); j++ {
				e.recordSkipped(ctx, bc, stages[j].Name, stages[i].Name)
			}
			return err
		}
	}
	return nil
}

// runDAG executes stages with bounded parallelism under the dependency
// graph. Descendants of a failed stage are recorded skipped with the
// failing ancestor.
func (e *Executor) runDAG(ctx context.Context, bc *buildContext) error {
	nodes := make([]dag.Node, 0, len(bc.pipeline.Stages))
	byName := make(map[string]*pipeline.Stage, len(bc.pipeline.Stages))
	for i := range bc.pipeline.Stages {
		stage := &bc.pipeline.Stages[i]
		nodes = append(nodes, dag.Node{Name: stage.Name, DependsOn: stage.DependsOn})
		byName[stage.Name] = stage
	}
	graph, err := dag.Build(nodes)
	if err != nil {
		return err
	}

	result := graph.Run(ctx, e.cfg.MaxStageConcurrency,
		func(stageCtx context.Context, name string) error {
			return e.runStage(stageCtx, bc, byName[name])
		},
		func(name, failedAncestor string) {
			e.recordSkipped(ctx, bc, name, failedAncestor)
		})

	if result.HasFailure() {
		for _, err := range result.Failed {
			return err
		}
	}
	if ctx.Err() != nil {
		return cierr.Wrap(cierr.KindStepAborted, ctx.Err(), "build cancelled")
	}
	return nil
}

// runStage executes one stage: cancellation check, stage-result cache,
// policy, approval gate, cache restore, steps, cache save.
func (e *Executor) runStage(ctx context.Context, bc *buildContext, stage *pipeline.Stage) error {
	if ctx.Err() != nil {
		return cierr.Wrap(cierr.KindStepAborted, ctx.Err(), "stage %q cancelled before start", stage.Name)
	}

	fingerprint := e.stageFingerprint(bc, stage)
	if fingerprint != "" {
		if hit, err := e.tryStageCache(ctx, bc, stage, fingerprint); err == nil && hit {
			return nil
		}
	}

	if e.hooks.EvaluatePolicy != nil {
		if err := e.hooks.EvaluatePolicy(ctx, bc.build, stage.Name); err != nil {
			denied := cierr.Wrap(cierr.KindPolicyDenied, err, "stage %q denied by policy", stage.Name)
			e.recordFailedStage(ctx, bc, stage.Name, denied)
			return denied
		}
	}

	if stage.Approval != nil {
		gate, err := e.approvals.Open(ctx, bc.build.OrgID, bc.build.ID, stage.Name, stage.Approval)
		if err != nil {
			return err
		}
		if err := e.approvals.Wait(ctx, gate.ID); err != nil {
			e.recordFailedStage(ctx, bc, stage.Name, err)
			return err
		}
	}

	for _, decl := range stage.Cache {
		e.restoreCache(ctx, bc, decl)
	}

	record := &models.BuildStage{
		ID:        uuid.New().String(),
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Name:      stage.Name,
		Status:    models.StageStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if stage.Container != nil {
		record.ContainerImage = stage.Container.Image
	}
	if err := e.store.CreateStage(ctx, record); err != nil {
		return err
	}
	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStageStarted,
		StageName: stage.Name,
	})

	stepErr := e.runSteps(ctx, bc, stage)

	now := time.Now().UTC()
	record.FinishedAt = &now
	if stepErr != nil {
		record.Status = models.StageStatusFailure
		if cierr.Is(stepErr, cierr.KindStepAborted) {
			record.Status = models.StageStatusAborted
		}
		record.ErrorMessage = bc.masker.Mask(stepErr.Error())
	} else {
		record.Status = models.StageStatusSuccess
	}
	if err := e.store.UpdateStage(ctx, record); err != nil {
		slog.Error("Failed to update stage record",
			"build_id", bc.build.ID, "stage", stage.Name, "error", err)
	}

	if stepErr == nil {
		for _, decl := range stage.Cache {
			e.saveCache(ctx, bc, decl)
		}
		if fingerprint != "" {
			e.putStageCache(ctx, bc, stage, fingerprint, record)
		}
	}

	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStageCompleted,
		StageName: stage.Name,
		Payload:   map[string]any{"status": string(record.Status)},
	})
	return stepErr
}

// runSteps executes a stage's steps sequentially, or concurrently when
// the stage declares parallel, joining before the stage completes.
func (e *Executor) runSteps(ctx context.Context, bc *buildContext, stage *pipeline.Stage) error {
	if !stage.Parallel {
		for i := range stage.Steps {
			if _, err := e.runStep(ctx, bc, stage.Name, stage.Container, &stage.Steps[i]); err != nil {
				return err
			}
		}
		return nil
	}

	g, stepCtx := errgroup.WithContext(ctx)
	for i := range stage.Steps {
		step := &stage.Steps[i]
		g.Go(func() error {
			_, err := e.runStep(stepCtx, bc, stage.Name, stage.Container, step)
			return err
		})
	}
	return g.Wait()
}

// stageFingerprint computes the stage-result cache key, or "" when the
// stage is ineligible (caching disabled, no commit, approval or matrix
// variance make results non-reusable only via env which is included).
func (e *Executor) stageFingerprint(bc *buildContext, stage *pipeline.Stage) string {
	if e.caches == nil || !e.cacheStageResults() || bc.build.GitCommit == "" {
		return ""
	}
	if stage.Approval != nil {
		return ""
	}
	commands := make([]string, 0, len(stage.Steps))
	env := make(map[string]string, len(bc.env))
	for k, v := range bc.env {
		env[k] = v
	}
	for _, step := range stage.Steps {
		commands = append(commands, step.Command)
		for k, v := range step.Env {
			env[k] = v
		}
	}
	return cache.StageFingerprint(bc.build.GitCommit, stage.Name, commands, cache.StableEnv(env))
}

func (e *Executor) cacheStageResults() bool {
	return e.caches != nil && e.caches.StageResultsEnabled()
}

// tryStageCache reuses a prior successful result for an identical
// fingerprint: a stage record is written verbatim from the cached
// result and a stage-cached event replaces execution.
func (e *Executor) tryStageCache(ctx context.Context, bc *buildContext, stage *pipeline.Stage, fingerprint string) (bool, error) {
	entry, err := e.store.GetStageCacheEntry(ctx, bc.build.OrgID, bc.job.ID, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		// Treat lookup failure as a miss; the stage executes normally.
		slog.Warn("Stage cache lookup failed",
			"build_id", bc.build.ID, "stage", stage.Name, "error", err)
		return false, nil
	}

	var cached models.BuildStage
	if err := json.Unmarshal(entry.StageResult, &cached); err != nil {
		return false, nil
	}
	now := time.Now().UTC()
	record := &models.BuildStage{
		ID:             uuid.New().String(),
		BuildID:        bc.build.ID,
		OrgID:          bc.build.OrgID,
		Name:           stage.Name,
		Status:         models.StageStatusSuccess,
		StartedAt:      now,
		FinishedAt:     &now,
		ExitCode:       cached.ExitCode,
		ContainerImage: cached.ContainerImage,
	}
	if err := e.store.CreateStage(ctx, record); err != nil {
		return false, err
	}
	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStageCached,
		StageName: stage.Name,
		Payload: map[string]any{
			"fingerprint":   fingerprint,
			"cached_commit": entry.GitCommit,
		},
	})
	slog.Info("Stage result served from cache",
		"build_id", bc.build.ID, "stage", stage.Name, "fingerprint", fingerprint)
	return true, nil
}

// putStageCache records a successful stage result under its
// fingerprint. First write wins.
func (e *Executor) putStageCache(ctx context.Context, bc *buildContext, stage *pipeline.Stage, fingerprint string, record *models.BuildStage) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	entry := &models.StageCacheEntry{
		ID:          uuid.New().String(),
		OrgID:       bc.build.OrgID,
		JobID:       bc.job.ID,
		Fingerprint: fingerprint,
		StageName:   stage.Name,
		StageResult: raw,
		GitCommit:   bc.build.GitCommit,
	}
	if err := e.store.PutStageCacheEntry(ctx, entry); err != nil {
		slog.Warn("Failed to persist stage cache entry",
			"build_id", bc.build.ID, "stage", stage.Name, "error", err)
	}
}

// hashFilesPattern matches the hashFiles(...) directive inside cache keys.
var hashFilesPattern = regexp.MustCompile(`hashFiles\(([^)]*)\)`)

// resolveCacheKey interpolates hashFiles(...) directives with the
// combined content hash of the matched workspace files.
func (e *Executor) resolveCacheKey(bc *buildContext, key string) (string, error) {
	var hashErr error
	resolved := hashFilesPattern.ReplaceAllStringFunc(key, func(directive string) string {
		args := hashFilesPattern.FindStringSubmatch(directive)[1]
		var patterns []string
		for _, part := range strings.Split(args, ",") {
			patterns = append(patterns, strings.Trim(strings.TrimSpace(part), `'"`))
		}
		sum, err := cache.HashFiles(bc.dir, patterns...)
		if err != nil {
			hashErr = err
			return directive
		}
		return sum
	})
	return resolved, hashErr
}

// restoreCache materializes one cache declaration. Cache failures fall
// through to normal execution.
func (e *Executor) restoreCache(ctx context.Context, bc *buildContext, decl pipeline.CacheDecl) {
	if e.caches == nil {
		return
	}
	key, err := e.resolveCacheKey(bc, decl.Key)
	if err != nil {
		slog.Warn("Cache key resolution failed", "build_id", bc.build.ID, "key", decl.Key, "error", err)
		return
	}
	hitKey, err := e.caches.Restore(ctx, bc.build.OrgID, bc.job.ID, key, decl.RestoreKeys, bc.dir)
	if err != nil {
		slog.Warn("Cache restore failed", "build_id", bc.build.ID, "key", key, "error", err)
		return
	}
	if hitKey != "" {
		slog.Info("Cache restored", "build_id", bc.build.ID, "key", key, "hit_key", hitKey)
	}
}

// saveCache persists one cache declaration after success.
func (e *Executor) saveCache(ctx context.Context, bc *buildContext, decl pipeline.CacheDecl) {
	if e.caches == nil {
		return
	}
	key, err := e.resolveCacheKey(bc, decl.Key)
	if err != nil {
		slog.Warn("Cache key resolution failed", "build_id", bc.build.ID, "key", decl.Key, "error", err)
		return
	}
	if err := e.caches.Save(ctx, bc.build.OrgID, bc.job.ID, key, bc.dir, decl.Paths); err != nil {
		slog.Warn("Cache save failed", "build_id", bc.build.ID, "key", key, "error", err)
	}
}

// recordSkipped writes a skipped stage record pointing at the failing
// ancestor ("" when skipped due to cancellation).
func (e *Executor) recordSkipped(ctx context.Context, bc *buildContext, stageName, failedAncestor string) {
	now := time.Now().UTC()
	record := &models.BuildStage{
		ID:             uuid.New().String(),
		BuildID:        bc.build.ID,
		OrgID:          bc.build.OrgID,
		Name:           stageName,
		Status:         models.StageStatusSkipped,
		StartedAt:      now,
		FinishedAt:     &now,
		FailedAncestor: failedAncestor,
	}
	if err := e.store.CreateStage(ctx, record); err != nil {
		slog.Error("Failed to record skipped stage",
			"build_id", bc.build.ID, "stage", stageName, "error", err)
	}
	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStageCompleted,
		StageName: stageName,
		Payload: map[string]any{
			"status":          string(models.StageStatusSkipped),
			"failed_ancestor": failedAncestor,
		},
	})
}

// recordFailedStage writes a failed stage record for failures that
// happen before any step runs (policy denial, gate rejection).
func (e *Executor) recordFailedStage(ctx context.Context, bc *buildContext, stageName string, cause error) {
	now := time.Now().UTC()
	record := &models.BuildStage{
		ID:           uuid.New().String(),
		BuildID:      bc.build.ID,
		OrgID:        bc.build.OrgID,
		Name:         stageName,
		Status:       models.StageStatusFailure,
		StartedAt:    now,
		FinishedAt:   &now,
		ErrorMessage: bc.masker.Mask(cause.Error()),
	}
	if err := e.store.CreateStage(ctx, record); err != nil {
		slog.Error("Failed to record failed stage",
			"build_id", bc.build.ID, "stage", stageName, "error", err)
	}
	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStageCompleted,
		StageName: stageName,
		Payload: map[string]any{
			"status":     string(models.StageStatusFailure),
			"error_kind": string(cierr.KindOf(cause)),
		},
	})
}
