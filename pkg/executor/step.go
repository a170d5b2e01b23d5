package executor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/exec"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/pipeline"
	"github.com/conveyorci/conveyor/pkg/workspace"
)

// StepContext carries everything one step execution needs.
type StepContext struct {
	Step      *pipeline.Step
	Container *pipeline.Container // effective stage container, may be nil
	Dir       string              // resolved working directory
	Env       map[string]string   // merged base + step env
	Timeout   time.Duration
	OnLine    exec.LineFunc
}

// StepExecutor runs one step type. Implementations are looked up by the
// step's type tag; new types register without touching the core.
type StepExecutor interface {
	Run(ctx context.Context, runner *exec.Runner, sc *StepContext) (*exec.Result, error)
}

// StepRegistry maps step type tags to executors.
type StepRegistry struct {
	mu   sync.RWMutex
	byTag map[pipeline.StepType]StepExecutor
}

// NewStepRegistry returns a registry with the shell, docker, and
// docker-compose executors pre-registered.
func NewStepRegistry() *StepRegistry {
	r := &StepRegistry{byTag: make(map[pipeline.StepType]StepExecutor)}
	r.Register(pipeline.StepShell, shellExecutor{})
	r.Register(pipeline.StepDocker, dockerExecutor{})
	r.Register(pipeline.StepDockerCompose, composeExecutor{})
	return r
}

// Register adds or replaces the executor for a type tag.
func (r *StepRegistry) Register(tag pipeline.StepType, se StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTag[tag] = se
}

// Lookup returns the executor for a tag.
func (r *StepRegistry) Lookup(tag pipeline.StepType) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	se, ok := r.byTag[tag]
	return se, ok
}

// shellExecutor runs the command directly, or inside the stage
// container when one is declared.
type shellExecutor struct{}

func (shellExecutor) Run(ctx context.Context, runner *exec.Runner, sc *StepContext) (*exec.Result, error) {
	command := sc.Step.Command
	if sc.Container != nil {
		contained, err := containedCommand(sc.Container, sc.Dir, command, sc.Env)
		if err != nil {
			return nil, err
		}
		command = contained
	}
	return runner.Run(ctx, exec.Spec{
		Command: command,
		Dir:     sc.Dir,
		Env:     sc.Env,
		Timeout: sc.Timeout,
	}, sc.OnLine)
}

// dockerExecutor runs the command in the step's own image.
type dockerExecutor struct{}

func (dockerExecutor) Run(ctx context.Context, runner *exec.Runner, sc *StepContext) (*exec.Result, error) {
	container := &pipeline.Container{Image: sc.Step.Image}
	if sc.Container != nil && sc.Container.Image == sc.Step.Image {
		container = sc.Container
	}
	command, err := containedCommand(container, sc.Dir, sc.Step.Command, sc.Env)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, exec.Spec{
		Command: command,
		Dir:     sc.Dir,
		Env:     sc.Env,
		Timeout: sc.Timeout,
	}, sc.OnLine)
}

// composeExecutor runs the command inside a compose service named by
// the step's image field.
type composeExecutor struct{}

func (composeExecutor) Run(ctx context.Context, runner *exec.Runner, sc *StepContext) (*exec.Result, error) {
	command, err := pipeline.ComposeCommand(sc.Step.Image, sc.Step.Command)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, exec.Spec{
		Command: command,
		Dir:     sc.Dir,
		Env:     sc.Env,
		Timeout: sc.Timeout,
	}, sc.OnLine)
}

// containedCommand builds the docker run string with the workspace
// mounted at its host path so relative paths survive the boundary.
func containedCommand(c *pipeline.Container, workdir, command string, env map[string]string) (string, error) {
	mounted := *c
	mounted.Volumes = append(append([]string(nil), c.Volumes...), workdir+":"+workdir)
	return pipeline.ContainerCommand(&mounted, workdir, command, env)
}

// runStep executes one step end to end: condition evaluation, record
// and event bookkeeping, dispatch to the registered executor, and
// outcome classification. Returns the result for succeeded steps and a
// taxonomy error otherwise.
func (e *Executor) runStep(ctx context.Context, bc *buildContext, stageName string, container *pipeline.Container, step *pipeline.Step) (*exec.Result, error) {
	if ctx.Err() != nil {
		return nil, cierr.Wrap(cierr.KindStepAborted, ctx.Err(), "step %q cancelled before start", step.Name)
	}
	if skip, reason := e.stepSkipped(bc, step); skip {
		slog.Info("Step skipped by condition",
			"build_id", bc.build.ID, "stage", stageName, "step", step.Name, "reason", reason)
		return nil, nil
	}

	env := make(map[string]string, len(bc.env)+len(step.Env))
	for k, v := range bc.env {
		env[k] = v
	}
	for k, v := range step.Env {
		env[k] = v
	}

	dir := bc.dir
	if step.Dir != "" {
		resolved, err := workspace.Resolve(bc.dir, step.Dir)
		if err != nil {
			return nil, cierr.Wrap(cierr.KindPipelineInvalid, err, "step %q dir", step.Name)
		}
		dir = resolved
	}

	timeout := e.cfg.DefaultStepTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}

	record := &models.BuildStep{
		ID:        uuid.New().String(),
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		StageName: stageName,
		Name:      step.Name,
		Status:    models.StageStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if step.Image != "" {
		record.ContainerImage = step.Image
	} else if container != nil {
		record.ContainerImage = container.Image
	}
	if err := e.store.CreateStep(ctx, record); err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStepStarted,
		StageName: stageName,
		StepName:  step.Name,
	})

	onLine := func(line string, stderr bool) {
		masked := bc.masker.Mask(line)
		e.bus.Publish(ctx, events.Event{
			BuildID:   bc.build.ID,
			OrgID:     bc.build.OrgID,
			Kind:      events.KindStepLog,
			StageName: stageName,
			StepName:  step.Name,
			Payload:   map[string]any{"line": masked, "stderr": stderr},
		})
	}

	se, ok := e.steps.Lookup(step.Type)
	if !ok {
		return nil, cierr.New(cierr.KindPipelineInvalid, "no executor for step type %q", step.Type)
	}
	result, runErr := se.Run(ctx, e.runner, &StepContext{
		Step:      step,
		Container: container,
		Dir:       dir,
		Env:       env,
		Timeout:   timeout,
		OnLine:    onLine,
	})

	now := time.Now().UTC()
	record.FinishedAt = &now
	stepErr := runErr
	if runErr == nil && result != nil {
		record.ExitCode = &result.ExitCode
		switch {
		case result.Interrupted:
			stepErr = cierr.New(cierr.KindStepAborted, "step %q interrupted", step.Name)
		case result.TimedOut:
			stepErr = cierr.New(cierr.KindStepTimeout, "step %q exceeded %s", step.Name, timeout)
		case result.ExitCode != 0:
			stepErr = cierr.New(cierr.KindStepNonzeroExit, "step %q exited %d", step.Name, result.ExitCode)
		}
	}

	if stepErr != nil {
		record.Status = models.StageStatusFailure
		if cierr.Is(stepErr, cierr.KindStepAborted) {
			record.Status = models.StageStatusAborted
		}
		record.ErrorMessage = bc.masker.Mask(stepErr.Error())
	} else {
		record.Status = models.StageStatusSuccess
	}
	if err := e.store.UpdateStep(ctx, record); err != nil {
		slog.Error("Failed to update step record",
			"build_id", bc.build.ID, "step", step.Name, "error", err)
	}

	payload := map[string]any{"status": string(record.Status)}
	if record.ExitCode != nil {
		payload["exit_code"] = *record.ExitCode
	}
	e.bus.Publish(ctx, events.Event{
		BuildID:   bc.build.ID,
		OrgID:     bc.build.OrgID,
		Kind:      events.KindStepCompleted,
		StageName: stageName,
		StepName:  step.Name,
		Payload:   payload,
	})
	return result, stepErr
}

// stepSkipped evaluates the step's condition against the build.
func (e *Executor) stepSkipped(bc *buildContext, step *pipeline.Step) (bool, string) {
	cond := step.Condition
	if cond == nil {
		return false, ""
	}
	switch cond.Type {
	case "branch":
		if bc.build.GitBranch != cond.Value {
			return true, "branch " + bc.build.GitBranch + " != " + cond.Value
		}
	case "param":
		key := "PARAM_" + strings.ToUpper(cond.Param)
		if bc.env[key] != cond.Value {
			return true, "param " + cond.Param + " != " + cond.Value
		}
	}
	return false, ""
}
