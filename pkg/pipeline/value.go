// Package pipeline defines the canonical pipeline value, the single
// in-memory representation every on-disk format converts into, plus
// the format-parser registry, expression resolution, and container
// command generation. The orchestration core only ever sees values;
// it does not care which parser produced them.
package pipeline

import (
	"fmt"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

// StepType discriminates step execution backends.
type StepType string

// Step types. Implementations are looked up in the executor's step
// registry by this tag.
const (
	StepShell         StepType = "shell"
	StepDocker        StepType = "docker"
	StepDockerCompose StepType = "docker-compose"
)

// Pipeline is the canonical pipeline value.
type Pipeline struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Container   *Container        `json:"container,omitempty" yaml:"container,omitempty"`
	Matrix      *Matrix           `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Parameters  []ParamDef        `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Stages      []Stage           `json:"stages" yaml:"stages"`
	Post        *Post             `json:"post,omitempty" yaml:"post,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Notify      []NotifierConfig  `json:"notify,omitempty" yaml:"notify,omitempty"`
	Cache       []CacheDecl       `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// Stage is a unit of dependency: a sequence or parallel group of steps.
type Stage struct {
	Name      string       `json:"name" yaml:"name"`
	Parallel  bool         `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	DependsOn []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Container *Container   `json:"container,omitempty" yaml:"container,omitempty"`
	Matrix    *Matrix      `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Cache     []CacheDecl  `json:"cache,omitempty" yaml:"cache,omitempty"`
	Approval  *Approval    `json:"approval,omitempty" yaml:"approval,omitempty"`
	Resources *Resources   `json:"resources,omitempty" yaml:"resources,omitempty"`
	Steps     []Step       `json:"steps" yaml:"steps"`
}

// Step is a single command.
type Step struct {
	Name      string            `json:"name" yaml:"name"`
	Type      StepType          `json:"type" yaml:"type"`
	Command   string            `json:"command" yaml:"command"`
	Image     string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir       string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Condition *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Condition gates a step on branch or parameter equality.
type Condition struct {
	Type  string `json:"type" yaml:"type"` // "branch" or "param"
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	Param string `json:"param,omitempty" yaml:"param,omitempty"`
}

// Matrix declares cartesian parameter axes with exclusions.
type Matrix struct {
	Axes    map[string][]string `json:"axes,omitempty" yaml:"axes,omitempty"`
	Exclude []map[string]string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// Approval configures a human approval gate on a stage.
type Approval struct {
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"`
	TimeoutMS         int64    `json:"timeout_ms" yaml:"timeout_ms"`
	Approvers         []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
}

// Resources declares minimum agent resources for a stage.
type Resources struct {
	CPU    int `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory int `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// Post groups post-action steps by outcome.
type Post struct {
	Always    []Step `json:"always,omitempty" yaml:"always,omitempty"`
	OnSuccess []Step `json:"on-success,omitempty" yaml:"on-success,omitempty"`
	OnFailure []Step `json:"on-failure,omitempty" yaml:"on-failure,omitempty"`
}

// CacheDecl declares an artifact/dependency cache for a pipeline or stage.
type CacheDecl struct {
	Key         string   `json:"key" yaml:"key"`
	Paths       []string `json:"paths" yaml:"paths"`
	RestoreKeys []string `json:"restore-keys,omitempty" yaml:"restore-keys,omitempty"`
}

// Container declares the image and mounts for containerized steps.
type Container struct {
	Image        string            `json:"image" yaml:"image"`
	Volumes      []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	CacheVolumes map[string]string `json:"cache-volumes,omitempty" yaml:"cache-volumes,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ParamDef declares a pipeline parameter.
type ParamDef struct {
	Name    string `json:"name" yaml:"name"`
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

// NotifierConfig configures a notification sink by type tag.
type NotifierConfig struct {
	Type   string            `json:"type" yaml:"type"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Validate checks structural requirements the parsers cannot express.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return cierr.New(cierr.KindPipelineInvalid, "pipeline has no stages")
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return cierr.New(cierr.KindPipelineInvalid, "stage %d has no name", i)
		}
		if seen[stage.Name] {
			return cierr.New(cierr.KindPipelineInvalid, "duplicate stage name %q", stage.Name)
		}
		seen[stage.Name] = true
		if len(stage.Steps) == 0 {
			return cierr.New(cierr.KindPipelineInvalid, "stage %q has no steps", stage.Name)
		}
		for _, step := range stage.Steps {
			switch step.Type {
			case StepShell, StepDocker, StepDockerCompose:
			default:
				return cierr.New(cierr.KindPipelineInvalid,
					"stage %q step %q has unknown type %q", stage.Name, step.Name, step.Type)
			}
		}
	}
	return nil
}

// UsesDAG reports whether any stage declares dependencies, which puts
// execution into DAG mode.
func (p *Pipeline) UsesDAG() bool {
	for _, stage := range p.Stages {
		if len(stage.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// PropagateContainers applies the pipeline-level container to every
// stage lacking one. Stage-level containers rewrite contained shell
// steps at execution time.
func (p *Pipeline) PropagateContainers() {
	if p.Container == nil {
		return
	}
	for i := range p.Stages {
		if p.Stages[i].Container == nil {
			p.Stages[i].Container = p.Container
		}
	}
}

// String implements fmt.Stringer for log output.
func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline %q (%d stages)", p.Name, len(p.Stages))
}
