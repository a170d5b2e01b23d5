package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/pipeline"
)

func TestExpandWithExclusion(t *testing.T) {
	m := &pipeline.Matrix{
		Axes: map[string][]string{
			"os":   {"linux", "windows"},
			"arch": {"amd64", "arm64"},
		},
		Exclude: []map[string]string{
			{"os": "windows", "arch": "arm64"},
		},
	}

	combos, err := Expand(m)
	require.NoError(t, err)
	require.Len(t, combos, 3)

	suffixes := make([]string, len(combos))
	for i, c := range combos {
		suffixes[i] = c.suffix()
	}
	assert.Equal(t, []string{
		" [arch=amd64, os=linux]",
		" [arch=amd64, os=windows]",
		" [arch=arm64, os=linux]",
	}, suffixes)
}

func TestCombinationEnv(t *testing.T) {
	c := Combination{"os": "linux", "go-version": "1.22"}
	env := c.Env()
	assert.Equal(t, "linux", env["MATRIX_OS"])
	assert.Equal(t, "1.22", env["MATRIX_GO-VERSION"])
}

func TestExpandCeiling(t *testing.T) {
	atLimit := &pipeline.Matrix{Axes: map[string][]string{
		"a": {"1", "2", "3", "4", "5"},
		"b": {"1", "2", "3", "4", "5"},
	}}
	combos, err := Expand(atLimit)
	require.NoError(t, err)
	assert.Len(t, combos, 25)

	overLimit := &pipeline.Matrix{Axes: map[string][]string{
		"a": {"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12", "13"},
		"b": {"1", "2"},
	}}
	_, err = Expand(overLimit)
	require.Error(t, err)
	assert.Equal(t, cierr.KindMatrixExplosion, cierr.KindOf(err))
}

func TestExpandPipelineRenamesAndInjectsEnv(t *testing.T) {
	p := &pipeline.Pipeline{
		Stages: []pipeline.Stage{{
			Name:   "test",
			Matrix: &pipeline.Matrix{Axes: map[string][]string{"os": {"linux", "windows"}}},
			Steps:  []pipeline.Step{{Name: "run", Type: pipeline.StepShell, Command: "make test"}},
		}},
	}

	require.NoError(t, ExpandPipeline(p))
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "test [os=linux]", p.Stages[0].Name)
	assert.Equal(t, "test [os=windows]", p.Stages[1].Name)
	assert.Equal(t, "linux", p.Stages[0].Steps[0].Env["MATRIX_OS"])
	assert.Equal(t, "windows", p.Stages[1].Steps[0].Env["MATRIX_OS"])
	assert.Nil(t, p.Stages[0].Matrix)
}

func TestExpandPipelineFanIn(t *testing.T) {
	p := &pipeline.Pipeline{
		Stages: []pipeline.Stage{
			{
				Name:   "test",
				Matrix: &pipeline.Matrix{Axes: map[string][]string{"os": {"linux", "windows"}}},
				Steps:  []pipeline.Step{{Name: "run", Type: pipeline.StepShell, Command: "make test"}},
			},
			{
				Name:      "deploy",
				DependsOn: []string{"test"},
				Steps:     []pipeline.Step{{Name: "ship", Type: pipeline.StepShell, Command: "make deploy"}},
			},
		},
	}

	require.NoError(t, ExpandPipeline(p))
	require.Len(t, p.Stages, 3)
	assert.Equal(t, []string{"test [os=linux]", "test [os=windows]"}, p.Stages[2].DependsOn)
}

func TestPipelineLevelMatrixAppliesToStagesWithoutOwn(t *testing.T) {
	p := &pipeline.Pipeline{
		Matrix: &pipeline.Matrix{Axes: map[string][]string{"go": {"1.21", "1.22"}}},
		Stages: []pipeline.Stage{
			{
				Name:  "build",
				Steps: []pipeline.Step{{Name: "b", Type: pipeline.StepShell, Command: "make"}},
			},
			{
				Name:   "lint",
				Matrix: &pipeline.Matrix{Axes: map[string][]string{"linter": {"vet"}}},
				Steps:  []pipeline.Step{{Name: "l", Type: pipeline.StepShell, Command: "make lint"}},
			},
		},
	}

	require.NoError(t, ExpandPipeline(p))
	require.Len(t, p.Stages, 3)
	assert.Equal(t, "build [go=1.21]", p.Stages[0].Name)
	assert.Equal(t, "build [go=1.22]", p.Stages[1].Name)
	assert.Equal(t, "lint [linter=vet]", p.Stages[2].Name)
}

func TestExpandDoesNotShareStepState(t *testing.T) {
	p := &pipeline.Pipeline{
		Stages: []pipeline.Stage{{
			Name:   "test",
			Matrix: &pipeline.Matrix{Axes: map[string][]string{"os": {"linux", "windows"}}},
			Steps:  []pipeline.Step{{Name: "run", Type: pipeline.StepShell, Command: "make", Env: map[string]string{"K": "v"}}},
		}},
	}

	require.NoError(t, ExpandPipeline(p))
	p.Stages[0].Steps[0].Env["K"] = "changed"
	assert.Equal(t, "v", p.Stages[1].Steps[0].Env["K"])
}
