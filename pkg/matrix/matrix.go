// Package matrix expands pipeline stages across cartesian parameter
// axes. Expansion happens before DAG resolution; depends_on references
// to a matrix base name fan in to all of its expansions.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/pipeline"
)

// MaxCombinations is the hard ceiling on one stage's expansion.
const MaxCombinations = 25

// Combination is one assignment of axis values.
type Combination map[string]string

// suffix renders the stage-name suffix " [k1=v1, k2=v2]" with axes in
// ascending lexical order.
func (c Combination) suffix() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, c[k])
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

// Env returns the MATRIX_<AXIS_UPPER>=<value> environment additions.
func (c Combination) Env() map[string]string {
	env := make(map[string]string, len(c))
	for k, v := range c {
		env["MATRIX_"+strings.ToUpper(k)] = v
	}
	return env
}

// ExpandPipeline expands every matrix stage in place, rewriting
// depends_on references to expanded base names as fan-in over all
// expansions. A pipeline-level matrix applies to stages without their
// own.
func ExpandPipeline(p *pipeline.Pipeline) error {
	expansions := make(map[string][]string)
	var stages []pipeline.Stage

	for _, stage := range p.Stages {
		m := stage.Matrix
		if m == nil {
			m = p.Matrix
		}
		if m == nil || len(m.Axes) == 0 {
			stages = append(stages, stage)
			continue
		}

		combos, err := Expand(m)
		if err != nil {
			return fmt.Errorf("stage %q: %w", stage.Name, err)
		}
		for _, combo := range combos {
			clone := cloneStage(stage)
			clone.Name = stage.Name + combo.suffix()
			clone.Matrix = nil
			extra := combo.Env()
			for i := range clone.Steps {
				if clone.Steps[i].Env == nil {
					clone.Steps[i].Env = make(map[string]string, len(extra))
				}
				for k, v := range extra {
					clone.Steps[i].Env[k] = v
				}
			}
			expansions[stage.Name] = append(expansions[stage.Name], clone.Name)
			stages = append(stages, clone)
		}
	}

	// Fan-in: rewrite depends_on entries naming a matrix base.
	for i := range stages {
		if len(stages[i].DependsOn) == 0 {
			continue
		}
		var deps []string
		for _, dep := range stages[i].DependsOn {
			if expanded, ok := expansions[dep]; ok {
				deps = append(deps, expanded...)
			} else {
				deps = append(deps, dep)
			}
		}
		stages[i].DependsOn = deps
	}

	p.Stages = stages
	return nil
}

// Expand returns the cartesian combinations of the matrix axes minus
// exclusions, in lexical axis order. Expansions beyond MaxCombinations
// are rejected with matrix-explosion.
func Expand(m *pipeline.Matrix) ([]Combination, error) {
	axes := make([]string, 0, len(m.Axes))
	for axis := range m.Axes {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	total := 1
	for _, axis := range axes {
		total *= len(m.Axes[axis])
		if total > MaxCombinations {
			return nil, cierr.New(cierr.KindMatrixExplosion,
				"matrix expands to more than %d combinations", MaxCombinations)
		}
	}

	combos := []Combination{{}}
	for _, axis := range axes {
		var next []Combination
		for _, combo := range combos {
			for _, value := range m.Axes[axis] {
				clone := make(Combination, len(combo)+1)
				for k, v := range combo {
					clone[k] = v
				}
				clone[axis] = value
				next = append(next, clone)
			}
		}
		combos = next
	}

	var kept []Combination
	for _, combo := range combos {
		if !excluded(combo, m.Exclude) {
			kept = append(kept, combo)
		}
	}
	return kept, nil
}

// excluded reports whether a combination matches any exclusion: every
// key in the exclusion must match the combination's value.
func excluded(combo Combination, exclusions []map[string]string) bool {
	for _, excl := range exclusions {
		match := len(excl) > 0
		for k, v := range excl {
			if combo[k] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func cloneStage(stage pipeline.Stage) pipeline.Stage {
	clone := stage
	clone.DependsOn = append([]string(nil), stage.DependsOn...)
	clone.Steps = make([]pipeline.Step, len(stage.Steps))
	copy(clone.Steps, stage.Steps)
	for i := range clone.Steps {
		if stage.Steps[i].Env != nil {
			env := make(map[string]string, len(stage.Steps[i].Env))
			for k, v := range stage.Steps[i].Env {
				env[k] = v
			}
			clone.Steps[i].Env = env
		}
	}
	return clone
}
