package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/cierr"
)

func TestBuildTopologicalOrder(t *testing.T) {
	g, err := Build([]Node{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C", DependsOn: []string{"A"}},
		{Name: "D", DependsOn: []string{"B", "C"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Order())
}

func TestBuildTiesBreakByDeclarationOrder(t *testing.T) {
	g, err := Build([]Node{
		{Name: "z"},
		{Name: "a"},
		{Name: "m"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, g.Order())
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]Node{
		{Name: "A", DependsOn: []string{"B"}},
		{Name: "B", DependsOn: []string{"A"}},
	})
	require.Error(t, err)
	assert.Equal(t, cierr.KindDAGCycle, cierr.KindOf(err))
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]Node{
		{Name: "A", DependsOn: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.Equal(t, cierr.KindDAGUnresolved, cierr.KindOf(err))
}

func TestDescendants(t *testing.T) {
	g, err := Build([]Node{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"A"}},
		{Name: "C", DependsOn: []string{"B"}},
		{Name: "D"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, g.Descendants("A"))
	assert.Empty(t, g.Descendants("D"))
}

func TestReady(t *testing.T) {
	g, err := Build([]Node{
		{Name: "A"},
		{Name: "B", DependsOn: []string{"A"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, g.Ready(map[string]bool{}, map[string]bool{}))
	assert.Equal(t, []string{"B"}, g.Ready(map[string]bool{"A": true}, map[string]bool{}))
}
