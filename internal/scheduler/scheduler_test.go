package scheduler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderBatches(t *testing.T) {
	tests := []struct {
		name  string
		graph Graph
		want  [][]string
	}{
		{
			name:  "independent",
			graph: Graph{"b": nil, "a": nil},
			want:  [][]string{{"a", "b"}},
		},
		{
			name:  "chain",
			graph: Graph{"a": nil, "b": {"a"}},
			want:  [][]string{{"a"}, {"b"}},
		},
		{
			name: "diamond",
			graph: Graph{
				"db":    nil,
				"cache": nil,
				"api":   {"db", "cache"},
				"jobs":  {"db"},
				"web":   {"api", "jobs"},
			},
			want: [][]string{{"cache", "db"}, {"api", "jobs"}, {"web"}},
		},
		{
			name:  "duplicate dependency",
			graph: Graph{"a": nil, "b": {"a", "a"}},
			want:  [][]string{{"a"}, {"b"}},
		},
		{
			name:  "empty",
			graph: Graph{},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.graph.Order()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrderNeverStartsBeforeDependencies(t *testing.T) {
	g := Graph{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
		"d": {"c"},
		"e": nil,
		"f": {"e", "d"},
	}
	batches, err := g.Order()
	require.NoError(t, err)

	batchOf := map[string]int{}
	for i, b := range batches {
		for _, n := range b {
			batchOf[n] = i
		}
	}
	for name, deps := range g {
		for _, dep := range deps {
			assert.Less(t, batchOf[dep], batchOf[name], "%s must start after %s", name, dep)
		}
	}
}

func TestOrderCycle(t *testing.T) {
	g := Graph{"root": nil, "a": {"root", "c"}, "b": {"a"}, "c": {"b"}, "leaf": {"c"}}

	_, err := g.Order()
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycle.Cycle)
	assert.Contains(t, err.Error(), "a -> c -> b -> a")
}

func TestOrderSelfCycle(t *testing.T) {
	_, err := Graph{"a": {"a"}}.Order()
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "a"}, cycle.Cycle)
}

func TestOrderUnknownDependency(t *testing.T) {
	err := Graph{"a": {"ghost"}}.Validate()
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func chainGraph(depth int) Graph {
	g := Graph{"s0": nil}
	for i := 1; i <= depth; i++ {
		g[fmt.Sprintf("s%d", i)] = []string{fmt.Sprintf("s%d", i-1)}
	}
	return g
}

func TestOrderDepth(t *testing.T) {
	batches, err := chainGraph(MaxDepth).Order()
	require.NoError(t, err)
	assert.Len(t, batches, MaxDepth+1)

	_, err = chainGraph(MaxDepth + 1).Order()
	var depth *DepthError
	require.True(t, errors.As(err, &depth))
	assert.Equal(t, "s33", depth.Chain[0])
	assert.Equal(t, "s0", depth.Chain[len(depth.Chain)-1])
	assert.Len(t, depth.Chain, MaxDepth+2)
}

func TestReverse(t *testing.T) {
	batches := [][]string{{"a", "b"}, {"c"}, {"d"}}
	assert.Equal(t, [][]string{{"d"}, {"c"}, {"a", "b"}}, Reverse(batches))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, batches, "input untouched")
}

func TestClosureAndDependents(t *testing.T) {
	g := Graph{"db": nil, "api": {"db"}, "web": {"api"}, "docs": nil}

	got, err := g.Closure([]string{"web"})
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "db", "web"}, got)

	_, err = g.Closure([]string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownDependency)

	assert.Equal(t, []string{"api", "web"}, g.Dependents([]string{"db"}))
	assert.Empty(t, g.Dependents([]string{"docs"}))
}

func TestSubgraph(t *testing.T) {
	g := Graph{"db": nil, "api": {"db"}, "web": {"api"}}
	sub := g.Subgraph([]string{"api", "web"})
	assert.Equal(t, Graph{"api": nil, "web": {"api"}}, sub)

	batches, err := sub.Order()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"api"}, {"web"}}, batches)
}
