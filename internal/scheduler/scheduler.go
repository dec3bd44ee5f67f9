// Package scheduler orders sandboxes by their declared dependencies.
//
// Order groups sandboxes into batches: every sandbox of a batch depends only
// on sandboxes of earlier batches, so a batch may start in parallel once all
// previous batches are running. Shutdown runs the batches in reverse.
package scheduler

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// MaxDepth is the longest permitted dependency chain, counted in edges.
const MaxDepth = 32

// Graph maps a sandbox name to the names it depends on.
type Graph map[string][]string

// Validate checks that every dependency exists, that there is no cycle and
// that no chain is deeper than MaxDepth.
func (g Graph) Validate() error {
	_, err := g.Order()
	return err
}

// Order sorts the graph into start batches using Kahn's algorithm. Names
// within a batch are sorted.
func (g Graph) Order() ([][]string, error) {
	for _, name := range g.names() {
		for _, dep := range g[name] {
			if _, ok := g[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, name, dep)
			}
		}
	}

	indegree := make(map[string]int, len(g))
	dependents := make(map[string][]string, len(g))
	for name, deps := range g {
		deps = uniq(deps)
		indegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var (
		batches [][]string
		ready   []string
		placed  int
	)
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		sort.Strings(ready)
		batches = append(batches, ready)
		placed += len(ready)

		var next []string
		for _, name := range ready {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if placed < len(g) {
		return nil, &CycleError{Cycle: g.findCycle(indegree)}
	}

	// batch index equals the longest chain below a sandbox
	if len(batches)-1 > MaxDepth {
		return nil, &DepthError{Chain: g.deepestChain(batches), Max: MaxDepth}
	}

	return batches, nil
}

// findCycle walks dependencies among the sandboxes Kahn could not place.
// Each of them has an unplaced dependency, so the walk must revisit a name.
func (g Graph) findCycle(indegree map[string]int) []string {
	var start string
	for _, name := range g.names() {
		if indegree[name] > 0 {
			start = name
			break
		}
	}

	pos := map[string]int{}
	var path []string
	for cur := start; ; {
		if i, seen := pos[cur]; seen {
			return append(path[i:], cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)

		deps := slices.Sorted(slices.Values(g[cur]))
		for _, dep := range deps {
			if indegree[dep] > 0 {
				cur = dep
				break
			}
		}
	}
}

func (g Graph) deepestChain(batches [][]string) []string {
	level := make(map[string]int)
	for i, batch := range batches {
		for _, name := range batch {
			level[name] = i
		}
	}

	cur := batches[len(batches)-1][0]
	chain := []string{cur}
	for level[cur] > 0 {
		for _, dep := range slices.Sorted(slices.Values(g[cur])) {
			if level[dep] == level[cur]-1 {
				cur = dep
				break
			}
		}
		chain = append(chain, cur)
	}
	return chain
}

// Closure returns names plus everything they depend on, directly or not.
func (g Graph) Closure(names []string) ([]string, error) {
	seen := make(map[string]struct{})
	var visit func(string) error
	visit = func(name string) error {
		if _, ok := seen[name]; ok {
			return nil
		}
		deps, ok := g[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, name)
		}
		seen[name] = struct{}{}
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

// Dependents returns every sandbox that depends on one of names, directly
// or not. names themselves are not included.
func (g Graph) Dependents(names []string) []string {
	reverse := make(map[string][]string)
	for name, deps := range g {
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], name)
		}
	}

	seen := make(map[string]struct{})
	queue := slices.Clone(names)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range reverse[cur] {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				queue = append(queue, d)
			}
		}
	}
	for _, n := range names {
		delete(seen, n)
	}
	return slices.Sorted(maps.Keys(seen))
}

// Subgraph keeps only the given sandboxes and the edges between them.
func (g Graph) Subgraph(names []string) Graph {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}

	sub := make(Graph, len(names))
	for n := range keep {
		deps, ok := g[n]
		if !ok {
			continue
		}
		var kept []string
		for _, d := range deps {
			if _, ok := keep[d]; ok {
				kept = append(kept, d)
			}
		}
		sub[n] = kept
	}
	return sub
}

// Reverse returns the batches in shutdown order.
func Reverse(batches [][]string) [][]string {
	out := make([][]string, len(batches))
	for i, b := range batches {
		out[len(batches)-1-i] = slices.Clone(b)
	}
	return out
}

func (g Graph) names() []string {
	return slices.Sorted(maps.Keys(g))
}

func uniq(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
