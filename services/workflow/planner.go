package workflow

import (
	"fmt"
	"sort"
)

// ExecutionPlan is the dependency structure used to schedule a validated graph.
// It is read-only; the engine keeps its own mutable counters per run.
type ExecutionPlan struct {
	order        []string
	inDegree     map[string]int
	dependents   map[string][]string
	dependencies map[string][]string
	ready        []string
}

// Plan computes in-degrees (distinct source nodes), the reverse dependency map
// and the initial ready set of g.
func Plan(g *ValidatedGraph) (*ExecutionPlan, error) {
	p := &ExecutionPlan{
		order:        g.NodeIDs(),
		inDegree:     make(map[string]int, g.Len()),
		dependents:   make(map[string][]string, g.Len()),
		dependencies: make(map[string][]string, g.Len()),
	}

	for _, id := range p.order {
		p.inDegree[id] = 0
	}

	// Edges are ordered by source then target, so duplicates are adjacent.
	for _, e := range g.edges {
		deps := p.dependents[e.Source]
		if n := len(deps); n > 0 && deps[n-1] == e.Target {
			continue
		}
		p.dependents[e.Source] = append(deps, e.Target)
		p.dependencies[e.Target] = append(p.dependencies[e.Target], e.Source)
		p.inDegree[e.Target]++
	}
	for id := range p.dependencies {
		sort.Strings(p.dependencies[id])
	}

	for _, id := range p.order {
		if p.inDegree[id] == 0 {
			p.ready = append(p.ready, id)
		}
	}

	// Validation rejects cycles; a graph without entry nodes means it was bypassed.
	if len(p.order) > 0 && len(p.ready) == 0 {
		return nil, fmt.Errorf("plan %s: no node without dependencies: %w", g.ID(), ErrCycleDetected)
	}
	return p, nil
}

// Len returns the number of nodes in the plan.
func (p *ExecutionPlan) Len() int { return len(p.order) }

// Order returns all node ids in lexical order.
func (p *ExecutionPlan) Order() []string { return append([]string(nil), p.order...) }

// InDegree returns the number of distinct nodes id depends on.
func (p *ExecutionPlan) InDegree(id string) int { return p.inDegree[id] }

// Dependents returns the distinct nodes that depend on id, in lexical order.
func (p *ExecutionPlan) Dependents(id string) []string {
	return append([]string(nil), p.dependents[id]...)
}

// Dependencies returns the distinct nodes id depends on, in lexical order.
func (p *ExecutionPlan) Dependencies(id string) []string {
	return append([]string(nil), p.dependencies[id]...)
}

// Ready returns the initial ready set in lexical order.
func (p *ExecutionPlan) Ready() []string { return append([]string(nil), p.ready...) }

// TopologicalOrder returns one valid execution order (Kahn's algorithm with
// lexical tie-breaks). Used for reports; the engine does not follow it.
func (p *ExecutionPlan) TopologicalOrder() []string {
	remaining := make(map[string]int, len(p.inDegree))
	for id, d := range p.inDegree {
		remaining[id] = d
	}
	queue := p.Ready()
	order := make([]string, 0, len(p.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var next []string
		for _, dep := range p.dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				next = append(next, dep)
			}
		}
		queue = append(queue, next...)
		sort.Strings(queue)
	}
	return order
}
