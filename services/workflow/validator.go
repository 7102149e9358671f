package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// ValidatedGraph is an immutable copy of a workflow that passed validation.
// Nodes are held in an arena ordered by id; edges carry resolved port handles.
type ValidatedGraph struct {
	id        string
	name      string
	nodes     []Node
	index     map[string]int
	contracts map[string]Contract
	edges     []Edge
	outgoing  map[string][]Edge
	incoming  map[string][]Edge
}

// ID returns the id of the workflow the graph was built from.
func (g *ValidatedGraph) ID() string { return g.id }

// Name returns the workflow name.
func (g *ValidatedGraph) Name() string { return g.name }

// Len returns the number of nodes.
func (g *ValidatedGraph) Len() int { return len(g.nodes) }

// NodeIDs returns node ids in lexical order.
func (g *ValidatedGraph) NodeIDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Node returns a copy of the node with the given id.
func (g *ValidatedGraph) Node(id string) (Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(g.nodes[i]), true
}

// Contract returns the registry contract bound to the node.
func (g *ValidatedGraph) Contract(id string) (Contract, bool) {
	c, ok := g.contracts[id]
	return c, ok
}

// Edges returns all edges with resolved handles, ordered by source, target, id.
func (g *ValidatedGraph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Outgoing returns the edges leaving id, ordered by target then edge id.
func (g *ValidatedGraph) Outgoing(id string) []Edge {
	return append([]Edge(nil), g.outgoing[id]...)
}

// Incoming returns the edges entering id, ordered by source then edge id.
func (g *ValidatedGraph) Incoming(id string) []Edge {
	return append([]Edge(nil), g.incoming[id]...)
}

// Validator checks workflows against the node registry.
type Validator struct {
	registry Registry
}

// NewValidator creates a Validator backed by the given registry.
func NewValidator(registry Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks structural invariants and builds a ValidatedGraph.
// It never mutates wf and returns the same result for the same input.
func (v *Validator) Validate(wf *Workflow) (*ValidatedGraph, error) {
	if wf == nil {
		return nil, &ValidationError{Message: "workflow is nil", Err: ErrEmptyID}
	}

	g := &ValidatedGraph{
		id:        wf.ID,
		name:      wf.Name,
		index:     make(map[string]int, len(wf.Nodes)),
		contracts: make(map[string]Contract, len(wf.Nodes)),
		outgoing:  make(map[string][]Edge),
		incoming:  make(map[string][]Edge),
	}

	// Nodes: ids, kinds, ports, config.
	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return nil, &ValidationError{Message: "node has an empty id", Err: ErrEmptyID}
		}
		if seen[n.ID] {
			return nil, &ValidationError{NodeID: n.ID, Message: "id is used by more than one node", Err: ErrDuplicateNodeID}
		}
		seen[n.ID] = true

		contract, err := v.registry.Lookup(n.Type)
		if err != nil {
			return nil, &ValidationError{NodeID: n.ID, Message: fmt.Sprintf("no executor registered for node type %q", n.Type), Err: ErrUnknownNodeKind}
		}
		if err := checkDeclaredPorts(n, contract); err != nil {
			return nil, err
		}
		for _, key := range contract.RequiredConfig {
			if isBlank(n.Data.Config[key]) {
				return nil, &ValidationError{NodeID: n.ID, Message: fmt.Sprintf("config key %q is required for %s nodes", key, n.Type), Err: ErrMissingConfig}
			}
		}

		g.nodes = append(g.nodes, cloneNode(n))
		g.contracts[n.ID] = contract
	}
	sort.Slice(g.nodes, func(i, j int) bool { return g.nodes[i].ID < g.nodes[j].ID })
	for i, n := range g.nodes {
		g.index[n.ID] = i
	}

	// Edges: ids, endpoints, ports.
	edgeIDs := make(map[string]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				return nil, &ValidationError{EdgeID: e.ID, Message: "id is used by more than one edge", Err: ErrDuplicateEdgeID}
			}
			edgeIDs[e.ID] = true
		}
		if !seen[e.Source] {
			return nil, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("source node %q does not exist", e.Source), Err: ErrDanglingEdge}
		}
		if !seen[e.Target] {
			return nil, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("target node %q does not exist", e.Target), Err: ErrDanglingEdge}
		}
		if e.Source == e.Target {
			return nil, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("self-loop on node %q", e.Source), Err: ErrCycleDetected}
		}

		resolved, err := resolveHandles(e, g.contracts[e.Source], g.contracts[e.Target])
		if err != nil {
			return nil, err
		}
		g.edges = append(g.edges, resolved)
	}
	sort.Slice(g.edges, func(i, j int) bool { return edgeLess(g.edges[i], g.edges[j]) })
	for _, e := range g.edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}
	for id := range g.incoming {
		in := g.incoming[id]
		sort.Slice(in, func(i, j int) bool {
			if in[i].Source != in[j].Source {
				return in[i].Source < in[j].Source
			}
			return in[i].ID < in[j].ID
		})
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycle runs an iterative depth-first traversal with an on-stack marker.
// Roots and neighbours are visited in lexical order so the reported edge is stable.
func (g *ValidatedGraph) detectCycle() error {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.nodes))

	type frame struct {
		id   string
		next int
	}

	for _, root := range g.nodes {
		if state[root.ID] != unvisited {
			continue
		}
		stack := []frame{{id: root.ID}}
		state[root.ID] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			out := g.outgoing[top.id]
			if top.next >= len(out) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
				continue
			}
			e := out[top.next]
			top.next++

			switch state[e.Target] {
			case onStack:
				path := make([]string, 0, len(stack)+1)
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, stack[i].id)
					if stack[i].id == e.Target {
						break
					}
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				path = append(path, e.Target)
				return &ValidationError{
					EdgeID:  e.ID,
					Message: fmt.Sprintf("edge %s -> %s closes cycle %s", e.Source, e.Target, strings.Join(path, " -> ")),
					Err:     ErrCycleDetected,
				}
			case unvisited:
				state[e.Target] = onStack
				stack = append(stack, frame{id: e.Target})
			}
		}
	}
	return nil
}

func checkDeclaredPorts(n Node, c Contract) error {
	for _, p := range n.Inputs {
		if !c.hasInput(p.ID) {
			return &ValidationError{NodeID: n.ID, Message: fmt.Sprintf("input port %q is not defined for %s nodes", p.ID, n.Type), Err: ErrPortMismatch}
		}
	}
	for _, p := range n.Outputs {
		if !c.hasOutput(p.ID) {
			return &ValidationError{NodeID: n.ID, Message: fmt.Sprintf("output port %q is not defined for %s nodes", p.ID, n.Type), Err: ErrPortMismatch}
		}
	}
	return nil
}

// resolveHandles fills empty handles with the first port of the kind and checks
// that both handles exist on their nodes.
func resolveHandles(e Edge, src, dst Contract) (Edge, error) {
	if e.SourceHandle == "" {
		if len(src.Outputs) == 0 {
			return Edge{}, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("%s nodes have no output ports", src.Type), Err: ErrPortMismatch}
		}
		e.SourceHandle = src.Outputs[0].ID
	}
	if e.TargetHandle == "" {
		if len(dst.Inputs) == 0 {
			return Edge{}, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("%s nodes have no input ports", dst.Type), Err: ErrPortMismatch}
		}
		e.TargetHandle = dst.Inputs[0].ID
	}
	if !src.hasOutput(e.SourceHandle) {
		return Edge{}, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("source port %q does not exist on %s node %q", e.SourceHandle, src.Type, e.Source), Err: ErrPortMismatch}
	}
	if !dst.hasInput(e.TargetHandle) {
		return Edge{}, &ValidationError{EdgeID: e.ID, Message: fmt.Sprintf("target port %q does not exist on %s node %q", e.TargetHandle, dst.Type, e.Target), Err: ErrPortMismatch}
	}
	e.Style = cloneMap(e.Style)
	e.LabelStyle = cloneMap(e.LabelStyle)
	return e, nil
}

func edgeLess(a, b Edge) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Target != b.Target {
		return a.Target < b.Target
	}
	return a.ID < b.ID
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

func cloneNode(n Node) Node {
	n.Data.Config = cloneMap(n.Data.Config)
	n.Data.Metadata = cloneMap(n.Data.Metadata)
	n.Inputs = append([]Port(nil), n.Inputs...)
	n.Outputs = append([]Port(nil), n.Outputs...)
	return n
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
