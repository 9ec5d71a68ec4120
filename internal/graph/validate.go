package graph

import (
	"fmt"
	"sort"
	"strings"
)

// HandlerInfo is the subset of NodeHandler (C2/C3) the validator needs.
// Defined here rather than imported from the handler package to keep graph
// free of a dependency on the handler registry; handler.Registry satisfies
// this interface structurally.
type HandlerInfo interface {
	// Lookup returns handle metadata for a registered node type, or false
	// if nodeType is not registered.
	Lookup(nodeType string) (category string, outputHandles []string, ok bool)
	// ValidateConfig validates one node's config against its handler's
	// schema, returning a field + message on failure.
	ValidateConfig(nodeType string, config map[string]interface{}) (field, message string, valid bool)
}

// ValidationError describes why a Graph failed validation.
type ValidationError struct {
	NodeDiagnostics []NodeDiagnostic
}

// NodeDiagnostic is one per-node (or graph-level, NodeID=="") validation failure.
type NodeDiagnostic struct {
	NodeID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("graph validation failed:")
	for _, d := range e.NodeDiagnostics {
		if d.NodeID != "" {
			fmt.Fprintf(&b, "\n  [%s] %s: %s", d.NodeID, d.Field, d.Message)
		} else {
			fmt.Fprintf(&b, "\n  %s: %s", d.Field, d.Message)
		}
	}
	return b.String()
}

func (e *ValidationError) add(nodeID, field, message string) {
	e.NodeDiagnostics = append(e.NodeDiagnostics, NodeDiagnostic{NodeID: nodeID, Field: field, Message: message})
}

// Validator checks a Graph against the invariants in spec §3/§4.5.
type Validator struct {
	handlers HandlerInfo
}

// NewValidator constructs a Validator backed by the given handler registry.
func NewValidator(handlers HandlerInfo) *Validator {
	return &Validator{handlers: handlers}
}

// Validate checks g against every invariant and returns a populated
// ValidationError (never nil) whose NodeDiagnostics is empty on success.
// Also returns the set of node ids determined unreachable (to be marked
// `skipped` by the scheduler at Execution start) when validation otherwise
// succeeds.
func (v *Validator) Validate(g *Graph) (skipped map[string]bool, verr *ValidationError) {
	verr = &ValidationError{}

	if g == nil || len(g.Nodes) == 0 {
		verr.add("", "graph", "graph has no nodes")
		return nil, verr
	}

	// (i) every edge references existing nodes.
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			verr.add(e.Source, "edge.source", fmt.Sprintf("edge %s references unknown source node", e.ID))
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			verr.add(e.Target, "edge.target", fmt.Sprintf("edge %s references unknown target node", e.ID))
		}
	}
	if len(verr.NodeDiagnostics) > 0 {
		return nil, verr
	}

	// 1. every referenced handler type is registered; 3. sourceHandle is
	// declared; 4. no trigger has inbound edges, at least one trigger exists.
	categories := make(map[string]string, len(g.Nodes))
	handleSets := make(map[string]map[string]bool, len(g.Nodes))
	triggerCount := 0

	nodeIDs := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, id := range nodeIDs {
		node := g.Nodes[id]
		category, handles, ok := v.handlers.Lookup(node.Type)
		if !ok {
			verr.add(id, "type", fmt.Sprintf("node type %q is not registered", node.Type))
			continue
		}
		categories[id] = category
		set := make(map[string]bool, len(handles))
		for _, h := range handles {
			set[h] = true
		}
		if len(set) == 0 {
			set["main"] = true
		}
		handleSets[id] = set

		if category == "trigger" || category == "errorTrigger" {
			triggerCount++
		}

		// 2. validateConfig passes for every node.
		if field, msg, valid := v.handlers.ValidateConfig(node.Type, node.Config); !valid {
			verr.add(id, field, msg)
		}
	}
	if triggerCount == 0 {
		verr.add("", "graph", "no trigger node present")
	}

	for _, e := range g.Edges {
		if handles, ok := handleSets[e.Source]; ok {
			if !handles[e.Handle()] {
				verr.add(e.Source, "edge.sourceHandle", fmt.Sprintf("handle %q is not declared by node %s", e.Handle(), e.Source))
			}
		}
		if categories[e.Target] == "trigger" || categories[e.Target] == "errorTrigger" {
			verr.add(e.Target, "edge.target", "trigger node must not have inbound edges")
		}
	}

	// (ii) the success/branch subgraph is a DAG, except through loop nodes
	// whose back-edge into the loop body is sanctioned by a matching
	// loopEnd (invariant 6).
	if err := v.checkAcyclic(g); err != nil {
		verr.add("", "graph", err.Error())
	}

	// 6. loop structure: matching loopEnd dominator, no cross-loop edges.
	v.checkLoops(g, categories, verr)

	if len(verr.NodeDiagnostics) > 0 {
		return nil, verr
	}

	// 5. reachability from a trigger via success edges.
	skipped = v.computeUnreachable(g, categories)

	return skipped, verr
}

// successAdjacency builds adjacency restricted to success/branch edges,
// i.e. everything except `error`-type edges (which never gate readiness)
// and treating `always` edges as always-satisfied (so they don't create
// ordering cycles either).
func successAdjacency(g *Graph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if e.Type != EdgeSuccess {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

func (v *Validator) checkAcyclic(g *Graph) error {
	adj := successAdjacency(g)
	loopBackTargets := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.Loop != nil {
			loopBackTargets[n.ID] = true
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	var cyclic string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			// A back-edge closing a cycle that passes through a loop node is
			// sanctioned (it is how the loop re-enters its body), whichever
			// node of that cycle the DFS entered first; any other back-edge
			// is a real cycle.
			if color[next] == gray {
				sanctioned := false
				for i := len(stack) - 1; i >= 0; i-- {
					if loopBackTargets[stack[i]] {
						sanctioned = true
					}
					if stack[i] == next {
						break
					}
				}
				if sanctioned {
					continue
				}
				cyclic = next
				return true
			}
			if color[next] == white {
				if dfs(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if dfs(id) {
				return fmt.Errorf("cycle detected through node %s not sanctioned by a loop", cyclic)
			}
		}
	}
	return nil
}

func (v *Validator) checkLoops(g *Graph, categories map[string]string, verr *ValidationError) {
	adj := successAdjacency(g)
	bodies := make(map[string]map[string]bool, len(g.Nodes))
	loopIDs := make([]string, 0)

	for id, node := range g.Nodes {
		if node.Loop == nil {
			continue
		}
		loopIDs = append(loopIDs, id)
		if node.Loop.LoopEndNodeID == "" {
			verr.add(id, "loop.loopEndNodeId", "loop node has no matching loopEnd")
			continue
		}
		endID := node.Loop.LoopEndNodeID
		_, ok := g.Nodes[endID]
		if !ok {
			verr.add(id, "loop.loopEndNodeId", fmt.Sprintf("loopEnd node %s does not exist", endID))
			continue
		}
		if categories[endID] != "loopEnd" {
			verr.add(endID, "type", "node referenced as loopEndNodeId is not a loopEnd handler")
		}
		if node.Loop.Parallel && node.Loop.Bound < 1 {
			verr.add(id, "loop.bound", "parallel loop requires bound >= 1")
		}

		closure := closeLoopBody(adj, id, endID)
		bodies[id] = closure

		// loopEnd must dominate every exit from the body: a body node other
		// than loopEnd itself may not have a success edge to a node outside
		// the closure (that would be a path out of the loop that never
		// passes through loopEndNodeId).
		for n := range closure {
			if n == id || n == endID {
				continue
			}
			for _, t := range adj[n] {
				if !closure[t] {
					verr.add(n, "loop.loopEndNodeId", fmt.Sprintf("node %s exits the loop body started by %s without passing through loopEnd %s", n, id, endID))
				}
			}
		}
	}

	// No edge may cross between two different (non-nested) loops' bodies.
	sort.Strings(loopIDs)
	for i, a := range loopIDs {
		bodyA, ok := bodies[a]
		if !ok {
			continue
		}
		for _, b := range loopIDs[i+1:] {
			bodyB, ok := bodies[b]
			if !ok {
				continue
			}
			if loopBodiesNested(bodyA, bodyB) {
				continue
			}
			for _, e := range g.Edges {
				if e.Type != EdgeSuccess {
					continue
				}
				srcInA, dstInA := bodyA[e.Source], bodyA[e.Target]
				srcInB, dstInB := bodyB[e.Source], bodyB[e.Target]
				if (srcInA && dstInB && !dstInA) || (srcInB && dstInA && !dstInB) {
					verr.add(e.Source, "loop", fmt.Sprintf("edge %s crosses between loop %s's body and loop %s's body", e.ID, a, b))
				}
			}
		}
	}
}

// closeLoopBody returns the set of node ids belonging to the body of the
// loop rooted at loopID: loopID itself plus every node reachable from it
// via success edges, without expanding past endID (endID is included as
// the body's boundary but its own successors are not traversed).
func closeLoopBody(adj map[string][]string, loopID, endID string) map[string]bool {
	closure := map[string]bool{loopID: true}
	queue := append([]string(nil), adj[loopID]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if closure[n] {
			continue
		}
		closure[n] = true
		if n == endID {
			continue
		}
		queue = append(queue, adj[n]...)
	}
	return closure
}

// loopBodiesNested reports whether one body fully contains the other,
// which is legitimate loop nesting rather than a cross-loop edge.
func loopBodiesNested(a, b map[string]bool) bool {
	aInB, bInA := true, true
	for n := range a {
		if !b[n] {
			aInB = false
			break
		}
	}
	for n := range b {
		if !a[n] {
			bInA = false
			break
		}
	}
	return aInB || bInA
}

func (v *Validator) computeUnreachable(g *Graph, categories map[string]string) map[string]bool {
	adj := successAdjacency(g)
	reached := make(map[string]bool, len(g.Nodes))

	var queue []string
	for id, cat := range categories {
		if cat == "trigger" || cat == "errorTrigger" {
			reached[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	skipped := make(map[string]bool)
	for id, cat := range g.Nodes {
		_ = cat
		if !reached[id] {
			skipped[id] = true
		}
	}
	return skipped
}

// EntryNodes returns node ids with no inbound success/branch edges.
func EntryNodes(g *Graph) []string {
	hasInbound := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		if e.Type == EdgeSuccess {
			hasInbound[e.Target] = true
		}
	}
	var entries []string
	for id := range g.Nodes {
		if !hasInbound[id] {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

// TerminalNodes returns node ids with no outbound success/branch edges.
func TerminalNodes(g *Graph) []string {
	hasOutbound := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		if e.Type == EdgeSuccess {
			hasOutbound[e.Source] = true
		}
	}
	var terminal []string
	for id := range g.Nodes {
		if !hasOutbound[id] {
			terminal = append(terminal, id)
		}
	}
	sort.Strings(terminal)
	return terminal
}
