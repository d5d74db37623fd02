// Package graph implements the durable execution engine: directed graphs of
// agent, tool, decision, human-input, subgraph, and output nodes driven by a
// stateless Runner with middleware hooks, per-node retries, and
// checkpoint-backed pause/resume for human-in-the-loop workflows.
package graph

import (
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type (
	// Guard decides whether an edge may be followed given the last node's
	// result.
	Guard func(msg message.Message) bool

	// Edge connects two nodes. A guarded edge is followed only when its
	// guard accepts the message; a default edge is followed when no guarded
	// edge matches.
	Edge struct {
		From    string
		To      string
		Guard   Guard
		Default bool
	}

	// Graph is an immutable validated node graph. Build one with Builder.
	Graph struct {
		id    string
		entry string
		nodes map[string]Node
		edges map[string][]Edge
	}

	// Builder assembles a Graph. Errors are collected and reported by
	// Build, so calls chain without intermediate checks.
	Builder struct {
		id    string
		entry string
		nodes map[string]Node
		edges map[string][]Edge
		errs  []error
	}
)

// NewBuilder starts a graph definition with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{
		id:    id,
		nodes: make(map[string]Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode registers a node. The first registered node becomes the entry point
// unless Entry overrides it.
func (b *Builder) AddNode(n Node) *Builder {
	if n == nil || n.ID() == "" {
		b.errs = append(b.errs, spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"graph node requires a non-empty id"))
		return b
	}
	if _, ok := b.nodes[n.ID()]; ok {
		b.errs = append(b.errs, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"duplicate node id %s", n.ID()))
		return b
	}
	if b.entry == "" {
		b.entry = n.ID()
	}
	b.nodes[n.ID()] = n
	return b
}

// Entry sets the entry point node id.
func (b *Builder) Entry(nodeID string) *Builder {
	b.entry = nodeID
	return b
}

// Edge connects from to to unconditionally.
func (b *Builder) Edge(from, to string) *Builder {
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to})
	return b
}

// GuardedEdge connects from to to behind a guard predicate.
func (b *Builder) GuardedEdge(from, to string, guard Guard) *Builder {
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to, Guard: guard})
	return b
}

// DefaultEdge connects from to to as the fallback when no guarded edge
// matches.
func (b *Builder) DefaultEdge(from, to string) *Builder {
	b.edges[from] = append(b.edges[from], Edge{From: from, To: to, Default: true})
	return b
}

// Build validates the definition and returns the immutable graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.nodes) == 0 {
		return nil, spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"graph requires at least one node")
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"entry point %q is not a registered node", b.entry)
	}
	for from, edges := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
				"edge source %q is not a registered node", from)
		}
		for _, e := range edges {
			if _, ok := b.nodes[e.To]; !ok {
				return nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
					"edge target %q is not a registered node", e.To)
			}
		}
	}
	nodes := make(map[string]Node, len(b.nodes))
	for id, n := range b.nodes {
		nodes[id] = n
	}
	edges := make(map[string][]Edge, len(b.edges))
	for from, es := range b.edges {
		edges[from] = append([]Edge(nil), es...)
	}
	return &Graph{id: b.id, entry: b.entry, nodes: nodes, edges: edges}, nil
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// Entry returns the entry point node id.
func (g *Graph) Entry() string { return g.entry }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edges returns the outbound edges of the given node.
func (g *Graph) Edges(from string) []Edge {
	return g.edges[from]
}
