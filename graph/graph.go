// Package graph defines the edge-export IR: a directed acyclic graph of
// typed tensor operations with a closed operator vocabulary, plus the Tensor
// type used by the program weight table.
//
// Nodes are held in an ordered sequence that is always a valid topological
// order: every node reference points at an earlier node. Rewrite passes
// mutate nodes in place and splice new nodes into the order; the Graph keeps
// consumer edges consistent through SetArgs/SetArg/ReplaceInputWith, and
// Validate checks referential integrity after structural edits.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Graph owns an ordered sequence of nodes. The zero value is not usable;
// construct with New.
type Graph struct {
	name   string
	nodes  []*Node
	nextID int
}

// New creates an empty graph. The name identifies the graph in errors and
// dumps (conventionally "forward" or "main").
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// Nodes returns a snapshot of the node sequence in topological order.
// The returned slice is a copy: splicing nodes into the graph while ranging
// over it does not change what is visited. Passes rely on this to never
// re-match nodes they inserted themselves.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// NumNodes returns the number of nodes currently in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// genName generates a unique node name from a prefix.
func (g *Graph) genName(prefix string) string {
	name := fmt.Sprintf("%s_%d", prefix, g.nextID)
	g.nextID++
	return name
}

func (g *Graph) newNode(op OpKind, name string) *Node {
	if name == "" {
		name = g.genName(op.String())
	}
	return &Node{name: name, op: op, graph: g}
}

// Placeholder appends a graph input with a declared output shape.
func (g *Graph) Placeholder(name string, shape shapes.Shape) *Node {
	n := g.newNode(OpPlaceholder, name)
	n.meta.Val = shape
	g.nodes = append(g.nodes, n)
	return n
}

// GetAttr appends a node fetching the named tensor from the program's
// weight table. Its output shape is resolved during finalization.
func (g *Graph) GetAttr(name, target string) *Node {
	n := g.newNode(OpGetAttr, name)
	n.target = target
	g.nodes = append(g.nodes, n)
	return n
}

// AddNode appends an operation node with the given arguments.
// An empty name gets a generated one.
func (g *Graph) AddNode(op OpKind, name string, args ...Argument) *Node {
	n := g.newNode(op, name)
	g.nodes = append(g.nodes, n)
	n.SetArgs(args...)
	return n
}

// Output appends the graph's output node, referencing each produced value.
func (g *Graph) Output(results ...*Node) *Node {
	args := make([]Argument, len(results))
	for i, r := range results {
		args[i] = NodeArg(r)
	}
	return g.AddNode(OpOutput, "output", args...)
}

func (g *Graph) indexOf(n *Node) int {
	for i, existing := range g.nodes {
		if existing == n {
			return i
		}
	}
	return -1
}

// InsertBefore creates a new node with a generated name and splices it into
// the node order immediately before anchor. The node starts with no
// arguments; the caller wires them with SetArgs. Panics if anchor is not in
// the graph.
func (g *Graph) InsertBefore(anchor *Node, op OpKind) *Node {
	i := g.indexOf(anchor)
	if i < 0 {
		panic(fmt.Sprintf("graph %q: InsertBefore anchor %q is not in the graph", g.name, anchor.name))
	}
	n := g.newNode(op, "")
	g.nodes = append(g.nodes, nil)
	copy(g.nodes[i+1:], g.nodes[i:])
	g.nodes[i] = n
	return n
}

// InsertAfter creates a new node with a generated name and splices it into
// the node order immediately after anchor. Panics if anchor is not in the
// graph.
func (g *Graph) InsertAfter(anchor *Node, op OpKind) *Node {
	i := g.indexOf(anchor)
	if i < 0 {
		panic(fmt.Sprintf("graph %q: InsertAfter anchor %q is not in the graph", g.name, anchor.name))
	}
	n := g.newNode(op, "")
	g.nodes = append(g.nodes, nil)
	copy(g.nodes[i+2:], g.nodes[i+1:])
	g.nodes[i+1] = n
	return n
}

// Find returns the node with the given name, or nil.
func (g *Graph) Find(name string) *Node {
	for _, n := range g.nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}

// Outputs returns the graph's output node, or nil if none was added.
func (g *Graph) Outputs() *Node {
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if g.nodes[i].op == OpOutput {
			return g.nodes[i]
		}
	}
	return nil
}

// Validate checks the graph's structural invariants:
//
//   - every node argument that references a node names one present in the
//     graph, and that node appears strictly earlier in the order (so the
//     order is a topological order and the graph is acyclic);
//   - consumer sets exactly mirror the argument references;
//   - node names are unique.
//
// Rewrite passes must leave a graph that passes Validate; a failure here
// after a rewrite indicates a bug in the pass.
func (g *Graph) Validate() error {
	position := make(map[*Node]int, len(g.nodes))
	names := make(map[string]bool, len(g.nodes))
	for i, n := range g.nodes {
		if names[n.name] {
			return errors.Errorf("graph %q: duplicate node name %q", g.name, n.name)
		}
		names[n.name] = true
		position[n] = i
	}

	type edge struct{ from, to *Node }
	wired := make(map[edge]bool)
	for i, n := range g.nodes {
		for argIdx, a := range n.args {
			ref := a.Node()
			if ref == nil {
				continue
			}
			j, ok := position[ref]
			if !ok {
				return errors.Errorf("graph %q: node %q argument %d references %q, which is not in the graph",
					g.name, n.name, argIdx, ref.name)
			}
			if j >= i {
				return errors.Errorf("graph %q: node %q references %q, which does not precede it",
					g.name, n.name, ref.name)
			}
			wired[edge{ref, n}] = true
			if !containsNode(ref.consumers, n) {
				return errors.Errorf("graph %q: node %q is missing consumer edge to %q",
					g.name, ref.name, n.name)
			}
		}
	}
	for _, n := range g.nodes {
		for _, c := range n.consumers {
			if !wired[edge{n, c}] {
				return errors.Errorf("graph %q: node %q has stale consumer edge to %q",
					g.name, n.name, c.name)
			}
		}
	}
	return nil
}

func containsNode(list []*Node, target *Node) bool {
	for _, n := range list {
		if n == target {
			return true
		}
	}
	return false
}

// String renders the graph one node per line, in order.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %q:\n", g.name)
	for _, n := range g.nodes {
		fmt.Fprintf(&sb, "  %s\n", n)
	}
	return sb.String()
}

// DumpGraphviz renders the graph in dot format, for debug logging.
func (g *Graph) DumpGraphviz() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", g.name)
	for _, n := range g.nodes {
		fmt.Fprintf(&sb, "  %q [label=%q];\n", n.name, fmt.Sprintf("%s\n%s", n.name, n.op))
		for _, a := range n.args {
			if ref := a.Node(); ref != nil {
				fmt.Fprintf(&sb, "  %q -> %q;\n", ref.name, n.name)
			}
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
