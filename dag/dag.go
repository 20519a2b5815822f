// Package dag renders a saga definition as a directed graph: one node per
// step, "next" edges for execution order and "data" edges for dependsOn
// declarations. A definition is only valid if the graph stays acyclic.
package dag

import (
	"fmt"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Edge kinds.
const (
	EdgeNext = "next"
	EdgeData = "data"
)

type Graph struct {
	*simple.DirectedGraph
	attrs  encoding.Attributes
	byName map[string]*Node
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		byName:        make(map[string]*Node),
	}
}

// AddNamed adds a node for a step. Names must be unique.
func (g *Graph) AddNamed(name, label string) (*Node, error) {
	if _, ok := g.byName[name]; ok {
		return nil, fmt.Errorf("node with name '%s' already exists", name)
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	if err := n.SetAttribute(encoding.Attribute{Key: "label", Value: strconv.Quote(label)}); err != nil {
		return nil, err
	}
	g.DirectedGraph.AddNode(n)
	g.byName[name] = n
	return n, nil
}

// Named returns the node for a step name.
func (g *Graph) Named(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Connect adds an edge of the given kind between two named nodes.
func (g *Graph) Connect(from, to, kind string) error {
	f, ok := g.byName[from]
	if !ok {
		return fmt.Errorf("node '%s' does not exist", from)
	}
	t, ok := g.byName[to]
	if !ok {
		return fmt.Errorf("node '%s' does not exist", to)
	}
	if from == to {
		return fmt.Errorf("node '%s' cannot depend on itself", from)
	}
	e := &edge{Edge: g.DirectedGraph.NewEdge(f, t)}
	if err := e.SetAttribute(encoding.Attribute{Key: "label", Value: kind}); err != nil {
		return err
	}
	if kind == EdgeData {
		if err := e.SetAttribute(encoding.Attribute{Key: "style", Value: "dashed"}); err != nil {
			return err
		}
	}
	g.SetEdge(e)
	return nil
}

// Order returns the step names in a dependency-respecting order, breaking
// ties by insertion order. It fails if the graph has a cycle.
func (g *Graph) Order() ([]string, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}
	names := make([]string, 0, len(sorted))
	for _, n := range sorted {
		names = append(names, n.(*Node).name)
	}
	return names, nil
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

// Name returns the step name.
func (n *Node) Name() string {
	return n.name
}

// DOTID implements dot.Node.
func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %v", err)
	}
	return string(data), nil
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
