package stategraph

import (
	"fmt"
	"slices"
)

// Options are used to configure a Graph.
type Options struct {
	Name        string
	Description string
	Schema      []Field
	Nodes       []*Node
	Edges       []*Edge
	Entry       string
}

// Graph is a validated workflow definition: nodes connected by direct,
// conditional, or fan-out edges, with one entry node. A Graph is immutable
// and may be shared by any number of concurrent runs.
type Graph struct {
	name        string
	description string
	schema      *Schema
	nodes       []*Node
	nodesByName map[string]*Node
	edges       map[string]*Edge
	entry       string
}

// New returns a new Graph configured with the given options. All static
// invariants are checked here, before any run starts.
func New(opts Options) (*Graph, error) {
	if opts.Name == "" {
		return nil, definitionErrorf("", "graph name required")
	}
	if len(opts.Nodes) == 0 {
		return nil, definitionErrorf(opts.Name, "nodes required")
	}
	schema, err := NewSchema(opts.Schema...)
	if err != nil {
		return nil, definitionErrorf(opts.Name, "%v", err)
	}

	g := &Graph{
		name:        opts.Name,
		description: opts.Description,
		schema:      schema,
		nodesByName: make(map[string]*Node, len(opts.Nodes)),
		edges:       make(map[string]*Edge, len(opts.Edges)),
		entry:       opts.Entry,
	}
	for _, node := range opts.Nodes {
		if node == nil || node.Name == "" {
			return nil, definitionErrorf(opts.Name, "node name required")
		}
		if node.Name == END {
			return nil, definitionErrorf(opts.Name, "node name %q is reserved", END)
		}
		if _, exists := g.nodesByName[node.Name]; exists {
			return nil, definitionErrorf(opts.Name, "duplicate node %q", node.Name)
		}
		copied := *node
		copied.Writes = slices.Clone(node.Writes)
		if node.Retry != nil {
			retry := *node.Retry
			copied.Retry = &retry
		}
		g.nodesByName[node.Name] = &copied
		g.nodes = append(g.nodes, &copied)
	}
	for _, edge := range opts.Edges {
		if edge == nil {
			continue
		}
		if _, exists := g.edges[edge.From]; exists {
			return nil, definitionErrorf(opts.Name, "node %q has more than one outgoing edge", edge.From)
		}
		copied := *edge
		copied.To = slices.Clone(edge.To)
		copied.Labels = slices.Clone(edge.Labels)
		if edge.Routes != nil {
			copied.Routes = make(map[string]string, len(edge.Routes))
			for k, v := range edge.Routes {
				copied.Routes[k] = v
			}
		}
		g.edges[edge.From] = &copied
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Description returns the graph description
func (g *Graph) Description() string {
	return g.description
}

// Schema returns the State schema
func (g *Graph) Schema() *Schema {
	return g.schema
}

// Entry returns the entry node name
func (g *Graph) Entry() string {
	return g.entry
}

// Nodes returns the nodes in declared order
func (g *Graph) Nodes() []*Node {
	return slices.Clone(g.nodes)
}

// Node returns a node by name
func (g *Graph) Node(name string) (*Node, bool) {
	node, ok := g.nodesByName[name]
	return node, ok
}

// Edge returns the outgoing edge of a node
func (g *Graph) Edge(from string) (*Edge, bool) {
	edge, ok := g.edges[from]
	return edge, ok
}

// NodeNames returns the names of all nodes in declared order
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for _, node := range g.nodes {
		names = append(names, node.Name)
	}
	return names
}

func (g *Graph) validate() error {
	if g.entry == "" {
		return definitionErrorf(g.name, "entry node required")
	}
	if _, ok := g.nodesByName[g.entry]; !ok {
		return definitionErrorf(g.name, "entry node %q not found", g.entry)
	}
	for from := range g.edges {
		if _, ok := g.nodesByName[from]; !ok {
			return definitionErrorf(g.name, "edge from unknown node %q", from)
		}
	}
	for _, node := range g.nodes {
		if err := g.validateNode(node); err != nil {
			return err
		}
	}
	for _, node := range g.nodes {
		edge := g.edges[node.Name]
		if edge.IsFanOut() {
			if err := g.validateFanOut(node.Name, edge.To); err != nil {
				return err
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return err
	}
	if !g.endReachable() {
		return definitionErrorf(g.name, "no path from entry %q reaches %s", g.entry, END)
	}
	return nil
}

func (g *Graph) validateNode(node *Node) error {
	if node.Step == nil {
		return definitionErrorf(g.name, "node %q has no step", node.Name)
	}
	if node.Retry != nil && node.Retry.MaxAttempts < 1 {
		return definitionErrorf(g.name, "node %q: max attempts must be at least 1", node.Name)
	}
	for _, field := range node.Writes {
		if field == ErrorsField {
			return definitionErrorf(g.name, "node %q declares a write to reserved field %q", node.Name, ErrorsField)
		}
		if !g.schema.Has(field) {
			return definitionErrorf(g.name, "node %q declares a write to unknown field %q", node.Name, field)
		}
	}
	if node.OnFailure != "" {
		if _, ok := g.nodesByName[node.OnFailure]; !ok {
			return definitionErrorf(g.name, "node %q recovery node %q not found", node.Name, node.OnFailure)
		}
	}

	edge, ok := g.edges[node.Name]
	if !ok {
		return definitionErrorf(g.name, "node %q has no outgoing edge", node.Name)
	}
	if edge.IsConditional() {
		if edge.Router == nil {
			return definitionErrorf(g.name, "conditional edge from %q has no router", node.Name)
		}
		if len(edge.Routes) == 0 {
			return definitionErrorf(g.name, "conditional edge from %q has an empty route table", node.Name)
		}
		if len(edge.To) > 0 {
			return definitionErrorf(g.name, "conditional edge from %q cannot also have direct targets", node.Name)
		}
		for _, label := range edge.Labels {
			if _, ok := edge.Routes[label]; !ok {
				return definitionErrorf(g.name, "conditional edge from %q: label %q has no route", node.Name, label)
			}
		}
	} else if len(edge.To) == 0 {
		return definitionErrorf(g.name, "edge from %q has no target", node.Name)
	}
	for _, to := range edge.Targets() {
		if to == END {
			continue
		}
		if _, ok := g.nodesByName[to]; !ok {
			return definitionErrorf(g.name, "edge from %q to unknown node %q", node.Name, to)
		}
	}
	return nil
}

// validateFanOut checks a fan-out set: members converge on one join target
// and never write the same replace field.
func (g *Graph) validateFanOut(from string, members []string) error {
	seen := map[string]bool{}
	join := ""
	writers := map[string]string{}
	for _, name := range members {
		if name == END {
			return definitionErrorf(g.name, "fan-out from %q cannot target %s", from, END)
		}
		if seen[name] {
			return definitionErrorf(g.name, "fan-out from %q lists %q twice", from, name)
		}
		seen[name] = true
		if name == g.entry {
			return definitionErrorf(g.name, "fan-out from %q cannot target the entry node", from)
		}
		member := g.nodesByName[name]
		if member.OnFailure != "" {
			return definitionErrorf(g.name, "fan-out branch %q cannot declare a recovery node", name)
		}
		edge := g.edges[name]
		if edge.IsConditional() || len(edge.To) != 1 {
			return definitionErrorf(g.name, "fan-out branch %q must have a single direct edge to the join", name)
		}
		if join == "" {
			join = edge.To[0]
		} else if edge.To[0] != join {
			return definitionErrorf(g.name, "fan-out branches from %q do not converge: %q vs %q", from, join, edge.To[0])
		}
		for _, field := range member.Writes {
			if g.schema.Policy(field) == MergeAppend {
				continue
			}
			if other, exists := writers[field]; exists {
				return definitionErrorf(g.name, "fan-out branches %q and %q both replace field %q", other, name, field)
			}
			writers[field] = name
		}
	}
	if seen[join] {
		return definitionErrorf(g.name, "fan-out from %q joins on one of its own branches %q", from, join)
	}
	return nil
}

// successors returns every node reachable in one hop from name, including
// its recovery node. END is omitted.
func (g *Graph) successors(name string) []string {
	var next []string
	if edge, ok := g.edges[name]; ok {
		for _, to := range edge.Targets() {
			if to != END {
				next = append(next, to)
			}
		}
	}
	if node := g.nodesByName[name]; node.OnFailure != "" {
		next = append(next, node.OnFailure)
	}
	return next
}

func (g *Graph) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(g.nodes))
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch marks[name] {
		case visiting:
			return definitionErrorf(g.name, "cycle detected: %v", append(trail, name))
		case done:
			return nil
		}
		marks[name] = visiting
		for _, next := range g.successors(name) {
			if err := visit(next, append(trail, name)); err != nil {
				return err
			}
		}
		marks[name] = done
		return nil
	}
	for _, node := range g.nodes {
		if err := visit(node.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) endReachable() bool {
	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if edge, ok := g.edges[name]; ok {
			for _, to := range edge.Targets() {
				if to == END {
					return true
				}
			}
		}
		for _, next := range g.successors(name) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// joinTarget returns the node or END that a fan-out set converges on.
func (g *Graph) joinTarget(members []string) string {
	return g.edges[members[0]].To[0]
}

func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%s, %d nodes)", g.name, len(g.nodes))
}
