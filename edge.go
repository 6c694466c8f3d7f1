package stategraph

// END is the terminal marker. Routing to END completes the run.
const END = "END"

// RouterFunc picks an outgoing label from the current State.
type RouterFunc func(state State) (string, error)

// Edge connects a node to what runs after it. A direct edge names one or
// more targets; more than one target is a fan-out set whose members run
// concurrently and join before continuing. A conditional edge evaluates
// Router and looks the label up in Routes.
type Edge struct {
	From string
	To   []string

	Router RouterFunc
	Routes map[string]string

	// Labels lists every label Router can return. Each must appear in
	// Routes; this is checked when the Graph is built.
	Labels []string
}

// Direct returns an edge from one node to one target, or to a fan-out set
// when more than one target is given.
func Direct(from string, to ...string) *Edge {
	return &Edge{From: from, To: to}
}

// Conditional returns an edge that routes on the label produced by router.
func Conditional(from string, router RouterFunc, routes map[string]string, labels ...string) *Edge {
	return &Edge{From: from, Router: router, Routes: routes, Labels: labels}
}

// IsConditional reports whether the edge routes on a label.
func (e *Edge) IsConditional() bool {
	return e.Router != nil || len(e.Routes) > 0
}

// IsFanOut reports whether the edge targets more than one node.
func (e *Edge) IsFanOut() bool {
	return !e.IsConditional() && len(e.To) > 1
}

// Targets returns every node or END the edge can lead to, sorted for
// conditional edges and in declared order for direct ones.
func (e *Edge) Targets() []string {
	if !e.IsConditional() {
		return append([]string(nil), e.To...)
	}
	seen := map[string]bool{}
	var targets []string
	for _, label := range sortedKeys(e.Routes) {
		to := e.Routes[label]
		if !seen[to] {
			seen[to] = true
			targets = append(targets, to)
		}
	}
	return targets
}

// routeLabels returns the route table's labels, sorted.
func (e *Edge) routeLabels() []string {
	return sortedKeys(e.Routes)
}
