package stategraph

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stategraph/script"
	"gopkg.in/yaml.v3"
)

// StepFactory builds a step from the params given in a graph file.
type StepFactory func(params map[string]any) (StepFunc, error)

// RouterFactory builds a router from the params given in a graph file.
type RouterFactory func(params map[string]any) (RouterFunc, error)

// Registry resolves the step and router names used in graph files.
type Registry struct {
	mutex    sync.RWMutex
	steps    map[string]StepFactory
	routers  map[string]RouterFactory
	compiler script.Compiler
}

// NewRegistry returns an empty registry that compiles script routers with
// the default Risor compiler.
func NewRegistry() *Registry {
	return &Registry{
		steps:    map[string]StepFactory{},
		routers:  map[string]RouterFactory{},
		compiler: script.NewDefaultCompiler(),
	}
}

// RegisterStep adds or replaces a named step factory.
func (r *Registry) RegisterStep(name string, factory StepFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.steps[name] = factory
}

// RegisterRouter adds or replaces a named router factory.
func (r *Registry) RegisterRouter(name string, factory RouterFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.routers[name] = factory
}

// SetCompiler replaces the compiler used for script routers.
func (r *Registry) SetCompiler(compiler script.Compiler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.compiler = compiler
}

// Compiler returns the compiler used for script routers.
func (r *Registry) Compiler() script.Compiler {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.compiler
}

// Steps returns the registered step names, sorted.
func (r *Registry) Steps() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return sortedKeys(r.steps)
}

// Step builds the named step.
func (r *Registry) Step(name string, params map[string]any) (StepFunc, error) {
	r.mutex.RLock()
	factory, ok := r.steps[name]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step %q", name)
	}
	return factory(params)
}

// Router builds the named router.
func (r *Registry) Router(name string, params map[string]any) (RouterFunc, error) {
	r.mutex.RLock()
	factory, ok := r.routers[name]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown router %q", name)
	}
	return factory(params)
}

type graphFile struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Entry       string     `yaml:"entry"`
	Schema      []Field    `yaml:"schema,omitempty"`
	Nodes       []nodeFile `yaml:"nodes"`
	Edges       []edgeFile `yaml:"edges"`
}

type nodeFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Step        string         `yaml:"step"`
	Params      map[string]any `yaml:"params,omitempty"`
	Retry       *RetryPolicy   `yaml:"retry,omitempty"`
	Writes      []string       `yaml:"writes,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty"`
	OnFailure   string         `yaml:"on_failure,omitempty"`
}

type edgeFile struct {
	From   string            `yaml:"from"`
	To     targetList        `yaml:"to,omitempty"`
	Router *routerFile       `yaml:"router,omitempty"`
	Routes map[string]string `yaml:"routes,omitempty"`
	Labels []string          `yaml:"labels,omitempty"`
}

type routerFile struct {
	Name   string         `yaml:"name,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`
	Script string         `yaml:"script,omitempty"`
}

// targetList accepts either a single target or a list.
type targetList []string

func (t *targetList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = targetList{value.Value}
		return nil
	}
	var targets []string
	if err := value.Decode(&targets); err != nil {
		return err
	}
	*t = targets
	return nil
}

// LoadFile loads a graph from a YAML file
func LoadFile(path string, registry *Registry) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadString(string(data), registry)
}

// LoadString loads a graph from a YAML string
func LoadString(data string, registry *Registry) (*Graph, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	var file graphFile
	if err := yaml.Unmarshal([]byte(data), &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph file: %w", err)
	}
	opts, err := file.options(registry)
	if err != nil {
		return nil, err
	}
	return New(opts)
}

func (f *graphFile) options(registry *Registry) (Options, error) {
	opts := Options{
		Name:        f.Name,
		Description: f.Description,
		Schema:      f.Schema,
		Entry:       f.Entry,
	}
	for _, n := range f.Nodes {
		if n.Step == "" {
			return Options{}, definitionErrorf(f.Name, "node %q has no step", n.Name)
		}
		step, err := registry.Step(n.Step, n.Params)
		if err != nil {
			return Options{}, definitionErrorf(f.Name, "node %q: %v", n.Name, err)
		}
		opts.Nodes = append(opts.Nodes, &Node{
			Name:        n.Name,
			Description: n.Description,
			Step:        step,
			Retry:       n.Retry,
			Writes:      n.Writes,
			Timeout:     n.Timeout,
			OnFailure:   n.OnFailure,
		})
	}
	for _, e := range f.Edges {
		edge, err := e.edge(f.Name, registry)
		if err != nil {
			return Options{}, err
		}
		opts.Edges = append(opts.Edges, edge)
	}
	return opts, nil
}

func (e *edgeFile) edge(graph string, registry *Registry) (*Edge, error) {
	if e.Router == nil {
		if len(e.Routes) > 0 {
			return nil, definitionErrorf(graph, "edge from %q has routes but no router", e.From)
		}
		return Direct(e.From, e.To...), nil
	}
	if len(e.To) > 0 {
		return nil, definitionErrorf(graph, "conditional edge from %q cannot also have direct targets", e.From)
	}
	var router RouterFunc
	var err error
	switch {
	case e.Router.Script != "" && e.Router.Name != "":
		return nil, definitionErrorf(graph, "edge from %q: router takes a name or a script, not both", e.From)
	case e.Router.Script != "":
		router, err = ScriptRouter(registry.Compiler(), e.Router.Script)
	case e.Router.Name != "":
		router, err = registry.Router(e.Router.Name, e.Router.Params)
	default:
		return nil, definitionErrorf(graph, "edge from %q: router needs a name or a script", e.From)
	}
	if err != nil {
		return nil, definitionErrorf(graph, "edge from %q: %v", e.From, err)
	}
	return Conditional(e.From, router, e.Routes, e.Labels...), nil
}
