package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorScript is a compiled Risor program
type RisorScript struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

// Evaluate runs the program with the compiler's globals overlaid by the
// given ones.
func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.compiler.globals)+len(globals))
	for name, value := range s.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorCompiler compiles Risor source against a fixed set of global names.
// Referencing any other name is a compile error.
type RisorCompiler struct {
	globals map[string]any
}

func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	return &RisorCompiler{globals: globals}
}

func (c *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(c.globals))
	for name := range c.globals {
		names = append(names, name)
	}
	sort.Strings(names)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{compiler: c, code: compiled}, nil
}

// RisorValue wraps a Risor result object
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return ToGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	return Truthy(v.obj)
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	default:
		return v.obj.Inspect()
	}
}

// DefaultGlobals returns the Risor builtins plus an empty "state" map, the
// name scripts use to read the current State.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		globals[name] = value
	}
	globals["state"] = object.NewMap(map[string]object.Object{})
	return globals
}

// NewDefaultCompiler returns a Risor compiler using DefaultGlobals.
func NewDefaultCompiler() *RisorCompiler {
	return NewRisorCompiler(DefaultGlobals())
}
