// Package script compiles and evaluates small Risor expressions used as
// routers, templates, and computed steps.
package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {
	// Value returns the result as a plain Go value
	Value() any

	// String returns the result formatted for a label or template
	String() string

	// IsTruthy reports whether the result counts as true
	IsTruthy() bool
}

// Script is a compiled expression that can be evaluated many times.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
