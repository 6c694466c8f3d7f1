package steps

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/script"
)

// PrintOptions configures Print
type PrintOptions struct {
	// Message may contain ${...} expressions over "state".
	Message string

	// Field optionally receives the rendered message.
	Field string

	// Output defaults to stdout.
	Output io.Writer

	Compiler script.Compiler
}

// Print returns a step that renders a message from the State and prints it.
func Print(opts PrintOptions) (stategraph.StepFunc, error) {
	if opts.Message == "" {
		return nil, fmt.Errorf("print requires a 'message'")
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewDefaultCompiler()
	}
	tmpl, err := script.NewTemplate(opts.Compiler, opts.Message)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, state stategraph.State) (stategraph.Update, error) {
		globals, err := stategraph.ScriptGlobals(state)
		if err != nil {
			return nil, stategraph.Fatal(err)
		}
		message, err := tmpl.Eval(ctx, globals)
		if err != nil {
			return nil, stategraph.Fatal(err)
		}
		stategraph.LoggerFromContext(ctx).Info("print", "message", message)
		if _, err := fmt.Fprintln(opts.Output, message); err != nil {
			return nil, err
		}
		if opts.Field == "" {
			return nil, nil
		}
		return stategraph.Update{opts.Field: message}, nil
	}, nil
}

func newPrint(compiler script.Compiler) stategraph.StepFactory {
	return func(params map[string]any) (stategraph.StepFunc, error) {
		message, err := stringParam(params, "message", "")
		if err != nil {
			return nil, err
		}
		field, err := stringParam(params, "field", "")
		if err != nil {
			return nil, err
		}
		return Print(PrintOptions{Message: message, Field: field, Compiler: compiler})
	}
}
