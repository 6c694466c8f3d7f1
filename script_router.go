package stategraph

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/stategraph/script"
)

// ScriptGlobals exposes a State to scripts as the "state" global. Values are
// normalized to JSON shapes first.
func ScriptGlobals(state State) (map[string]any, error) {
	values, err := script.Normalize(state.Map())
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": values}, nil
}

// ScriptRouter compiles code into a router. The script's result, formatted
// as a string, is the label: a comparison yields "true" or "false".
func ScriptRouter(compiler script.Compiler, code string) (RouterFunc, error) {
	if code == "" {
		return nil, fmt.Errorf("router script is empty")
	}
	compiled, err := compiler.Compile(context.Background(), code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile router script: %w", err)
	}
	return func(state State) (string, error) {
		globals, err := ScriptGlobals(state)
		if err != nil {
			return "", err
		}
		value, err := compiled.Evaluate(context.Background(), globals)
		if err != nil {
			return "", err
		}
		return value.String(), nil
	}, nil
}
