package steps

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/script"
)

// Script returns a step that evaluates code against the State. With a
// field, the result is written there. Without one, the result must be a
// map and is used as the update.
func Script(compiler script.Compiler, code, field string) (stategraph.StepFunc, error) {
	if code == "" {
		return nil, fmt.Errorf("script requires 'code'")
	}
	compiled, err := compiler.Compile(context.Background(), code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return func(ctx context.Context, state stategraph.State) (stategraph.Update, error) {
		globals, err := stategraph.ScriptGlobals(state)
		if err != nil {
			return nil, stategraph.Fatal(err)
		}
		value, err := compiled.Evaluate(ctx, globals)
		if err != nil {
			return nil, err
		}
		result := value.Value()
		if field != "" {
			return stategraph.Update{field: result}, nil
		}
		m, ok := result.(map[string]any)
		if !ok {
			return nil, stategraph.Fatal(fmt.Errorf("script result must be a map, got %T", result))
		}
		return stategraph.Update(m), nil
	}, nil
}

func newScript(compiler script.Compiler) stategraph.StepFactory {
	return func(params map[string]any) (stategraph.StepFunc, error) {
		code, err := stringParam(params, "code", "")
		if err != nil {
			return nil, err
		}
		field, err := stringParam(params, "field", "")
		if err != nil {
			return nil, err
		}
		return Script(compiler, code, field)
	}
}
