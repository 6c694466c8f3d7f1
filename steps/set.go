package steps

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/stategraph"
)

// Set returns a step that writes fixed values.
func Set(values map[string]any) stategraph.StepFunc {
	return func(ctx context.Context, state stategraph.State) (stategraph.Update, error) {
		update := make(stategraph.Update, len(values))
		for k, v := range values {
			update[k] = v
		}
		return update, nil
	}
}

func newSet(params map[string]any) (stategraph.StepFunc, error) {
	values, ok := params["values"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("set requires a 'values' map")
	}
	return Set(values), nil
}
