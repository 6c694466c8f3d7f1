package steps

import (
	"context"
	"errors"

	"github.com/deepnoodle-ai/stategraph"
)

// Fail returns a step that always fails with message. A fatal failure is
// not retried.
func Fail(message string, fatal bool) stategraph.StepFunc {
	if message == "" {
		message = "intentional failure"
	}
	return func(ctx context.Context, state stategraph.State) (stategraph.Update, error) {
		err := errors.New(message)
		if fatal {
			return nil, stategraph.Fatal(err)
		}
		return nil, err
	}
}

func newFail(params map[string]any) (stategraph.StepFunc, error) {
	message, err := stringParam(params, "message", "")
	if err != nil {
		return nil, err
	}
	fatal, err := boolParam(params, "fatal")
	if err != nil {
		return nil, err
	}
	return Fail(message, fatal), nil
}
