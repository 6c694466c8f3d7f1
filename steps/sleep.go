package steps

import (
	"context"
	"errors"
	"time"

	"github.com/deepnoodle-ai/stategraph"
)

// Sleep returns a step that waits for d or until ctx is done. It writes
// nothing.
func Sleep(d time.Duration) stategraph.StepFunc {
	return func(ctx context.Context, state stategraph.State) (stategraph.Update, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}
}

func newSleep(params map[string]any) (stategraph.StepFunc, error) {
	d, err := durationParam(params, "duration")
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, errors.New("duration must be positive")
	}
	return Sleep(d), nil
}
