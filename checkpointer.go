package stategraph

import (
	"context"
)

// Checkpointer persists run checkpoints. Persistence is the caller's
// choice; the engine defaults to NullCheckpointer.
type Checkpointer interface {
	// SaveCheckpoint saves the current execution state
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for an execution. It
	// returns nil and no error when none exists.
	LoadCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for an execution
	DeleteCheckpoint(ctx context.Context, executionID string) error
}
