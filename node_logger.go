package stategraph

import (
	"context"
	"time"
)

// NodeLogEntry records one node attempt
type NodeLogEntry struct {
	ExecutionID string         `json:"execution_id"`
	Node        string         `json:"node"`
	Attempt     int            `json:"attempt"`
	Update      map[string]any `json:"update,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	Duration    float64        `json:"duration"`
}

// NodeLogger persists node attempt history
type NodeLogger interface {
	// LogNode logs a finished attempt
	LogNode(ctx context.Context, entry *NodeLogEntry) error

	// GetNodeHistory retrieves the attempt log for an execution
	GetNodeHistory(ctx context.Context, executionID string) ([]*NodeLogEntry, error)
}
