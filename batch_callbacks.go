package stategraph

import (
	"context"
	"time"
)

// BatchCallbacks receives batch and item events. Item callbacks run on the
// worker goroutines and must be safe for concurrent use.
type BatchCallbacks interface {
	BeforeBatch(ctx context.Context, event *BatchEvent)
	AfterBatch(ctx context.Context, event *BatchEvent)
	BeforeItem(ctx context.Context, event *ItemEvent)
	AfterItem(ctx context.Context, event *ItemEvent)
}

// BatchEvent provides context for batch-level events
type BatchEvent struct {
	BatchID     string
	GraphName   string
	Total       int
	Concurrency int
	Result      *BatchResult
}

// ItemEvent provides context for one batch item
type ItemEvent struct {
	BatchID   string
	GraphName string
	Index     int
	ItemID    string
	Status    ExecutionStatus
	StartTime time.Time
	Duration  time.Duration
	Error     string
}

// BaseBatchCallbacks provides a default implementation that does nothing
type BaseBatchCallbacks struct{}

func (n *BaseBatchCallbacks) BeforeBatch(ctx context.Context, event *BatchEvent) {}

func (n *BaseBatchCallbacks) AfterBatch(ctx context.Context, event *BatchEvent) {}

func (n *BaseBatchCallbacks) BeforeItem(ctx context.Context, event *ItemEvent) {}

func (n *BaseBatchCallbacks) AfterItem(ctx context.Context, event *ItemEvent) {}
