package stategraph

import (
	"context"
	"time"
)

// ExecutionCallbacks receives run and node events. Node callbacks for
// fan-out branches are invoked from the branch goroutines, so
// implementations must be safe for concurrent use.
type ExecutionCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Node-level callbacks, once per attempt
	BeforeNode(ctx context.Context, event *NodeEvent)
	AfterNode(ctx context.Context, event *NodeEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	ExecutionID string
	GraphName   string
	Status      ExecutionStatus
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Visited     []string
	Error       error
}

// NodeEvent provides context for a single node attempt
type NodeEvent struct {
	ExecutionID string
	GraphName   string
	Node        string
	Attempt     int
	MaxAttempts int
	Branch      bool
	Update      Update
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Error       error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeNode(ctx context.Context, event *NodeEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterNode(ctx context.Context, event *NodeEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNode(ctx, event)
	}
}

func (c *CallbackChain) AfterNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNode(ctx, event)
	}
}
