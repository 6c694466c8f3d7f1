package stategraph

import (
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new typeid for execution identification
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// RunRecord is the outcome of one run. It is owned by that run until Run
// returns it.
type RunRecord struct {
	ExecutionID string          `json:"execution_id"`
	Graph       string          `json:"graph"`
	FinalState  State           `json:"final_state"`
	Status      ExecutionStatus `json:"status"`

	// Visited lists node names in the order they started. Fan-out branches
	// appear in declared order.
	Visited []string `json:"visited"`

	// Attempts counts how many times each visited node's step was invoked.
	Attempts map[string]int `json:"attempts"`

	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Succeeded reports whether the run reached END.
func (r *RunRecord) Succeeded() bool {
	return r.Status == ExecutionStatusCompleted
}

// Duration returns the wall-clock time the run took.
func (r *RunRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
