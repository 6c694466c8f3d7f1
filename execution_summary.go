package stategraph

import "time"

// ExecutionSummary provides a summary view of an execution
type ExecutionSummary struct {
	ExecutionID string        `json:"execution_id"`
	GraphName   string        `json:"graph_name"`
	Status      string        `json:"status"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time,omitzero"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// SummarizeCheckpoint builds a summary from a checkpoint. Runs that have not
// finished report the time elapsed up to the checkpoint.
func SummarizeCheckpoint(checkpoint *Checkpoint) *ExecutionSummary {
	end := checkpoint.EndTime
	if end.IsZero() {
		end = checkpoint.CheckpointAt
	}
	return &ExecutionSummary{
		ExecutionID: checkpoint.ExecutionID,
		GraphName:   checkpoint.GraphName,
		Status:      checkpoint.Status,
		StartTime:   checkpoint.StartTime,
		EndTime:     checkpoint.EndTime,
		Duration:    end.Sub(checkpoint.StartTime),
		Error:       checkpoint.Error,
	}
}
