package stategraph

import "time"

// Checkpoint is a serializable snapshot of a run's progress, saved after
// every node and once more when the run finishes.
type Checkpoint struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	GraphName    string         `json:"graph_name"`
	Status       string         `json:"status"`
	State        map[string]any `json:"state"`
	Visited      []string       `json:"visited"`
	Attempts     map[string]int `json:"attempts"`
	Next         []string       `json:"next,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartTime    time.Time      `json:"start_time,omitzero"`
	EndTime      time.Time      `json:"end_time,omitzero"`
	CheckpointAt time.Time      `json:"checkpoint_at"`
}
