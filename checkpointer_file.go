package stategraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk, one directory per execution with a latest.json pointer.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".stategraph", "executions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

// SaveCheckpoint saves the execution checkpoint to disk
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	executionDir := filepath.Join(c.dataDir, checkpoint.ExecutionID)
	if err := os.MkdirAll(executionDir, 0755); err != nil {
		return fmt.Errorf("failed to create execution directory: %w", err)
	}

	checkpointPath := filepath.Join(executionDir, fmt.Sprintf("checkpoint-%s.json", checkpoint.ID))
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(checkpointPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	latestPath := filepath.Join(executionDir, "latest.json")
	if err := c.updateLatest(checkpointPath, latestPath, data); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for an execution
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(c.dataDir, executionID, "latest.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes all checkpoint data for an execution
func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, executionID string) error {
	if err := os.RemoveAll(filepath.Join(c.dataDir, executionID)); err != nil {
		return fmt.Errorf("failed to delete execution directory: %w", err)
	}
	return nil
}

// ListExecutions returns summaries of all stored executions, newest first.
// Executions whose checkpoint cannot be read are skipped.
func (c *FileCheckpointer) ListExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*ExecutionSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	var summaries []*ExecutionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || checkpoint == nil {
			continue
		}
		summaries = append(summaries, SummarizeCheckpoint(checkpoint))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// updateLatest points latest.json at the newest checkpoint, using a relative
// symlink where supported and a copy on Windows.
func (c *FileCheckpointer) updateLatest(checkpointPath, latestPath string, data []byte) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return err
		}
	}
	if runtime.GOOS == "windows" {
		return os.WriteFile(latestPath, data, 0644)
	}
	rel, err := filepath.Rel(filepath.Dir(latestPath), checkpointPath)
	if err != nil {
		return err
	}
	return os.Symlink(rel, latestPath)
}
