package stategraph

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileNodeLogger writes one newline-delimited JSON file per execution.
// It is safe for concurrent use by fan-out branches and batch items.
type FileNodeLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileNodeLogger(directory string) *FileNodeLogger {
	return &FileNodeLogger{directory: directory}
}

func (l *FileNodeLogger) logPath(executionID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", executionID))
}

func (l *FileNodeLogger) GetNodeHistory(ctx context.Context, executionID string) ([]*NodeLogEntry, error) {
	f, err := os.Open(l.logPath(executionID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*NodeLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry NodeLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode node log entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (l *FileNodeLogger) LogNode(ctx context.Context, entry *NodeLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := os.MkdirAll(l.directory, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.logPath(entry.ExecutionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
