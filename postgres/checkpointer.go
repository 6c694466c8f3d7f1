// Package postgres stores run checkpoints in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/lib/pq"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "stategraph_checkpoints"

// Options configures a Checkpointer
type Options struct {
	DB    *sql.DB
	Table string
}

// Checkpointer implements stategraph.Checkpointer on PostgreSQL. Each
// checkpoint is a row; the latest row per execution wins.
type Checkpointer struct {
	db    *sql.DB
	table string
}

var _ stategraph.Checkpointer = (*Checkpointer)(nil)

// Open connects to PostgreSQL using the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewCheckpointer creates a new PostgreSQL checkpointer
func NewCheckpointer(opts Options) (*Checkpointer, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	return &Checkpointer{db: opts.DB, table: pq.QuoteIdentifier(opts.Table)}, nil
}

// Migrate creates the checkpoint table if it does not exist.
func (c *Checkpointer) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		graph_name TEXT NOT NULL,
		status TEXT NOT NULL,
		data JSONB NOT NULL,
		checkpoint_at TIMESTAMPTZ NOT NULL,
		UNIQUE (execution_id, checkpoint_id)
	)`, c.table)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// SaveCheckpoint saves the execution checkpoint
func (c *Checkpointer) SaveCheckpoint(ctx context.Context, checkpoint *stategraph.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (execution_id, checkpoint_id, graph_name, status, data, checkpoint_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, checkpoint_id)
		DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, checkpoint_at = EXCLUDED.checkpoint_at`, c.table)
	checkpointAt := checkpoint.CheckpointAt
	if checkpointAt.IsZero() {
		checkpointAt = time.Now()
	}
	_, err = c.db.ExecContext(ctx, query,
		checkpoint.ExecutionID,
		checkpoint.ID,
		checkpoint.GraphName,
		checkpoint.Status,
		data,
		checkpointAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for an execution, or nil when
// none exists.
func (c *Checkpointer) LoadCheckpoint(ctx context.Context, executionID string) (*stategraph.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE execution_id = $1 ORDER BY seq DESC LIMIT 1`, c.table)
	var data []byte
	err := c.db.QueryRowContext(ctx, query, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint stategraph.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes all checkpoints for an execution
func (c *Checkpointer) DeleteCheckpoint(ctx context.Context, executionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE execution_id = $1`, c.table)
	if _, err := c.db.ExecContext(ctx, query, executionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// ListExecutions summarizes the latest checkpoint of every execution,
// newest first.
func (c *Checkpointer) ListExecutions(ctx context.Context) ([]*stategraph.ExecutionSummary, error) {
	query := fmt.Sprintf(`SELECT data FROM (
		SELECT DISTINCT ON (execution_id) data, seq FROM %s ORDER BY execution_id, seq DESC
	) latest ORDER BY seq DESC`, c.table)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var summaries []*stategraph.ExecutionSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		var checkpoint stategraph.Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		summaries = append(summaries, stategraph.SummarizeCheckpoint(&checkpoint))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return summaries, nil
}
