package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/deepnoodle-ai/stategraph"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Checkpointer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c, err := NewCheckpointer(Options{DB: db})
	require.NoError(t, err)
	return c, mock
}

func TestNewCheckpointer(t *testing.T) {
	_, err := NewCheckpointer(Options{})
	require.Error(t, err)

	c, _ := newMock(t)
	require.Equal(t, `"stategraph_checkpoints"`, c.table)
}

func TestCheckpointerMigrate(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "stategraph_checkpoints"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, c.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointerSave(t *testing.T) {
	c, mock := newMock(t)
	checkpoint := &stategraph.Checkpoint{
		ID:           "3",
		ExecutionID:  "exec_1",
		GraphName:    "screen",
		Status:       "running",
		State:        map[string]any{"score": 4.0},
		Visited:      []string{"parse"},
		Attempts:     map[string]int{"parse": 1},
		CheckpointAt: time.Now(),
	}
	mock.ExpectExec(`INSERT INTO "stategraph_checkpoints"`).
		WithArgs("exec_1", "3", "screen", "running", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, c.SaveCheckpoint(context.Background(), checkpoint))

	mock.ExpectExec(`INSERT INTO`).WillReturnError(errors.New("connection reset"))
	err := c.SaveCheckpoint(context.Background(), checkpoint)
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointerLoad(t *testing.T) {
	c, mock := newMock(t)
	stored := stategraph.Checkpoint{
		ID:          "2",
		ExecutionID: "exec_1",
		GraphName:   "screen",
		Status:      "failed",
		State:       map[string]any{"score": 4.0},
		Next:        []string{"score"},
	}
	data, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM "stategraph_checkpoints" WHERE execution_id = \$1`).
		WithArgs("exec_1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	loaded, err := c.LoadCheckpoint(context.Background(), "exec_1")
	require.NoError(t, err)
	require.Equal(t, "failed", loaded.Status)
	require.Equal(t, []string{"score"}, loaded.Next)
	require.Equal(t, 4.0, loaded.State["score"])

	mock.ExpectQuery(`SELECT data FROM`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	loaded, err = c.LoadCheckpoint(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, loaded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointerDeleteAndList(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectExec(`DELETE FROM "stategraph_checkpoints"`).
		WithArgs("exec_1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, c.DeleteCheckpoint(context.Background(), "exec_1"))

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first, _ := json.Marshal(stategraph.Checkpoint{ExecutionID: "exec_2", GraphName: "screen", Status: "completed", StartTime: start, EndTime: start.Add(time.Second)})
	second, _ := json.Marshal(stategraph.Checkpoint{ExecutionID: "exec_3", GraphName: "screen", Status: "failed", Error: "boom", StartTime: start})
	mock.ExpectQuery(`SELECT DISTINCT ON \(execution_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(first).AddRow(second))
	summaries, err := c.ListExecutions(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "exec_2", summaries[0].ExecutionID)
	require.Equal(t, time.Second, summaries[0].Duration)
	require.Equal(t, "boom", summaries[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}
