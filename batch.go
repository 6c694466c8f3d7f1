package stategraph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.jetify.com/typeid"
	"golang.org/x/sync/errgroup"
)

// NewBatchID returns a new typeid for batch identification
func NewBatchID() string {
	id, err := typeid.WithPrefix("batch")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// SchedulerOptions configures a batch Scheduler
type SchedulerOptions struct {
	Graph *Graph

	// Concurrency is the maximum number of runs in flight. Must be >= 1.
	Concurrency int

	// ScoreField names a numeric State field summarized across successful
	// runs. Empty disables the score summary.
	ScoreField string

	// ItemTimeout bounds each run. Zero means no deadline.
	ItemTimeout time.Duration

	Logger    *slog.Logger
	Callbacks BatchCallbacks

	// Passed to every run in the batch
	ExecutionCallbacks ExecutionCallbacks
	NodeLogger         NodeLogger
	Checkpointer       Checkpointer
}

// BatchItem is one independent run in a batch.
type BatchItem struct {
	// ID identifies the item in results. Defaults to "item-<index>".
	ID     string
	Inputs map[string]any

	// set when the item's inputs could not be built
	invalid error
}

// ItemResult is the outcome of one batch item
type ItemResult struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Status   ExecutionStatus `json:"status"`
	Record   *RunRecord      `json:"record,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// ScoreSummary aggregates the score field over successful items that
// carry a numeric value. All values are zero when Count is zero.
type ScoreSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// BatchResult summarizes a finished batch
type BatchResult struct {
	BatchID     string        `json:"batch_id"`
	Total       int           `json:"total"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	Items       []ItemResult  `json:"items"`
	Score       ScoreSummary  `json:"score"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	// AverageDuration is the batch duration divided by Total.
	AverageDuration time.Duration `json:"average_duration"`

	// Shortest and longest individual item durations
	MinItemDuration time.Duration `json:"min_item_duration"`
	MaxItemDuration time.Duration `json:"max_item_duration"`
}

// Scheduler runs many independent executions of one Graph with bounded
// concurrency. A failing item never affects the others.
type Scheduler struct {
	graph              *Graph
	concurrency        int
	scoreField         string
	itemTimeout        time.Duration
	logger             *slog.Logger
	callbacks          BatchCallbacks
	executionCallbacks ExecutionCallbacks
	nodeLogger         NodeLogger
	checkpointer       Checkpointer
}

// NewScheduler creates a new batch scheduler
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, opts.Concurrency)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseBatchCallbacks{}
	}
	return &Scheduler{
		graph:              opts.Graph,
		concurrency:        opts.Concurrency,
		scoreField:         opts.ScoreField,
		itemTimeout:        opts.ItemTimeout,
		logger:             opts.Logger,
		callbacks:          opts.Callbacks,
		executionCallbacks: opts.ExecutionCallbacks,
		nodeLogger:         opts.NodeLogger,
		checkpointer:       opts.Checkpointer,
	}, nil
}

// Concurrency returns the in-flight limit
func (s *Scheduler) Concurrency() int {
	return s.concurrency
}

// RunBatch runs every item to completion and returns the aggregate. Items
// are started in order and never more than the concurrency limit are in
// flight. Item failures are reported in the result, not as an error.
func (s *Scheduler) RunBatch(ctx context.Context, items []BatchItem) (*BatchResult, error) {
	if s.concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, s.concurrency)
	}

	batchID := NewBatchID()
	logger := s.logger.With("batch_id", batchID, "graph", s.graph.Name())
	result := &BatchResult{
		BatchID:   batchID,
		Total:     len(items),
		Items:     make([]ItemResult, len(items)),
		StartedAt: time.Now(),
	}
	s.callbacks.BeforeBatch(ctx, &BatchEvent{
		BatchID:     batchID,
		GraphName:   s.graph.Name(),
		Total:       len(items),
		Concurrency: s.concurrency,
	})
	logger.Info("batch started", "items", len(items), "concurrency", s.concurrency)

	var inFlight atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, item := range items {
		if item.ID == "" {
			item.ID = fmt.Sprintf("item-%d", i)
		}
		g.Go(func() error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			logger.Debug("item started", "item", item.ID, "in_flight", n)
			result.Items[i] = s.runItem(ctx, batchID, i, item)
			// Failures are collected per item; never stop the group
			return nil
		})
	}
	_ = g.Wait()

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	s.summarize(result)

	s.callbacks.AfterBatch(ctx, &BatchEvent{
		BatchID:     batchID,
		GraphName:   s.graph.Name(),
		Total:       len(items),
		Concurrency: s.concurrency,
		Result:      result,
	})
	logger.Info("batch completed",
		"successful", result.Successful,
		"failed", result.Failed,
		"duration", result.Duration,
		"mean_score", result.Score.Mean)
	return result, nil
}

// runItem executes one item in isolation. Errors and panics become a
// failed ItemResult.
func (s *Scheduler) runItem(ctx context.Context, batchID string, index int, item BatchItem) (res ItemResult) {
	startTime := time.Now()
	res = ItemResult{Index: index, ID: item.ID}
	defer func() {
		if r := recover(); r != nil {
			res.Status = ExecutionStatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(startTime)
		if res.Status == ExecutionStatusFailed {
			s.logger.Warn("item failed", "batch_id", batchID, "item", item.ID, "error", res.Error)
		}
		s.afterItem(ctx, &ItemEvent{
			BatchID:   batchID,
			GraphName: s.graph.Name(),
			Index:     index,
			ItemID:    item.ID,
			Status:    res.Status,
			StartTime: startTime,
			Duration:  res.Duration,
			Error:     res.Error,
		})
	}()
	s.callbacks.BeforeItem(ctx, &ItemEvent{
		BatchID:   batchID,
		GraphName: s.graph.Name(),
		Index:     index,
		ItemID:    item.ID,
		Status:    ExecutionStatusRunning,
		StartTime: startTime,
	})

	if item.invalid != nil {
		res.Status = ExecutionStatusFailed
		res.Error = item.invalid.Error()
		return res
	}

	var itemCtx context.Context
	var cancel context.CancelFunc
	if s.itemTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(ctx, s.itemTimeout)
	} else {
		itemCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	execution, err := NewExecution(ExecutionOptions{
		Graph:        s.graph,
		Inputs:       item.Inputs,
		Logger:       s.logger.With("batch_id", batchID, "item", item.ID),
		Callbacks:    s.executionCallbacks,
		NodeLogger:   s.nodeLogger,
		Checkpointer: s.checkpointer,
	})
	if err != nil {
		res.Status = ExecutionStatusFailed
		res.Error = err.Error()
		return res
	}
	record, err := execution.Run(itemCtx)
	res.Record = record
	switch {
	case err != nil:
		res.Status = ExecutionStatusFailed
		res.Error = err.Error()
	case record == nil:
		res.Status = ExecutionStatusFailed
		res.Error = "execution returned no record"
	default:
		res.Status = record.Status
		res.Error = record.Error
	}
	return res
}

// afterItem reports a finished item. The result is already final, so a
// panicking callback is only logged.
func (s *Scheduler) afterItem(ctx context.Context, event *ItemEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("item callback panicked", "batch_id", event.BatchID, "item", event.ItemID, "panic", r)
		}
	}()
	s.callbacks.AfterItem(ctx, event)
}

func (s *Scheduler) summarize(result *BatchResult) {
	var sum float64
	for i, item := range result.Items {
		if i == 0 || item.Duration < result.MinItemDuration {
			result.MinItemDuration = item.Duration
		}
		if item.Duration > result.MaxItemDuration {
			result.MaxItemDuration = item.Duration
		}
		if item.Status != ExecutionStatusCompleted {
			result.Failed++
			continue
		}
		result.Successful++
		if s.scoreField == "" || item.Record == nil {
			continue
		}
		score, ok := item.Record.FinalState.Float(s.scoreField)
		if !ok || math.IsNaN(score) {
			continue
		}
		if result.Score.Count == 0 || score < result.Score.Min {
			result.Score.Min = score
		}
		if result.Score.Count == 0 || score > result.Score.Max {
			result.Score.Max = score
		}
		sum += score
		result.Score.Count++
	}
	if result.Score.Count > 0 {
		result.Score.Mean = sum / float64(result.Score.Count)
	}
	if result.Total > 0 {
		result.AverageDuration = result.Duration / time.Duration(result.Total)
	}
}
