package stategraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stategraph/retry"
)

// ExecutionOptions configures a new execution
type ExecutionOptions struct {
	Graph *Graph

	// Inputs are the initial State values. Fields left unset take their
	// schema default.
	Inputs map[string]any

	Logger       *slog.Logger
	Callbacks    ExecutionCallbacks
	NodeLogger   NodeLogger
	Checkpointer Checkpointer
	ExecutionID  string
}

// Execution is a single run of a Graph. It may be started once.
type Execution struct {
	graph        *Graph
	id           string
	logger       *slog.Logger
	callbacks    ExecutionCallbacks
	nodeLogger   NodeLogger
	checkpointer Checkpointer

	// Owned by the driving goroutine once the run starts
	state             State
	record            *RunRecord
	next              []string
	checkpointCounter int

	mutex   sync.Mutex
	started bool
}

// NewExecution creates a new execution of a graph
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.NodeLogger == nil {
		opts.NodeLogger = NewNullNodeLogger()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}

	state, err := NewState(opts.Graph.Schema(), opts.Inputs)
	if err != nil {
		return nil, fmt.Errorf("invalid inputs: %w", err)
	}

	return &Execution{
		graph:        opts.Graph,
		id:           opts.ExecutionID,
		logger:       opts.Logger.With("execution_id", opts.ExecutionID, "graph", opts.Graph.Name()),
		callbacks:    opts.Callbacks,
		nodeLogger:   opts.NodeLogger,
		checkpointer: opts.Checkpointer,
		state:        state,
		record: &RunRecord{
			ExecutionID: opts.ExecutionID,
			Graph:       opts.Graph.Name(),
			FinalState:  state,
			Status:      ExecutionStatusPending,
			Visited:     []string{},
			Attempts:    map[string]int{},
		},
	}, nil
}

// Run executes a graph from its entry node with the given inputs.
func Run(ctx context.Context, graph *Graph, inputs map[string]any) (*RunRecord, error) {
	execution, err := NewExecution(ExecutionOptions{Graph: graph, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	return execution.Run(ctx)
}

// ID returns the execution ID
func (e *Execution) ID() string {
	return e.id
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Run executes the graph to completion and returns the run record.
//
// A node that exhausts its attempts without a recovery node ends the run
// as failed with a nil error. Routing errors, writes to unknown or reserved
// fields, and cancellation abort the run and are returned along with the
// record.
func (e *Execution) Run(ctx context.Context) (*RunRecord, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	return e.run(ctx, []string{e.graph.Entry()})
}

// Resume continues a prior execution from its latest checkpoint. The
// resumed run keeps this execution's ID. A prior run that completed is
// returned as is; a failed one restarts at the node that failed.
func (e *Execution) Resume(ctx context.Context, priorExecutionID string) (*RunRecord, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	checkpoint, err := e.checkpointer.LoadCheckpoint(ctx, priorExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("no checkpoint found for execution %q", priorExecutionID)
	}
	if checkpoint.GraphName != e.graph.Name() {
		return nil, fmt.Errorf("checkpoint is for graph %q, not %q", checkpoint.GraphName, e.graph.Name())
	}
	state, err := restoreState(e.graph.Schema(), checkpoint.State)
	if err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}
	e.state = state
	e.record.FinalState = state
	e.record.Visited = append(e.record.Visited, checkpoint.Visited...)
	for name, n := range checkpoint.Attempts {
		e.record.Attempts[name] = n
	}

	if ExecutionStatus(checkpoint.Status) == ExecutionStatusCompleted {
		e.record.Status = ExecutionStatusCompleted
		e.record.StartTime = checkpoint.StartTime
		e.record.EndTime = checkpoint.EndTime
		e.logger.Info("execution already completed from checkpoint", "prior_execution_id", priorExecutionID)
		return e.record, nil
	}
	if len(checkpoint.Next) == 0 {
		return nil, fmt.Errorf("checkpoint for execution %q has no pending nodes", priorExecutionID)
	}
	for _, name := range checkpoint.Next {
		if _, ok := e.graph.Node(name); !ok && name != END {
			return nil, fmt.Errorf("checkpoint names unknown node %q", name)
		}
	}
	e.logger.Info("resuming execution from checkpoint",
		"prior_execution_id", priorExecutionID,
		"prior_status", checkpoint.Status,
		"next", checkpoint.Next)
	return e.run(ctx, checkpoint.Next)
}

func (e *Execution) run(ctx context.Context, start []string) (*RunRecord, error) {
	ctx = WithLogger(ctx, e.logger)
	ctx = WithExecutionID(ctx, e.id)

	e.record.Status = ExecutionStatusRunning
	e.record.StartTime = time.Now()
	e.callbacks.BeforeRun(ctx, &RunEvent{
		ExecutionID: e.id,
		GraphName:   e.graph.Name(),
		Status:      ExecutionStatusRunning,
		StartTime:   e.record.StartTime,
	})
	e.logger.Info("execution started", "start", start)

	err := e.walk(ctx, start)

	if e.record.Status == ExecutionStatusRunning {
		e.record.Status = ExecutionStatusCompleted
		e.next = nil
	}
	e.record.FinalState = e.state
	e.record.EndTime = time.Now()
	duration := e.record.EndTime.Sub(e.record.StartTime)

	if e.record.Status == ExecutionStatusCompleted {
		e.logger.Info("execution completed", "duration", duration, "visited", len(e.record.Visited))
	} else {
		e.logger.Error("execution failed", "duration", duration, "error", e.record.Error)
	}

	e.callbacks.AfterRun(ctx, &RunEvent{
		ExecutionID: e.id,
		GraphName:   e.graph.Name(),
		Status:      e.record.Status,
		StartTime:   e.record.StartTime,
		EndTime:     e.record.EndTime,
		Duration:    duration,
		Visited:     slices.Clone(e.record.Visited),
		Error:       err,
	})

	// Final checkpoint, even when ctx was canceled
	e.saveCheckpoint(context.WithoutCancel(ctx))

	return e.record, err
}

// walk drives the run from the given nodes until END, a failure, or an
// abort. A single name is one node; several names are a fan-out set.
func (e *Execution) walk(ctx context.Context, next []string) error {
	for {
		e.next = next
		if len(next) == 1 && next[0] == END {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return e.cancel(next[0], err)
		}
		e.saveCheckpoint(ctx)

		if len(next) > 1 {
			failed, err := e.fanOut(ctx, next)
			if err != nil || failed {
				return err
			}
			next = []string{e.graph.joinTarget(next)}
			continue
		}

		node := e.graph.nodesByName[next[0]]
		e.record.Visited = append(e.record.Visited, node.Name)
		result := e.executeNode(ctx, node, e.state, false)
		e.record.Attempts[node.Name] = result.attempts

		if result.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.cancel(node.Name, ctxErr)
			}
			e.recordFailure(node.Name, result)
			if node.OnFailure != "" {
				e.logger.Warn("node failed, continuing at recovery node",
					"node", node.Name,
					"recovery", node.OnFailure,
					"attempts", result.attempts,
					"error", result.err)
				next = []string{node.OnFailure}
				continue
			}
			e.fail(result.err)
			return nil
		}
		if err := e.merge(result.update); err != nil {
			return e.abort(node.Name, err)
		}

		edge := e.graph.edges[node.Name]
		if edge.IsFanOut() {
			next = slices.Clone(edge.To)
			continue
		}
		to, err := e.route(node.Name, edge)
		if err != nil {
			return e.abort(node.Name, err)
		}
		next = []string{to}
	}
}

// fanOut runs every member concurrently against the same snapshot and waits
// for all of them. Results are applied in declared order, so the outcome
// does not depend on which branch finished first. It reports whether any
// branch failed.
func (e *Execution) fanOut(ctx context.Context, members []string) (bool, error) {
	e.record.Visited = append(e.record.Visited, members...)
	e.logger.Debug("fan-out started", "branches", members)

	snapshot := e.state
	results := make([]nodeResult, len(members))
	var wg sync.WaitGroup
	for i, name := range members {
		wg.Add(1)
		go func(i int, node *Node) {
			defer wg.Done()
			// Callbacks and loggers run outside the step's recover
			defer func() {
				if r := recover(); r != nil {
					results[i] = nodeResult{
						attempts: 1,
						err:      &NodeError{Type: ErrorTypeFatal, Node: node.Name, Cause: fmt.Sprintf("panic: %v", r)},
					}
				}
			}()
			results[i] = e.executeNode(ctx, node, snapshot, true)
		}(i, e.graph.nodesByName[name])
	}
	wg.Wait()

	var firstErr error
	for i, name := range members {
		result := results[i]
		e.record.Attempts[name] = result.attempts
		if result.err != nil {
			e.recordFailure(name, result)
			if firstErr == nil {
				firstErr = result.err
			}
			continue
		}
		if err := checkWrites(e.graph.nodesByName[name], result.update); err != nil {
			return false, e.abort(name, err)
		}
		if err := e.merge(result.update); err != nil {
			return false, e.abort(name, err)
		}
	}
	if firstErr == nil {
		e.logger.Debug("fan-out joined", "branches", members)
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.fail(ctxErr)
		return false, ctxErr
	}
	e.fail(firstErr)
	return true, nil
}

// route evaluates an edge and returns the next node or END.
func (e *Execution) route(from string, edge *Edge) (next string, err error) {
	if !edge.IsConditional() {
		return edge.To[0], nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &RoutingError{Node: from, Err: fmt.Errorf("router panic: %v", r)}
		}
	}()
	label, err := edge.Router(e.state)
	if err != nil {
		return "", &RoutingError{Node: from, Err: err}
	}
	to, ok := edge.Routes[label]
	if !ok {
		return "", &RoutingError{Node: from, Label: label, Routes: edge.routeLabels()}
	}
	e.logger.Debug("routed", "node", from, "label", label, "next", to)
	return to, nil
}

type nodeResult struct {
	update   Update
	attempts int
	err      error
}

// executeNode runs a node's step with its retry policy. Every attempt sees
// the same snapshot. The update is returned unmerged.
func (e *Execution) executeNode(ctx context.Context, node *Node, state State, branch bool) nodeResult {
	maxAttempts := node.maxAttempts()
	var update Update
	attempts, err := retry.Do(ctx,
		func(ctx context.Context, attempt int) error {
			var attemptErr error
			update, attemptErr = e.attempt(ctx, node, state, attempt, maxAttempts, branch)
			return attemptErr
		},
		retry.WithMaxAttempts(maxAttempts),
		retry.WithBackoff(node.Retry.Delay),
		retry.WithShouldRetry(func(err error) bool {
			return isRetryable(err) && !retry.IsNonRecoverable(err)
		}),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			e.logger.Warn("node attempt failed, retrying",
				"node", node.Name,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"delay", delay,
				"error", err)
		}),
	)
	if err != nil {
		return nodeResult{attempts: attempts, err: err}
	}
	return nodeResult{update: update, attempts: attempts}
}

// attempt invokes the step once, bounded by the node timeout.
func (e *Execution) attempt(ctx context.Context, node *Node, state State, attempt, maxAttempts int, branch bool) (Update, error) {
	ctx = withNodeAttempt(ctx, node.Name, attempt)
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	event := &NodeEvent{
		ExecutionID: e.id,
		GraphName:   e.graph.Name(),
		Node:        node.Name,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Branch:      branch,
		StartTime:   startTime,
	}
	e.callbacks.BeforeNode(ctx, event)

	update, err := invokeStep(ctx, node, state)
	endTime := time.Now()
	duration := endTime.Sub(startTime)

	event.Update = update
	event.EndTime = endTime
	event.Duration = duration
	event.Error = err
	e.callbacks.AfterNode(ctx, event)

	entry := &NodeLogEntry{
		ExecutionID: e.id,
		Node:        node.Name,
		Attempt:     attempt,
		Update:      update,
		StartTime:   startTime,
		Duration:    duration.Seconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := e.nodeLogger.LogNode(ctx, entry); logErr != nil {
		e.logger.Error("failed to log node attempt", "node", node.Name, "error", logErr)
	}
	return update, err
}

// invokeStep calls the step, converting a panic into a fatal node error.
func invokeStep(ctx context.Context, node *Node, state State) (update Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			update = nil
			err = &NodeError{Type: ErrorTypeFatal, Node: node.Name, Cause: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return node.Step(ctx, state)
}

// checkWrites rejects an update from a fan-out branch that writes a field
// the node did not declare.
func checkWrites(node *Node, update Update) error {
	for _, key := range sortedKeys(update) {
		if !slices.Contains(node.Writes, key) {
			return fmt.Errorf("%w: node %q wrote %q", ErrUndeclaredWrite, node.Name, key)
		}
	}
	return nil
}

func (e *Execution) merge(update Update) error {
	next, err := e.state.Merge(update)
	if err != nil {
		return err
	}
	e.state = next
	return nil
}

func (e *Execution) recordFailure(node string, result nodeResult) {
	e.state = e.state.withError(ErrorRecord{
		Node:     node,
		Type:     ClassifyError(result.err).Type,
		Message:  result.err.Error(),
		Attempts: result.attempts,
		Time:     time.Now(),
	})
}

func (e *Execution) fail(err error) {
	e.record.Status = ExecutionStatusFailed
	e.record.Error = err.Error()
}

// abort records a fatal error against node and fails the run.
func (e *Execution) abort(node string, err error) error {
	e.state = e.state.withError(ErrorRecord{
		Node:    node,
		Type:    ClassifyError(err).Type,
		Message: err.Error(),
		Time:    time.Now(),
	})
	e.fail(err)
	return err
}

func (e *Execution) cancel(node string, err error) error {
	e.state = e.state.withError(ErrorRecord{
		Node:    node,
		Type:    ErrorTypeCanceled,
		Message: err.Error(),
		Time:    time.Now(),
	})
	e.fail(err)
	e.logger.Warn("execution canceled", "next", node)
	return err
}

// saveCheckpoint records progress. A failed save is logged and the run
// continues.
func (e *Execution) saveCheckpoint(ctx context.Context) {
	e.checkpointCounter++
	checkpoint := &Checkpoint{
		ID:           fmt.Sprintf("%d", e.checkpointCounter),
		ExecutionID:  e.id,
		GraphName:    e.graph.Name(),
		Status:       string(e.record.Status),
		State:        e.state.Map(),
		Visited:      slices.Clone(e.record.Visited),
		Attempts:     make(map[string]int, len(e.record.Attempts)),
		Next:         slices.Clone(e.next),
		Error:        e.record.Error,
		StartTime:    e.record.StartTime,
		EndTime:      e.record.EndTime,
		CheckpointAt: time.Now(),
	}
	for name, n := range e.record.Attempts {
		checkpoint.Attempts[name] = n
	}
	if err := e.checkpointer.SaveCheckpoint(ctx, checkpoint); err != nil {
		e.logger.Error("failed to save checkpoint", "error", err)
	}
}
