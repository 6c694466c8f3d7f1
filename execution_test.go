package stategraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stategraph/retry"
	"github.com/stretchr/testify/require"
)

func mustGraph(t *testing.T, opts Options) *Graph {
	t.Helper()
	g, err := New(opts)
	require.NoError(t, err)
	return g
}

func set(update Update) StepFunc {
	return func(ctx context.Context, state State) (Update, error) {
		return update, nil
	}
}

func TestNewExecutionValidation(t *testing.T) {
	t.Run("missing graph returns error", func(t *testing.T) {
		_, err := NewExecution(ExecutionOptions{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "graph is required")
	})

	t.Run("unknown input is rejected", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:   "test-graph",
			Entry:  "start",
			Schema: []Field{{Name: "valid_input"}},
			Nodes:  []*Node{{Name: "start", Step: noop}},
			Edges:  []*Edge{Direct("start", END)},
		})
		_, err := NewExecution(ExecutionOptions{
			Graph:  g,
			Inputs: map[string]any{"valid_input": "good", "unknown_input": "bad"},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid inputs")
	})

	t.Run("execution can only start once", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:  "once",
			Entry: "start",
			Nodes: []*Node{{Name: "start", Step: noop}},
			Edges: []*Edge{Direct("start", END)},
		})
		execution, err := NewExecution(ExecutionOptions{Graph: g, ExecutionID: "exec-fixed"})
		require.NoError(t, err)
		require.Equal(t, "exec-fixed", execution.ID())

		_, err = execution.Run(context.Background())
		require.NoError(t, err)
		_, err = execution.Run(context.Background())
		require.ErrorContains(t, err, "already started")
	})
}

func TestLinearRun(t *testing.T) {
	g := mustGraph(t, Options{
		Name:   "linear",
		Entry:  "A",
		Schema: []Field{{Name: "x"}, {Name: "y"}},
		Nodes: []*Node{
			{Name: "A", Step: set(Update{"x": 1})},
			{Name: "B", Step: set(Update{"y": 2})},
		},
		Edges: []*Edge{Direct("A", "B"), Direct("B", END)},
	})

	record, err := Run(context.Background(), g, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, record.Status)
	require.True(t, record.Succeeded())
	require.Equal(t, map[string]any{"x": 1, "y": 2}, record.FinalState.Map())
	require.Equal(t, []string{"A", "B"}, record.Visited)
	require.Equal(t, map[string]int{"A": 1, "B": 1}, record.Attempts)
	require.Empty(t, record.FinalState.Errors())
	require.Empty(t, record.Error)
	require.Positive(t, record.Duration())
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on the third attempt", func(t *testing.T) {
		var calls atomic.Int32
		g := mustGraph(t, Options{
			Name:   "flaky",
			Entry:  "A",
			Schema: []Field{{Name: "result"}},
			Nodes: []*Node{{
				Name:  "A",
				Retry: &RetryPolicy{MaxAttempts: 3},
				Step: func(ctx context.Context, state State) (Update, error) {
					attempt, _ := AttemptFromContext(ctx)
					calls.Add(1)
					if attempt < 3 {
						return nil, fmt.Errorf("attempt %d failed", attempt)
					}
					return Update{"result": "ok"}, nil
				},
			}},
			Edges: []*Edge{Direct("A", END)},
		})

		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusCompleted, record.Status)
		require.Equal(t, 3, record.Attempts["A"])
		require.Equal(t, int32(3), calls.Load())
		require.Empty(t, record.FinalState.Errors())
	})

	t.Run("always failing step is bounded by max attempts", func(t *testing.T) {
		var calls atomic.Int32
		g := mustGraph(t, Options{
			Name:  "broken",
			Entry: "A",
			Nodes: []*Node{{
				Name:  "A",
				Retry: &RetryPolicy{MaxAttempts: 4},
				Step: func(ctx context.Context, state State) (Update, error) {
					calls.Add(1)
					return nil, errors.New("service unavailable")
				},
			}},
			Edges: []*Edge{Direct("A", END)},
		})

		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, int32(4), calls.Load())
		require.Equal(t, 4, record.Attempts["A"])
		require.Equal(t, "service unavailable", record.Error)

		records := record.FinalState.Errors()
		require.Len(t, records, 1)
		require.Equal(t, "A", records[0].Node)
		require.Equal(t, ErrorTypeNodeFailed, records[0].Type)
		require.Equal(t, 4, records[0].Attempts)
	})

	t.Run("backoff is applied between attempts", func(t *testing.T) {
		var delays []int
		g := mustGraph(t, Options{
			Name:  "backoff",
			Entry: "A",
			Nodes: []*Node{{
				Name: "A",
				Retry: &RetryPolicy{
					MaxAttempts: 3,
					Backoff: func(attempt int) time.Duration {
						delays = append(delays, attempt)
						return time.Millisecond
					},
				},
				Step: func(ctx context.Context, state State) (Update, error) {
					return nil, errors.New("nope")
				},
			}},
			Edges: []*Edge{Direct("A", END)},
		})

		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, []int{1, 2}, delays)
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		g := mustGraph(t, Options{
			Name:  "fatal",
			Entry: "A",
			Nodes: []*Node{{
				Name:  "A",
				Retry: &RetryPolicy{MaxAttempts: 5},
				Step: func(ctx context.Context, state State) (Update, error) {
					calls.Add(1)
					return nil, Fatal(errors.New("bad credentials"))
				},
			}},
			Edges: []*Edge{Direct("A", END)},
		})

		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, int32(1), calls.Load())
		require.Equal(t, ErrorTypeFatal, record.FinalState.Errors()[0].Type)
	})

	t.Run("non-recoverable errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		g := mustGraph(t, Options{
			Name:  "non-recoverable",
			Entry: "A",
			Nodes: []*Node{{
				Name:  "A",
				Retry: &RetryPolicy{MaxAttempts: 5},
				Step: func(ctx context.Context, state State) (Update, error) {
					calls.Add(1)
					return nil, retry.NewNonRecoverableError(errors.New("malformed document"))
				},
			}},
			Edges: []*Edge{Direct("A", END)},
		})

		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, int32(1), calls.Load())
	})
}

func scoringGraph(t *testing.T) *Graph {
	return mustGraph(t, Options{
		Name:   "scoring",
		Entry:  "A",
		Schema: []Field{{Name: "score"}, {Name: "decision"}},
		Nodes: []*Node{
			{Name: "A", Step: noop},
			{Name: "B", Step: set(Update{"decision": "interview"})},
			{Name: "C", Step: set(Update{"decision": "reject"})},
		},
		Edges: []*Edge{
			Conditional("A", func(state State) (string, error) {
				score, _ := state.Float("score")
				if score >= 70 {
					return "high", nil
				}
				return "low", nil
			}, map[string]string{"high": "B", "low": "C"}, "high", "low"),
			Direct("B", END),
			Direct("C", END),
		},
	})
}

func TestConditionalRouting(t *testing.T) {
	g := scoringGraph(t)

	t.Run("high score", func(t *testing.T) {
		record, err := Run(context.Background(), g, map[string]any{"score": 85})
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B"}, record.Visited)
		decision, _ := record.FinalState.String("decision")
		require.Equal(t, "interview", decision)
	})

	t.Run("low score", func(t *testing.T) {
		record, err := Run(context.Background(), g, map[string]any{"score": 40})
		require.NoError(t, err)
		require.Equal(t, []string{"A", "C"}, record.Visited)
		decision, _ := record.FinalState.String("decision")
		require.Equal(t, "reject", decision)
	})

	t.Run("boundary routes high", func(t *testing.T) {
		record, err := Run(context.Background(), g, map[string]any{"score": 70})
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B"}, record.Visited)
	})
}

func TestRoutingErrors(t *testing.T) {
	t.Run("missing label aborts without retry", func(t *testing.T) {
		var stepCalls, routerCalls atomic.Int32
		g := mustGraph(t, Options{
			Name:  "routing",
			Entry: "A",
			Nodes: []*Node{
				{
					Name:  "A",
					Retry: &RetryPolicy{MaxAttempts: 3},
					Step: func(ctx context.Context, state State) (Update, error) {
						stepCalls.Add(1)
						return nil, nil
					},
				},
				{Name: "B", Step: noop},
			},
			Edges: []*Edge{
				Conditional("A", func(state State) (string, error) {
					routerCalls.Add(1)
					return "maybe", nil
				}, map[string]string{"yes": "B", "no": END}),
				Direct("B", END),
			},
		})

		record, err := Run(context.Background(), g, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrMissingRoute)

		var routingErr *RoutingError
		require.ErrorAs(t, err, &routingErr)
		require.Equal(t, "A", routingErr.Node)
		require.Equal(t, "maybe", routingErr.Label)
		require.Equal(t, []string{"no", "yes"}, routingErr.Routes)

		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, []string{"A"}, record.Visited)
		require.Equal(t, int32(1), stepCalls.Load())
		require.Equal(t, int32(1), routerCalls.Load())

		records := record.FinalState.Errors()
		require.Len(t, records, 1)
		require.Equal(t, ErrorTypeRouting, records[0].Type)
	})

	t.Run("router error", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:  "router-error",
			Entry: "A",
			Nodes: []*Node{{Name: "A", Step: noop}},
			Edges: []*Edge{
				Conditional("A", func(state State) (string, error) {
					return "", errors.New("model unavailable")
				}, map[string]string{"done": END}),
			},
		})
		record, err := Run(context.Background(), g, nil)
		require.ErrorIs(t, err, ErrMissingRoute)
		require.ErrorContains(t, err, "model unavailable")
		require.Equal(t, ExecutionStatusFailed, record.Status)
	})

	t.Run("router panic", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:  "router-panic",
			Entry: "A",
			Nodes: []*Node{{Name: "A", Step: noop}},
			Edges: []*Edge{
				Conditional("A", func(state State) (string, error) {
					panic("boom")
				}, map[string]string{"done": END}),
			},
		})
		record, err := Run(context.Background(), g, nil)
		require.ErrorContains(t, err, "router panic: boom")
		require.Equal(t, ExecutionStatusFailed, record.Status)
	})
}

func fanOutGraph(t *testing.T, slow *atomic.Bool) *Graph {
	delay := func(first bool) time.Duration {
		if slow.Load() == first {
			return 20 * time.Millisecond
		}
		return 0
	}
	return mustGraph(t, Options{
		Name:  "fanout",
		Entry: "start",
		Schema: []Field{
			{Name: "skills"},
			{Name: "experience"},
			{Name: "notes", Merge: MergeAppend},
			{Name: "summary"},
		},
		Nodes: []*Node{
			{Name: "start", Step: set(Update{"notes": "started"})},
			{
				Name:   "skills",
				Writes: []string{"skills", "notes"},
				Step: func(ctx context.Context, state State) (Update, error) {
					time.Sleep(delay(true))
					return Update{"skills": []string{"go", "sql"}, "notes": "skills"}, nil
				},
			},
			{
				Name:   "experience",
				Writes: []string{"experience", "notes"},
				Step: func(ctx context.Context, state State) (Update, error) {
					time.Sleep(delay(false))
					return Update{"experience": 7, "notes": "experience"}, nil
				},
			},
			{
				Name: "join",
				Step: func(ctx context.Context, state State) (Update, error) {
					years, _ := state.Int("experience")
					return Update{"summary": fmt.Sprintf("%d years", years)}, nil
				},
			},
		},
		Edges: []*Edge{
			Direct("start", "skills", "experience"),
			Direct("skills", "join"),
			Direct("experience", "join"),
			Direct("join", END),
		},
	})
}

func TestFanOut(t *testing.T) {
	t.Run("branches run concurrently and join", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:   "concurrent",
			Entry:  "start",
			Schema: []Field{{Name: "a"}, {Name: "b"}},
			Nodes: []*Node{
				{Name: "start", Step: noop},
				{Name: "a", Writes: []string{"a"}, Step: func(ctx context.Context, state State) (Update, error) {
					time.Sleep(50 * time.Millisecond)
					return Update{"a": true}, nil
				}},
				{Name: "b", Writes: []string{"b"}, Step: func(ctx context.Context, state State) (Update, error) {
					time.Sleep(50 * time.Millisecond)
					return Update{"b": true}, nil
				}},
				{Name: "join", Step: noop},
			},
			Edges: []*Edge{Direct("start", "a", "b"), Direct("a", "join"), Direct("b", "join"), Direct("join", END)},
		})

		started := time.Now()
		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Less(t, time.Since(started), 95*time.Millisecond)
		require.Equal(t, []string{"start", "a", "b", "join"}, record.Visited)
		require.Equal(t, map[string]any{"a": true, "b": true}, record.FinalState.Map())
	})

	t.Run("merged state does not depend on finish order", func(t *testing.T) {
		var slow atomic.Bool
		g := fanOutGraph(t, &slow)

		var first map[string]any
		for i := 0; i < 6; i++ {
			slow.Store(i%2 == 0)
			record, err := Run(context.Background(), g, nil)
			require.NoError(t, err)
			require.Equal(t, ExecutionStatusCompleted, record.Status)
			require.Equal(t, []string{"start", "skills", "experience", "join"}, record.Visited)

			final := record.FinalState.Map()
			require.Equal(t, []any{"started", "skills", "experience"}, final["notes"])
			require.Equal(t, "7 years", final["summary"])
			if first == nil {
				first = final
				continue
			}
			require.Equal(t, first, final)
		}
	})

	t.Run("branches see the same snapshot", func(t *testing.T) {
		var seen sync.Map
		observe := func(name string) StepFunc {
			return func(ctx context.Context, state State) (Update, error) {
				v, _ := state.Get("a")
				seen.Store(name, v)
				return Update{name: name}, nil
			}
		}
		g := mustGraph(t, Options{
			Name:   "snapshot",
			Entry:  "start",
			Schema: []Field{{Name: "a"}, {Name: "b"}},
			Nodes: []*Node{
				{Name: "start", Step: noop},
				{Name: "a", Writes: []string{"a"}, Step: observe("a")},
				{Name: "b", Writes: []string{"b"}, Step: observe("b")},
			},
			Edges: []*Edge{Direct("start", "a", "b"), Direct("a", END), Direct("b", END)},
		})
		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusCompleted, record.Status)
		va, _ := seen.Load("a")
		vb, _ := seen.Load("b")
		require.Nil(t, va)
		require.Nil(t, vb)
	})

	t.Run("failed branch fails the run after the join", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:   "branch-failure",
			Entry:  "start",
			Schema: []Field{{Name: "a"}, {Name: "b"}},
			Nodes: []*Node{
				{Name: "start", Step: noop},
				{Name: "a", Writes: []string{"a"}, Step: set(Update{"a": 1})},
				{Name: "b", Writes: []string{"b"}, Retry: &RetryPolicy{MaxAttempts: 2}, Step: func(ctx context.Context, state State) (Update, error) {
					return nil, errors.New("parse failed")
				}},
				{Name: "join", Step: noop},
			},
			Edges: []*Edge{Direct("start", "a", "b"), Direct("a", "join"), Direct("b", "join"), Direct("join", END)},
		})
		record, err := Run(context.Background(), g, nil)
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, []string{"start", "a", "b"}, record.Visited)
		require.Equal(t, 2, record.Attempts["b"])

		// The successful branch is still merged
		a, _ := record.FinalState.Int("a")
		require.Equal(t, 1, a)

		records := record.FinalState.Errors()
		require.Len(t, records, 1)
		require.Equal(t, "b", records[0].Node)
	})

	t.Run("undeclared write aborts the run", func(t *testing.T) {
		g := mustGraph(t, Options{
			Name:   "undeclared",
			Entry:  "start",
			Schema: []Field{{Name: "a"}, {Name: "b"}},
			Nodes: []*Node{
				{Name: "start", Step: noop},
				{Name: "a", Writes: []string{"a"}, Step: set(Update{"a": 1, "b": 2})},
				{Name: "b", Writes: []string{"b"}, Step: set(Update{"b": 3})},
			},
			Edges: []*Edge{Direct("start", "a", "b"), Direct("a", END), Direct("b", END)},
		})
		record, err := Run(context.Background(), g, nil)
		require.ErrorIs(t, err, ErrUndeclaredWrite)
		require.Equal(t, ExecutionStatusFailed, record.Status)
		require.Equal(t, ErrorTypeFatal, record.FinalState.Errors()[0].Type)
	})
}

func TestRecoveryNode(t *testing.T) {
	g := mustGraph(t, Options{
		Name:   "recovery",
		Entry:  "extract",
		Schema: []Field{{Name: "status"}},
		Nodes: []*Node{
			{
				Name:      "extract",
				OnFailure: "fallback",
				Retry:     &RetryPolicy{MaxAttempts: 2},
				Step: func(ctx context.Context, state State) (Update, error) {
					return nil, errors.New("document unreadable")
				},
			},
			{Name: "score", Step: noop},
			{
				Name: "fallback",
				Step: func(ctx context.Context, state State) (Update, error) {
					if len(state.Errors()) != 1 {
						return nil, errors.New("expected the failure to be recorded")
					}
					return Update{"status": "needs_review"}, nil
				},
			},
		},
		Edges: []*Edge{Direct("extract", "score"), Direct("score", END), Direct("fallback", END)},
	})

	record, err := Run(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, record.Status)
	require.Equal(t, []string{"extract", "fallback"}, record.Visited)
	require.Equal(t, 2, record.Attempts["extract"])

	status, _ := record.FinalState.String("status")
	require.Equal(t, "needs_review", status)
	require.Len(t, record.FinalState.Errors(), 1)
}

func TestPanicIsFatal(t *testing.T) {
	var calls atomic.Int32
	g := mustGraph(t, Options{
		Name:  "panic",
		Entry: "A",
		Nodes: []*Node{{
			Name:  "A",
			Retry: &RetryPolicy{MaxAttempts: 3},
			Step: func(ctx context.Context, state State) (Update, error) {
				calls.Add(1)
				panic("nil map")
			},
		}},
		Edges: []*Edge{Direct("A", END)},
	})

	record, err := Run(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusFailed, record.Status)
	require.Equal(t, int32(1), calls.Load())

	records := record.FinalState.Errors()
	require.Len(t, records, 1)
	require.Equal(t, ErrorTypeFatal, records[0].Type)
	require.Contains(t, records[0].Message, "panic: nil map")
}

func TestUnknownFieldAborts(t *testing.T) {
	g := mustGraph(t, Options{
		Name:  "unknown-field",
		Entry: "A",
		Nodes: []*Node{{Name: "A", Step: set(Update{"typo": 1})}, {Name: "B", Step: noop}},
		Edges: []*Edge{Direct("A", "B"), Direct("B", END)},
	})
	record, err := Run(context.Background(), g, nil)
	require.ErrorIs(t, err, ErrUnknownField)
	require.Equal(t, ExecutionStatusFailed, record.Status)
	require.Equal(t, []string{"A"}, record.Visited)
}

func TestNodeTimeout(t *testing.T) {
	g := mustGraph(t, Options{
		Name:  "timeout",
		Entry: "A",
		Nodes: []*Node{{
			Name:    "A",
			Timeout: 10 * time.Millisecond,
			Retry:   &RetryPolicy{MaxAttempts: 2},
			Step: func(ctx context.Context, state State) (Update, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}},
		Edges: []*Edge{Direct("A", END)},
	})
	record, err := Run(context.Background(), g, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusFailed, record.Status)
	require.Equal(t, 2, record.Attempts["A"])
	require.Equal(t, ErrorTypeTimeout, record.FinalState.Errors()[0].Type)
}

func TestCancellation(t *testing.T) {
	g := mustGraph(t, Options{
		Name:  "cancel",
		Entry: "A",
		Nodes: []*Node{
			{
				Name:  "A",
				Retry: &RetryPolicy{MaxAttempts: 3},
				Step: func(ctx context.Context, state State) (Update, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
			{Name: "B", Step: noop},
		},
		Edges: []*Edge{Direct("A", "B"), Direct("B", END)},
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	record, err := Run(ctx, g, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ExecutionStatusFailed, record.Status)
	require.Equal(t, []string{"A"}, record.Visited)
	require.Equal(t, 1, record.Attempts["A"])

	records := record.FinalState.Errors()
	require.Len(t, records, 1)
	require.Equal(t, ErrorTypeCanceled, records[0].Type)
}

type recordingCallbacks struct {
	BaseExecutionCallbacks
	mutex  sync.Mutex
	events []string
}

func (c *recordingCallbacks) add(event string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.events = append(c.events, event)
}

func (c *recordingCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	c.add("BeforeRun")
}

func (c *recordingCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	c.add(fmt.Sprintf("AfterRun:%s", event.Status))
}

func (c *recordingCallbacks) BeforeNode(ctx context.Context, event *NodeEvent) {
	c.add(fmt.Sprintf("BeforeNode:%s:%d", event.Node, event.Attempt))
}

func (c *recordingCallbacks) AfterNode(ctx context.Context, event *NodeEvent) {
	status := "ok"
	if event.Error != nil {
		status = "error"
	}
	c.add(fmt.Sprintf("AfterNode:%s:%d:%s", event.Node, event.Attempt, status))
}

func (c *recordingCallbacks) Events() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.events...)
}

func TestExecutionCallbacks(t *testing.T) {
	var calls atomic.Int32
	g := mustGraph(t, Options{
		Name:   "callback-test",
		Entry:  "fetch",
		Schema: []Field{{Name: "current_time"}},
		Nodes: []*Node{
			{
				Name:  "fetch",
				Retry: &RetryPolicy{MaxAttempts: 2},
				Step: func(ctx context.Context, state State) (Update, error) {
					if calls.Add(1) == 1 {
						return nil, errors.New("temporary")
					}
					return Update{"current_time": "2025-01-01T12:00:00Z"}, nil
				},
			},
			{Name: "print", Step: noop},
		},
		Edges: []*Edge{Direct("fetch", "print"), Direct("print", END)},
	})

	t.Run("events in order", func(t *testing.T) {
		callbacks := &recordingCallbacks{}
		execution, err := NewExecution(ExecutionOptions{Graph: g, Callbacks: callbacks})
		require.NoError(t, err)

		_, err = execution.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{
			"BeforeRun",
			"BeforeNode:fetch:1",
			"AfterNode:fetch:1:error",
			"BeforeNode:fetch:2",
			"AfterNode:fetch:2:ok",
			"BeforeNode:print:1",
			"AfterNode:print:1:ok",
			"AfterRun:completed",
		}, callbacks.Events())
	})

	t.Run("callback chain", func(t *testing.T) {
		calls.Store(1)
		callbacks1 := &recordingCallbacks{}
		callbacks2 := &recordingCallbacks{}
		chain := NewCallbackChain(callbacks1)
		chain.Add(callbacks2)

		execution, err := NewExecution(ExecutionOptions{Graph: g, Callbacks: chain})
		require.NoError(t, err)
		_, err = execution.Run(context.Background())
		require.NoError(t, err)

		require.NotEmpty(t, callbacks1.Events())
		require.Equal(t, callbacks1.Events(), callbacks2.Events(), "Both callbacks should receive the same events")
	})
}

func TestFileNodeLogger(t *testing.T) {
	g := scoringGraph(t)
	logger := NewFileNodeLogger(t.TempDir())

	execution, err := NewExecution(ExecutionOptions{
		Graph:      g,
		Inputs:     map[string]any{"score": 90},
		NodeLogger: logger,
	})
	require.NoError(t, err)
	_, err = execution.Run(context.Background())
	require.NoError(t, err)

	history, err := logger.GetNodeHistory(context.Background(), execution.ID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "A", history[0].Node)
	require.Equal(t, "B", history[1].Node)
	require.Equal(t, 1, history[1].Attempt)
	require.Equal(t, "interview", history[1].Update["decision"])
	require.Empty(t, history[1].Error)
}

func TestResume(t *testing.T) {
	var healthy atomic.Bool
	var firstCalls atomic.Int32
	g := mustGraph(t, Options{
		Name:   "resumable",
		Entry:  "extract",
		Schema: []Field{{Name: "text"}, {Name: "score"}},
		Nodes: []*Node{
			{
				Name: "extract",
				Step: func(ctx context.Context, state State) (Update, error) {
					firstCalls.Add(1)
					return Update{"text": "ten years of go"}, nil
				},
			},
			{
				Name: "score",
				Step: func(ctx context.Context, state State) (Update, error) {
					if !healthy.Load() {
						return nil, errors.New("scoring service down")
					}
					text, _ := state.String("text")
					return Update{"score": len(text)}, nil
				},
			},
		},
		Edges: []*Edge{Direct("extract", "score"), Direct("score", END)},
	})

	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := NewExecution(ExecutionOptions{Graph: g, Checkpointer: checkpointer})
	require.NoError(t, err)
	record, err := first.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusFailed, record.Status)

	checkpoint, err := checkpointer.LoadCheckpoint(ctx, first.ID())
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	require.Equal(t, string(ExecutionStatusFailed), checkpoint.Status)
	require.Equal(t, []string{"score"}, checkpoint.Next)
	require.Equal(t, "resumable", checkpoint.GraphName)

	healthy.Store(true)
	second, err := NewExecution(ExecutionOptions{Graph: g, Checkpointer: checkpointer})
	require.NoError(t, err)
	record, err = second.Resume(ctx, first.ID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, record.Status)
	require.Equal(t, []string{"extract", "score", "score"}, record.Visited)
	require.Equal(t, int32(1), firstCalls.Load())

	score, ok := record.FinalState.Int("score")
	require.True(t, ok)
	require.Equal(t, len("ten years of go"), score)

	// The earlier failure stays in the record
	require.Len(t, record.FinalState.Errors(), 1)

	t.Run("completed runs are returned as is", func(t *testing.T) {
		third, err := NewExecution(ExecutionOptions{Graph: g, Checkpointer: checkpointer})
		require.NoError(t, err)
		record, err := third.Resume(ctx, second.ID())
		require.NoError(t, err)
		require.Equal(t, ExecutionStatusCompleted, record.Status)
		require.Equal(t, int32(1), firstCalls.Load())
	})

	t.Run("unknown execution", func(t *testing.T) {
		execution, err := NewExecution(ExecutionOptions{Graph: g, Checkpointer: checkpointer})
		require.NoError(t, err)
		_, err = execution.Resume(ctx, "exec_missing")
		require.ErrorContains(t, err, "no checkpoint found")
	})

	t.Run("list executions", func(t *testing.T) {
		summaries, err := checkpointer.ListExecutions(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		for _, summary := range summaries {
			require.Equal(t, "resumable", summary.GraphName)
		}
	})
}
