package stategraph

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// StepFunc is the work a node performs. It receives a read-only snapshot of
// the State and returns only the fields it changes. A step may be invoked
// more than once with the same snapshot when its node retries, so it must
// be safe to repeat.
type StepFunc func(ctx context.Context, state State) (Update, error)

// Node is a named unit of work in a Graph.
type Node struct {
	Name        string
	Description string
	Step        StepFunc

	// Retry controls how many times Step is attempted. Nil means once.
	Retry *RetryPolicy

	// Writes declares the fields the step may write. It only matters for
	// fan-out branches: New rejects branches that declare the same replace
	// field, and a branch writing an undeclared field aborts the run. A
	// branch with no Writes may not write at all.
	Writes []string

	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration

	// OnFailure names a recovery node to continue at when the step fails
	// after exhausting its attempts. Empty means the run stops as failed.
	OnFailure string
}

func (n *Node) maxAttempts() int {
	if n.Retry == nil || n.Retry.MaxAttempts < 1 {
		return 1
	}
	return n.Retry.MaxAttempts
}

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone JitterStrategy = "none"
	JitterFull JitterStrategy = "full"
)

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, at least 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	BaseDelay   time.Duration  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	Jitter      JitterStrategy `json:"jitter,omitempty" yaml:"jitter,omitempty"`

	// Backoff, when set, replaces the exponential computation. It receives
	// the number of the attempt that just failed.
	Backoff func(attempt int) time.Duration `json:"-" yaml:"-"`
}

// Delay returns the wait before the attempt following the given failed one.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil {
		return 0
	}
	if p.Backoff != nil {
		return p.Backoff(attempt)
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	rate := p.BackoffRate
	if rate <= 0 {
		rate = 2.0
	}
	scaled := float64(p.BaseDelay) * math.Pow(rate, float64(attempt-1))
	if scaled > math.MaxInt64 {
		scaled = math.MaxInt64
	}
	delay := time.Duration(scaled)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter == JitterFull && delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}
