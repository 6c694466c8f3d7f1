package stategraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeNodeFailed is the default classification for step errors.
	// These are retried according to the node's retry policy.
	ErrorTypeNodeFailed = "node_failed"

	// ErrorTypeTimeout matches a step that exceeded its deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeCanceled matches a step or run stopped by context cancellation
	ErrorTypeCanceled = "canceled"

	// ErrorTypeFatal marks an error that must not be retried. Steps return
	// it via NewNodeError when a failure is known to be permanent.
	ErrorTypeFatal = "fatal_error"

	// ErrorTypeRouting marks a router/route-table mismatch. It aborts the run.
	ErrorTypeRouting = "routing_error"
)

var (
	// ErrInvalidDefinition is wrapped by every DefinitionError.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrMissingRoute is wrapped by every RoutingError.
	ErrMissingRoute = errors.New("route not found")

	// ErrUnknownField is returned when an update names a field that is not
	// in the schema.
	ErrUnknownField = errors.New("unknown state field")

	// ErrReservedField is returned when a node writes the errors field.
	ErrReservedField = errors.New("reserved state field")

	// ErrUndeclaredWrite is returned when a fan-out branch writes a field
	// outside its declared Writes.
	ErrUndeclaredWrite = errors.New("undeclared write in fan-out branch")

	// ErrInvalidConcurrency is returned by the batch scheduler when the
	// concurrency limit is below one.
	ErrInvalidConcurrency = errors.New("concurrency limit must be at least 1")
)

// NodeError represents a structured node failure with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type NodeError struct {
	Type    string `json:"type"`
	Node    string `json:"node,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *NodeError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %q: %s", e.Type, e.Node, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *NodeError) Unwrap() error {
	return e.Wrapped
}

// NewNodeError creates a new NodeError with the specified type and cause.
// The type can be any user-defined string e.g. "parse-error".
func NewNodeError(errorType, cause string) *NodeError {
	return &NodeError{Type: errorType, Cause: cause}
}

// Fatal wraps err so the engine records it without retrying.
func Fatal(err error) *NodeError {
	return &NodeError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
}

// RoutingError reports a router label with no entry in its route table, or
// a router that failed to produce a label. It is never retried.
type RoutingError struct {
	Node   string
	Label  string
	Routes []string
	Err    error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("router for node %q failed: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("router for node %q returned label %q; routes are %v", e.Node, e.Label, e.Routes)
}

func (e *RoutingError) Unwrap() error {
	if e.Err != nil {
		return errors.Join(ErrMissingRoute, e.Err)
	}
	return ErrMissingRoute
}

// DefinitionError reports a graph that violates a static invariant.
type DefinitionError struct {
	Graph  string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Graph == "" {
		return fmt.Sprintf("invalid workflow definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid workflow definition %q: %s", e.Graph, e.Reason)
}

func (e *DefinitionError) Unwrap() error {
	return ErrInvalidDefinition
}

func definitionErrorf(graph, format string, args ...any) error {
	return &DefinitionError{Graph: graph, Reason: fmt.Sprintf(format, args...)}
}

// ClassifyError attempts to classify a regular error into a NodeError
func ClassifyError(err error) *NodeError {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr
	}
	var routingErr *RoutingError
	if errors.As(err, &routingErr) {
		return &NodeError{Type: ErrorTypeRouting, Node: routingErr.Node, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, ErrUnknownField) || errors.Is(err, ErrReservedField) || errors.Is(err, ErrUndeclaredWrite) {
		return &NodeError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.Canceled) {
		return &NodeError{Type: ErrorTypeCanceled, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &NodeError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &NodeError{Type: ErrorTypeNodeFailed, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	nErr := ClassifyError(err)
	// Fatal and routing errors are only matched by their own type
	if nErr.Type == ErrorTypeFatal || nErr.Type == ErrorTypeRouting {
		return errorType == nErr.Type
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeNodeFailed:
		return nErr.Type != ErrorTypeTimeout && nErr.Type != ErrorTypeCanceled
	default:
		return nErr.Type == errorType
	}
}

// isRetryable reports whether a failed attempt may be retried.
func isRetryable(err error) bool {
	switch ClassifyError(err).Type {
	case ErrorTypeFatal, ErrorTypeRouting, ErrorTypeCanceled:
		return false
	}
	return true
}
