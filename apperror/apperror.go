// Package apperror defines the error taxonomy shared by the graph, the
// correction engine, the stores and the rebase service.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents the category of error.
type Kind string

const (
	// KindGraphTraversal is returned when a node or edge a batch depends on
	// does not exist, or a rule could not resolve the state it needs.
	KindGraphTraversal Kind = "graph_traversal"
	// KindInvariantViolation is returned when a weight or graph would break
	// one of the data-model invariants.
	KindInvariantViolation Kind = "invariant_violation"
	// KindStore represents blob store, control plane and queue failures.
	KindStore Kind = "store"
	// KindSerialization represents malformed payloads and unknown versions.
	KindSerialization Kind = "serialization"
	// KindAbandoned is returned when a request targets a change set that is
	// no longer open.
	KindAbandoned Kind = "abandoned"
	// KindNotFound represents missing workspaces, change sets and blobs.
	KindNotFound Kind = "not_found"
)

// Error is the base error type with common fields.
type Error struct {
	Kind      Kind
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// GraphTraversal reports a missing node or edge.
func GraphTraversal(format string, args ...any) *Error {
	return New(KindGraphTraversal, fmt.Sprintf(format, args...), nil)
}

// InvariantViolation reports a broken data-model invariant.
func InvariantViolation(format string, args ...any) *Error {
	return New(KindInvariantViolation, fmt.Sprintf(format, args...), nil)
}

// Serialization wraps a decode or validation failure of a payload.
func Serialization(message string, err error) *Error {
	return New(KindSerialization, message, err)
}

// Store wraps a persistence failure.
func Store(message string, err error) *Error {
	return New(KindStore, message, err)
}

// NotFound reports a missing workspace, change set or blob.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...), nil)
}

// Abandoned reports a change set that no longer accepts requests.
func Abandoned(changeSetID string) *Error {
	return New(KindAbandoned, fmt.Sprintf("change set %s is not open", changeSetID), nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind checks if any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable checks if an error may succeed on redelivery. Store failures
// and untyped errors (I/O, deadlines) are retryable; the other kinds fail the
// same way every time.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindStore, "":
		return true
	default:
		return false
	}
}
