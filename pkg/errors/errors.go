// Package errors defines the failure taxonomy shared by the resilience core
// (retry, circuit breaker, task queue) and database error classification.
//
// Retryability is decided when an error is constructed: wrap a failure with
// Transient to make it eligible for retry, or with Permanent to stop retries
// on first occurrence. Every error type here implements Kind and Unwrap so
// errors.Is / errors.As keep working through the wrappers.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an error with how the resilience core should treat it.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindTransient        Kind = "transient"
	KindPermanent        Kind = "permanent"
	KindCircuitOpen      Kind = "circuit_open"
	KindUnknownTaskType  Kind = "unknown_task_type"
	KindSubmission       Kind = "submission"
	KindHandlerExecution Kind = "handler_execution"
)

// kinded is implemented by every error that carries a Kind.
type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the outermost tagged error in err's chain,
// or KindUnknown when nothing in the chain is tagged.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsRetryable reports whether err's kind is one of kinds.
// With no kinds given, only KindTransient is retryable.
func IsRetryable(err error, kinds ...Kind) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	if len(kinds) == 0 {
		return kind == KindTransient
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// TransientError marks a failure that may succeed if attempted again.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
func (e *TransientError) Kind() Kind    { return KindTransient }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure that must never be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
func (e *PermanentError) Kind() Kind    { return KindPermanent }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrCircuitOpen is the sentinel matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned without invoking the protected operation
// while a breaker is open.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}
func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }
func (e *CircuitOpenError) Kind() Kind    { return KindCircuitOpen }

// UnknownTaskTypeError is recorded when no handler is registered for a task type.
type UnknownTaskTypeError struct {
	Type string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("unknown task type: %s", e.Type)
}
func (e *UnknownTaskTypeError) Kind() Kind { return KindUnknownTaskType }

// SubmissionError is returned when a task could not be published.
type SubmissionError struct {
	TaskType string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit task %s: %v", e.TaskType, e.Err)
}
func (e *SubmissionError) Unwrap() error { return e.Err }
func (e *SubmissionError) Kind() Kind    { return KindSubmission }

// HandlerExecutionError wraps the failure raised by a task handler.
type HandlerExecutionError struct {
	TaskType string
	TaskID   string
	Err      error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler for task %s (%s) failed: %v", e.TaskID, e.TaskType, e.Err)
}
func (e *HandlerExecutionError) Unwrap() error { return e.Err }
func (e *HandlerExecutionError) Kind() Kind    { return KindHandlerExecution }
