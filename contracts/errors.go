package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors returned across component boundaries
var (
	// ErrNotFound is returned when a process does not exist in the store
	ErrNotFound = errors.New("process not found")
	// ErrTaskConflict is returned when a task is already active for a process
	ErrTaskConflict = errors.New("task already active for process")
	// ErrNoPendingRequest is returned when a response arrives with no
	// outstanding checkpoint request
	ErrNoPendingRequest = errors.New("no pending checkpoint request")
	// ErrInvalidResponseKind is returned when a checkpoint response kind does
	// not match the pending request
	ErrInvalidResponseKind = errors.New("response kind does not match pending request")
	// ErrInvalidPayload is returned when a checkpoint response fails shape
	// validation
	ErrInvalidPayload = errors.New("invalid checkpoint response payload")
	// ErrInputTimeout is recorded when no checkpoint response arrives within
	// the configured window
	ErrInputTimeout = errors.New("checkpoint input timed out")
	// ErrRetriesExhausted is recorded when a task has failed transiently
	// more times than its retry budget allows
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// FailureKind classifies a stage failure for the runner's retry decision
type FailureKind string

const (
	// FailureTransient failures are retried with bounded backoff
	FailureTransient FailureKind = "transient"
	// FailureFatal failures abort the stage immediately, no retry
	FailureFatal FailureKind = "fatal"
	// FailureTimeout marks a checkpoint input timeout
	FailureTimeout FailureKind = "input_timeout"
	// FailureRetriesExhausted marks a terminal failure after the retry budget
	FailureRetriesExhausted FailureKind = "retries_exhausted"
)

// StageError carries a classified failure out of a stage handler
type StageError struct {
	Kind  FailureKind
	Stage string
	Err   error
}

// Error implements error
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s failure: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the wrapped error
func (e *StageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the runner may retry this failure
func (e *StageError) IsRetryable() bool {
	return e.Kind == FailureTransient
}

// TransientError wraps err as a retryable external failure of stage
func TransientError(stage string, err error) *StageError {
	return &StageError{Kind: FailureTransient, Stage: stage, Err: err}
}

// FatalError wraps err as a non-retryable validation failure of stage
func FatalError(stage string, err error) *StageError {
	return &StageError{Kind: FailureFatal, Stage: stage, Err: err}
}

// ClassifyStageError extracts the failure kind from err, defaulting unknown
// errors to transient so one-off external flakiness is tolerated
func ClassifyStageError(err error) FailureKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureTransient
}
