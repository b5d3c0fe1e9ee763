package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches any transport failure or non-2xx response.
	ErrUnavailable = errors.New("orchestrator unavailable")

	// ErrTaskTimedOut indicates a polled task did not settle before the deadline.
	ErrTaskTimedOut = errors.New("task timed out")

	// ErrCancelled indicates the caller aborted while waiting on the orchestrator.
	ErrCancelled = errors.New("cancelled")

	// ErrTaskFailed matches any *TaskFailedError.
	ErrTaskFailed = errors.New("task failed")

	// ErrMalformedResponse indicates a payload that is neither a result nor a task handle.
	ErrMalformedResponse = errors.New("malformed orchestrator response")
)

// UnavailableError is returned when the orchestrator cannot be reached or answers
// with a non-success status.
type UnavailableError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("orchestrator error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("orchestrator unreachable (%s): %v", e.Endpoint, e.Err)
}

// Unwrap returns the transport error, if any.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is implements error matching.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// TaskFailedError carries the reason the orchestrator reported for a failed task.
type TaskFailedError struct {
	TaskID string
	Reason string
}

// Error implements the error interface.
func (e *TaskFailedError) Error() string {
	return e.Reason
}

// Is implements error matching.
func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskFailed
}

// TimeoutError reports a polling deadline that elapsed.
type TimeoutError struct {
	TaskID string
	After  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.After)
}

// Is implements error matching.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTaskTimedOut
}

// IsCancelled reports whether err is a caller-initiated abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
