package testplan

import (
	"errors"
	"fmt"
)

// RuntimeError means the orchestrator itself could not run the plan:
// configuration, planning, or a scheduling invariant violation. It maps to
// exit code 2.
type RuntimeError struct {
	Err error
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

func (e *RuntimeError) Error() string { return "runtime error: " + e.Err.Error() }
func (e *RuntimeError) Unwrap() error { return e.Err }

// TestFailureError means the plan ran to the end but at least one execution
// did not complete. It maps to exit code 1.
type TestFailureError struct {
	Message string
}

func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// IsRuntimeError reports whether err is, or wraps, a RuntimeError
func IsRuntimeError(err error) bool {
	return hasErrorType[*RuntimeError](err)
}

// IsTestFailureError reports whether err is, or wraps, a TestFailureError
func IsTestFailureError(err error) bool {
	return hasErrorType[*TestFailureError](err)
}

func hasErrorType[T error](err error) bool {
	var target T
	return err != nil && errors.As(err, &target)
}
