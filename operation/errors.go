package operation

import (
	"errors"
	"fmt"
	"time"
)

// ErrEnded is the cancellation cause recorded once an operation ended
// normally.
var ErrEnded = errors.New("operation ended")

// AbortedError reports that an operation was cancelled. It is not a failure.
type AbortedError struct {
	Cause error
}

func (e *AbortedError) Error() string {
	if e.Cause == nil {
		return "operation aborted"
	}
	return fmt.Sprintf("operation aborted: %v", e.Cause)
}

func (e *AbortedError) Unwrap() error {
	return e.Cause
}

// TimeoutError is the abort cause used by timeout sources.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s", e.Duration)
}

// IsAborted reports whether err is, or wraps, an AbortedError.
func IsAborted(err error) bool {
	var ae *AbortedError
	return errors.As(err, &ae)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
