package runtime

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// ExitCodeDebugPortUnavailable is the exit code a worker uses when it could
// not bind the requested debug port.
const ExitCodeDebugPortUnavailable = 12

// ErrDisconnected is returned when the worker went away while a request was
// in flight.
var ErrDisconnected = errors.New("worker disconnected")

// RuntimeCrashError reports a worker that exited or disconnected while it
// owned an in-flight execution.
type RuntimeCrashError struct {
	Runtime  string
	ExitCode int
	Signal   string
	Output   string
}

func (e *RuntimeCrashError) Error() string {
	switch {
	case e.ExitCode == ExitCodeDebugPortUnavailable:
		return fmt.Sprintf("%s runtime exited: requested debug port unavailable", e.Runtime)
	case e.Signal != "":
		return fmt.Sprintf("%s runtime killed by %s (exit code %d)", e.Runtime, e.Signal, e.ExitCode)
	default:
		return fmt.Sprintf("%s runtime exited unexpectedly with code %d", e.Runtime, e.ExitCode)
	}
}

// IsRuntimeCrash reports whether err is, or wraps, a RuntimeCrashError.
func IsRuntimeCrash(err error) bool {
	var rc *RuntimeCrashError
	return errors.As(err, &rc)
}

// ExecutionFailure reports that the executed file itself threw, rejected or
// finished with a failing outcome.
type ExecutionFailure struct {
	File string
	Err  *types.ExecutionError
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Err.Error())
}

func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}
