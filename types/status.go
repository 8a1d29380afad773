package types

// ExecutionStatus is the final outcome of an execution
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusAborted   ExecutionStatus = "aborted"
	StatusTimedout  ExecutionStatus = "timedout"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
)

// Statuses lists every final status in reporting order
var Statuses = []ExecutionStatus{
	StatusSkipped,
	StatusAborted,
	StatusCancelled,
	StatusTimedout,
	StatusFailed,
	StatusCompleted,
}

// Succeeded reports whether the status does not count as a failure of the plan
func (s ExecutionStatus) Succeeded() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// ExecutionState tracks where an execution is in its lifecycle
type ExecutionState string

const (
	StatePlanified ExecutionState = "planified"
	StateExecuting ExecutionState = "executing"
	StateExecuted  ExecutionState = "executed"
	StateSkipped   ExecutionState = "skipped"
)
