// Package exitcodes defines the exit codes of op-testplan.
package exitcodes

// Exit code constants used by op-testplan
//
// * Success (0): every execution completed or was skipped
// * TestFailure (1): the plan ran but at least one execution did not complete
// * RuntimeErr (2): the orchestrator could not run the plan (configuration, planning, invariant violation)
// * Interrupted (130): the run was interrupted by a signal
const (
	Success     = 0   // All executions completed
	TestFailure = 1   // Some executions failed, timed out, were aborted or cancelled
	RuntimeErr  = 2   // Orchestrator errors
	Interrupted = 130 // SIGINT
)
