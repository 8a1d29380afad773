package scheduler

import (
	"github.com/ethereum-optimism/infra/op-testplan/plan"
	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// Hook observes executions as the scheduler starts and finishes them. Hooks
// are called from the scheduler loop and must not block.
type Hook interface {
	BeforeExecution(exec *plan.Execution)
	AfterExecution(exec *plan.Execution, result *types.ExecutionResult)
}

// HookFuncs adapts functions to Hook. Nil fields are ignored.
type HookFuncs struct {
	Before func(exec *plan.Execution)
	After  func(exec *plan.Execution, result *types.ExecutionResult)
}

func (h HookFuncs) BeforeExecution(exec *plan.Execution) {
	if h.Before != nil {
		h.Before(exec)
	}
}

func (h HookFuncs) AfterExecution(exec *plan.Execution, result *types.ExecutionResult) {
	if h.After != nil {
		h.After(exec, result)
	}
}

// ProgressHook reports executions to a progress indicator
func ProgressHook(p runner.ProgressIndicator) Hook {
	return HookFuncs{
		Before: func(exec *plan.Execution) { p.StartExecution(exec.Label()) },
		After: func(exec *plan.Execution, result *types.ExecutionResult) {
			p.CompleteExecution(exec.Label(), result.Status)
		},
	}
}
