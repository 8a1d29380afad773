package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/plan"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "nil"},
		{errors.New("runtime node crashed"), "runtime_node_crashed"},
		{errors.New("exit code 3: signal SIGKILL"), "exit_code_signal_SIGKILL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errToLabel(tt.err))
	}
}

func TestRecordErrorDetails(t *testing.T) {
	RecordErrorDetails("coverage", nil)
	before := testutil.ToFloat64(errorsTotal.WithLabelValues("coverage.bad_file"))
	RecordErrorDetails("coverage", errors.New("bad file"))
	assert.Equal(t, before+1, testutil.ToFloat64(errorsTotal.WithLabelValues("coverage.bad_file")))
}

func TestHookRecordsExecutions(t *testing.T) {
	exec := &plan.Execution{
		File:    "./a.test.js",
		Group:   "node",
		Runtime: &runtime.Func{TypeName: "process", RuntimeName: "metrics-node"},
	}
	counter := executionsTotal.WithLabelValues("metrics-node", "node", string(types.StatusFailed))
	before := testutil.ToFloat64(counter)
	running := testutil.ToFloat64(executionsRunning)

	var h Hook
	h.BeforeExecution(exec)
	assert.Equal(t, running+1, testutil.ToFloat64(executionsRunning))
	h.AfterExecution(exec, &types.ExecutionResult{
		Status:  types.StatusFailed,
		Timings: types.Timings{Start: 0, End: time.Second},
	})
	assert.Equal(t, running, testutil.ToFloat64(executionsRunning))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestHookCancelledNeverStarted(t *testing.T) {
	exec := &plan.Execution{File: "./b.test.js", Group: "node"}
	running := testutil.ToFloat64(executionsRunning)
	Hook{}.AfterExecution(exec, &types.ExecutionResult{Status: types.StatusCancelled})
	assert.Equal(t, running, testutil.ToFloat64(executionsRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(executionsTotal.WithLabelValues("", "node", string(types.StatusCancelled))))
}

func TestRecordExecutionRejectsUnknownStatus(t *testing.T) {
	RecordExecution("metrics-unknown", "g", "exploded", time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(executionsTotal.WithLabelValues("metrics-unknown", "g", "exploded")))
}

func TestRecordPlan(t *testing.T) {
	RecordPlan("run-1", map[types.ExecutionStatus]int{types.StatusCompleted: 3, types.StatusFailed: 1}, true, 2*time.Second)
	assert.Equal(t, float64(3), testutil.ToFloat64(planResults.WithLabelValues("run-1", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(planResults.WithLabelValues("run-1", "failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(planDuration.WithLabelValues("run-1")))
}
