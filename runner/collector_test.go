package runner

import (
	"errors"
	"testing"

	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannedExecutions() []Planned {
	return []Planned{
		{Index: 0, File: "./a.test.js", Group: "node", RuntimeName: "node"},
		{Index: 1, File: "./a.test.js", Group: "worker", RuntimeName: "worker"},
		{Index: 2, File: "./b.test.js", Group: "node", RuntimeName: "node", SkipReason: "not in fragment"},
		{Index: 3, File: "./c.test.js", Group: "node", RuntimeName: "node"},
	}
}

func TestAggregatorCountersAndOrder(t *testing.T) {
	agg := NewAggregator("run", "/root", Environment{OS: "linux"})
	var unordered, inOrder []int
	agg.OnRecord(func(r Record) { unordered = append(unordered, r.Index) })
	agg.OnInOrder(func(r Record) { inOrder = append(inOrder, r.Index) })

	require.NoError(t, agg.Plan(plannedExecutions()))
	c, ordered := agg.Counters()
	assert.Equal(t, 4, c.Planified)
	assert.Equal(t, 3, c.Waiting)
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 0, ordered.Skipped, "skipped index 2 waits for 0 and 1")
	require.NoError(t, c.Validate())
	require.NoError(t, ordered.Validate())

	agg.Started(0)
	agg.Started(1)
	agg.Started(3)

	require.NoError(t, agg.Finished(Record{Index: 3, File: "./c.test.js", Group: "node", Result: &types.ExecutionResult{Status: types.StatusCompleted}}))
	require.NoError(t, agg.Finished(Record{Index: 1, File: "./a.test.js", Group: "worker", Result: &types.ExecutionResult{Status: types.StatusFailed}}))
	c, ordered = agg.Counters()
	assert.Equal(t, 1, c.Executing)
	assert.Equal(t, 0, ordered.Executed)
	require.NoError(t, c.Validate())
	require.NoError(t, ordered.Validate())

	require.NoError(t, agg.Finished(Record{Index: 0, File: "./a.test.js", Group: "node", Result: &types.ExecutionResult{Status: types.StatusTimedout}}))

	assert.Equal(t, []int{2, 3, 1, 0}, unordered)
	assert.Equal(t, []int{0, 1, 2, 3}, inOrder)

	result, err := agg.Finalize(false)
	require.NoError(t, err)
	assert.Equal(t, result.Counters, result.CountersInOrder)
	assert.Equal(t, 4, result.Counters.Executed)
	assert.Equal(t, result.Counters.Planified,
		result.Counters.Skipped+result.Counters.Aborted+result.Counters.Cancelled+
			result.Counters.Timedout+result.Counters.Failed+result.Counters.Completed)
	assert.True(t, result.Failed)
	assert.False(t, result.Aborted)
	assert.Equal(t, types.StatusSkipped, result.Result("./b.test.js", "node").Status)
	assert.Equal(t, "not in fragment", result.Result("./b.test.js", "node").SkipReason)
	assert.Nil(t, result.Result("./nope.js", "node"))
	assert.Equal(t, 3, result.Groups["node"].Count)
	assert.Equal(t, "worker", result.Groups["worker"].RuntimeName)
}

func TestAggregatorCancelled(t *testing.T) {
	agg := NewAggregator("run", "/root", Environment{})
	require.NoError(t, agg.Plan(plannedExecutions()[:2]))
	agg.Started(0)
	require.NoError(t, agg.Finished(Record{Index: 0, File: "./a.test.js", Group: "node", Result: &types.ExecutionResult{Status: types.StatusFailed}}))
	require.NoError(t, agg.Cancelled(Record{Index: 1, File: "./a.test.js", Group: "worker"}))

	result, err := agg.Finalize(true)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Counters.Cancelled)
	assert.Equal(t, types.StatusCancelled, result.Result("./a.test.js", "worker").Status)
}

func TestAggregatorInvariantViolations(t *testing.T) {
	agg := NewAggregator("run", "/root", Environment{})
	require.NoError(t, agg.Plan(plannedExecutions()[:1]))

	err := agg.Plan(plannedExecutions()[:1])
	var sie *SchedulingInvariantError
	require.ErrorAs(t, err, &sie)

	err = agg.Finished(Record{Index: 9, Result: &types.ExecutionResult{Status: types.StatusCompleted}})
	require.ErrorAs(t, err, &sie)

	agg.Started(0)
	rec := Record{Index: 0, File: "./a.test.js", Group: "node", Result: &types.ExecutionResult{Status: types.StatusCompleted}}
	require.NoError(t, agg.Finished(rec))
	err = agg.Finished(rec)
	require.True(t, errors.As(err, &sie))
	assert.Contains(t, err.Error(), "finalized twice")
}

func TestOrderGate(t *testing.T) {
	g := NewOrderGate[string]()
	released, err := g.Finalize(2, "c")
	require.NoError(t, err)
	assert.Empty(t, released)

	released, err = g.Finalize(0, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, released)

	released, err = g.Finalize(1, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, released)
	assert.Equal(t, 3, g.Next())

	_, err = g.Finalize(1, "again")
	require.Error(t, err)
	_, err = g.Finalize(-1, "neg")
	require.Error(t, err)

	_, err = g.Finalize(5, "x")
	require.NoError(t, err)
	_, err = g.Finalize(5, "y")
	require.Error(t, err)
}

func TestCountersValidate(t *testing.T) {
	assert.NoError(t, Counters{}.Validate())
	assert.Error(t, Counters{Planified: 1}.Validate())
	assert.Error(t, Counters{Planified: 1, Executed: 1}.Validate())
	assert.NoError(t, Counters{Planified: 1, Executed: 1, Completed: 1}.Validate())
	assert.Equal(t, 1, Counters{Timedout: 1}.Count(types.StatusTimedout))
}
