package types

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type customError struct{ msg string }

func (e *customError) Error() string { return e.msg }

func TestNewExecutionError(t *testing.T) {
	assert.Nil(t, NewExecutionError(nil))

	plain := NewExecutionError(errors.New("boom"))
	assert.Equal(t, "Error", plain.Name)
	assert.Equal(t, "boom", plain.Message)
	assert.Equal(t, "Error: boom", plain.Stack)
	assert.Nil(t, plain.Site)

	custom := NewExecutionError(fmt.Errorf("wrapped: %w", &customError{msg: "bad"}))
	assert.Equal(t, "Error", custom.Name)
	var ce *customError
	assert.ErrorAs(t, custom, &ce)

	typed := NewExecutionError(&customError{msg: "bad"})
	assert.Equal(t, "customError", typed.Name)

	existing := &ExecutionError{Name: "TypeError", Message: "x is undefined", Stack: "TypeError: x is undefined\n    at file:///root/a.js:3:7"}
	got := NewExecutionError(fmt.Errorf("ctx: %w", existing))
	assert.NotSame(t, existing, got)
	require.NotNil(t, got.Site)
	assert.Equal(t, Site{URL: "file:///root/a.js", Line: 3, Column: 7}, *got.Site)
	assert.Nil(t, existing.Site)

	complete := NewExecutionError(existing)
	assert.Same(t, complete, NewExecutionError(complete))
}

func TestNewExecutionErrorLeavesSharedErrorUntouched(t *testing.T) {
	shared := &ExecutionError{Name: "RangeError", Message: "too deep"}

	var wg sync.WaitGroup
	got := make([]*ExecutionError, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = NewExecutionError(fmt.Errorf("execution %d: %w", i, shared))
		}()
	}
	wg.Wait()

	assert.Empty(t, shared.Stack)
	assert.Nil(t, shared.Site)
	for _, ee := range got {
		assert.Equal(t, "RangeError: too deep", ee.Stack)
		assert.Equal(t, "RangeError", ee.Name)
	}
}

func TestParseSite(t *testing.T) {
	tests := []struct {
		name  string
		stack string
		want  *Site
	}{
		{
			name:  "js frame with function",
			stack: "Error: x\n    at node:internal/modules/run_main:1:1\n    at foo (file:///app/src/a.js:10:5)",
			want:  &Site{URL: "file:///app/src/a.js", Line: 10, Column: 5},
		},
		{
			name:  "http url",
			stack: "Error: x\n    at http://localhost:3000/a.js:1:2",
			want:  &Site{URL: "http://localhost:3000/a.js", Line: 1, Column: 2},
		},
		{
			name:  "go panic",
			stack: "panic: boom\n\ngoroutine 1 [running]:\nmain.main()\n\t/home/u/app/main.go:12 +0x1d",
			want:  &Site{URL: "/home/u/app/main.go", Line: 12},
		},
		{
			name:  "nothing",
			stack: "Error: x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSite(tt.stack))
		})
	}
}

func TestNormalizeErrors(t *testing.T) {
	got := NormalizeErrors([]error{nil, errors.New("a"), errors.New("b")})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Message)
	assert.Equal(t, "b", got[1].Message)
}

func TestStatusSucceeded(t *testing.T) {
	assert.True(t, StatusCompleted.Succeeded())
	assert.True(t, StatusSkipped.Succeeded())
	for _, s := range []ExecutionStatus{StatusFailed, StatusAborted, StatusTimedout, StatusCancelled} {
		assert.False(t, s.Succeeded(), s)
	}
}

func TestResultDuration(t *testing.T) {
	var nilResult *ExecutionResult
	assert.Zero(t, nilResult.Duration())
	r := &ExecutionResult{Timings: Timings{Start: time.Second, End: 3 * time.Second}}
	assert.Equal(t, 2*time.Second, r.Duration())
}

func TestTestPlanUnmarshalYAML(t *testing.T) {
	var file PlanFile
	err := yaml.Unmarshal([]byte(`
testPlan:
  "./**/*.test.js":
    node:
      runtime: node
      allocated: 30s
      uses: [port-4000]
    worker:
      runtime: worker
  "./legacy/**/*.test.js":
    worker: false
    browser: ~
`), &file)
	require.NoError(t, err)
	require.Len(t, file.TestPlan, 2)

	first := file.TestPlan[0]
	assert.Equal(t, "./**/*.test.js", first.Pattern)
	require.Len(t, first.Groups, 2)
	assert.Equal(t, "node", first.Groups[0].Name)
	assert.Equal(t, "node", first.Groups[0].Config.Runtime)
	require.NotNil(t, first.Groups[0].Config.Allocated)
	assert.Equal(t, 30*time.Second, *first.Groups[0].Config.Allocated)
	assert.Equal(t, []string{"port-4000"}, first.Groups[0].Config.Uses)
	assert.Equal(t, "worker", first.Groups[1].Name)

	second := file.TestPlan[1]
	assert.True(t, second.Groups[0].Disabled)
	assert.True(t, second.Groups[1].Disabled)

	err = yaml.Unmarshal([]byte("testPlan:\n  \"./a.js\":\n    node: true\n"), &file)
	require.Error(t, err)
}

func TestResolveRuntimeInheritance(t *testing.T) {
	grace := 2 * time.Second
	runtimes := map[string]RuntimeConfig{
		"base": {
			Type:        "process",
			Command:     []string{"node", "worker.mjs"},
			Env:         map[string]string{"A": "1", "B": "1"},
			GracePeriod: &grace,
		},
		"debug": {
			Inherits: []string{"base"},
			Env:      map[string]string{"B": "2"},
		},
	}
	require.NoError(t, ResolveRuntimeInheritance(runtimes))
	debug := runtimes["debug"]
	assert.Equal(t, "process", debug.Type)
	assert.Equal(t, []string{"node", "worker.mjs"}, debug.Command)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, debug.Env)
	assert.Equal(t, &grace, debug.GracePeriod)

	circular := map[string]RuntimeConfig{
		"a": {Inherits: []string{"b"}},
		"b": {Inherits: []string{"a"}},
	}
	err := ResolveRuntimeInheritance(circular)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular inheritance")

	missing := map[string]RuntimeConfig{"a": {Inherits: []string{"nope"}}}
	require.Error(t, ResolveRuntimeInheritance(missing))
}
