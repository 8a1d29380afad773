package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRuntime(fn func(ctx context.Context, p runtime.RunParams) types.RunResult) *runtime.Func {
	return &runtime.Func{TypeName: "fake", RuntimeName: "fake", RuntimeVersion: "1.0.0", Fn: fn}
}

func TestRunStatuses(t *testing.T) {
	tests := []struct {
		name      string
		allocated time.Duration
		fn        func(ctx context.Context, p runtime.RunParams) types.RunResult
		want      types.ExecutionStatus
		errCount  int
	}{
		{
			name: "completed",
			fn: func(ctx context.Context, p runtime.RunParams) types.RunResult {
				p.Started()
				defer p.Stopped()
				return types.RunResult{Status: types.StatusCompleted, Namespace: map[string]any{"ok": true}}
			},
			want: types.StatusCompleted,
		},
		{
			name: "failed",
			fn: func(ctx context.Context, p runtime.RunParams) types.RunResult {
				return runtime.Failed(errors.New("assertion failed"))
			},
			want:     types.StatusFailed,
			errCount: 1,
		},
		{
			name: "panic is downgraded to failed",
			fn: func(ctx context.Context, p runtime.RunParams) types.RunResult {
				panic("contract violation")
			},
			want:     types.StatusFailed,
			errCount: 1,
		},
		{
			name: "unexpected status",
			fn: func(ctx context.Context, p runtime.RunParams) types.RunResult {
				return types.RunResult{Status: "weird"}
			},
			want:     types.StatusFailed,
			errCount: 1,
		},
		{
			name:      "timedout",
			allocated: 50 * time.Millisecond,
			fn: func(ctx context.Context, p runtime.RunParams) types.RunResult {
				<-ctx.Done()
				return runtime.Failed(ctx.Err())
			},
			want: types.StatusTimedout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(context.Background(), Params{
				Runtime:   fakeRuntime(tt.fn),
				RunParams: runtime.RunParams{FileRelativeURL: "./a.test.js"},
				Allocated: tt.allocated,
			})
			require.NotNil(t, res)
			assert.Equal(t, tt.want, res.Status)
			assert.Len(t, res.Errors, tt.errCount)
			assert.GreaterOrEqual(t, res.Timings.End, res.Timings.Start)
		})
	}
}

func TestRunTimeoutWithRuntimeThatNeverResolves(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			<-block
			return types.RunResult{Status: types.StatusCompleted}
		}),
		RunParams:       runtime.RunParams{FileRelativeURL: "./hang.js"},
		Allocated:       50 * time.Millisecond,
		TeardownTimeout: 100 * time.Millisecond,
	})
	assert.Equal(t, types.StatusTimedout, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunWaitsForTeardownAfterTimeout(t *testing.T) {
	var released atomic.Bool
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			p.Started()
			defer p.Stopped()
			<-ctx.Done()
			time.Sleep(150 * time.Millisecond)
			released.Store(true)
			return runtime.Failed(ctx.Err())
		}),
		RunParams:       runtime.RunParams{FileRelativeURL: "./slow-teardown.js"},
		Allocated:       20 * time.Millisecond,
		TeardownTimeout: 5 * time.Second,
	})
	assert.Equal(t, types.StatusTimedout, res.Status)
	assert.True(t, released.Load(), "Run returned before the worker was released")
	assert.LessOrEqual(t, res.Timings.RuntimeEnd, res.Timings.End)
}

func TestRunAbortedByParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	res := Run(ctx, Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			close(started)
			<-ctx.Done()
			return runtime.Failed(ctx.Err())
		}),
		RunParams: runtime.RunParams{FileRelativeURL: "./a.js"},
		Allocated: time.Hour,
	})
	assert.Equal(t, types.StatusAborted, res.Status)
	assert.Empty(t, res.Errors)
}

func TestRunNoTimeoutWhenAllocatedIsZero(t *testing.T) {
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			time.Sleep(30 * time.Millisecond)
			return types.RunResult{Status: types.StatusCompleted}
		}),
		RunParams: runtime.RunParams{FileRelativeURL: "./a.js"},
	})
	assert.Equal(t, types.StatusCompleted, res.Status)
}

func TestRunCallbacksAreIdempotent(t *testing.T) {
	var started, stopped atomic.Int32
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			p.Started()
			p.Started()
			p.Stopped()
			p.Stopped()
			return types.RunResult{Status: types.StatusCompleted}
		}),
		RunParams: runtime.RunParams{
			FileRelativeURL:  "./a.js",
			OnRuntimeStarted: func() { started.Add(1) },
			OnRuntimeStopped: func() { stopped.Add(1) },
		},
	})
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRunRebasesTimings(t *testing.T) {
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			// the runtime clock started well before the worker was reported alive
			origin := time.Now().Add(-time.Second)
			time.Sleep(5 * time.Millisecond)
			p.Started()
			defer p.Stopped()
			return types.RunResult{
				Status: types.StatusCompleted,
				Timings: types.RuntimeTimings{
					Origin:         origin,
					ExecutionStart: 500 * time.Millisecond,
					ExecutionEnd:   time.Second,
				},
			}
		}),
		RunParams: runtime.RunParams{FileRelativeURL: "./a.js"},
	})
	tm := res.Timings
	assert.Less(t, tm.ExecutionStart, time.Duration(0))
	assert.Equal(t, tm.ExecutionStart, tm.RuntimeStart, "runtime start is clamped to the execution start")
	assert.Equal(t, 500*time.Millisecond, tm.ExecutionEnd-tm.ExecutionStart)
}

func TestRunIgnoresWorkerWithoutTimings(t *testing.T) {
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			p.Started()
			defer p.Stopped()
			resp := runtime.OKResponse(1, map[string]any{"namespace": map[string]any{"a": 1}})
			return runtime.ExecuteResult(resp, p.FileRelativeURL, false)
		}),
		RunParams: runtime.RunParams{FileRelativeURL: "./a.js"},
	})
	require.Equal(t, types.StatusCompleted, res.Status)
	tm := res.Timings
	assert.GreaterOrEqual(t, tm.RuntimeStart, time.Duration(0))
	assert.GreaterOrEqual(t, tm.ExecutionStart, time.Duration(0))
	assert.LessOrEqual(t, tm.ExecutionEnd, tm.End)
}

func TestRunRecordsCoverageFile(t *testing.T) {
	dir := t.TempDir()
	coverageFile := filepath.Join(dir, "fake", "cov.json")
	res := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			require.NoError(t, os.MkdirAll(filepath.Dir(p.CoverageFile), 0o755))
			require.NoError(t, os.WriteFile(p.CoverageFile, []byte(`{}`), 0o644))
			return types.RunResult{Status: types.StatusCompleted}
		}),
		RunParams: runtime.RunParams{
			FileRelativeURL: "./a.js",
			CoverageEnabled: true,
			CoverageFile:    coverageFile,
		},
	})
	assert.Equal(t, coverageFile, res.CoverageFileURL)

	missing := Run(context.Background(), Params{
		Runtime: fakeRuntime(func(ctx context.Context, p runtime.RunParams) types.RunResult {
			return types.RunResult{Status: types.StatusCompleted}
		}),
		RunParams: runtime.RunParams{
			FileRelativeURL: "./b.js",
			CoverageEnabled: true,
			CoverageFile:    filepath.Join(dir, "missing.json"),
		},
	})
	assert.Empty(t, missing.CoverageFileURL)
}
