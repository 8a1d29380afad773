package runner

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/operation"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTeardownTimeout bounds how long an aborted execution waits for its
// runtime to release the worker.
const DefaultTeardownTimeout = 10 * time.Second

var tracer = otel.Tracer("execution runner")

// Params configures one execution
type Params struct {
	Runtime   runtime.Runtime
	RunParams runtime.RunParams
	// Allocated is the time budget. Zero or negative means no timeout.
	Allocated       time.Duration
	TeardownTimeout time.Duration
	Logger          log.Logger
}

type clock struct {
	origin time.Time
	mu     sync.Mutex
	start  *time.Duration
	stop   *time.Duration
}

func (c *clock) mark(dst **time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *dst == nil {
		d := time.Since(c.origin)
		*dst = &d
	}
}

func (c *clock) read() (start, stop *time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start, c.stop
}

// Run executes one file on one runtime and normalizes the outcome into a
// completed, failed, aborted or timedout result. It never panics.
func Run(ctx context.Context, p Params) *types.ExecutionResult {
	logger := p.Logger
	if logger == nil {
		logger = log.NewLogger(log.DiscardHandler())
	}
	logger = logger.New("file", p.RunParams.FileRelativeURL, "runtime", p.Runtime.Name())

	ctx, span := tracer.Start(ctx, fmt.Sprintf("execution %s", p.RunParams.FileRelativeURL))
	defer span.End()
	span.SetAttributes(
		attribute.String("runtime.name", p.Runtime.Name()),
		attribute.String("runtime.version", p.Runtime.Version()),
		attribute.Int64("allocated_ms", p.Allocated.Milliseconds()),
	)

	op := operation.New(ctx)
	defer func() {
		if err := op.End(); err != nil {
			logger.Warn("Execution teardown failed", "err", err)
		}
	}()

	clk := &clock{origin: time.Now()}
	var timeout *operation.Timeout
	if p.Allocated > 0 {
		timeout = op.Timeout(p.Allocated)
	}

	params := p.RunParams
	params.Logger = logger
	started, stopped := params.OnRuntimeStarted, params.OnRuntimeStopped
	var startedOnce, stoppedOnce sync.Once
	params.OnRuntimeStarted = func() {
		startedOnce.Do(func() {
			clk.mark(&clk.start)
			if started != nil {
				started()
			}
		})
	}
	params.OnRuntimeStopped = func() {
		stoppedOnce.Do(func() {
			clk.mark(&clk.stop)
			if stopped != nil {
				stopped()
			}
		})
	}

	settled := make(chan types.RunResult, 1)
	go func() {
		settled <- safeRun(op.Context(), p.Runtime, params)
	}()

	result := &types.ExecutionResult{Timings: types.Timings{Origin: clk.origin}}
	abortedStatus := func() types.ExecutionStatus {
		cause := op.Cause()
		if timeout != nil && timeout.IsCause(cause) {
			logger.Warn("Execution timed out", "allocated", p.Allocated)
			return types.StatusTimedout
		}
		logger.Debug("Execution aborted", "cause", cause)
		return types.StatusAborted
	}
	select {
	case <-op.Done():
		result.Status = abortedStatus()
		// the slot and the tags of the execution are held until the worker
		// is gone, or the teardown bound expires
		awaitTeardown(settled, p.TeardownTimeout, logger)
		result.Timings.End = time.Since(clk.origin)
		fillRuntimeTimings(result, nil, clk)
	case rr := <-settled:
		result.Timings.End = time.Since(clk.origin)
		if op.Aborted() {
			// the runtime returned because of the abort
			result.Status = abortedStatus()
			fillRuntimeTimings(result, nil, clk)
			break
		}
		if timeout != nil {
			timeout.Clear()
		}
		applyRunResult(result, rr, clk)
	}

	if params.CoverageEnabled && params.CoverageFile != "" && result.Status != types.StatusAborted {
		if _, err := os.Stat(params.CoverageFile); err == nil {
			result.CoverageFileURL = params.CoverageFile
		} else {
			logger.Debug("No coverage file written", "path", params.CoverageFile)
		}
	}

	span.SetAttributes(attribute.String("status", string(result.Status)))
	if !result.Status.Succeeded() {
		span.SetStatus(codes.Error, string(result.Status))
	}
	return result
}

func safeRun(ctx context.Context, rt runtime.Runtime, params runtime.RunParams) (rr types.RunResult) {
	defer func() {
		if r := recover(); r != nil {
			rr = runtime.Failed(&types.ExecutionError{
				Name:    "RuntimeContractViolation",
				Message: fmt.Sprintf("runtime %s panicked: %v", rt.Name(), r),
				Stack:   string(debug.Stack()),
			})
		}
	}()
	return rt.Run(ctx, params)
}

// awaitTeardown waits, at most timeout, for an aborted runtime to return.
func awaitTeardown(settled <-chan types.RunResult, timeout time.Duration, logger log.Logger) {
	if timeout <= 0 {
		timeout = DefaultTeardownTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		logger.Warn("Runtime did not release its worker in time", "timeout", timeout)
	}
}

func applyRunResult(result *types.ExecutionResult, rr types.RunResult, clk *clock) {
	switch rr.Status {
	case types.StatusCompleted, types.StatusFailed:
		result.Status = rr.Status
	default:
		result.Status = types.StatusFailed
		rr.Errors = append(rr.Errors, fmt.Errorf("runtime returned unexpected status %q", rr.Status))
	}
	result.Errors = types.NormalizeErrors(rr.Errors)
	result.Namespace = rr.Namespace
	result.MemoryUsage = rr.MemoryUsage
	result.Performance = rr.Performance
	result.ConsoleCalls = rr.ConsoleCalls
	fillRuntimeTimings(result, &rr.Timings, clk)
}

// fillRuntimeTimings rebases the runtime's execution timings onto the
// runner's origin. The runtime start is lowered to the execution start when
// the runtime's clock started before the worker was reported alive.
func fillRuntimeTimings(result *types.ExecutionResult, rt *types.RuntimeTimings, clk *clock) {
	t := &result.Timings
	start, stop := clk.read()

	t.RuntimeEnd = t.End
	if stop != nil {
		t.RuntimeEnd = *stop
	}
	if start != nil {
		t.RuntimeStart = *start
	}

	if rt != nil && !rt.Origin.IsZero() {
		shift := rt.Origin.Sub(clk.origin)
		t.ExecutionStart = shift + rt.ExecutionStart
		t.ExecutionEnd = shift + rt.ExecutionEnd
	} else {
		t.ExecutionStart = t.RuntimeStart
		t.ExecutionEnd = t.RuntimeEnd
	}
	if t.ExecutionStart < t.RuntimeStart {
		t.RuntimeStart = t.ExecutionStart
	}
	if t.ExecutionEnd < t.ExecutionStart {
		t.ExecutionEnd = t.ExecutionStart
	}
}
