// Package scheduler decides which planned executions may start, runs them
// and feeds their outcome to the result aggregator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/operation"
	"github.com/ethereum-optimism/infra/op-testplan/plan"
	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultRetryDelay is how long admission waits before re-checking resource
// usage that was over its ceiling.
const DefaultRetryDelay = 200 * time.Millisecond

// ErrFailFast is the abort cause when fail fast stops a run
var ErrFailFast = errors.New("fail fast: an execution did not complete")

var tracer = otel.Tracer("op-testplan scheduler")

// Config configures a Scheduler
type Config struct {
	Limits   Limits
	FailFast bool
	RootDir  string
	// CoverageDir receives one "<runtime-name>/<uuid>.json" file per
	// execution collecting coverage.
	CoverageDir string
	// Sampler feeds the CPU and memory ceilings. Nil disables them.
	Sampler         Sampler
	SampleInterval  time.Duration
	RetryDelay      time.Duration
	TeardownTimeout time.Duration
}

// Outcome summarizes how a run went from the scheduler point of view
type Outcome struct {
	Aborted bool
	// Cause is why the run was aborted, when it was.
	Cause error
	// MaxConcurrent is the largest number of executions seen running at once.
	MaxConcurrent int
	// Deferrals counts admissions postponed by the resource ceilings.
	Deferrals int
	// CoverageFiles lists the coverage files written by executions.
	CoverageFiles []string
}

// Scheduler runs a plan under its admission rules
type Scheduler struct {
	cfg    Config
	agg    *runner.Aggregator
	cache  *runtime.ResourceCache
	hooks  []Hook
	logger log.Logger
}

// New creates a scheduler reporting to agg. Runtimes share cache.
func New(cfg Config, agg *runner.Aggregator, cache *runtime.ResourceCache, logger log.Logger, hooks ...Hook) *Scheduler {
	if cfg.Limits.MaxParallel < 1 {
		cfg.Limits.MaxParallel = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = runner.DefaultTeardownTimeout
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Scheduler{cfg: cfg, agg: agg, cache: cache, hooks: hooks, logger: logger}
}

type completion struct {
	exec   *plan.Execution
	result *types.ExecutionResult
}

// loop is the state owned by the scheduling goroutine
type loop struct {
	op          *operation.Operation
	monitor     *Monitor
	remaining   []*plan.Execution
	executing   map[int]*plan.Execution
	tags        tagSet
	completions chan completion
	outcome     Outcome
}

// Execute registers executions with the aggregator and runs every one that
// is not skipped. It returns once all started executions have settled. A
// returned error is a scheduling invariant violation and is fatal.
func (s *Scheduler) Execute(ctx context.Context, executions []*plan.Execution) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "execute plan")
	defer span.End()

	if err := s.agg.Plan(plan.Planned(executions)); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	l := &loop{
		op:        operation.New(ctx),
		executing: make(map[int]*plan.Execution),
		tags:      make(tagSet),
	}
	defer func() {
		if err := l.op.End(); err != nil {
			s.logger.Warn("Scheduler teardown failed", "err", err)
		}
	}()
	for _, e := range executions {
		if !e.Skipped() {
			l.remaining = append(l.remaining, e)
		}
	}
	l.completions = make(chan completion, len(l.remaining))

	if s.cfg.Sampler != nil && (s.cfg.Limits.MaxCPU > 0 || s.cfg.Limits.MaxMemory > 0) {
		monitorCtx, stopMonitor := context.WithCancel(ctx)
		defer stopMonitor()
		l.monitor = NewMonitor(s.cfg.Sampler, s.cfg.SampleInterval, s.logger)
		go l.monitor.Run(monitorCtx)
		select {
		case <-l.monitor.Ready():
		case <-ctx.Done():
		}
	}

	s.logger.Info("Starting executions", "planned", len(executions), "runnable", len(l.remaining),
		"maxParallel", s.cfg.Limits.MaxParallel, "failFast", s.cfg.FailFast)

	var (
		fatal      error
		retry      <-chan time.Time
		retryTimer *time.Timer
		done       = l.op.Done()
		stopping   bool
	)
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		if !stopping && l.op.Aborted() {
			stopping = true
			done = nil
			if err := s.cancelRemaining(l); err != nil && fatal == nil {
				fatal = err
			}
		}
		if !stopping && s.admit(l) && retry == nil {
			retryTimer = time.NewTimer(s.cfg.RetryDelay)
			retry = retryTimer.C
		}
		if len(l.executing) == 0 && len(l.remaining) == 0 {
			break
		}

		select {
		case c := <-l.completions:
			if err := s.complete(l, c); err != nil && fatal == nil {
				fatal = err
				l.op.Abort(err)
			}
			if s.cfg.FailFast && !c.result.Status.Succeeded() && !l.op.Aborted() {
				s.logger.Warn("Fail fast: cancelling remaining executions", "file", c.exec.File, "group", c.exec.Group, "status", c.result.Status)
				l.op.Abort(ErrFailFast)
			}
		case <-retry:
			retry = nil
		case <-done:
		}
	}

	if l.op.Aborted() {
		l.outcome.Aborted = true
		l.outcome.Cause = l.op.Cause()
	}
	span.SetAttributes(
		attribute.Int("max_concurrent", l.outcome.MaxConcurrent),
		attribute.Int("deferrals", l.outcome.Deferrals),
		attribute.Bool("aborted", l.outcome.Aborted),
	)
	if fatal != nil {
		span.SetStatus(codes.Error, fatal.Error())
		return l.outcome, fatal
	}
	return l.outcome, nil
}

// admit starts every remaining execution allowed to run now, in planning
// order. It reports whether admission was deferred by resource usage.
func (s *Scheduler) admit(l *loop) (deferred bool) {
	kept := make([]*plan.Execution, 0, len(l.remaining))
	for i, exec := range l.remaining {
		if len(l.executing) >= s.cfg.Limits.MaxParallel {
			kept = append(kept, l.remaining[i:]...)
			break
		}
		// the ceilings never hold back the first execution
		if len(l.executing) > 0 && l.monitor != nil {
			if reason := s.overCeiling(l.monitor.Usage()); reason != "" {
				l.outcome.Deferrals++
				s.logger.Debug("Admission deferred", "reason", reason, "executing", len(l.executing))
				kept = append(kept, l.remaining[i:]...)
				deferred = true
				break
			}
		}
		if !l.tags.available(exec.Uses) {
			kept = append(kept, exec)
			continue
		}
		s.start(l, exec)
	}
	l.remaining = kept
	return deferred
}

func (s *Scheduler) overCeiling(u Usage) string {
	if s.cfg.Limits.MaxMemory > 0 && u.Memory > s.cfg.Limits.MaxMemory {
		return fmt.Sprintf("memory %d > %d", u.Memory, s.cfg.Limits.MaxMemory)
	}
	if s.cfg.Limits.MaxCPU > 0 && u.CPU > s.cfg.Limits.MaxCPU {
		return fmt.Sprintf("cpu %.2f > %.2f", u.CPU, s.cfg.Limits.MaxCPU)
	}
	return ""
}

func (s *Scheduler) start(l *loop, exec *plan.Execution) {
	exec.State = types.StateExecuting
	l.tags.acquire(exec.Index, exec.Uses)
	l.executing[exec.Index] = exec
	l.outcome.MaxConcurrent = max(l.outcome.MaxConcurrent, len(l.executing))
	s.agg.Started(exec.Index)
	for _, h := range s.hooks {
		h.BeforeExecution(exec)
	}

	params := runner.Params{
		Runtime: exec.Runtime,
		RunParams: runtime.RunParams{
			RootDir:            s.cfg.RootDir,
			FileRelativeURL:    exec.File,
			RuntimeParams:      exec.RuntimeParams,
			CoverageEnabled:    exec.CollectCoverage,
			CoverageFile:       s.coverageFile(exec),
			CollectConsole:     exec.CollectConsole,
			CollectPerformance: exec.CollectPerformance,
			MeasureMemoryUsage: exec.MeasureMemoryUsage,
			Cache:              s.cache,
		},
		Allocated:       exec.Allocated,
		TeardownTimeout: s.cfg.TeardownTimeout,
		Logger:          s.logger.New("group", exec.Group),
	}
	ctx := l.op.Context()
	completions := l.completions
	go func() {
		completions <- completion{exec: exec, result: runner.Run(ctx, params)}
	}()
}

func (s *Scheduler) coverageFile(exec *plan.Execution) string {
	if !exec.CollectCoverage || s.cfg.CoverageDir == "" || exec.Runtime == nil {
		return ""
	}
	dir := filepath.Join(s.cfg.CoverageDir, exec.Runtime.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Cannot create coverage directory", "dir", dir, "err", err)
		return ""
	}
	return filepath.Join(dir, uuid.NewString()+".json")
}

func (s *Scheduler) complete(l *loop, c completion) error {
	exec := c.exec
	delete(l.executing, exec.Index)
	l.tags.release(exec.Index, exec.Uses)
	exec.State = types.StateExecuted
	if c.result.CoverageFileURL != "" {
		l.outcome.CoverageFiles = append(l.outcome.CoverageFiles, c.result.CoverageFileURL)
	}
	s.logger.Info("Execution finished", "file", exec.File, "group", exec.Group,
		"status", c.result.Status, "duration", c.result.Duration())

	err := s.agg.Finished(runner.Record{Index: exec.Index, File: exec.File, Group: exec.Group, Result: c.result})
	for _, h := range s.hooks {
		h.AfterExecution(exec, c.result)
	}
	return err
}

func (s *Scheduler) cancelRemaining(l *loop) error {
	if len(l.remaining) > 0 {
		s.logger.Info("Cancelling executions not yet started", "count", len(l.remaining), "cause", l.op.Cause())
	}
	var firstErr error
	for _, exec := range l.remaining {
		exec.State = types.StateExecuted
		result := &types.ExecutionResult{Status: types.StatusCancelled}
		if err := s.agg.Cancelled(runner.Record{Index: exec.Index, File: exec.File, Group: exec.Group, Result: result}); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, h := range s.hooks {
			h.AfterExecution(exec, result)
		}
	}
	l.remaining = nil
	return firstErr
}
