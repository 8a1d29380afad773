package testplan

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testplan/coverage"
	"github.com/ethereum-optimism/infra/op-testplan/matcher"
	"github.com/ethereum-optimism/infra/op-testplan/metrics"
	"github.com/ethereum-optimism/infra/op-testplan/plan"
	"github.com/ethereum-optimism/infra/op-testplan/registry"
	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/scheduler"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

var tracer = otel.Tracer("op-testplan")

// PlanExecutor runs the test plan once.
type PlanExecutor interface {
	RunPlan(ctx context.Context) (*runner.TestPlanResult, error)
}

// DefaultPlanExecutor plans, schedules and reports one run of the plan
// declared by a registry.
type DefaultPlanExecutor struct {
	registry *registry.Registry
	rootDir  string
	config   *Config
	machine  scheduler.Machine
	hooks    []scheduler.Hook
	logger   log.Logger
}

// NewDefaultPlanExecutor creates a new DefaultPlanExecutor.
func NewDefaultPlanExecutor(reg *registry.Registry, rootDir string, config *Config, hooks ...scheduler.Hook) *DefaultPlanExecutor {
	return &DefaultPlanExecutor{
		registry: reg,
		rootDir:  rootDir,
		config:   config,
		machine:  scheduler.HostMachine(),
		hooks:    hooks,
		logger:   config.Log,
	}
}

// RunPlan runs every planned execution and returns the aggregated result.
// Errors are orchestrator failures, never execution failures.
func (e *DefaultPlanExecutor) RunPlan(ctx context.Context) (*runner.TestPlanResult, error) {
	ctx, span := tracer.Start(ctx, "run plan", trace.WithAttributes(
		attribute.String("plan_file", e.config.PlanFile),
		attribute.String("root_dir", e.rootDir),
	))
	defer span.End()

	result, err := e.runPlan(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, NewRuntimeError(err)
	}
	span.SetAttributes(
		attribute.String("run_id", result.RunID),
		attribute.Int("executed", result.Counters.Executed),
		attribute.Bool("failed", result.Failed),
	)
	if result.Failed {
		span.SetStatus(codes.Error, "plan failed")
	}
	return result, nil
}

func (e *DefaultPlanExecutor) runPlan(ctx context.Context) (*runner.TestPlanResult, error) {
	pf := e.registry.Plan()
	runID := uuid.New().String()
	logger := e.logger.New("run_id", runID)

	limits, err := scheduler.ResolveLimits(pf.Parallel, e.machine)
	if err != nil {
		return nil, fmt.Errorf("parallel settings: %w", err)
	}
	var fragment *plan.Fragment
	if pf.Fragment != "" {
		f, err := plan.ParseFragment(pf.Fragment)
		if err != nil {
			return nil, err
		}
		fragment = &f
	}
	var defaultAllocated time.Duration
	if pf.DefaultAllocated != nil {
		defaultAllocated = *pf.DefaultAllocated
	}

	executions, err := plan.Build(plan.Options{
		RootDir:          e.rootDir,
		TestPlan:         pf.TestPlan,
		Runtimes:         e.registry,
		DefaultAllocated: defaultAllocated,
		CoverageEnabled:  pf.Coverage.Enabled,
		Fragment:         fragment,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}

	agg := runner.NewAggregator(runID, e.rootDir, scheduler.SnapshotEnvironment(e.machine))
	if fragment != nil {
		agg.SetFragment(fragment.String())
	}
	agg.OnInOrder(func(rec runner.Record) {
		logger.Debug("Execution result", "index", rec.Index, "file", rec.File, "group", rec.Group, "status", rec.Result.Status)
	})

	schedCfg := scheduler.Config{
		Limits:          limits,
		FailFast:        pf.FailFast,
		RootDir:         e.rootDir,
		TeardownTimeout: e.config.TeardownTimeout,
	}
	if pf.Coverage.Enabled {
		dir, err := os.MkdirTemp(pf.Coverage.TempDir, "op-testplan-coverage-")
		if err != nil {
			return nil, fmt.Errorf("coverage directory: %w", err)
		}
		defer os.RemoveAll(dir)
		schedCfg.CoverageDir = dir
	}
	if limits.MaxCPU > 0 || limits.MaxMemory > 0 {
		sampler, err := scheduler.NewProcessSampler()
		if err != nil {
			logger.Warn("Resource sampling unavailable, CPU and memory ceilings are ignored", "err", err)
		} else {
			schedCfg.Sampler = sampler
		}
	}

	cache := runtime.NewResourceCache()
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("Failed to release shared runtime resources", "err", err)
		}
	}()

	hooks := append([]scheduler.Hook{metrics.Hook{}}, e.hooks...)
	if e.config.ShowProgress {
		progress := runner.NewConsoleProgressIndicator(logger, e.config.ProgressInterval)
		progress.StartPlan(countRunnable(executions))
		defer progress.CompletePlan()
		hooks = append(hooks, scheduler.ProgressHook(progress))
	}

	outcome, err := scheduler.New(schedCfg, agg, cache, logger, hooks...).Execute(ctx, executions)
	if err != nil {
		return nil, fmt.Errorf("scheduling: %w", err)
	}
	metrics.RecordAdmissionDeferrals(outcome.Deferrals)
	metrics.RecordCoverageFiles(len(outcome.CoverageFiles))
	if outcome.Aborted {
		logger.Warn("Plan aborted", "cause", outcome.Cause)
	}

	var covMap coverage.Map
	if pf.Coverage.Enabled && ctx.Err() == nil {
		covMap, err = e.generateCoverage(ctx, pf.Coverage, outcome.CoverageFiles, logger)
		if err != nil {
			return nil, fmt.Errorf("coverage: %w", err)
		}
	}

	result, err := agg.Finalize(outcome.Aborted)
	if err != nil {
		return nil, err
	}
	result.Coverage = covMap
	logger.Info("Plan finished", "executed", result.Counters.Executed, "failed", result.Failed,
		"maxConcurrent", outcome.MaxConcurrent, "duration", result.Timings.End)
	return result, nil
}

func (e *DefaultPlanExecutor) generateCoverage(ctx context.Context, cfg types.CoverageConfig, files []string, logger log.Logger) (coverage.Map, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	var include *matcher.Matcher
	if len(cfg.Include) > 0 {
		m, err := matcher.Compile(cfg.Include)
		if err != nil {
			return nil, err
		}
		include = m
	}
	genCfg := coverage.Config{
		RootDir:         e.rootDir,
		Include:         include,
		IncludeMissing:  include != nil && (cfg.IncludeMissing == nil || *cfg.IncludeMissing),
		ConflictWarning: cfg.ConflictWarning == nil || *cfg.ConflictWarning,
		Logger:          logger,
	}
	if cfg.V8Dir != "" {
		genCfg.V8Dirs = []string{cfg.V8Dir}
	}
	m, err := coverage.Generate(ctx, genCfg, files)
	if err != nil {
		return nil, err
	}
	summary := m.Summary()
	logger.Info("Coverage generated", "files", len(m), "statements", summary.Statements.Pct())
	return m, nil
}

func countRunnable(executions []*plan.Execution) int {
	n := 0
	for _, exec := range executions {
		if !exec.Skipped() {
			n++
		}
	}
	return n
}
