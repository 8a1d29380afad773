// Package testplan runs a test plan: it loads the plan file, builds its
// runtimes, schedules every (file, group) execution, merges coverage and
// reports the results.
package testplan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testplan/exitcodes"
	"github.com/ethereum-optimism/infra/op-testplan/metrics"
	"github.com/ethereum-optimism/infra/op-testplan/registry"
	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// orchestrator implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &orchestrator{}

// orchestrator runs the test plan once or periodically.
type orchestrator struct {
	config   *Config
	version  string
	registry *registry.Registry

	executor  PlanExecutor
	formatter ResultFormatter
	reporter  MetricsReporter
	scheduler RunScheduler
	service   *service.Service

	mu      sync.Mutex
	result  *runner.TestPlanResult
	lastErr error

	running          atomic.Bool
	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(config *Config, version string, shutdownCallback func(error)) (*orchestrator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating orchestrator with config",
		"planFile", config.PlanFile,
		"rootDir", config.RootDir,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	pf, err := registry.LoadPlanFile(config.PlanFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load test plan: %w", err)
	}
	config.Overrides.Apply(pf)

	reg, err := registry.FromPlan(registry.Config{
		Log:       config.Log,
		PlanFile:  config.PlanFile,
		Builders:  config.Builders,
		Launchers: config.Launchers,
	}, pf)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	rootDir := resolveRootDir(config.RootDir, config.PlanFile, pf)
	if info, err := os.Stat(rootDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("root directory %s is not a directory", rootDir)
	}
	config.Log.Info("Created registry", "runtimes", len(reg.Names()), "rootDir", rootDir)

	o := &orchestrator{
		config:           config,
		version:          version,
		registry:         reg,
		executor:         NewDefaultPlanExecutor(reg, rootDir, config),
		formatter:        NewConsoleResultFormatter(config.Log, os.Stdout),
		reporter:         NewDefaultMetricsReporter(),
		scheduler:        NewDefaultRunScheduler(config.RunInterval, config.RunOnce, config.Log),
		shutdownCallback: shutdownCallback,
	}
	o.service = service.New(config.Service, o.Healthy, config.Log)
	return o, nil
}

// Registry gives access to the runtimes, for instance to register
// in-process programs before Start.
func (o *orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Start runs the plan right away and, in continuous mode, keeps running it
// every interval.
// Start implements the cliapp.Lifecycle interface.
func (o *orchestrator) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			o.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	o.running.Store(true)
	if o.service != nil {
		o.service.Start(ctx)
	}
	o.scheduler.RegisterCallback(func() error {
		return o.runPlan(ctx)
	})

	if o.config.RunOnce {
		o.config.Log.Info("Starting op-testplan in run-once mode", "version", o.version)
	} else {
		o.config.Log.Info("Starting op-testplan in continuous mode", "version", o.version, "interval", o.config.RunInterval)
	}

	if err := o.scheduler.Start(ctx); err != nil {
		o.config.Log.Error("Runtime error running plan", "error", err)
		if ctx.Err() != nil {
			return cli.Exit("interrupted", exitcodes.Interrupted)
		}
		return err
	}
	if !o.config.RunOnce {
		return nil
	}

	if ctx.Err() != nil {
		return cli.Exit("interrupted", exitcodes.Interrupted)
	}
	o.config.Log.Info("Plan completed, exiting (run-once mode)")
	if result := o.Result(); result != nil && result.Failed {
		o.config.Log.Warn("Run-once plan completed with failures, returning exit code 1")
		return NewTestFailureError(summaryString(result.Counters))
	}
	go func() {
		o.shutdownCallback(nil)
	}()
	return nil
}

// runPlan runs the plan once and reports its result
func (o *orchestrator) runPlan(ctx context.Context) error {
	result, err := o.executor.RunPlan(ctx)
	o.mu.Lock()
	o.lastErr = err
	if err == nil {
		o.result = result
	}
	o.mu.Unlock()
	if err != nil {
		metrics.RecordErrorDetails("run plan", err)
		if !IsRuntimeError(err) {
			err = NewRuntimeError(err)
		}
		return err
	}

	if err := o.formatter.FormatResults(result); err != nil {
		o.config.Log.Warn("Failed to format results", "err", err)
	}
	if o.config.ResultFile != "" {
		if err := WriteJSONFile(o.config.ResultFile, result); err != nil {
			return NewRuntimeError(fmt.Errorf("writing result file: %w", err))
		}
		o.config.Log.Info("Wrote result file", "path", o.config.ResultFile)
	}
	if o.config.CoverageFile != "" && result.Coverage != nil {
		if err := WriteJSONFile(o.config.CoverageFile, result.Coverage); err != nil {
			return NewRuntimeError(fmt.Errorf("writing coverage file: %w", err))
		}
		o.config.Log.Info("Wrote coverage file", "path", o.config.CoverageFile, "files", len(result.Coverage))
	}
	o.reporter.ReportResults(result)
	o.config.Log.Info("Plan run completed", "run_id", result.RunID, "failed", result.Failed, "aborted", result.Aborted)
	return nil
}

// Result returns the result of the latest successful plan run
func (o *orchestrator) Result() *runner.TestPlanResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Healthy reports the orchestrator error of the latest plan run, if any
func (o *orchestrator) Healthy() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Stop stops the op-testplan service.
// Stop implements the cliapp.Lifecycle interface.
func (o *orchestrator) Stop(ctx context.Context) error {
	o.config.Log.Info("Stopping op-testplan")
	if !o.running.Load() {
		o.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	o.running.Store(false)

	var result error
	if err := o.scheduler.Stop(); err != nil {
		result = errors.Join(result, err)
	}
	if err := o.scheduler.WaitForShutdown(ctx); err != nil {
		result = errors.Join(result, err)
	}
	if o.service != nil {
		o.service.Shutdown()
	}
	o.config.Log.Info("op-testplan stopped")
	return result
}

// Stopped returns true if the op-testplan service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (o *orchestrator) Stopped() bool {
	return !o.running.Load()
}
