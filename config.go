package testplan

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testplan/flags"
	"github.com/ethereum-optimism/infra/op-testplan/plan"
	"github.com/ethereum-optimism/infra/op-testplan/registry"
	"github.com/ethereum-optimism/infra/op-testplan/runtime/browser"
	"github.com/ethereum-optimism/infra/op-testplan/service"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

// Config holds the application configuration
type Config struct {
	PlanFile         string
	RootDir          string        // Directory patterns are matched against, resolved from the plan when empty
	Overrides        PlanOverrides // Command line values replacing the plan file ones
	ResultFile       string        // JSON dump of the plan result, skipped when empty
	CoverageFile     string        // JSON dump of the merged coverage map, skipped when empty
	RunInterval      time.Duration // Interval between plan runs
	RunOnce          bool          // Indicates if the service should exit after one plan run
	ShowProgress     bool          // Whether to log the executions in flight during a run
	ProgressInterval time.Duration // Interval between progress updates when ShowProgress is 'true'
	TeardownTimeout  time.Duration
	Service          service.Config

	// Builders and Launchers extend the runtimes the plan file can declare.
	Builders  map[string]registry.Builder
	Launchers map[string]browser.Launcher

	Log log.Logger
}

// PlanOverrides are applied on top of the loaded plan file. Zero values
// leave the plan untouched.
type PlanOverrides struct {
	Fragment         string
	FailFast         *bool
	MaxParallel      string
	MaxCPU           float64
	MaxMemory        string
	DefaultAllocated time.Duration
	Coverage         bool
}

// Apply writes the overrides into pf
func (o PlanOverrides) Apply(pf *types.PlanFile) {
	if o.Fragment != "" {
		pf.Fragment = o.Fragment
	}
	if o.FailFast != nil {
		pf.FailFast = *o.FailFast
	}
	if o.MaxParallel != "" {
		pf.Parallel.Max = o.MaxParallel
	}
	if o.MaxCPU > 0 {
		pf.Parallel.MaxCPU = o.MaxCPU
	}
	if o.MaxMemory != "" {
		pf.Parallel.MaxMemory = o.MaxMemory
	}
	if o.DefaultAllocated > 0 {
		d := o.DefaultAllocated
		pf.DefaultAllocated = &d
	}
	if o.Coverage {
		pf.Coverage.Enabled = true
	}
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	planFile := ctx.String(flags.PlanFile.Name)
	if planFile == "" {
		return nil, errors.New("test plan file is required")
	}
	absPlanFile, err := filepath.Abs(planFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for plan file '%s': %w", planFile, err)
	}

	var rootDir string
	if dir := ctx.String(flags.RootDir.Name); dir != "" {
		if rootDir, err = filepath.Abs(dir); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for root directory '%s': %w", dir, err)
		}
	}

	overrides := PlanOverrides{
		Fragment:         ctx.String(flags.Fragment.Name),
		MaxParallel:      ctx.String(flags.MaxParallel.Name),
		MaxCPU:           ctx.Float64(flags.MaxCPU.Name),
		MaxMemory:        ctx.String(flags.MaxMemory.Name),
		DefaultAllocated: ctx.Duration(flags.DefaultAllocated.Name),
		Coverage:         ctx.Bool(flags.Coverage.Name) || ctx.String(flags.CoverageFile.Name) != "",
	}
	if ctx.IsSet(flags.FailFast.Name) {
		failFast := ctx.Bool(flags.FailFast.Name)
		overrides.FailFast = &failFast
	}
	if overrides.Fragment != "" {
		if _, err := plan.ParseFragment(overrides.Fragment); err != nil {
			return nil, err
		}
	}
	if overrides.MaxCPU < 0 || overrides.MaxCPU > 1 {
		return nil, fmt.Errorf("max-cpu must be between 0 and 1, got %v", overrides.MaxCPU)
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	if runInterval < 0 {
		return nil, fmt.Errorf("run-interval must not be negative, got %s", runInterval)
	}

	resultFile, err := absOrEmpty(ctx.String(flags.ResultFile.Name))
	if err != nil {
		return nil, err
	}
	coverageFile, err := absOrEmpty(ctx.String(flags.CoverageFile.Name))
	if err != nil {
		return nil, err
	}

	return &Config{
		PlanFile:         absPlanFile,
		RootDir:          rootDir,
		Overrides:        overrides,
		ResultFile:       resultFile,
		CoverageFile:     coverageFile,
		RunInterval:      runInterval,
		RunOnce:          runInterval == 0,
		ShowProgress:     ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		TeardownTimeout:  ctx.Duration(flags.TeardownTimeout.Name),
		Service: service.Config{
			Healthz: service.ServerConfig{
				Enabled: ctx.Bool(flags.HealthzEnabled.Name),
				Host:    ctx.String(flags.HealthzAddr.Name),
				Port:    strconv.Itoa(ctx.Int(flags.HealthzPort.Name)),
			},
			Metrics: service.ServerConfig{
				Enabled: metricsCfg.Enabled,
				Host:    metricsCfg.ListenAddr,
				Port:    strconv.Itoa(metricsCfg.ListenPort),
			},
		},
		Log: log,
	}, nil
}

func absOrEmpty(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path for '%s': %w", path, err)
	}
	return abs, nil
}

// resolveRootDir picks the directory plan patterns are matched against:
// the configured one, else the plan rootDir relative to the plan file,
// else the plan file directory.
func resolveRootDir(configured, planFile string, pf *types.PlanFile) string {
	if configured != "" {
		return configured
	}
	base := filepath.Dir(planFile)
	if pf.RootDir == "" {
		return base
	}
	if filepath.IsAbs(pf.RootDir) {
		return filepath.Clean(pf.RootDir)
	}
	return filepath.Join(base, pf.RootDir)
}
