package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_TESTPLAN"

const DefaultProgressInterval = 30 * time.Second

var (
	PlanFile = &cli.StringFlag{
		Name:     "plan",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "PLAN"),
		Usage:    "Path to the test plan file (eg. 'testplan.yaml')",
	}
	RootDir = &cli.StringFlag{
		Name:    "root-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ROOT_DIR"),
		Usage:   "Directory the plan patterns are matched against. Defaults to the plan rootDir, then the plan file directory.",
	}
	Fragment = &cli.StringFlag{
		Name:    "fragment",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FRAGMENT"),
		Usage:   "Only run one slice of the plan (eg. '2/4')",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_FAST"),
		Usage:   "Cancel the remaining executions as soon as one does not complete",
	}
	MaxParallel = &cli.StringFlag{
		Name:    "max-parallel",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_PARALLEL"),
		Usage:   "Executions allowed to run at once, a count ('4') or a share of the CPUs ('50%')",
	}
	MaxCPU = &cli.Float64Flag{
		Name:    "max-cpu",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_CPU"),
		Usage:   "CPU usage ratio (0..1) above which no new execution starts. 0 disables the check.",
	}
	MaxMemory = &cli.StringFlag{
		Name:    "max-memory",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_MEMORY"),
		Usage:   "Memory above which no new execution starts, a size ('2GB') or a share of total memory ('50%')",
	}
	DefaultAllocated = &cli.DurationFlag{
		Name:    "default-allocated",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_ALLOCATED"),
		Usage:   "Time budget of executions that do not declare one (eg. '30s'). 0 leaves them unbounded.",
	}
	Coverage = &cli.BoolFlag{
		Name:    "coverage",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE"),
		Usage:   "Collect coverage from the executions",
	}
	CoverageFile = &cli.StringFlag{
		Name:    "coverage-file",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_FILE"),
		Usage:   "Write the merged coverage map of the run to this JSON file",
	}
	ResultFile = &cli.StringFlag{
		Name:    "result-file",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RESULT_FILE"),
		Usage:   "Write the plan result to this JSON file",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between plan runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Periodically log the executions in flight",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   DefaultProgressInterval,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates when --show-progress is set",
	}
	TeardownTimeout = &cli.DurationFlag{
		Name:    "teardown-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEARDOWN_TIMEOUT"),
		Usage:   "How long a runtime may take to settle after its execution was aborted before a warning is logged",
	}
	HealthzEnabled = &cli.BoolFlag{
		Name:    "healthz.enabled",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ENABLED"),
		Usage:   "Serve /healthz",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Healthz listening address",
	}
	HealthzPort = &cli.IntFlag{
		Name:    "healthz.port",
		Value:   8080,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_PORT"),
		Usage:   "Healthz listening port",
	}
)

var requiredFlags = []cli.Flag{
	PlanFile,
}

var optionalFlags = []cli.Flag{
	RootDir,
	Fragment,
	FailFast,
	MaxParallel,
	MaxCPU,
	MaxMemory,
	DefaultAllocated,
	Coverage,
	CoverageFile,
	ResultFile,
	RunInterval,
	ShowProgress,
	ProgressInterval,
	TeardownTimeout,
	HealthzEnabled,
	HealthzAddr,
	HealthzPort,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
