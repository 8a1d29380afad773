// Package gotest implements a runtime executing Go test files. Each file is
// run with `go test -json`, restricted to the tests it declares.
package gotest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/runtime/process"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
)

const (
	TypeName = "gotest"

	defaultGoBinary = "go"
	rssInterval     = 100 * time.Millisecond
)

type Config struct {
	Name    string
	Version string
	// GoBinary defaults to "go" from PATH.
	GoBinary string
	Env      map[string]string
	// Args are appended to the go test command line.
	Args        []string
	GracePeriod time.Duration
}

type Runtime struct {
	cfg Config
}

var _ runtime.Runtime = (*Runtime)(nil)

func New(cfg Config) *Runtime {
	if cfg.GoBinary == "" {
		cfg.GoBinary = defaultGoBinary
	}
	if cfg.Name == "" {
		cfg.Name = TypeName
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = process.DefaultGracePeriod
	}
	return &Runtime{cfg: cfg}
}

func (r *Runtime) Type() string    { return TypeName }
func (r *Runtime) Name() string    { return r.cfg.Name }
func (r *Runtime) Version() string { return r.cfg.Version }

func (r *Runtime) Run(ctx context.Context, p runtime.RunParams) types.RunResult {
	logger := p.Log().New("runtime", r.cfg.Name, "file", p.FileRelativeURL)
	file := p.FilePath()
	if !strings.HasSuffix(file, "_test.go") {
		return runtime.Failed(fmt.Errorf("%s is not a Go test file", p.FileRelativeURL))
	}
	tests, err := DiscoverTests(file)
	if err != nil {
		return runtime.Failed(err)
	}
	if len(tests) == 0 {
		logger.Warn("No tests declared in file")
		return types.RunResult{
			Status:    types.StatusCompleted,
			Namespace: map[string]any{"tests": map[string]string{}},
		}
	}

	var profile string
	if p.CoverageEnabled {
		f, err := os.CreateTemp("", "coverprofile-*.out")
		if err != nil {
			return runtime.Failed(fmt.Errorf("creating coverprofile: %w", err))
		}
		profile = f.Name()
		f.Close()
		defer os.Remove(profile)
	}

	args := buildArgs(tests, profile, r.cfg.Args)
	cmd := exec.CommandContext(ctx, r.cfg.GoBinary, args...)
	cmd.Dir = filepath.Dir(file)
	cmd.Env = r.environ(ctx)
	// go test starts the test binary as a child, signal both
	cmd.SysProcAttr = process.SysProcAttr()
	cmd.Cancel = func() error { return process.TerminateTree(cmd.Process) }
	cmd.WaitDelay = r.cfg.GracePeriod
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Running go test", "command", cmd.String(), "dir", cmd.Dir)
	origin := time.Now()
	if err := cmd.Start(); err != nil {
		return runtime.Failed(fmt.Errorf("starting go test: %w", err))
	}
	p.Started()
	var peak atomic.Uint64
	stopSampling := make(chan struct{})
	if p.MeasureMemoryUsage {
		go samplePeak(ctx, cmd.Process.Pid, &peak, stopSampling)
	}
	waitErr := cmd.Wait()
	close(stopSampling)
	p.Stopped()
	elapsed := time.Since(origin)

	if ctx.Err() != nil {
		_ = process.KillTree(cmd.Process)
		return runtime.Failed(context.Cause(ctx))
	}

	report := ParseEvents(stdout.Bytes())
	result := report.Result(p.FileRelativeURL, origin, elapsed)
	if !report.HasEvents() {
		code, signal := -1, ""
		if cmd.ProcessState != nil {
			code, signal = process.ExitInfo(cmd.ProcessState)
		}
		result = runtime.Failed(&runtime.RuntimeCrashError{
			Runtime:  r.cfg.Name,
			ExitCode: code,
			Signal:   signal,
			Output:   strings.TrimSpace(stderr.String()),
		})
	} else if waitErr != nil && result.Status == types.StatusCompleted {
		result = runtime.Failed(fmt.Errorf("go test: %w: %s", waitErr, strings.TrimSpace(stderr.String())))
	}

	if p.CollectConsole {
		result.ConsoleCalls = append(report.Console(), stderrCalls(stderr.String())...)
	}
	if p.MeasureMemoryUsage {
		if n := peak.Load(); n > 0 {
			result.MemoryUsage = &n
		}
	}
	if profile != "" {
		if err := writeCoverage(filepath.Dir(file), profile, p.CoverageFile); err != nil {
			logger.Warn("Failed to convert coverprofile", "err", err)
		}
	}
	return result
}

func (r *Runtime) environ(ctx context.Context) []string {
	env := os.Environ()
	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.cfg.Env[k])
	}
	return telemetry.InstrumentEnvironment(ctx, env)
}

// buildArgs runs exactly the given tests of the current package, uncached.
func buildArgs(tests []string, profile string, extra []string) []string {
	args := []string{"test", ".", "-run", fmt.Sprintf("^(%s)$", strings.Join(tests, "|")), "-count", "1", "-v", "-json"}
	if profile != "" {
		args = append(args, "-covermode", "count", "-coverprofile", profile)
	}
	return append(args, extra...)
}

func samplePeak(ctx context.Context, pid int, peak *atomic.Uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(rssInterval)
	defer ticker.Stop()
	for {
		if n := process.TreeRSS(ctx, pid); n > peak.Load() {
			peak.Store(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func stderrCalls(s string) []types.ConsoleCall {
	var calls []types.ConsoleCall
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		if line != "" {
			calls = append(calls, types.ConsoleCall{Type: "error", Text: line})
		}
	}
	return calls
}
