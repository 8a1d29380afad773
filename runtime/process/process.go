// Package process implements a runtime that executes each file in a fresh
// worker process. The orchestrator talks to the worker over two pipes handed
// down as file descriptors 3 (requests) and 4 (responses).
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/coverage"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum/go-ethereum/log"
)

const (
	TypeName = "process"

	// CoverageMethodEnv asks V8 based workers to dump coverage in a
	// directory named by NODE_V8_COVERAGE.
	CoverageMethodEnv = "env"
	// CoverageMethodFile lets the worker write the coverage file itself.
	CoverageMethodFile = "file"

	DefaultGracePeriod = 5 * time.Second

	measureMemoryTimeout = 2 * time.Second
)

// Config describes how to start a worker
type Config struct {
	Name    string
	Version string
	// Command is the worker executable followed by its arguments.
	Command        []string
	Env            map[string]string
	Dir            string
	GracePeriod    time.Duration
	CoverageMethod string
}

type Runtime struct {
	cfg Config
}

var _ runtime.Runtime = (*Runtime)(nil)

func New(cfg Config) (*Runtime, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("process runtime requires a command")
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Command[0])
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	switch cfg.CoverageMethod {
	case "":
		cfg.CoverageMethod = CoverageMethodFile
	case CoverageMethodEnv, CoverageMethodFile:
	default:
		return nil, fmt.Errorf("unknown coverage method %q", cfg.CoverageMethod)
	}
	return &Runtime{cfg: cfg}, nil
}

func (r *Runtime) Type() string    { return TypeName }
func (r *Runtime) Name() string    { return r.cfg.Name }
func (r *Runtime) Version() string { return r.cfg.Version }

func (r *Runtime) Run(ctx context.Context, p runtime.RunParams) types.RunResult {
	logger := p.Log().New("runtime", r.cfg.Name, "file", p.FileRelativeURL)

	var v8Dir string
	if p.CoverageEnabled && r.cfg.CoverageMethod == CoverageMethodEnv {
		v8Dir = p.CoverageFile + ".v8"
		if err := os.MkdirAll(v8Dir, 0o755); err != nil {
			return runtime.Failed(fmt.Errorf("creating coverage directory: %w", err))
		}
		defer os.RemoveAll(v8Dir)
	}

	w, err := r.start(ctx, p, v8Dir)
	if err != nil {
		return runtime.Failed(fmt.Errorf("starting %s worker: %w", r.cfg.Name, err))
	}
	defer w.shutdown(false, r.cfg.GracePeriod, logger)
	p.Started()
	logger.Debug("Worker started", "pid", w.cmd.Process.Pid)

	params := runtime.ExecuteParams{
		RootDirectoryURL:   coverage.FileURL(p.RootDir) + "/",
		FileURL:            coverage.FileURL(p.FilePath()),
		FileRelativeURL:    p.FileRelativeURL,
		CollectPerformance: p.CollectPerformance,
		CoverageEnabled:    p.CoverageEnabled,
		RuntimeParams:      p.RuntimeParams,
	}
	if p.CoverageEnabled && r.cfg.CoverageMethod == CoverageMethodFile {
		params.CoverageFileURL = coverage.FileURL(p.CoverageFile)
	}
	req, err := runtime.NewRequest(runtime.ActionExecute, params)
	if err != nil {
		return runtime.Failed(err)
	}
	resp, err := runtime.Request(ctx, w.conn, req)
	if err != nil {
		if ctx.Err() != nil {
			w.shutdown(true, r.cfg.GracePeriod, logger)
			return runtime.Failed(context.Cause(ctx))
		}
		return runtime.Failed(w.crash(r.cfg.Name, r.cfg.GracePeriod))
	}

	result := runtime.ExecuteResult(resp, p.FileRelativeURL, p.CollectPerformance)
	if p.MeasureMemoryUsage {
		if n, ok := w.measureMemory(ctx, logger); ok {
			result.MemoryUsage = &n
		}
	}

	// V8 dumps coverage when the worker exits
	w.shutdown(false, r.cfg.GracePeriod, logger)
	if v8Dir != "" {
		if err := writeV8Coverage(ctx, p, v8Dir, logger); err != nil {
			logger.Warn("Failed to collect worker coverage", "err", err)
		}
	}
	if p.CollectConsole {
		result.ConsoleCalls = w.console.Calls()
	}
	return result
}

type worker struct {
	cmd     *exec.Cmd
	conn    *runtime.StreamConn
	console *console
	stdout  *lineWriter
	stderr  *lineWriter
	// read end of the response pipe, closed once the worker is gone
	respR *os.File

	exited       chan struct{}
	state        *os.ProcessState
	shutdownOnce sync.Once
}

func (r *Runtime) start(ctx context.Context, p runtime.RunParams, v8Dir string) (*worker, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, err
	}

	cmd := exec.Command(r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = r.cfg.Dir
	if cmd.Dir == "" {
		cmd.Dir = p.RootDir
	}
	cmd.Env = r.environ(ctx, v8Dir)
	cmd.ExtraFiles = []*os.File{reqR, respW}
	cmd.SysProcAttr = SysProcAttr()
	cmd.WaitDelay = r.cfg.GracePeriod

	w := &worker{cmd: cmd, console: &console{}, exited: make(chan struct{})}
	w.stdout = w.console.writer("log")
	w.stderr = w.console.writer("error")
	cmd.Stdout = w.stdout
	cmd.Stderr = w.stderr

	err = cmd.Start()
	// the child owns its ends now
	reqR.Close()
	respW.Close()
	if err != nil {
		reqW.Close()
		respR.Close()
		return nil, err
	}
	w.respR = respR
	w.conn = runtime.NewStreamConn(reqW, respR)
	go func() {
		_ = cmd.Wait()
		w.stdout.Flush()
		w.stderr.Flush()
		w.state = cmd.ProcessState
		p.Stopped()
		close(w.exited)
	}()
	return w, nil
}

func (r *Runtime) environ(ctx context.Context, v8Dir string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.cfg.Env[k])
	}
	if v8Dir != "" {
		env = append(env, "NODE_V8_COVERAGE="+v8Dir)
	}
	return telemetry.InstrumentEnvironment(ctx, env)
}

// shutdown closes the request stream and waits for the worker to leave. A
// worker that does not leave within the grace period gets SIGTERM, then
// SIGKILL. With force set, SIGTERM is sent straight away.
func (w *worker) shutdown(force bool, grace time.Duration, logger log.Logger) {
	w.shutdownOnce.Do(func() {
		_ = w.conn.Close()
		defer w.respR.Close()
		if !force && w.wait(grace) {
			return
		}
		logger.Debug("Terminating worker", "pid", w.cmd.Process.Pid)
		if err := TerminateTree(w.cmd.Process); err != nil {
			logger.Warn("Failed to terminate worker", "err", err)
		}
		if w.wait(grace) {
			return
		}
		logger.Warn("Killing worker", "pid", w.cmd.Process.Pid)
		if err := KillTree(w.cmd.Process); err != nil {
			logger.Warn("Failed to kill worker", "err", err)
		}
		<-w.exited
	})
}

func (w *worker) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.exited:
		return true
	case <-t.C:
		return false
	}
}

// crash describes a worker that went away during an execution.
func (w *worker) crash(name string, grace time.Duration) error {
	if !w.wait(grace) {
		return fmt.Errorf("%s worker closed its connection: %w", name, runtime.ErrDisconnected)
	}
	code, signal := ExitInfo(w.state)
	return &runtime.RuntimeCrashError{
		Runtime:  name,
		ExitCode: code,
		Signal:   signal,
		Output:   w.console.Tail(),
	}
}

// measureMemory asks the worker first and falls back to the resident size of
// the worker process tree.
func (w *worker) measureMemory(ctx context.Context, logger log.Logger) (uint64, bool) {
	mctx, cancel := context.WithTimeout(ctx, measureMemoryTimeout)
	defer cancel()
	req, err := runtime.NewRequest(runtime.ActionMeasureMemory, nil)
	if err == nil {
		var resp runtime.ActionResponse
		resp, err = runtime.Request(mctx, w.conn, req)
		if err == nil {
			var n uint64
			if err = runtime.DecodeResponse(resp, &n); err == nil {
				return n, true
			}
		}
	}
	logger.Debug("Worker did not report memory usage", "err", err)
	if n := TreeRSS(mctx, w.cmd.Process.Pid); n > 0 {
		return n, true
	}
	return 0, false
}

func writeV8Coverage(ctx context.Context, p runtime.RunParams, dir string, logger log.Logger) error {
	files, err := coverage.ArtifactFiles(nil, []string{dir})
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no coverage written to %s", dir)
	}
	artifacts, err := coverage.LoadArtifacts(ctx, p.RootDir, files, logger)
	if err != nil {
		return err
	}
	b, err := json.Marshal(artifacts.V8)
	if err != nil {
		return err
	}
	return os.WriteFile(p.CoverageFile, b, 0o644)
}

// ServeInherited serves the worker side of the protocol on the descriptors
// handed down by the process runtime. It returns once the orchestrator
// closes the request stream.
func ServeInherited(ctx context.Context, worker *runtime.Worker) error {
	in := os.NewFile(3, "requests")
	out := os.NewFile(4, "responses")
	if in == nil || out == nil {
		return errors.New("worker descriptors are not available")
	}
	defer in.Close()
	defer out.Close()
	return runtime.ServeStream(ctx, in, out, worker)
}
