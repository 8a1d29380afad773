// Package inprocess implements a runtime whose worker is a goroutine of the
// orchestrator. Files are mapped to Go programs registered by pattern, and
// the worker speaks the same action protocol as child process workers.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/coverage"
	"github.com/ethereum-optimism/infra/op-testplan/matcher"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

const (
	TypeName = "inprocess"

	// stopWait bounds how long Run waits for a program that ignores
	// cancellation.
	stopWait = 2 * time.Second
)

var errRunEnded = errors.New("execution ended")

// Program executes one file and returns its namespace.
type Program func(ctx context.Context, params runtime.ExecuteParams) (map[string]any, error)

type entry struct {
	pattern string
	match   *matcher.Matcher
	program Program
}

type Runtime struct {
	name    string
	version string

	mu       sync.RWMutex
	programs []entry
}

var _ runtime.Runtime = (*Runtime)(nil)

func New(name, version string) *Runtime {
	if name == "" {
		name = TypeName
	}
	return &Runtime{name: name, version: version}
}

func (r *Runtime) Type() string    { return TypeName }
func (r *Runtime) Name() string    { return r.name }
func (r *Runtime) Version() string { return r.version }

// Register maps the files matching pattern to p. When several patterns match
// a file, the last registered wins.
func (r *Runtime) Register(pattern string, p Program) error {
	m, err := matcher.Compile(matcher.Spec{{Pattern: pattern, Include: true}})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs = append(r.programs, entry{pattern: pattern, match: m, program: p})
	return nil
}

func (r *Runtime) lookup(file string) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.programs) - 1; i >= 0; i-- {
		if r.programs[i].match.Matches(file) {
			return r.programs[i].program, true
		}
	}
	return nil, false
}

func (r *Runtime) execute(ctx context.Context, params runtime.ExecuteParams) (map[string]any, error) {
	p, ok := r.lookup(params.FileRelativeURL)
	if !ok {
		return nil, fmt.Errorf("no program registered for %s", params.FileRelativeURL)
	}
	return p(ctx, params)
}

func (r *Runtime) Run(ctx context.Context, p runtime.RunParams) types.RunResult {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errRunEnded)

	console := &Console{}
	conn := newChanConn()
	worker := &runtime.Worker{Execute: r.execute}
	go conn.serve(withConsole(ctx, console), worker)
	p.Started()
	defer func() {
		conn.close()
		select {
		case <-conn.closed:
		case <-time.After(stopWait):
			p.Log().Warn("In-process worker ignored cancellation", "runtime", r.name, "file", p.FileRelativeURL)
		}
		p.Stopped()
	}()

	params := runtime.ExecuteParams{
		RootDirectoryURL:   coverage.FileURL(p.RootDir) + "/",
		FileURL:            coverage.FileURL(p.FilePath()),
		FileRelativeURL:    p.FileRelativeURL,
		CollectPerformance: p.CollectPerformance,
		CoverageEnabled:    p.CoverageEnabled,
		RuntimeParams:      p.RuntimeParams,
	}
	if p.CoverageEnabled {
		params.CoverageFileURL = coverage.FileURL(p.CoverageFile)
	}
	req, err := runtime.NewRequest(runtime.ActionExecute, params)
	if err != nil {
		return runtime.Failed(err)
	}
	resp, err := runtime.Request(ctx, conn, req)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Failed(context.Cause(ctx))
		}
		return runtime.Failed(conn.crash(r.name))
	}
	result := runtime.ExecuteResult(resp, p.FileRelativeURL, p.CollectPerformance)
	if p.MeasureMemoryUsage {
		if n, err := measure(ctx, conn); err == nil {
			result.MemoryUsage = &n
		}
	}
	if p.CollectConsole {
		result.ConsoleCalls = console.Calls()
	}
	return result
}

func measure(ctx context.Context, conn *chanConn) (uint64, error) {
	req, err := runtime.NewRequest(runtime.ActionMeasureMemory, nil)
	if err != nil {
		return 0, err
	}
	resp, err := runtime.Request(ctx, conn, req)
	if err != nil {
		return 0, err
	}
	var n uint64
	return n, runtime.DecodeResponse(resp, &n)
}
