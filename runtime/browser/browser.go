// Package browser describes runtimes executing files inside a browser page.
// The browser itself is driven by an injected Session; no automation
// protocol is implemented here.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum-optimism/infra/op-testplan/coverage"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

const TypeName = "browser"

// ErrPageCrashed is returned by a Page whose renderer went away.
var ErrPageCrashed = errors.New("page crashed")

// Session is a launched browser shared by the executions of a run.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page executes one file.
type Page interface {
	// Execute loads params.FileURL through the page and returns the
	// namespace of the executed module.
	Execute(ctx context.Context, params runtime.ExecuteParams) (runtime.ExecuteValue, error)
	ConsoleCalls() []types.ConsoleCall
	// Coverage returns the V8 script coverage taken since the page opened.
	Coverage(ctx context.Context) (*coverage.V8Document, error)
	MeasureMemory(ctx context.Context) (uint64, error)
	Close() error
}

// Launcher starts a browser session
type Launcher func(ctx context.Context) (Session, error)

type Runtime struct {
	name    string
	version string
	launch  Launcher
	// serverURL is where the page loads files from, the root directory
	// file URL when empty.
	serverURL string
}

var _ runtime.Runtime = (*Runtime)(nil)

func New(name, version, serverURL string, launch Launcher) *Runtime {
	if name == "" {
		name = TypeName
	}
	return &Runtime{name: name, version: version, serverURL: serverURL, launch: launch}
}

func (r *Runtime) Type() string    { return TypeName }
func (r *Runtime) Name() string    { return r.name }
func (r *Runtime) Version() string { return r.version }

func (r *Runtime) cacheKey() string {
	return "browser:" + r.name
}

func (r *Runtime) Run(ctx context.Context, p runtime.RunParams) types.RunResult {
	if r.launch == nil {
		return runtime.Failed(fmt.Errorf("%s runtime has no browser driver", r.name))
	}
	logger := p.Log().New("runtime", r.name, "file", p.FileRelativeURL)
	launchCtx := ctx
	if p.Cache != nil {
		// a cached session outlives the execution that launched it
		launchCtx = context.WithoutCancel(ctx)
	}
	session, err := runtime.GetAs(p.Cache, r.cacheKey(), func() (Session, error) {
		logger.Info("Launching browser")
		return r.launch(launchCtx)
	})
	if err != nil {
		return runtime.Failed(fmt.Errorf("launching %s: %w", r.name, err))
	}
	if p.Cache == nil {
		defer session.Close()
	}

	page, err := session.NewPage(ctx)
	if err != nil {
		return runtime.Failed(fmt.Errorf("opening page: %w", err))
	}
	p.Started()
	defer func() {
		if err := page.Close(); err != nil {
			logger.Warn("Failed to close page", "err", err)
		}
		p.Stopped()
	}()

	root := r.serverURL
	if root == "" {
		root = coverage.FileURL(p.RootDir)
	}
	params := runtime.ExecuteParams{
		RootDirectoryURL:   root + "/",
		FileURL:            root + "/" + trimDot(p.FileRelativeURL),
		FileRelativeURL:    p.FileRelativeURL,
		CollectPerformance: p.CollectPerformance,
		CoverageEnabled:    p.CoverageEnabled,
		RuntimeParams:      p.RuntimeParams,
	}
	value, err := page.Execute(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Failed(context.Cause(ctx))
		}
		if errors.Is(err, ErrPageCrashed) {
			return runtime.Failed(&runtime.RuntimeCrashError{Runtime: r.name, Signal: "crash", Output: err.Error()})
		}
		return runtime.Failed(&runtime.ExecutionFailure{File: p.FileRelativeURL, Err: types.NewExecutionError(err)})
	}

	result := types.RunResult{
		Status:    types.StatusCompleted,
		Namespace: value.Namespace,
		Timings:   value.Timings.RuntimeTimings(),
	}
	if p.CollectPerformance {
		result.Performance = value.Performance
	}
	if p.CollectConsole {
		result.ConsoleCalls = page.ConsoleCalls()
	}
	if p.MeasureMemoryUsage {
		if n, err := page.MeasureMemory(ctx); err == nil {
			result.MemoryUsage = &n
		} else {
			logger.Debug("Page did not report memory usage", "err", err)
		}
	}
	if p.CoverageEnabled {
		if err := writeCoverage(ctx, page, p.CoverageFile); err != nil {
			logger.Warn("Failed to take page coverage", "err", err)
		}
	}
	return result
}

func writeCoverage(ctx context.Context, page Page, dest string) error {
	doc, err := page.Coverage(ctx)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, b, 0o644)
}

func trimDot(rel string) string {
	for len(rel) >= 2 && rel[:2] == "./" {
		rel = rel[2:]
	}
	return rel
}
