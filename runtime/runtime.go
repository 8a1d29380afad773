// Package runtime defines the contract between the orchestrator and the
// backends that execute files, and the action protocol spoken with workers.
package runtime

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
)

// Runtime executes one file in an isolated environment.
//
// Run must not panic and must always return: internal failures are reported
// as types.StatusFailed with the error appended to Errors. OnRuntimeStarted
// and OnRuntimeStopped must each be invoked at most once.
type Runtime interface {
	Type() string
	Name() string
	Version() string
	Run(ctx context.Context, params RunParams) types.RunResult
}

// RunParams are handed to Runtime.Run
type RunParams struct {
	RootDir         string
	FileRelativeURL string
	RuntimeParams   map[string]any

	CoverageEnabled bool
	// CoverageFile is the absolute path the runtime writes coverage to.
	CoverageFile string

	CollectConsole     bool
	CollectPerformance bool
	MeasureMemoryUsage bool

	OnRuntimeStarted func()
	OnRuntimeStopped func()

	Cache  *ResourceCache
	Logger log.Logger
}

// FilePath returns the absolute path of the file to execute.
func (p RunParams) FilePath() string {
	rel := strings.TrimPrefix(p.FileRelativeURL, "./")
	return filepath.Join(p.RootDir, filepath.FromSlash(rel))
}

// Started invokes OnRuntimeStarted when set.
func (p RunParams) Started() {
	if p.OnRuntimeStarted != nil {
		p.OnRuntimeStarted()
	}
}

// Stopped invokes OnRuntimeStopped when set.
func (p RunParams) Stopped() {
	if p.OnRuntimeStopped != nil {
		p.OnRuntimeStopped()
	}
}

// Log returns the logger, or a discarding one.
func (p RunParams) Log() log.Logger {
	if p.Logger == nil {
		return log.NewLogger(log.DiscardHandler())
	}
	return p.Logger
}

// Failed builds a failed result from errs.
func Failed(errs ...error) types.RunResult {
	return types.RunResult{Status: types.StatusFailed, Errors: errs}
}

// Func adapts a function to the Runtime interface.
type Func struct {
	TypeName       string
	RuntimeName    string
	RuntimeVersion string
	Fn             func(ctx context.Context, params RunParams) types.RunResult
}

func (f *Func) Type() string    { return f.TypeName }
func (f *Func) Name() string    { return f.RuntimeName }
func (f *Func) Version() string { return f.RuntimeVersion }

func (f *Func) Run(ctx context.Context, params RunParams) types.RunResult {
	return f.Fn(ctx, params)
}
