// Package plan expands a declarative test plan into the flat, index ordered
// list of executions the scheduler runs.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/matcher"
	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
)

// SkipRuntimeDisabled is the skip reason of executions whose runtime is off
const SkipRuntimeDisabled = "runtime disabled"

var ErrEmptyPlan = errors.New("test plan declares no pattern")

// Execution is one (file, group) pairing
type Execution struct {
	Index int
	File  string
	Group string

	Runtime       runtime.Runtime
	RuntimeParams map[string]any
	// Allocated is the time budget; zero means unbounded.
	Allocated time.Duration
	// Uses are the mutual exclusion tags held while running.
	Uses []string

	CollectConsole     bool
	CollectPerformance bool
	MeasureMemoryUsage bool
	CollectCoverage    bool

	SkipReason string
	State      types.ExecutionState
}

// Label identifies the execution in logs
func (e *Execution) Label() string {
	return fmt.Sprintf("%s [%s]", e.File, e.Group)
}

// Skipped reports whether the execution was skipped at planning time
func (e *Execution) Skipped() bool {
	return e.State == types.StateSkipped
}

func (e *Execution) skip(reason string) {
	if e.Skipped() {
		return
	}
	e.SkipReason = reason
	e.State = types.StateSkipped
}

// Planned describes the execution for the result aggregator
func (e *Execution) Planned() runner.Planned {
	p := runner.Planned{
		Index:      e.Index,
		File:       e.File,
		Group:      e.Group,
		SkipReason: e.SkipReason,
	}
	if e.Runtime != nil {
		p.RuntimeType = e.Runtime.Type()
		p.RuntimeName = e.Runtime.Name()
		p.RuntimeVersion = e.Runtime.Version()
	}
	return p
}

// RuntimeResolver gives access to the named runtimes of a plan
type RuntimeResolver interface {
	Runtime(name string) (runtime.Runtime, error)
	Disabled(name string) bool
}

// Options configures Build
type Options struct {
	RootDir  string
	TestPlan types.TestPlan
	Runtimes RuntimeResolver

	// Files, when set, replaces walking RootDir. Entries are root relative.
	Files []string

	DefaultAllocated time.Duration
	CoverageEnabled  bool
	Fragment         *Fragment

	// Allocated and Uses, when set, compute the budget and tags from the
	// execution, overriding the declared values.
	Allocated func(*Execution) time.Duration
	Uses      func(*Execution) []string
	// FragmentBy returns a non-empty skip reason to skip an execution.
	FragmentBy func(*Execution) string

	Logger log.Logger
}

type patternGroups struct {
	matcher *matcher.Matcher
	groups  []types.GroupConfig
}

// Build materializes the executions of the plan: one per matching file and
// group, indexed in file then group order.
func Build(opts Options) ([]*Execution, error) {
	if len(opts.TestPlan) == 0 {
		return nil, ErrEmptyPlan
	}
	if opts.Runtimes == nil {
		return nil, errors.New("no runtime resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Root()
	}

	patterns := make([]patternGroups, 0, len(opts.TestPlan))
	selection := make(matcher.Spec, 0, len(opts.TestPlan))
	for _, pc := range opts.TestPlan {
		m, err := matcher.Compile(matcher.Spec{{Pattern: pc.Pattern, Include: true}})
		if err != nil {
			return nil, fmt.Errorf("test plan: %w", err)
		}
		patterns = append(patterns, patternGroups{matcher: m, groups: pc.Groups})
		selection = append(selection, matcher.Rule{Pattern: pc.Pattern, Include: true})
	}

	files := opts.Files
	if files == nil {
		sel, err := matcher.Compile(selection)
		if err != nil {
			return nil, fmt.Errorf("test plan: %w", err)
		}
		files, err = matcher.Walk(opts.RootDir, sel)
		if err != nil {
			return nil, err
		}
	}

	var executions []*Execution
	for _, file := range files {
		file = matcher.Canonical(file)
		for _, group := range groupsFor(file, patterns) {
			exec, err := newExecution(len(executions), file, group, opts)
			if err != nil {
				return nil, err
			}
			executions = append(executions, exec)
		}
	}

	for _, exec := range executions {
		if opts.FragmentBy != nil {
			if reason := opts.FragmentBy(exec); reason != "" {
				exec.skip(reason)
			}
		}
		if opts.Fragment != nil && !opts.Fragment.Contains(exec.Index, len(executions)) {
			exec.skip(SkipNotInFragment)
		}
	}
	logger.Debug("Planned executions", "files", len(files), "executions", len(executions))
	return executions, nil
}

// groupsFor merges the groups of every pattern matching file. A later
// pattern replaces the configuration of a group declared earlier and a
// disabled group removes it; the group keeps its first position.
func groupsFor(file string, patterns []patternGroups) []types.GroupConfig {
	var order []string
	configs := make(map[string]types.GroupConfig)
	for _, p := range patterns {
		if !p.matcher.Matches(file) {
			continue
		}
		for _, g := range p.groups {
			if _, seen := configs[g.Name]; !seen {
				order = append(order, g.Name)
			}
			configs[g.Name] = g
		}
	}
	out := make([]types.GroupConfig, 0, len(order))
	for _, name := range order {
		if g := configs[name]; !g.Disabled {
			out = append(out, g)
		}
	}
	return out
}

func newExecution(index int, file string, group types.GroupConfig, opts Options) (*Execution, error) {
	cfg := group.Config
	if cfg.Runtime == "" {
		return nil, fmt.Errorf("group %q of %s declares no runtime", group.Name, file)
	}
	rt, err := opts.Runtimes.Runtime(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("group %q of %s: %w", group.Name, file, err)
	}
	exec := &Execution{
		Index:              index,
		File:               file,
		Group:              group.Name,
		Runtime:            rt,
		RuntimeParams:      cfg.RuntimeParams,
		Allocated:          opts.DefaultAllocated,
		Uses:               cfg.Uses,
		CollectConsole:     cfg.CollectConsole,
		CollectPerformance: cfg.CollectPerformance,
		MeasureMemoryUsage: cfg.MeasureMemoryUsage,
		CollectCoverage:    opts.CoverageEnabled,
		State:              types.StatePlanified,
	}
	if cfg.Allocated != nil {
		exec.Allocated = *cfg.Allocated
	}
	if cfg.CollectCoverage != nil {
		exec.CollectCoverage = opts.CoverageEnabled && *cfg.CollectCoverage
	}
	if opts.Allocated != nil {
		exec.Allocated = opts.Allocated(exec)
	}
	if opts.Uses != nil {
		exec.Uses = opts.Uses(exec)
	}
	if opts.Runtimes.Disabled(cfg.Runtime) {
		exec.skip(SkipRuntimeDisabled)
	}
	return exec, nil
}

// Planned converts executions for the result aggregator
func Planned(executions []*Execution) []runner.Planned {
	out := make([]runner.Planned, len(executions))
	for i, e := range executions {
		out[i] = e.Planned()
	}
	return out
}
