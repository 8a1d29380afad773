package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/coverage"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// Counters tally executions by state. At all times
// Planified == Waiting + Executing + Executed, and
// Executed == Skipped + Aborted + Cancelled + Timedout + Failed + Completed.
type Counters struct {
	Planified int `json:"planified"`
	Waiting   int `json:"waiting"`
	Executing int `json:"executing"`
	Executed  int `json:"executed"`
	Skipped   int `json:"skipped"`
	Aborted   int `json:"aborted"`
	Cancelled int `json:"cancelled"`
	Timedout  int `json:"timedout"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Count returns the number of executions that ended with status
func (c Counters) Count(status types.ExecutionStatus) int {
	switch status {
	case types.StatusSkipped:
		return c.Skipped
	case types.StatusAborted:
		return c.Aborted
	case types.StatusCancelled:
		return c.Cancelled
	case types.StatusTimedout:
		return c.Timedout
	case types.StatusFailed:
		return c.Failed
	case types.StatusCompleted:
		return c.Completed
	}
	return 0
}

func (c *Counters) addStatus(status types.ExecutionStatus) {
	switch status {
	case types.StatusSkipped:
		c.Skipped++
	case types.StatusAborted:
		c.Aborted++
	case types.StatusCancelled:
		c.Cancelled++
	case types.StatusTimedout:
		c.Timedout++
	case types.StatusFailed:
		c.Failed++
	case types.StatusCompleted:
		c.Completed++
	}
}

// Validate checks the counter invariants
func (c Counters) Validate() error {
	if c.Planified != c.Waiting+c.Executing+c.Executed {
		return &SchedulingInvariantError{Msg: fmt.Sprintf("planified %d != waiting %d + executing %d + executed %d", c.Planified, c.Waiting, c.Executing, c.Executed)}
	}
	sum := c.Skipped + c.Aborted + c.Cancelled + c.Timedout + c.Failed + c.Completed
	if c.Executed != sum {
		return &SchedulingInvariantError{Msg: fmt.Sprintf("executed %d != sum of final statuses %d", c.Executed, sum)}
	}
	return nil
}

// Environment describes the machine the plan ran on
type Environment struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Hostname    string `json:"hostname,omitempty"`
	CPUCount    int    `json:"cpuCount"`
	MemoryTotal uint64 `json:"memoryTotal"`
	GoVersion   string `json:"goVersion"`
}

// GroupInfo summarizes one execution group
type GroupInfo struct {
	Count          int           `json:"count"`
	RuntimeType    string        `json:"runtimeType"`
	RuntimeName    string        `json:"runtimeName"`
	RuntimeVersion string        `json:"runtimeVersion"`
	Duration       time.Duration `json:"duration"`
}

// PlanTimings are the wall clock bounds of the plan
type PlanTimings struct {
	Origin time.Time     `json:"origin"`
	End    time.Duration `json:"end"`
}

// TestPlanResult is the aggregate outcome of a plan
type TestPlanResult struct {
	RunID           string                                       `json:"runId"`
	RootDir         string                                       `json:"rootDir"`
	Fragment        string                                       `json:"fragment,omitempty"`
	Environment     Environment                                  `json:"environment"`
	Groups          map[string]*GroupInfo                        `json:"groups"`
	Counters        Counters                                     `json:"counters"`
	CountersInOrder Counters                                     `json:"countersInOrder"`
	Results         map[string]map[string]*types.ExecutionResult `json:"results"`
	Timings         PlanTimings                                  `json:"timings"`
	Aborted         bool                                         `json:"aborted"`
	Failed          bool                                         `json:"failed"`
	Coverage        coverage.Map                                 `json:"coverage,omitempty"`
}

// Result returns the result of file in group, or nil
func (r *TestPlanResult) Result(file, group string) *types.ExecutionResult {
	if groups, ok := r.Results[file]; ok {
		return groups[group]
	}
	return nil
}

// Planned describes an execution when the plan is registered
type Planned struct {
	Index          int
	File           string
	Group          string
	RuntimeType    string
	RuntimeName    string
	RuntimeVersion string
	SkipReason     string
}

// Record is a finalized execution
type Record struct {
	Index  int
	File   string
	Group  string
	Result *types.ExecutionResult
}

// Aggregator folds execution outcomes into a TestPlanResult. Finalized
// records are published twice: immediately to OnRecord subscribers, and in
// planning order to OnInOrder subscribers.
type Aggregator struct {
	mu        sync.Mutex
	result    *TestPlanResult
	gate      *OrderGate[finalized]
	planned   map[int]Planned
	unordered []func(Record)
	inOrder   []func(Record)
}

// NewAggregator creates an aggregator for one plan run
func NewAggregator(runID, rootDir string, env Environment) *Aggregator {
	return &Aggregator{
		result: &TestPlanResult{
			RunID:       runID,
			RootDir:     rootDir,
			Environment: env,
			Groups:      make(map[string]*GroupInfo),
			Results:     make(map[string]map[string]*types.ExecutionResult),
			Timings:     PlanTimings{Origin: time.Now()},
		},
		gate:    NewOrderGate[finalized](),
		planned: make(map[int]Planned),
	}
}

// OnRecord subscribes to records as soon as executions finalize
func (a *Aggregator) OnRecord(fn func(Record)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unordered = append(a.unordered, fn)
}

// OnInOrder subscribes to records in planning order
func (a *Aggregator) OnInOrder(fn func(Record)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inOrder = append(a.inOrder, fn)
}

// SetFragment records the fragment the plan was restricted to
func (a *Aggregator) SetFragment(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Fragment = fragment
}

// Plan registers every execution. Skipped executions are finalized at once.
func (a *Aggregator) Plan(executions []Planned) error {
	var skipped []Record
	a.mu.Lock()
	for _, p := range executions {
		if _, dup := a.planned[p.Index]; dup {
			a.mu.Unlock()
			return &SchedulingInvariantError{Msg: fmt.Sprintf("execution index %d planned twice", p.Index)}
		}
		a.planned[p.Index] = p
		a.result.Counters.Planified++
		a.result.CountersInOrder.Planified++
		a.result.Counters.Waiting++
		a.result.CountersInOrder.Waiting++

		group, ok := a.result.Groups[p.Group]
		if !ok {
			group = &GroupInfo{RuntimeType: p.RuntimeType, RuntimeName: p.RuntimeName, RuntimeVersion: p.RuntimeVersion}
			a.result.Groups[p.Group] = group
		}
		group.Count++

		if p.SkipReason != "" {
			skipped = append(skipped, Record{
				Index:  p.Index,
				File:   p.File,
				Group:  p.Group,
				Result: &types.ExecutionResult{Status: types.StatusSkipped, SkipReason: p.SkipReason},
			})
		}
	}
	a.mu.Unlock()

	for _, rec := range skipped {
		if err := a.finalize(rec, false); err != nil {
			return err
		}
	}
	return nil
}

// Started moves an execution from waiting to executing
func (a *Aggregator) Started(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range []*Counters{&a.result.Counters, &a.result.CountersInOrder} {
		c.Waiting--
		c.Executing++
	}
}

// Finished records the result of an execution that ran
func (a *Aggregator) Finished(rec Record) error {
	return a.finalize(rec, true)
}

// Cancelled records an execution that was never started
func (a *Aggregator) Cancelled(rec Record) error {
	if rec.Result == nil {
		rec.Result = &types.ExecutionResult{Status: types.StatusCancelled}
	}
	return a.finalize(rec, false)
}

type finalized struct {
	rec     Record
	started bool
}

func (a *Aggregator) finalize(rec Record, started bool) error {
	a.mu.Lock()
	if _, ok := a.planned[rec.Index]; !ok {
		a.mu.Unlock()
		return &SchedulingInvariantError{Msg: fmt.Sprintf("execution index %d was never planned", rec.Index)}
	}
	released, err := a.gate.Finalize(rec.Index, finalized{rec: rec, started: started})
	if err != nil {
		a.mu.Unlock()
		return err
	}

	transition(&a.result.Counters, rec.Result.Status, started)
	groups, ok := a.result.Results[rec.File]
	if !ok {
		groups = make(map[string]*types.ExecutionResult)
		a.result.Results[rec.File] = groups
	}
	groups[rec.Group] = rec.Result
	if g, ok := a.result.Groups[rec.Group]; ok {
		g.Duration += rec.Result.Duration()
	}
	for _, f := range released {
		transition(&a.result.CountersInOrder, f.rec.Result.Status, f.started)
	}
	unordered := a.unordered
	inOrder := a.inOrder
	a.mu.Unlock()

	for _, fn := range unordered {
		fn(rec)
	}
	for _, f := range released {
		for _, fn := range inOrder {
			fn(f.rec)
		}
	}
	return nil
}

func transition(c *Counters, status types.ExecutionStatus, started bool) {
	if started {
		c.Executing--
	} else {
		c.Waiting--
	}
	c.Executed++
	c.addStatus(status)
}

// Counters returns a snapshot of both counter sets
func (a *Aggregator) Counters() (counters, inOrder Counters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result.Counters, a.result.CountersInOrder
}

// Finalize stamps the end of the plan and computes the aborted and failed
// flags. The returned result must not be modified concurrently with the
// aggregator.
func (a *Aggregator) Finalize(aborted bool) (*TestPlanResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.result
	r.Timings.End = time.Since(r.Timings.Origin)
	r.Aborted = aborted
	c := r.Counters
	r.Failed = c.Failed+c.Timedout+c.Aborted+c.Cancelled > 0
	if err := c.Validate(); err != nil {
		return r, err
	}
	if err := r.CountersInOrder.Validate(); err != nil {
		return r, err
	}
	return r, nil
}
