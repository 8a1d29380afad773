package types

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Site locates an error in source code
type Site struct {
	URL    string `json:"url"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ExecutionError is the uniform shape of every error attached to a result,
// whichever runtime produced it.
type ExecutionError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Site    *Site  `json:"site,omitempty"`

	cause error
}

func (e *ExecutionError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.cause
}

// NewExecutionError normalizes err. Errors that already are, or wrap, a
// complete *ExecutionError are returned as is. An incomplete one is copied
// before its stack and site are filled in.
func NewExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		if ee.Stack != "" && ee.Site != nil {
			return ee
		}
		filled := *ee
		if filled.Stack == "" {
			filled.Stack = filled.Error()
		}
		if filled.Site == nil {
			filled.Site = ParseSite(filled.Stack)
		}
		return &filled
	}
	name := errorName(err)
	msg := err.Error()
	stack := fmt.Sprintf("%s: %s", name, msg)
	if st, ok := err.(interface{ StackTrace() string }); ok {
		stack = st.StackTrace()
	}
	return &ExecutionError{
		Name:    name,
		Message: msg,
		Stack:   stack,
		Site:    ParseSite(stack),
		cause:   err,
	}
}

// NormalizeErrors converts every error to an *ExecutionError, dropping nils.
func NormalizeErrors(errs []error) []*ExecutionError {
	out := make([]*ExecutionError, 0, len(errs))
	for _, err := range errs {
		if ee := NewExecutionError(err); ee != nil {
			out = append(out, ee)
		}
	}
	return out
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.Name() == "errorString" || t.Name() == "wrapError" || t.Name() == "joinError" {
		return "Error"
	}
	return t.Name()
}

var (
	jsFrame = regexp.MustCompile(`^\s*at (?:.*?\()?((?:[a-z]+:)?[^\s()]+?):(\d+):(\d+)\)?\s*$`)
	goFrame = regexp.MustCompile(`^\s*(\S+\.go):(\d+)`)
)

// ParseSite returns the first user frame of a JavaScript or Go stack trace.
func ParseSite(stack string) *Site {
	for _, line := range strings.Split(stack, "\n") {
		if m := jsFrame.FindStringSubmatch(line); m != nil {
			if strings.HasPrefix(m[1], "node:") {
				continue
			}
			ln, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			return &Site{URL: m[1], Line: ln, Column: col}
		}
		if m := goFrame.FindStringSubmatch(line); m != nil {
			if strings.Contains(m[1], "/src/runtime/") || strings.Contains(m[1], "/src/testing/") {
				continue
			}
			ln, _ := strconv.Atoi(m[2])
			return &Site{URL: m[1], Line: ln}
		}
	}
	return nil
}

// ConsoleCall is one line written by the executed file
type ConsoleCall struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RuntimeTimings are reported by a runtime relative to its own clock origin
type RuntimeTimings struct {
	Origin         time.Time     `json:"origin"`
	Start          time.Duration `json:"start"`
	End            time.Duration `json:"end"`
	ExecutionStart time.Duration `json:"executionStart"`
	ExecutionEnd   time.Duration `json:"executionEnd"`
}

// RunResult is what a runtime returns from Run
type RunResult struct {
	Status       ExecutionStatus
	Errors       []error
	Namespace    map[string]any
	Timings      RuntimeTimings
	MemoryUsage  *uint64
	Performance  map[string]any
	ConsoleCalls []ConsoleCall
}

// Timings of an execution, as offsets from the runner's origin
type Timings struct {
	Origin         time.Time     `json:"origin"`
	Start          time.Duration `json:"start"`
	RuntimeStart   time.Duration `json:"runtimeStart"`
	ExecutionStart time.Duration `json:"executionStart"`
	ExecutionEnd   time.Duration `json:"executionEnd"`
	RuntimeEnd     time.Duration `json:"runtimeEnd"`
	End            time.Duration `json:"end"`
}

// ExecutionResult is the normalized outcome of one execution
type ExecutionResult struct {
	Status          ExecutionStatus   `json:"status"`
	Errors          []*ExecutionError `json:"errors,omitempty"`
	Namespace       map[string]any    `json:"namespace,omitempty"`
	Timings         Timings           `json:"timings"`
	MemoryUsage     *uint64           `json:"memoryUsage,omitempty"`
	Performance     map[string]any    `json:"performance,omitempty"`
	ConsoleCalls    []ConsoleCall     `json:"consoleCalls,omitempty"`
	CoverageFileURL string            `json:"coverageFileUrl,omitempty"`
	SkipReason      string            `json:"skipReason,omitempty"`
}

// Duration is the wall time spent between the start and end of the execution
func (r *ExecutionResult) Duration() time.Duration {
	if r == nil || r.Timings.End < r.Timings.Start {
		return 0
	}
	return r.Timings.End - r.Timings.Start
}
