package gotest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// test2json actions
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

// TestEvent is one line of `go test -json` output
type TestEvent struct {
	Time    time.Time
	Action  string
	Package string
	Test    string
	Output  string
	Elapsed float64
}

type testOutcome struct {
	status string
	output strings.Builder
}

// Report accumulates the events of one go test invocation.
type Report struct {
	pkg     string
	order   []string
	tests   map[string]*testOutcome
	pkgOut  strings.Builder
	pkgFail bool
	console []types.ConsoleCall
	first   time.Time
	last    time.Time
	events  int
}

// ParseEvents parses test2json output. Lines that are not events are
// ignored.
func ParseEvents(output []byte) *Report {
	r := &Report{tests: make(map[string]*testOutcome)}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev TestEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		r.add(ev)
	}
	return r
}

func (r *Report) add(ev TestEvent) {
	r.events++
	if r.pkg == "" {
		r.pkg = ev.Package
	}
	if ev.Test == "" {
		switch ev.Action {
		case ActionFail:
			r.pkgFail = true
		case ActionOutput:
			r.pkgOut.WriteString(ev.Output)
			r.addConsole(ev.Output)
		}
		return
	}
	// subtests report through their top-level test
	name, _, _ := strings.Cut(ev.Test, "/")
	t, ok := r.tests[name]
	if !ok {
		t = &testOutcome{}
		r.tests[name] = t
		r.order = append(r.order, name)
	}
	switch ev.Action {
	case ActionRun:
		if r.first.IsZero() || ev.Time.Before(r.first) {
			r.first = ev.Time
		}
	case ActionPass, ActionFail, ActionSkip:
		if ev.Test == name {
			t.status = ev.Action
		} else if ev.Action == ActionFail {
			t.status = ActionFail
		}
		if ev.Time.After(r.last) {
			r.last = ev.Time
		}
	case ActionOutput:
		t.output.WriteString(ev.Output)
		r.addConsole(ev.Output)
	}
}

func (r *Report) addConsole(out string) {
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" || isFraming(line) {
			continue
		}
		r.console = append(r.console, types.ConsoleCall{Type: "log", Text: stripansi.Strip(line)})
	}
}

// isFraming matches the lines go test prints around tests.
func isFraming(line string) bool {
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS", "--- FAIL", "--- SKIP", "ok  \t", "FAIL\t", "?   \t"} {
		if strings.HasPrefix(strings.TrimLeft(line, " "), prefix) {
			return true
		}
	}
	return line == "PASS" || line == "FAIL"
}

// HasEvents reports whether any event was parsed
func (r *Report) HasEvents() bool {
	return r.events > 0
}

// Console returns the output of the tests without framing lines
func (r *Report) Console() []types.ConsoleCall {
	return append([]types.ConsoleCall(nil), r.console...)
}

// Statuses maps each top-level test to pass, fail or skip. Tests without a
// final event are reported as fail.
func (r *Report) Statuses() map[string]string {
	out := make(map[string]string, len(r.tests))
	for name, t := range r.tests {
		if t.status == "" {
			out[name] = ActionFail
			continue
		}
		out[name] = t.status
	}
	return out
}

// Result converts the report into the result of executing file.
func (r *Report) Result(file string, origin time.Time, elapsed time.Duration) types.RunResult {
	statuses := r.Statuses()
	counts := map[string]int{}
	for _, s := range statuses {
		counts[s]++
	}
	result := types.RunResult{
		Status: types.StatusCompleted,
		Namespace: map[string]any{
			"package": r.pkg,
			"tests":   statuses,
			"passed":  counts[ActionPass],
			"failed":  counts[ActionFail],
			"skipped": counts[ActionSkip],
		},
		Timings: types.RuntimeTimings{
			Origin:         origin,
			End:            elapsed,
			ExecutionStart: offset(origin, r.first),
			ExecutionEnd:   offset(origin, r.last),
		},
	}
	if result.Timings.ExecutionEnd == 0 {
		result.Timings.ExecutionEnd = elapsed
	}
	for _, name := range r.order {
		if statuses[name] != ActionFail {
			continue
		}
		result.Errors = append(result.Errors, &runtime.ExecutionFailure{
			File: file,
			Err: &types.ExecutionError{
				Name:    "TestFailure",
				Message: fmt.Sprintf("%s failed", name),
				Stack:   strings.TrimSpace(stripansi.Strip(r.tests[name].output.String())),
			},
		})
	}
	if len(result.Errors) == 0 && r.pkgFail {
		result.Errors = append(result.Errors, &runtime.ExecutionFailure{
			File: file,
			Err: &types.ExecutionError{
				Name:    "PackageFailure",
				Message: fmt.Sprintf("package %s failed", r.pkg),
				Stack:   strings.TrimSpace(stripansi.Strip(r.pkgOut.String())),
			},
		})
	}
	if len(result.Errors) > 0 {
		result.Status = types.StatusFailed
	}
	return result
}

func offset(origin, t time.Time) time.Duration {
	if t.IsZero() || t.Before(origin) {
		return 0
	}
	return t.Sub(origin)
}
