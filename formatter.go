package testplan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

const maxErrorWidth = 80

// ResultFormatter is responsible for formatting and displaying plan results.
type ResultFormatter interface {
	FormatResults(result *runner.TestPlanResult) error
}

// ConsoleResultFormatter renders the results table.
type ConsoleResultFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleResultFormatter creates a formatter writing to out, stdout when nil.
func NewConsoleResultFormatter(logger log.Logger, out io.Writer) *ConsoleResultFormatter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleResultFormatter{logger: logger, out: out}
}

// FormatResults prints one row per execution, ordered by file then group,
// with a summary footer.
func (f *ConsoleResultFormatter) FormatResults(result *runner.TestPlanResult) error {
	f.logger.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	title := fmt.Sprintf("Test Plan Results (%s)", formatDuration(result.Timings.End))
	if result.Fragment != "" {
		title = fmt.Sprintf("%s fragment %s", title, result.Fragment)
	}
	t.SetTitle(title)

	t.AppendHeader(table.Row{
		"File", "Group", "Runtime", "Duration", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "File", AutoMerge: true, WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: maxErrorWidth, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, file := range sortedKeys(result.Results) {
		groups := result.Results[file]
		for _, group := range sortedKeys(groups) {
			res := groups[group]
			rt := ""
			if info := result.Groups[group]; info != nil {
				rt = runtimeLabel(info)
			}
			t.AppendRow(table.Row{
				file,
				group,
				rt,
				formatDuration(res.Duration()),
				getResultString(res.Status),
				extractKeyErrorMessage(res),
			})
		}
	}

	switch {
	case result.Failed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case result.Counters.Completed == 0 && result.Counters.Skipped > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	c := result.Counters
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d executed", c.Executed),
		"",
		formatDuration(result.Timings.End),
		summaryString(c),
		"",
	})
	t.Render()
	return nil
}

func runtimeLabel(info *runner.GroupInfo) string {
	if info.RuntimeVersion == "" {
		return info.RuntimeName
	}
	return fmt.Sprintf("%s@%s", info.RuntimeName, info.RuntimeVersion)
}

// extractKeyErrorMessage returns the first line of the first error, or the
// skip reason of a skipped execution.
func extractKeyErrorMessage(res *types.ExecutionResult) string {
	if res.Status == types.StatusSkipped {
		return res.SkipReason
	}
	if len(res.Errors) == 0 {
		return ""
	}
	msg := res.Errors[0].Error()
	for i, r := range msg {
		if r == '\n' {
			msg = msg[:i]
			break
		}
	}
	if len(res.Errors) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(res.Errors)-1)
	}
	return msg
}

func summaryString(c runner.Counters) string {
	return fmt.Sprintf("%d completed, %d failed, %d timedout, %d aborted, %d cancelled, %d skipped",
		c.Completed, c.Failed, c.Timedout, c.Aborted, c.Cancelled, c.Skipped)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteJSONFile writes v as indented JSON, creating the parent directory.
func WriteJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
