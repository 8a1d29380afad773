package testplan

import (
	"github.com/ethereum-optimism/infra/op-testplan/metrics"
	"github.com/ethereum-optimism/infra/op-testplan/runner"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// MetricsReporter is responsible for reporting metrics from plan results.
type MetricsReporter interface {
	ReportResults(result *runner.TestPlanResult)
}

// DefaultMetricsReporter implements the MetricsReporter interface.
type DefaultMetricsReporter struct{}

func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportResults records the final counts of the run.
func (r *DefaultMetricsReporter) ReportResults(result *runner.TestPlanResult) {
	counts := make(map[types.ExecutionStatus]int, len(types.Statuses))
	for _, status := range types.Statuses {
		counts[status] = result.Counters.Count(status)
	}
	metrics.RecordPlan(result.RunID, counts, result.Failed, result.Timings.End)
}
