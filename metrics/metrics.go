package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/plan"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "testplan"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_total",
		Help:      "Count of finished executions",
	}, []string{
		"runtime",
		"group",
		"status",
	})

	executionsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_running",
		Help:      "Number of executions currently running",
	})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "execution_duration_seconds",
		Help:      "Duration of executions",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{
		"runtime",
	})

	admissionDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "admission_deferrals_total",
		Help:      "Count of admissions postponed by resource ceilings",
	})

	coverageFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "coverage_files_total",
		Help:      "Count of per-execution coverage files written",
	})

	planResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "plan_results",
		Help:      "Executions of the last plan run by final status",
	}, []string{
		"run_id",
		"status",
	})

	planDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "plan_duration_seconds",
		Help:      "Duration of plan runs",
	}, []string{
		"run_id",
	})

	planRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "plan_runs_total",
		Help:      "Count of plan runs",
	}, []string{
		"result",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordExecutionStart() {
	executionsRunning.Inc()
}

func RecordExecutionStop() {
	executionsRunning.Dec()
}

func RecordExecution(runtimeName string, group string, status types.ExecutionStatus, duration time.Duration) {
	if !isValidStatus(status) {
		log.Error("RecordExecution - invalid status", "status", status)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "executions_total",
			"runtime", runtimeName,
			"group", group,
			"status", status)
	}
	executionsTotal.WithLabelValues(runtimeName, group, string(status)).Inc()
	executionDuration.WithLabelValues(runtimeName).Observe(duration.Seconds())
}

func RecordAdmissionDeferrals(n int) {
	admissionDeferrals.Add(float64(n))
}

func RecordCoverageFiles(n int) {
	coverageFiles.Add(float64(n))
}

// RecordPlan records the final counts of a plan run
func RecordPlan(runID string, counts map[types.ExecutionStatus]int, failed bool, duration time.Duration) {
	for status, n := range counts {
		planResults.WithLabelValues(runID, string(status)).Set(float64(n))
	}
	planDuration.WithLabelValues(runID).Set(duration.Seconds())
	result := "pass"
	if failed {
		result = "fail"
	}
	planRunsTotal.WithLabelValues(result).Inc()
}

// Hook records executions as the scheduler runs them
type Hook struct{}

func (Hook) BeforeExecution(exec *plan.Execution) {
	RecordExecutionStart()
}

func (Hook) AfterExecution(exec *plan.Execution, result *types.ExecutionResult) {
	// cancelled executions were never started
	if result.Status != types.StatusCancelled {
		RecordExecutionStop()
	}
	name := ""
	if exec.Runtime != nil {
		name = exec.Runtime.Name()
	}
	RecordExecution(name, exec.Group, result.Status, result.Duration())
}

func isValidStatus(status types.ExecutionStatus) bool {
	return slices.Contains(types.Statuses, status)
}
