package testplan

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// formatDuration formats a duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// getResultString returns a short marker for an execution status
func getResultString(status types.ExecutionStatus) string {
	switch status {
	case types.StatusCompleted:
		return "✓ completed"
	case types.StatusSkipped:
		return "- skipped"
	case types.StatusCancelled:
		return "- cancelled"
	default:
		return "✗ " + string(status)
	}
}
