package runner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
)

// ProgressIndicator receives execution lifecycle updates for display
type ProgressIndicator interface {
	StartPlan(totalExecutions int)
	StartExecution(name string)
	CompleteExecution(name string, status types.ExecutionStatus)
	CompletePlan()
}

type noOpProgressIndicator struct{}

// NewNoOpProgressIndicator creates a progress indicator that does nothing
func NewNoOpProgressIndicator() ProgressIndicator {
	return &noOpProgressIndicator{}
}

func (n *noOpProgressIndicator) StartPlan(int)                                   {}
func (n *noOpProgressIndicator) StartExecution(string)                           {}
func (n *noOpProgressIndicator) CompleteExecution(string, types.ExecutionStatus) {}
func (n *noOpProgressIndicator) CompletePlan()                                   {}

// consoleProgressIndicator periodically logs how far the plan got and which
// executions have been running the longest
type consoleProgressIndicator struct {
	logger   log.Logger
	interval time.Duration
	stopCh   chan struct{}
	mu       sync.RWMutex

	planStart time.Time
	total     int
	completed int
	byStatus  map[types.ExecutionStatus]int
	running   map[string]time.Time
}

// NewConsoleProgressIndicator creates a progress indicator logging every
// updateInterval while a plan runs
func NewConsoleProgressIndicator(logger log.Logger, updateInterval time.Duration) ProgressIndicator {
	if updateInterval == 0 {
		updateInterval = 30 * time.Second
	}
	return &consoleProgressIndicator{
		logger:   logger,
		interval: updateInterval,
		byStatus: make(map[types.ExecutionStatus]int),
		running:  make(map[string]time.Time),
	}
}

func (c *consoleProgressIndicator) StartPlan(totalExecutions int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total = totalExecutions
	c.completed = 0
	c.planStart = time.Now()
	c.byStatus = make(map[types.ExecutionStatus]int)
	c.running = make(map[string]time.Time)
	if c.stopCh == nil {
		c.stopCh = make(chan struct{})
		go c.progressReporter(c.stopCh)
	}
	c.logger.Info("Starting test plan", "executions", totalExecutions)
}

func (c *consoleProgressIndicator) StartExecution(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running[name] = time.Now()
	c.logger.Debug("Execution started", "execution", name, "running", len(c.running))
}

func (c *consoleProgressIndicator) CompleteExecution(name string, status types.ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.running, name)
	c.completed++
	c.byStatus[status]++
	c.logger.Debug("Execution completed", "execution", name, "status", status, "completed", c.completed, "total", c.total)
}

func (c *consoleProgressIndicator) CompletePlan() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	duration := time.Since(c.planStart).Truncate(time.Millisecond)
	c.logger.Info("Completed test plan", "completed", c.completed, "total", c.total, "duration", duration)
}

func (c *consoleProgressIndicator) progressReporter(stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reportProgress()
		case <-stop:
			return
		}
	}
}

func (c *consoleProgressIndicator) reportProgress() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var percent float64
	if c.total > 0 {
		percent = float64(c.completed) * 100.0 / float64(c.total)
	}
	fields := []interface{}{
		"completed", c.completed,
		"total", c.total,
		"percent", fmt.Sprintf("%.1f%%", percent),
		"numRunning", len(c.running),
		"longestRunning", formatRunning(c.running, 3),
	}
	for _, s := range types.Statuses {
		if n := c.byStatus[s]; n > 0 {
			fields = append(fields, string(s), n)
		}
	}
	c.logger.Info("Progress update", fields...)
}

// formatRunning lists the longest running executions first
func formatRunning(running map[string]time.Time, maxShow int) string {
	if len(running) == 0 {
		return ""
	}
	type entry struct {
		name     string
		duration time.Duration
	}
	now := time.Now()
	entries := make([]entry, 0, len(running))
	for name, start := range running {
		entries = append(entries, entry{name: name, duration: now.Sub(start)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].duration == entries[j].duration {
			return entries[i].name < entries[j].name
		}
		return entries[i].duration > entries[j].duration
	})

	var parts []string
	for i, e := range entries {
		if i >= maxShow {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%v)", e.name, e.duration.Truncate(time.Second)))
	}
	if len(entries) > maxShow {
		parts = append(parts, fmt.Sprintf("+%d more", len(entries)-maxShow))
	}
	return strings.Join(parts, ", ")
}
