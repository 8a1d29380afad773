package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
)

func TestFormatRunning(t *testing.T) {
	now := time.Now()
	running := map[string]time.Time{
		"a": now.Add(-3 * time.Second),
		"b": now.Add(-10 * time.Second),
		"c": now.Add(-1 * time.Second),
		"d": now.Add(-5 * time.Second),
	}
	out := formatRunning(running, 2)
	assert.True(t, strings.HasPrefix(out, "b (10s), d (5s)"), out)
	assert.True(t, strings.HasSuffix(out, "+2 more"), out)
	assert.Empty(t, formatRunning(nil, 3))
}

func TestConsoleProgressIndicatorLifecycle(t *testing.T) {
	p := NewConsoleProgressIndicator(log.NewLogger(log.DiscardHandler()), 5*time.Millisecond).(*consoleProgressIndicator)
	p.StartPlan(2)
	p.StartExecution("./a.js [node]")
	p.StartExecution("./b.js [node]")
	time.Sleep(20 * time.Millisecond)
	p.CompleteExecution("./a.js [node]", types.StatusCompleted)
	p.CompleteExecution("./b.js [node]", types.StatusFailed)
	p.CompletePlan()

	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.Equal(t, 2, p.completed)
	assert.Empty(t, p.running)
	assert.Equal(t, 1, p.byStatus[types.StatusFailed])
	assert.Nil(t, p.stopCh)
}

func TestNoOpProgressIndicator(t *testing.T) {
	p := NewNoOpProgressIndicator()
	p.StartPlan(1)
	p.StartExecution("x")
	p.CompleteExecution("x", types.StatusCompleted)
	p.CompletePlan()
}
