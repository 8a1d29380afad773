package scheduler

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/runtime/process"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shirou/gopsutil/v4/cpu"
)

// DefaultSampleInterval is how often resource usage is sampled
const DefaultSampleInterval = 100 * time.Millisecond

// Usage is a resource usage sample
type Usage struct {
	// CPU is the system wide CPU usage ratio since the previous sample.
	CPU float64
	// Memory is the resident memory of the orchestrator and its descendants.
	Memory uint64
}

// Sampler measures resource usage
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

type processSampler struct {
	pid int
}

// NewProcessSampler samples the current process tree with gopsutil.
func NewProcessSampler() (Sampler, error) {
	// prime the CPU counters so the first sample covers a real interval
	if _, err := cpu.Percent(0, false); err != nil {
		return nil, err
	}
	return &processSampler{pid: os.Getpid()}, nil
}

func (s *processSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, err
	}
	if len(pct) > 0 {
		u.CPU = pct[0] / 100
	}
	u.Memory = process.TreeRSS(ctx, s.pid)
	return u, nil
}

// Monitor keeps the latest usage sample available without blocking the
// scheduler loop.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	logger   log.Logger

	cpu    atomic.Uint64
	memory atomic.Uint64
	ready  chan struct{}
}

// NewMonitor creates a monitor sampling every interval
func NewMonitor(sampler Sampler, interval time.Duration, logger log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{sampler: sampler, interval: interval, logger: logger, ready: make(chan struct{})}
}

// Run samples until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	first := true
	for {
		if u, err := m.sampler.Sample(ctx); err != nil {
			m.logger.Debug("Resource sampling failed", "err", err)
		} else {
			m.cpu.Store(math.Float64bits(u.CPU))
			m.memory.Store(u.Memory)
		}
		if first {
			close(m.ready)
			first = false
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ready is closed once the first sample was taken
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// Usage returns the latest sample
func (m *Monitor) Usage() Usage {
	return Usage{CPU: math.Float64frombits(m.cpu.Load()), Memory: m.memory.Load()}
}
