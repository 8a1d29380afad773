package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Limits are the admission ceilings of a run, resolved once at startup.
type Limits struct {
	// MaxParallel is the number of executions allowed to run at once.
	MaxParallel int
	// MaxCPU is the CPU usage ratio (0..1) above which nothing new starts.
	// Zero disables the check.
	MaxCPU float64
	// MaxMemory is the memory in bytes above which nothing new starts.
	// Zero disables the check.
	MaxMemory uint64
}

// Machine exposes the host capacity percentages are resolved against.
type Machine interface {
	CPUCount() int
	MemoryTotal() uint64
}

type hostMachine struct{}

// HostMachine reads the capacity of the current host
func HostMachine() Machine {
	return hostMachine{}
}

func (hostMachine) CPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (hostMachine) MemoryTotal() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Total
}

// ResolveLimits turns the declarative parallel settings into Limits. An
// empty max defaults to the CPU count minus one, and at least one.
func ResolveLimits(cfg types.ParallelConfig, machine Machine) (Limits, error) {
	var l Limits
	cpus := machine.CPUCount()

	switch count := strings.TrimSpace(cfg.Max); {
	case count == "":
		l.MaxParallel = cpus - 1
	case strings.HasSuffix(count, "%"):
		pct, err := parsePercent(count)
		if err != nil {
			return Limits{}, fmt.Errorf("parallel.max: %w", err)
		}
		l.MaxParallel = int(float64(cpus) * pct)
	default:
		n, err := strconv.Atoi(count)
		if err != nil {
			return Limits{}, fmt.Errorf("parallel.max: %q is neither a count nor a percentage", cfg.Max)
		}
		l.MaxParallel = n
	}
	if l.MaxParallel < 1 {
		l.MaxParallel = 1
	}

	if cfg.MaxCPU < 0 || cfg.MaxCPU > 1 {
		return Limits{}, fmt.Errorf("parallel.maxCpu must be a ratio between 0 and 1, got %v", cfg.MaxCPU)
	}
	l.MaxCPU = cfg.MaxCPU

	switch maxMem := strings.TrimSpace(cfg.MaxMemory); {
	case maxMem == "":
	case strings.HasSuffix(maxMem, "%"):
		pct, err := parsePercent(maxMem)
		if err != nil {
			return Limits{}, fmt.Errorf("parallel.maxMemory: %w", err)
		}
		l.MaxMemory = uint64(float64(machine.MemoryTotal()) * pct)
	default:
		n, err := units.RAMInBytes(maxMem)
		if err != nil {
			return Limits{}, fmt.Errorf("parallel.maxMemory: %w", err)
		}
		if n < 0 {
			return Limits{}, fmt.Errorf("parallel.maxMemory must be positive, got %q", cfg.MaxMemory)
		}
		l.MaxMemory = uint64(n)
	}
	return l, nil
}

func parsePercent(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	if v <= 0 || v > 100 {
		return 0, fmt.Errorf("percentage %q must be in (0, 100]", s)
	}
	return v / 100, nil
}
