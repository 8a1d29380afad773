package scheduler

import (
	"os"
	goruntime "runtime"

	"github.com/ethereum-optimism/infra/op-testplan/runner"
)

// SnapshotEnvironment describes the machine a plan runs on
func SnapshotEnvironment(machine Machine) runner.Environment {
	hostname, _ := os.Hostname()
	return runner.Environment{
		OS:          goruntime.GOOS,
		Arch:        goruntime.GOARCH,
		Hostname:    hostname,
		CPUCount:    machine.CPUCount(),
		MemoryTotal: machine.MemoryTotal(),
		GoVersion:   goruntime.Version(),
	}
}
