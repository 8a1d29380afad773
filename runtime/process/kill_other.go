//go:build !unix

package process

import (
	"os"
	"syscall"
)

func SysProcAttr() *syscall.SysProcAttr {
	return nil
}

func TerminateTree(p *os.Process) error {
	return p.Kill()
}

func KillTree(p *os.Process) error {
	return p.Kill()
}

func ExitInfo(state *os.ProcessState) (code int, signal string) {
	return state.ExitCode(), ""
}
