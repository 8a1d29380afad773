//go:build unix

package process

import (
	"errors"
	"os"
	"syscall"
)

// SysProcAttr makes the child lead its own process group, so the whole tree
// can be signalled.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalTree(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// TerminateTree sends SIGTERM to the process group led by p.
func TerminateTree(p *os.Process) error {
	return signalTree(p, syscall.SIGTERM)
}

// KillTree sends SIGKILL to the process group led by p.
func KillTree(p *os.Process) error {
	return signalTree(p, syscall.SIGKILL)
}

// ExitInfo maps signal induced exits to 128+signal, like a shell does.
func ExitInfo(state *os.ProcessState) (code int, signal string) {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal().String()
	}
	return state.ExitCode(), ""
}
