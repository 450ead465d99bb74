//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in a new process group so signals
// reach the backend and any workers it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (p *Process) interrupt() error {
	err := syscall.Kill(-p.PID(), syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) kill() {
	if err := syscall.Kill(-p.PID(), syscall.SIGKILL); err != nil {
		// Group already gone or not ours; fall back to walking the tree.
		p.killTree()
	}
}
