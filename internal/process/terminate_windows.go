//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr starts the child in its own process group so that
// console control events do not hit the orchestrator.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// interrupt asks the tree to close without /F; console apps usually honor it.
func (p *Process) interrupt() error {
	// #nosec G204 -- fixed binary, numeric pid
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(p.PID())).Run()
}

func (p *Process) kill() {
	p.killTree()
}
