//go:build !windows

package scheduler

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in its own session so it survives the parent process
// exiting (e.g. the control server restarting).
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
