//go:build !windows

package install

import (
	"os/exec"
	"syscall"
)

// setDetachedProcAttr runs the child in a new session so it survives the
// parent exiting.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
