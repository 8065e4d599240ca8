package install

import (
	"os/exec"
	"syscall"
)

// setDetachedProcAttr runs the child detached from the parent console so
// it survives the parent exiting.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // 0x00000008 is DETACHED_PROCESS
	}
}
