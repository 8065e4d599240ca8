package install

import (
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// Command is a process to start.
type Command struct {
	Path string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Launcher starts processes that outlive the caller.
type Launcher interface {
	Launch(c Command) (pid int, err error)
}

// DetachedLauncher starts processes in their own session or process group
// and releases them.
type DetachedLauncher struct{}

// Launch starts c without waiting for it.
func (DetachedLauncher) Launch(c Command) (int, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	setDetachedProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	pid := cmd.Process.Pid
	log.Debugf("started detached process %s with PID %d", c.Path, pid)

	// Release the process so the OS can fully detach it.
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release process %d: %v", pid, err)
	}
	return pid, nil
}
