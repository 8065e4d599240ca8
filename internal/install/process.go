package install

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessController observes and terminates processes by PID.
type ProcessController interface {
	Alive(pid int) (bool, error)
	Kill(pid int) error
}

// SystemProcesses implements ProcessController for the local host.
type SystemProcesses struct{}

// Alive reports whether pid is running. Zombies count as exited.
func (SystemProcesses) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false, err
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return true, nil
	}
	if status, err := p.Status(); err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false, nil
			}
		}
	}
	return true, nil
}

// Kill terminates pid. A process that is already gone is not an error.
func (SystemProcesses) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return err
	}
	return nil
}
