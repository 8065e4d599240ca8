package install

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adamancini/buildtest/internal/updateerr"
)

// Target is the installation being updated.
type Target struct {
	Executable string `json:"executable"`
	Dir        string `json:"dir"`
	PID        int    `json:"pid"`
}

// ExecutableName returns the base name of the target executable.
func (t Target) ExecutableName() string {
	return filepath.Base(t.Executable)
}

// DiscoverTarget locates the running installation. A non-empty
// devExecutable simulates an install at that path (development mode).
func DiscoverTarget(devExecutable string) (Target, error) {
	exe := devExecutable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return Target{}, updateerr.Errorf(updateerr.KindFilesystem, "discover target",
				"failed to locate running executable: %w", err)
		}
	}

	abs, err := filepath.Abs(exe)
	if err != nil {
		return Target{}, updateerr.New(updateerr.KindFilesystem, "discover target", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Target{}, updateerr.New(updateerr.KindFilesystem, "discover target", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return Target{}, updateerr.New(updateerr.KindFilesystem, "discover target", err)
	}
	if info.IsDir() {
		return Target{}, updateerr.Errorf(updateerr.KindFilesystem, "discover target",
			"%s is a directory, not an executable", resolved)
	}

	return Target{
		Executable: resolved,
		Dir:        filepath.Dir(resolved),
		PID:        os.Getpid(),
	}, nil
}

func (t Target) String() string {
	return fmt.Sprintf("%s (pid %d)", t.Executable, t.PID)
}
