package install

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDiscoverTarget_DevExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "App")
	writeFiles(t, dir, map[string]string{"App": "bin"})

	target, err := DiscoverTarget(exe)
	if err != nil {
		t.Fatalf("DiscoverTarget() error = %v", err)
	}
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	if target.Dir != resolvedDir || target.ExecutableName() != "App" {
		t.Errorf("DiscoverTarget() = %+v", target)
	}
	if target.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", target.PID, os.Getpid())
	}
}

func TestDiscoverTarget_ResolvesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"real/App": "bin"})
	link := filepath.Join(dir, "App")
	if err := os.Symlink(filepath.Join(dir, "real", "App"), link); err != nil {
		t.Fatal(err)
	}

	target, err := DiscoverTarget(link)
	if err != nil {
		t.Fatalf("DiscoverTarget() error = %v", err)
	}
	if filepath.Base(target.Dir) != "real" {
		t.Errorf("Dir = %s, want the symlink target's directory", target.Dir)
	}
}

func TestDiscoverTarget_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := DiscoverTarget(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing executable")
	}
	if _, err := DiscoverTarget(dir); err == nil {
		t.Error("expected error for a directory")
	}
}

func TestDiscoverTarget_RunningBinary(t *testing.T) {
	target, err := DiscoverTarget("")
	if err != nil {
		t.Fatalf("DiscoverTarget() error = %v", err)
	}
	if target.Executable == "" || target.Dir == "" {
		t.Errorf("DiscoverTarget() = %+v", target)
	}
}
