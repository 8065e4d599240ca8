package install

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeProcs struct {
	mu        sync.Mutex
	aliveFor  int // number of Alive calls that report true
	calls     int
	killed    []int
	killClear bool // a kill makes the process exit
}

func (f *fakeProcs) Alive(pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.aliveFor < 0 {
		return true, nil
	}
	return f.calls <= f.aliveFor, nil
}

func (f *fakeProcs) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	if f.killClear {
		f.aliveFor = 0
	}
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	commands []Command
	failures int // first N launches fail
}

func (f *fakeLauncher) Launch(c Command) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
	if len(f.commands) <= f.failures {
		return 0, errors.New("exec format error")
	}
	return 4242, nil
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}
