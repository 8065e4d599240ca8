package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestInit_File(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "logs", "buildtest.log")
	if err := Init("debug", path); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}

	log.Debug("written to file")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file content = %q", data)
	}
}

func TestInit_Console(t *testing.T) {
	if err := Init("warn", Console); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if log.GetLevel() != log.WarnLevel {
		t.Errorf("level = %v, want warn", log.GetLevel())
	}
}

func TestInit_BadLevel(t *testing.T) {
	if err := Init("chatty", ""); err == nil {
		t.Error("Init() expected error for unknown level")
	}
}
