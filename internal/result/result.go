// Package result persists the outcome of a detached hand-off so that a later
// process (the relaunched application or the status command) can report it.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/types"
)

// FileName is the result file name inside the state directory.
const FileName = "result.json"

// Result is the outcome of one hand-off routine run.
type Result struct {
	SessionID        string        `json:"session_id" yaml:"session_id"`
	Success          bool          `json:"success" yaml:"success"`
	RolledBack       bool          `json:"rolled_back" yaml:"rolled_back"`
	RestoreUncertain bool          `json:"restore_uncertain" yaml:"restore_uncertain"`
	FinalState       types.State   `json:"final_state" yaml:"final_state"`
	States           []types.State `json:"states" yaml:"states"`
	Error            string        `json:"error,omitempty" yaml:"error,omitempty"`
	ScratchDir       string        `json:"scratch_dir" yaml:"scratch_dir"`
	ExecutedAt       time.Time     `json:"executed_at" yaml:"executed_at"`
}

// ExitCode maps the result onto the helper process exit status.
func (r Result) ExitCode() int {
	switch {
	case r.Success:
		return 0
	case r.RestoreUncertain:
		return 2
	default:
		return 1
	}
}

// Summary returns a one-line description of the result.
func (r Result) Summary() string {
	switch {
	case r.Success:
		return "update installed"
	case r.RestoreUncertain:
		return "update failed and the previous version could not be restored: " + r.Error
	case r.RolledBack:
		return "update failed, previous version restored: " + r.Error
	default:
		return "update failed: " + r.Error
	}
}

// Handler reads and writes the result file.
type Handler struct {
	resultFile string
}

// NewHandler creates a handler for <dir>/result.json.
func NewHandler(dir string) *Handler {
	return &Handler{resultFile: filepath.Join(dir, FileName)}
}

// Path returns the result file path.
func (h *Handler) Path() string {
	return h.resultFile
}

// Write stores the result atomically.
func (h *Handler) Write(result Result) error {
	log.Infof("write out hand-off result to: %s", h.resultFile)
	dir := filepath.Dir(h.resultFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tmpPath := h.resultFile + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp result: %w", err)
	}
	if err := os.Rename(tmpPath, h.resultFile); err != nil {
		if cleanupErr := os.Remove(tmpPath); cleanupErr != nil {
			log.Warnf("failed to remove temp result file: %v", cleanupErr)
		}
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Read returns the stored result. The error wraps fs.ErrNotExist when no
// hand-off has recorded one yet.
func (h *Handler) Read() (Result, error) {
	data, err := os.ReadFile(h.resultFile)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("invalid result format: %w", err)
	}
	return result, nil
}

// Cleanup removes the result file if it exists.
func (h *Handler) Cleanup() error {
	err := os.Remove(h.resultFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Debugf("deleted hand-off result file: %s", h.resultFile)
	return nil
}

// Watch blocks until a result executed after since is available or ctx ends.
// A zero since accepts any stored result.
func (h *Handler) Watch(ctx context.Context, since time.Time) (Result, error) {
	log.Debugf("start watching result: %s", h.resultFile)

	fresh := func() (Result, bool) {
		r, err := h.Read()
		if err != nil {
			return Result{}, false
		}
		return r, since.IsZero() || r.ExecutedAt.After(since)
	}

	if r, ok := fresh(); ok {
		return r, nil
	}

	dir := filepath.Dir(h.resultFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	// Watch the directory: the file is created by rename.
	if err := watcher.Add(dir); err != nil {
		return Result{}, fmt.Errorf("failed to watch directory: %w", err)
	}

	// The result may have landed between the first read and Add.
	if r, ok := fresh(); ok {
		return r, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			if filepath.Clean(event.Name) != filepath.Clean(h.resultFile) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if r, ok := fresh(); ok {
				return r, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Result{}, errors.New("watcher closed unexpectedly")
			}
			return Result{}, fmt.Errorf("watcher error: %w", err)
		}
	}
}
