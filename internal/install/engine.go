// Package install replaces an installation directory that belongs to a
// running process.
//
// The running process cannot overwrite its own files, so the work is split:
// the Engine stages a plan and starts a detached helper (a copy of this
// binary) through a small wrapper script, then the caller exits. The helper
// runs the Routine, which waits for the caller to go away, copies the new
// payload over the install, rolls back from the backup on failure and
// relaunches the application.
package install

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/platform"
	"github.com/adamancini/buildtest/internal/templates"
	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

const (
	DefaultGracePeriod   = 3 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second

	helperBaseName = "helper"
)

// Options tune the hand-off routine.
type Options struct {
	GracePeriod   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Excludes      []string
	ResultDir     string
	RelaunchArgs  []string
}

// DefaultOptions returns the stock hand-off timings.
func DefaultOptions() Options {
	return Options{
		GracePeriod:   DefaultGracePeriod,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
		Excludes:      backup.DefaultExcludes,
	}
}

// Engine stages and launches the detached hand-off.
type Engine struct {
	platform     types.Platform
	opts         Options
	launcher     Launcher
	helperSource func() (string, error)
	scriptDir    string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) EngineOption {
	return func(e *Engine) { e.launcher = l }
}

// WithHelperSource sets the binary copied in as the helper. Defaults to
// the running executable.
func WithHelperSource(path string) EngineOption {
	return func(e *Engine) {
		e.helperSource = func() (string, error) { return path, nil }
	}
}

// WithScriptDir sets where wrapper scripts are written. Defaults to the OS
// temp dir, outside the session directory the script removes.
func WithScriptDir(dir string) EngineOption {
	return func(e *Engine) { e.scriptDir = dir }
}

// NewEngine creates an engine for platform p.
func NewEngine(p types.Platform, opts Options, engineOpts ...EngineOption) *Engine {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.Excludes == nil {
		opts.Excludes = backup.DefaultExcludes
	}
	e := &Engine{
		platform:     p,
		opts:         opts,
		launcher:     DetachedLauncher{},
		helperSource: os.Executable,
		scriptDir:    os.TempDir(),
	}
	for _, o := range engineOpts {
		o(e)
	}
	return e
}

// Platform returns the engine's target platform.
func (e *Engine) Platform() types.Platform {
	return e.platform
}

// Install stages the hand-off for payloadRoot and starts it. Once it returns
// nil the caller must exit; nothing in the install has been touched yet.
func (e *Engine) Install(payloadRoot string, target Target, backupDir, scratchDir string) error {
	return e.Stage(&Plan{
		PayloadRoot: payloadRoot,
		Target:      target,
		BackupDir:   backupDir,
		ScratchDir:  scratchDir,
	})
}

// Stage completes plan with the engine options, persists it, and launches
// the wrapper script.
func (e *Engine) Stage(plan *Plan) error {
	e.fill(plan)
	if err := plan.Validate(); err != nil {
		return updateerr.New(updateerr.KindHandoff, "stage hand-off", err)
	}

	planPath := filepath.Join(plan.ScratchDir, backup.PlanFileName)
	if err := plan.Save(planPath); err != nil {
		return updateerr.New(updateerr.KindHandoff, "stage hand-off", err)
	}

	helper, err := e.copyHelper(plan.ScratchDir)
	if err != nil {
		return updateerr.Errorf(updateerr.KindHandoff, "stage hand-off", "failed to copy helper: %w", err)
	}

	scriptPath, err := e.writeScript(plan, helper, planPath)
	if err != nil {
		return updateerr.Errorf(updateerr.KindHandoff, "stage hand-off", "failed to write script: %w", err)
	}

	cmd := e.scriptCommand(scriptPath)
	log.Infof("starting hand-off: %s", cmd)
	pid, err := e.launcher.Launch(cmd)
	if err != nil {
		_ = os.Remove(scriptPath)
		return updateerr.Errorf(updateerr.KindHandoff, "launch hand-off", "%w", err)
	}
	log.Infof("hand-off started with PID %d", pid)
	return nil
}

func (e *Engine) fill(plan *Plan) {
	if plan.SessionID == "" {
		plan.SessionID = strings.TrimPrefix(filepath.Base(plan.ScratchDir), backup.SessionPrefix)
	}
	plan.Platform = e.platform
	plan.ResultDir = e.opts.ResultDir
	if plan.ResultDir == "" {
		plan.ResultDir = plan.ScratchDir
	}
	plan.LogPath = filepath.Join(plan.ScratchDir, backup.LogFileName)
	plan.GracePeriod = e.opts.GracePeriod
	plan.RetryAttempts = e.opts.RetryAttempts
	plan.RetryDelay = e.opts.RetryDelay
	if plan.Excludes == nil {
		plan.Excludes = e.opts.Excludes
	}
	plan.RelaunchArgs = e.opts.RelaunchArgs
	plan.CreatedAt = time.Now()
}

func (e *Engine) copyHelper(scratchDir string) (string, error) {
	src, err := e.helperSource()
	if err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	dst := filepath.Join(scratchDir, platform.ExecutableName(e.platform, helperBaseName))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func (e *Engine) writeScript(plan *Plan, helper, planPath string) (string, error) {
	name := templates.ScriptPOSIX
	if e.platform.IsWindows() {
		name = templates.ScriptWindows
	}

	content, err := templates.Render(name, templates.ScriptData{
		SessionID:  plan.SessionID,
		Helper:     helper,
		PlanPath:   planPath,
		ScratchDir: plan.ScratchDir,
	})
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.scriptDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.scriptDir, platform.ScriptName(e.platform, plan.SessionID))
	if err := os.WriteFile(path, content, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Engine) scriptCommand(scriptPath string) Command {
	if e.platform.IsWindows() {
		return Command{Path: "cmd.exe", Args: []string{"/C", scriptPath}, Dir: e.scriptDir}
	}
	return Command{Path: "/bin/sh", Args: []string{scriptPath}, Dir: e.scriptDir}
}
