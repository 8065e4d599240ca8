package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/result"
	"github.com/adamancini/buildtest/internal/types"
)

const defaultPollInterval = 100 * time.Millisecond

// Routine is the detached hand-off state machine:
//
//	WaitingForExit -> Terminating -> Copying -> (RollingBack) -> Relaunching -> Done
//
// It only reaches Done after a relaunch has been attempted.
type Routine struct {
	plan         *Plan
	procs        ProcessController
	launcher     Launcher
	backups      *backup.Manager
	results      *result.Handler
	logger       *log.Logger
	logCloser    io.Closer
	pollInterval time.Duration

	state     types.State
	states    []types.State
	uncertain bool
}

// RoutineOption configures a Routine.
type RoutineOption func(*Routine)

// WithProcessController replaces the PID observer.
func WithProcessController(p ProcessController) RoutineOption {
	return func(r *Routine) { r.procs = p }
}

// WithRelauncher replaces the launcher used to restart the application.
func WithRelauncher(l Launcher) RoutineOption {
	return func(r *Routine) { r.launcher = l }
}

// WithPollInterval sets how often the parent PID is checked.
func WithPollInterval(d time.Duration) RoutineOption {
	return func(r *Routine) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithLogger replaces the routine log, which otherwise goes to the plan's
// log file.
func WithLogger(l *log.Logger) RoutineOption {
	return func(r *Routine) { r.logger = l }
}

// NewRoutine creates a routine for plan.
func NewRoutine(plan *Plan, opts ...RoutineOption) *Routine {
	resultDir := plan.ResultDir
	if resultDir == "" {
		resultDir = plan.ScratchDir
	}
	r := &Routine{
		plan:         plan,
		procs:        SystemProcesses{},
		launcher:     DetachedLauncher{},
		backups:      backup.NewManager(plan.Excludes),
		results:      result.NewHandler(resultDir),
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger, r.logCloser = OpenLog(plan.LogPath)
	}
	return r
}

// OpenLog opens a logger appending to path. When the file cannot be
// opened the logger discards everything.
func OpenLog(path string) (*log.Logger, io.Closer) {
	logger := log.New()
	logger.SetLevel(log.DebugLevel)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.SetOutput(io.Discard)
		return logger, nil
	}
	logger.SetOutput(f)
	return logger, f
}

// State returns the current state.
func (r *Routine) State() types.State {
	return r.state
}

// Run executes the hand-off and records the result. It never panics on
// failure; the outcome is in the returned Result.
func (r *Routine) Run(ctx context.Context) result.Result {
	defer func() {
		if r.logCloser != nil {
			_ = r.logCloser.Close()
		}
	}()

	p := r.plan
	r.logger.Infof("hand-off %s: replacing %s with %s", p.SessionID, p.Target.Dir, p.PayloadRoot)
	res := result.Result{SessionID: p.SessionID, ScratchDir: p.ScratchDir}

	r.enter(types.StateWaitingForExit)
	if !r.waitForExit(ctx, p.GracePeriod) {
		r.enter(types.StateTerminating)
		r.terminate(ctx)
	}

	r.enter(types.StateCopying)
	err := r.retry(ctx, "copy payload", func() error {
		return r.backups.Overlay(p.PayloadRoot, p.Target.Dir)
	})
	if err == nil {
		r.enter(types.StateRelaunching)
		if err = r.relaunch(); err == nil {
			r.enter(types.StateDone)
			res.Success = true
			return r.finish(res)
		}
		r.logger.Errorf("new version failed to start: %v", err)
	} else {
		r.logger.Errorf("copy failed after %d attempts: %v", p.RetryAttempts, err)
	}
	res.Error = err.Error()

	r.enter(types.StateRollingBack)
	// Restoring must not be abandoned because the routine was interrupted.
	restoreCtx := context.WithoutCancel(ctx)
	if rbErr := r.retry(restoreCtx, "restore backup", func() error {
		return r.backups.Rollback(p.BackupDir, p.Target.Dir, p.PayloadRoot)
	}); rbErr != nil {
		r.uncertain = true
		res.RestoreUncertain = true
		res.Error = fmt.Sprintf("%s; restore failed: %v", res.Error, rbErr)
		r.logger.Errorf("restore failed, install may be inconsistent; backup kept at %s: %v", p.BackupDir, rbErr)
	} else {
		res.RolledBack = true
		r.logger.Info("previous version restored")
	}

	r.enter(types.StateRelaunching)
	if err := r.relaunch(); err != nil {
		res.Error = fmt.Sprintf("%s; relaunch failed: %v", res.Error, err)
		r.logger.Errorf("relaunch of previous version failed: %v", err)
	}
	r.enter(types.StateDone)
	return r.finish(res)
}

func (r *Routine) enter(s types.State) {
	r.state = s
	r.states = append(r.states, s)
	r.logger.Infof("state: %s", s)
	cp := backup.Checkpoint{State: s, RestoreUncertain: r.uncertain}
	if err := backup.WriteCheckpoint(r.plan.ScratchDir, cp); err != nil {
		r.logger.Warnf("failed to write checkpoint: %v", err)
	}
}

// waitForExit polls the parent PID until it exits or grace elapses.
func (r *Routine) waitForExit(ctx context.Context, grace time.Duration) bool {
	pid := r.plan.Target.PID
	deadline := time.Now().Add(grace)
	for {
		alive, err := r.procs.Alive(pid)
		if err != nil {
			r.logger.Warnf("failed to check PID %d: %v", pid, err)
		}
		if !alive {
			r.logger.Infof("process %d has exited", pid)
			return true
		}
		if !time.Now().Before(deadline) {
			r.logger.Warnf("process %d still running after %s", pid, grace)
			return false
		}
		if err := sleep(ctx, r.pollInterval); err != nil {
			return false
		}
	}
}

// terminate kills the parent and waits briefly for it to go away.
func (r *Routine) terminate(ctx context.Context) {
	pid := r.plan.Target.PID
	if err := r.procs.Kill(pid); err != nil {
		r.logger.Warnf("failed to kill process %d: %v", pid, err)
	}
	if !r.waitForExit(ctx, r.plan.GracePeriod) {
		r.logger.Warnf("process %d did not exit, copying anyway", pid)
	}
}

// retry runs op up to RetryAttempts times, sleeping RetryDelay before
// each attempt.
func (r *Routine) retry(ctx context.Context, what string, op func() error) error {
	p := r.plan
	if err := sleep(ctx, p.RetryDelay); err != nil {
		return err
	}

	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.RetryDelay), uint64(p.RetryAttempts-1)),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		attempt++
		r.logger.Infof("%s: attempt %d of %d", what, attempt, p.RetryAttempts)
		return op()
	}, b, func(err error, next time.Duration) {
		r.logger.Warnf("%s failed: %v (retrying in %s)", what, err, next)
	})
}

func (r *Routine) relaunch() error {
	t := r.plan.Target
	pid, err := r.launcher.Launch(Command{Path: t.Executable, Args: r.plan.RelaunchArgs, Dir: t.Dir})
	if err != nil {
		return err
	}
	r.logger.Infof("relaunched %s as PID %d", t.Executable, pid)
	return nil
}

func (r *Routine) finish(res result.Result) result.Result {
	res.FinalState = r.state
	res.States = append([]types.State(nil), r.states...)
	res.ExecutedAt = time.Now()
	if err := r.results.Write(res); err != nil {
		r.logger.Errorf("failed to write result: %v", err)
	}
	r.logger.Infof("hand-off finished: %s", res.Summary())
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
