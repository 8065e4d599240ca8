// Package coordinator sequences an update session: fetch, confirm,
// prepare, confirm, hand off. All work runs on one background worker and
// is reported to a Listener.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/appversion"
	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/config"
	"github.com/adamancini/buildtest/internal/fetch"
	"github.com/adamancini/buildtest/internal/install"
	"github.com/adamancini/buildtest/internal/result"
	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

var (
	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("coordinator is closed")

	// ErrHandoffCommitted is returned by Cancel once the hand-off has begun.
	ErrHandoffCommitted = errors.New("hand-off already started, update cannot be cancelled")
)

// Fetcher downloads the update package.
type Fetcher interface {
	FetchVerified(ctx context.Context, rawURL, destDir, expectedSHA256 string, onProgress fetch.ProgressFunc) (string, error)
}

// InstallerFactory returns the installer for a platform.
type InstallerFactory func(p types.Platform) (install.Installer, error)

// Session is one update attempt.
type Session struct {
	ID          string
	Platform    types.Platform
	SourceURL   string
	SHA256      string
	Dir         string
	ArchivePath string
	Digest      string
	ExtractDir  string
	PayloadRoot string
	BackupDir   string
	Target      install.Target
	Change      appversion.Change

	installer install.Installer
	plan      *install.Plan
	ctx       context.Context
	cancel    context.CancelFunc
}

// Coordinator is the update façade used by the caller.
type Coordinator struct {
	cfg      *config.Config
	listener Listener

	fetcher      Fetcher
	installers   InstallerFactory
	discover     func() (install.Target, error)
	quit         func()
	exit         func(code int)
	buildVersion string

	mu      sync.Mutex
	phase   Phase
	session *Session
	lastErr error
	closed  bool

	jobs chan func()
	wg   sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFetcher replaces the package fetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *Coordinator) { c.fetcher = f }
}

// WithInstallerFactory replaces platform installer selection.
func WithInstallerFactory(f InstallerFactory) Option {
	return func(c *Coordinator) { c.installers = f }
}

// WithTargetDiscovery replaces install target discovery.
func WithTargetDiscovery(f func() (install.Target, error)) Option {
	return func(c *Coordinator) { c.discover = f }
}

// WithExit sets the process exit contract: quit is asked to stop the
// process gracefully, exit is called after the exit wait if it has not.
func WithExit(quit func(), exit func(code int)) Option {
	return func(c *Coordinator) {
		c.quit = quit
		c.exit = exit
	}
}

// WithBuildVersion sets the version sent in the fetch User-Agent.
func WithBuildVersion(v string) Option {
	return func(c *Coordinator) { c.buildVersion = v }
}

// New creates a coordinator and starts its worker. Close must be called to
// stop the worker.
func New(cfg *config.Config, listener Listener, opts ...Option) *Coordinator {
	if listener == nil {
		listener = NopListener{}
	}
	c := &Coordinator{
		cfg:          cfg,
		listener:     listener,
		quit:         func() {},
		exit:         os.Exit,
		buildVersion: "dev",
		phase:        PhaseIdle,
		jobs:         make(chan func(), 1),
	}
	c.discover = func() (install.Target, error) {
		return install.DiscoverTarget(cfg.Executable)
	}
	c.installers = c.defaultInstaller
	for _, o := range opts {
		o(c)
	}
	if c.fetcher == nil {
		c.fetcher = fetch.New(c.buildVersion, fetch.WithTimeout(cfg.Timeout))
	}

	c.wg.Add(1)
	go c.worker()
	return c
}

func (c *Coordinator) defaultInstaller(p types.Platform) (install.Installer, error) {
	return install.ForPlatform(p, install.Deps{
		Backups: backup.NewManager(c.cfg.Exclude),
		Engine:  install.NewEngine(p, c.cfg.InstallOptions()),
	})
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for job := range c.jobs {
		job()
	}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Session returns a copy of the active session, or nil when idle.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// LastError returns the error that ended the most recent session, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// StartUpdate begins a session and schedules the download. A second call
// while a session is active fails with updateerr.ErrSessionActive. Setup
// failures are reported to OnError and also returned.
func (c *Coordinator) StartUpdate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return updateerr.ErrSessionActive
	}

	sess, err := c.newSession(ctx)
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.listener.OnError(updateerr.KindOf(err), err.Error())
		return err
	}
	c.session = sess
	c.lastErr = nil
	c.phase = PhaseDownloading
	c.jobs <- func() { c.download(sess) }
	c.mu.Unlock()

	log.Infof("update session %s started for %s from %s", sess.ID, sess.Platform, sess.SourceURL)
	return nil
}

func (c *Coordinator) newSession(ctx context.Context) (*Session, error) {
	p, err := c.cfg.TargetPlatform()
	if err != nil {
		return nil, err
	}
	src, err := c.cfg.SourceFor(p)
	if err != nil {
		return nil, err
	}
	inst, err := c.installers(p)
	if err != nil {
		return nil, err
	}
	target, err := c.discover()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := backup.SessionDir(c.cfg.WorkRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, updateerr.Errorf(updateerr.KindFilesystem, "start update",
			"failed to create session directory: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:        id,
		Platform:  p,
		SourceURL: src.URL,
		SHA256:    src.SHA256,
		Dir:       dir,
		Target:    target,
		installer: inst,
		ctx:       sessCtx,
		cancel:    cancel,
	}, nil
}

func (c *Coordinator) download(sess *Session) {
	path, err := c.fetcher.FetchVerified(sess.ctx, sess.SourceURL, sess.Dir, sess.SHA256, func(p fetch.Progress) {
		c.listener.OnProgress(downloadEvent(p))
	})
	if err != nil {
		c.fail(sess, err)
		return
	}

	digest := sess.SHA256
	if digest == "" {
		if digest, err = fetch.SHA256File(path); err != nil {
			c.fail(sess, updateerr.New(updateerr.KindFilesystem, "hash package", err))
			return
		}
	}

	if !c.advance(sess, PhaseAwaitingInstallConfirmation, func() {
		sess.ArchivePath = path
		sess.Digest = digest
	}) {
		return
	}
	log.Infof("downloaded %s (sha256 %s)", path, digest)
	c.listener.OnDownloadComplete(path)
}

// ConfirmInstall answers the install gate. No discards the session.
func (c *Coordinator) ConfirmInstall(yes bool) error {
	return c.confirm(PhaseAwaitingInstallConfirmation, PhasePreparing, yes, c.prepare)
}

// ConfirmHandoff answers the hand-off gate. Yes commits the update: the
// detached routine is started and the process is then terminated.
func (c *Coordinator) ConfirmHandoff(yes bool) error {
	return c.confirm(PhaseAwaitingHandoffConfirmation, PhaseHandingOff, yes, c.handoff)
}

func (c *Coordinator) confirm(want, next Phase, yes bool, job func(*Session)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != want {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("no %s pending (phase %s)", want, phase)
	}

	sess := c.session
	if !yes {
		c.reset()
		c.mu.Unlock()
		log.Infof("update session %s declined", sess.ID)
		c.discard(sess)
		return nil
	}

	c.phase = next
	c.jobs <- func() { job(sess) }
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) prepare(sess *Session) {
	c.listener.OnProgress(ProgressEvent{Phase: PhasePreparing, Indeterminate: true, Status: "Inspecting package"})

	plan, err := sess.installer.Prepare(sess.ctx, sess.ArchivePath, sess.Target, sess.Dir)
	if err == nil && sess.ctx.Err() != nil {
		err = updateerr.New(updateerr.KindCancelled, "prepare", sess.ctx.Err())
	}
	if err != nil {
		c.fail(sess, err)
		return
	}

	change := appversion.Between(sess.Target.Dir, plan.PayloadRoot)
	if change.Downgrade() {
		log.Warnf("package is older than the installed version: %s", change)
	}

	ok := c.advance(sess, PhaseAwaitingHandoffConfirmation, func() {
		sess.plan = plan
		sess.ExtractDir = plan.ExtractDir
		sess.PayloadRoot = plan.PayloadRoot
		sess.BackupDir = plan.BackupDir
		sess.Change = change
	})
	if !ok {
		return
	}
	c.listener.OnProgress(ProgressEvent{
		Phase:   PhaseAwaitingHandoffConfirmation,
		Percent: 100,
		Status:  "Ready to install (" + change.String() + ")",
	})
}

func (c *Coordinator) handoff(sess *Session) {
	c.listener.OnInstallStarted()

	// A result left by an earlier hand-off would be mistaken for this one.
	if err := result.NewHandler(c.cfg.StateDir).Cleanup(); err != nil {
		log.Warnf("failed to clear previous update result: %v", err)
	}

	if err := sess.installer.Commit(sess.plan); err != nil {
		c.fail(sess, err)
		return
	}
	log.Infof("hand-off for session %s started, exiting", sess.ID)

	// The session directory now belongs to the detached routine.
	sess.cancel()
	c.terminate()
}

// terminate honors the exit contract: ask the caller to quit, then force
// the exit after the bounded wait.
func (c *Coordinator) terminate() {
	wait := c.cfg.Handoff.ExitWait
	if wait <= 0 {
		wait = config.DefaultExitWait
	}
	c.quit()
	time.Sleep(wait)
	log.Warnf("process still running %s after hand-off, forcing exit", wait)
	c.exit(0)
}

// Cancel aborts the active session. Downloads and preparation are
// cancelled best-effort; their failure is reported through OnError.
// Cancelling at a confirmation gate discards the session directly. Once
// the hand-off has begun Cancel returns ErrHandoffCommitted.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	switch c.phase {
	case PhaseIdle:
		c.mu.Unlock()
		return nil
	case PhaseHandingOff:
		c.mu.Unlock()
		return ErrHandoffCommitted
	case PhaseDownloading, PhasePreparing:
		sess := c.session
		c.mu.Unlock()
		log.Infof("cancelling update session %s", sess.ID)
		sess.cancel()
		return nil
	default:
		sess := c.session
		c.reset()
		c.mu.Unlock()
		log.Infof("update session %s cancelled", sess.ID)
		c.discard(sess)
		return nil
	}
}

// Close cancels any in-flight work and stops the worker.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.session != nil && c.phase != PhaseHandingOff {
		c.session.cancel()
	}
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
}

// advance moves sess to phase next if it is still the active session.
func (c *Coordinator) advance(sess *Session, next Phase, update func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return false
	}
	update()
	c.phase = next
	return true
}

// fail ends sess with err. The work dir is removed before the error is
// reported so the caller may retry immediately.
func (c *Coordinator) fail(sess *Session, err error) {
	if sess.ctx.Err() != nil && !updateerr.Is(err, updateerr.KindCancelled) {
		err = updateerr.New(updateerr.KindCancelled, "update", err)
	}

	c.mu.Lock()
	if c.session == sess {
		c.reset()
	}
	c.lastErr = err
	c.mu.Unlock()

	log.Errorf("update session %s failed: %v", sess.ID, err)
	c.discard(sess)
	c.listener.OnError(updateerr.KindOf(err), err.Error())
}

// reset returns to Idle. Callers hold c.mu.
func (c *Coordinator) reset() {
	c.session = nil
	c.phase = PhaseIdle
}

func (c *Coordinator) discard(sess *Session) {
	sess.cancel()
	if err := cleanup(sess); err != nil {
		log.Warnf("failed to clean up session %s: %v", sess.ID, err)
	}
}

func cleanup(sess *Session) error {
	var errs *multierror.Error
	for _, path := range []string{sess.ArchivePath, sess.Dir} {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
