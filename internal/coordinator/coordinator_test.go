package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adamancini/buildtest/internal/config"
	"github.com/adamancini/buildtest/internal/fetch"
	"github.com/adamancini/buildtest/internal/install"
	"github.com/adamancini/buildtest/internal/result"
	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

const waitTimeout = 5 * time.Second

type fakeFetcher struct {
	block bool
	err   error
}

func (f *fakeFetcher) FetchVerified(ctx context.Context, rawURL, destDir, _ string, onProgress fetch.ProgressFunc) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", updateerr.New(updateerr.KindCancelled, "fetch", ctx.Err())
	}
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(destDir, "pkg.zip")
	if err := os.WriteFile(path, []byte("archive"), 0o644); err != nil {
		return "", err
	}
	onProgress(fetch.Progress{Downloaded: 7, Total: 7, Percent: 100})
	return path, nil
}

type fakeInstaller struct {
	payload    string
	prepareErr error
	commitErr  error

	mu        sync.Mutex
	committed *install.Plan
}

func (f *fakeInstaller) Platform() types.Platform { return types.PlatformMac }

func (f *fakeInstaller) Prepare(ctx context.Context, archivePath string, target install.Target, scratch string) (*install.Plan, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return &install.Plan{
		PayloadRoot: f.payload,
		ExtractDir:  filepath.Join(scratch, "extract"),
		Target:      target,
		BackupDir:   filepath.Join(scratch, "backup"),
		ScratchDir:  scratch,
	}, nil
}

func (f *fakeInstaller) Commit(plan *install.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = plan
	return f.commitErr
}

func (f *fakeInstaller) Committed() *install.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

type errEvent struct {
	kind    updateerr.Kind
	message string
}

type recorder struct {
	mu       sync.Mutex
	progress []ProgressEvent

	downloaded chan string
	ready      chan struct{}
	started    chan struct{}
	errs       chan errEvent
}

func newRecorder() *recorder {
	return &recorder{
		downloaded: make(chan string, 4),
		ready:      make(chan struct{}, 4),
		started:    make(chan struct{}, 4),
		errs:       make(chan errEvent, 4),
	}
}

func (r *recorder) OnProgress(ev ProgressEvent) {
	r.mu.Lock()
	r.progress = append(r.progress, ev)
	r.mu.Unlock()
	if ev.Phase == PhaseAwaitingHandoffConfirmation {
		r.ready <- struct{}{}
	}
}

func (r *recorder) OnDownloadComplete(path string) { r.downloaded <- path }
func (r *recorder) OnInstallStarted() { r.started <- struct{}{} }
func (r *recorder) OnError(kind updateerr.Kind, message string) {
	r.errs <- errEvent{kind: kind, message: message}
}

func (r *recorder) Progress() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.progress...)
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

type harness struct {
	c         *Coordinator
	rec       *recorder
	fetcher   *fakeFetcher
	installer *fakeInstaller
	cfg       *config.Config
	quit      chan struct{}
	exit      chan int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	installDir := t.TempDir()
	payload := t.TempDir()
	if err := os.WriteFile(filepath.Join(installDir, "version.txt"), []byte("1.0.0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(payload, "version.txt"), []byte("1.1.0"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Platform = "mac"
	cfg.WorkRoot = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.Sources[types.PlatformMac] = config.Source{URL: "https://updates.example.com/pkg.zip"}
	cfg.Handoff.ExitWait = 10 * time.Millisecond

	h := &harness{
		rec:       newRecorder(),
		fetcher:   &fakeFetcher{},
		installer: &fakeInstaller{payload: payload},
		cfg:       cfg,
		quit:      make(chan struct{}, 1),
		exit:      make(chan int, 1),
	}
	h.c = New(cfg, h.rec,
		WithFetcher(h.fetcher),
		WithInstallerFactory(func(p types.Platform) (install.Installer, error) { return h.installer, nil }),
		WithTargetDiscovery(func() (install.Target, error) {
			return install.Target{
				Executable: filepath.Join(installDir, "BuildTestSystem"),
				Dir:        installDir,
				PID:        4242,
			}, nil
		}),
		WithExit(func() { h.quit <- struct{}{} }, func(code int) { h.exit <- code }),
	)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) sessionDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.WorkRoot)
	if err != nil {
		t.Fatal(err)
	}
	var dirs []string
	for _, e := range entries {
		dirs = append(dirs, e.Name())
	}
	return dirs
}

func TestCoordinator_FullFlow(t *testing.T) {
	h := newHarness(t)

	stale := result.NewHandler(h.cfg.StateDir)
	if err := stale.Write(result.Result{SessionID: "old", Success: true}); err != nil {
		t.Fatal(err)
	}

	if err := h.c.StartUpdate(context.Background()); err != nil {
		t.Fatalf("StartUpdate() error = %v", err)
	}
	path := waitFor(t, h.rec.downloaded, "download")
	if filepath.Base(path) != "pkg.zip" {
		t.Errorf("downloaded path = %s", path)
	}
	if got := h.c.Phase(); got != PhaseAwaitingInstallConfirmation {
		t.Fatalf("phase = %s, want %s", got, PhaseAwaitingInstallConfirmation)
	}

	sess := h.c.Session()
	if sess == nil || sess.ArchivePath != path {
		t.Fatalf("Session() = %+v", sess)
	}
	if filepath.Dir(path) != sess.Dir {
		t.Errorf("archive %s not in session dir %s", path, sess.Dir)
	}
	sum := sha256.Sum256([]byte("archive"))
	if sess.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("Digest = %s, want digest of the downloaded package", sess.Digest)
	}

	if err := h.c.ConfirmInstall(true); err != nil {
		t.Fatalf("ConfirmInstall() error = %v", err)
	}
	waitFor(t, h.rec.ready, "hand-off gate")
	if got := h.c.Phase(); got != PhaseAwaitingHandoffConfirmation {
		t.Fatalf("phase = %s, want %s", got, PhaseAwaitingHandoffConfirmation)
	}
	if sess := h.c.Session(); sess.Change.From != "1.0.0" || sess.Change.To != "1.1.0" {
		t.Errorf("Change = %+v", sess.Change)
	} else if sess.ExtractDir != filepath.Join(sess.Dir, "extract") {
		t.Errorf("ExtractDir = %s", sess.ExtractDir)
	}

	if err := h.c.ConfirmHandoff(true); err != nil {
		t.Fatalf("ConfirmHandoff() error = %v", err)
	}
	if err := h.c.Cancel(); !errors.Is(err, ErrHandoffCommitted) {
		t.Errorf("Cancel() during hand-off error = %v, want ErrHandoffCommitted", err)
	}

	waitFor(t, h.rec.started, "install started")
	waitFor(t, h.quit, "quit")
	if code := waitFor(t, h.exit, "exit"); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	plan := h.installer.Committed()
	if plan == nil || plan.ScratchDir != sess.Dir {
		t.Fatalf("committed plan = %+v", plan)
	}
	if _, err := os.Stat(sess.Dir); err != nil {
		t.Errorf("session dir removed after hand-off: %v", err)
	}
	if _, err := os.Stat(stale.Path()); !os.IsNotExist(err) {
		t.Errorf("previous result not cleared: %v", err)
	}

	progress := h.rec.Progress()
	if len(progress) == 0 || progress[0].Phase != PhaseDownloading || progress[0].Percent != 100 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestCoordinator_SecondStartRejected(t *testing.T) {
	h := newHarness(t)
	h.fetcher.block = true

	if err := h.c.StartUpdate(context.Background()); err != nil {
		t.Fatalf("StartUpdate() error = %v", err)
	}
	err := h.c.StartUpdate(context.Background())
	if !updateerr.Is(err, updateerr.KindSessionActive) {
		t.Fatalf("second StartUpdate() error = %v, want SessionActiveError", err)
	}
	if got := len(h.sessionDirs(t)); got != 1 {
		t.Errorf("session dirs = %d, want 1", got)
	}

	if err := h.c.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	ev := waitFor(t, h.rec.errs, "cancel error")
	if ev.kind != updateerr.KindCancelled {
		t.Errorf("error kind = %s, want %s", ev.kind, updateerr.KindCancelled)
	}
	if got := h.c.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want Idle", got)
	}
	if dirs := h.sessionDirs(t); len(dirs) != 0 {
		t.Errorf("session dirs left behind: %v", dirs)
	}
}

func TestCoordinator_Decline(t *testing.T) {
	tests := []struct {
		name    string
		decline func(h *harness) error
	}{
		{
			name: "install gate",
			decline: func(h *harness) error {
				return h.c.ConfirmInstall(false)
			},
		},
		{
			name: "hand-off gate",
			decline: func(h *harness) error {
				if err := h.c.ConfirmInstall(true); err != nil {
					return err
				}
				<-h.rec.ready
				return h.c.ConfirmHandoff(false)
			},
		},
		{
			name: "cancel at gate",
			decline: func(h *harness) error {
				return h.c.Cancel()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if err := h.c.StartUpdate(context.Background()); err != nil {
				t.Fatal(err)
			}
			waitFor(t, h.rec.downloaded, "download")

			if err := tt.decline(h); err != nil {
				t.Fatalf("decline error = %v", err)
			}
			if got := h.c.Phase(); got != PhaseIdle {
				t.Errorf("phase = %s, want Idle", got)
			}
			if dirs := h.sessionDirs(t); len(dirs) != 0 {
				t.Errorf("session dirs left behind: %v", dirs)
			}
			if h.installer.Committed() != nil {
				t.Error("declined update was committed")
			}

			// A declined session does not block the next one.
			if err := h.c.StartUpdate(context.Background()); err != nil {
				t.Errorf("StartUpdate() after decline error = %v", err)
			}
		})
	}
}

func TestCoordinator_PreCommitFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		advance func(t *testing.T, h *harness)
		want    updateerr.Kind
	}{
		{
			name: "network",
			setup: func(h *harness) {
				h.fetcher.err = updateerr.Errorf(updateerr.KindNetwork, "fetch", "connection refused")
			},
			want: updateerr.KindNetwork,
		},
		{
			name: "payload not found",
			setup: func(h *harness) {
				h.installer.prepareErr = updateerr.Errorf(updateerr.KindPayloadNotFound, "locate payload", "missing")
			},
			advance: func(t *testing.T, h *harness) {
				waitFor(t, h.rec.downloaded, "download")
				if err := h.c.ConfirmInstall(true); err != nil {
					t.Fatal(err)
				}
			},
			want: updateerr.KindPayloadNotFound,
		},
		{
			name: "hand-off launch",
			setup: func(h *harness) {
				h.installer.commitErr = updateerr.Errorf(updateerr.KindHandoff, "launch hand-off", "no shell")
			},
			advance: func(t *testing.T, h *harness) {
				waitFor(t, h.rec.downloaded, "download")
				if err := h.c.ConfirmInstall(true); err != nil {
					t.Fatal(err)
				}
				waitFor(t, h.rec.ready, "hand-off gate")
				if err := h.c.ConfirmHandoff(true); err != nil {
					t.Fatal(err)
				}
			},
			want: updateerr.KindHandoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			if err := h.c.StartUpdate(context.Background()); err != nil {
				t.Fatal(err)
			}
			if tt.advance != nil {
				tt.advance(t, h)
			}

			ev := waitFor(t, h.rec.errs, "error")
			if ev.kind != tt.want {
				t.Errorf("error kind = %s, want %s (%s)", ev.kind, tt.want, ev.message)
			}
			if got := h.c.Phase(); got != PhaseIdle {
				t.Errorf("phase = %s, want Idle", got)
			}
			if !updateerr.Is(h.c.LastError(), tt.want) {
				t.Errorf("LastError() = %v", h.c.LastError())
			}
			if dirs := h.sessionDirs(t); len(dirs) != 0 {
				t.Errorf("session dirs left behind: %v", dirs)
			}
			select {
			case <-h.exit:
				t.Error("process exit requested after pre-commit failure")
			default:
			}
		})
	}
}

func TestCoordinator_UnsupportedPlatform(t *testing.T) {
	h := newHarness(t)
	h.cfg.Platform = "linux"

	err := h.c.StartUpdate(context.Background())
	if !updateerr.Is(err, updateerr.KindUnsupportedPlatform) {
		t.Fatalf("StartUpdate() error = %v, want UnsupportedPlatformError", err)
	}
	ev := waitFor(t, h.rec.errs, "error")
	if ev.kind != updateerr.KindUnsupportedPlatform {
		t.Errorf("reported kind = %s", ev.kind)
	}
	if got := h.c.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want Idle", got)
	}
}

func TestCoordinator_ConfirmOutOfPhase(t *testing.T) {
	h := newHarness(t)

	if err := h.c.ConfirmInstall(true); err == nil {
		t.Error("ConfirmInstall() while idle expected error")
	}
	if err := h.c.ConfirmHandoff(true); err == nil {
		t.Error("ConfirmHandoff() while idle expected error")
	}
	if err := h.c.Cancel(); err != nil {
		t.Errorf("Cancel() while idle error = %v", err)
	}
}

func TestCoordinator_Closed(t *testing.T) {
	h := newHarness(t)
	h.c.Close()

	if err := h.c.StartUpdate(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("StartUpdate() after Close error = %v, want ErrClosed", err)
	}
}

func TestDownloadEvent(t *testing.T) {
	ev := downloadEvent(fetch.Progress{Downloaded: 512, Total: 1024, Percent: 50})
	if ev.Phase != PhaseDownloading || ev.Percent != 50 || ev.Indeterminate {
		t.Errorf("determinate event = %+v", ev)
	}
	if ev.Status != "Downloading... 50%" {
		t.Errorf("Status = %q", ev.Status)
	}

	ev = downloadEvent(fetch.Progress{Total: -1, Indeterminate: true})
	if !ev.Indeterminate || ev.Percent != 0 {
		t.Errorf("indeterminate event = %+v", ev)
	}
}
