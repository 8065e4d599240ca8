package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/archive"
	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

// Installer prepares and commits an update for one platform.
type Installer interface {
	Platform() types.Platform
	// Prepare extracts the package and snapshots the install. It never
	// modifies the install.
	Prepare(ctx context.Context, archivePath string, target Target, scratch string) (*Plan, error)
	// Commit hands the prepared plan to the detached routine.
	Commit(plan *Plan) error
}

// Deps are the collaborators an Installer needs.
type Deps struct {
	Backups *backup.Manager
	Engine  *Engine
}

// ForPlatform returns the installer variant for p.
func ForPlatform(p types.Platform, deps Deps) (Installer, error) {
	if deps.Backups == nil {
		deps.Backups = backup.NewManager(nil)
	}
	if deps.Engine == nil {
		deps.Engine = NewEngine(p, DefaultOptions())
	}

	base := baseInstaller{platform: p, backups: deps.Backups, engine: deps.Engine}
	switch p {
	case types.PlatformWindows:
		return &windowsInstaller{baseInstaller: base}, nil
	case types.PlatformMac:
		return &macInstaller{baseInstaller: base}, nil
	default:
		return nil, updateerr.Errorf(updateerr.KindUnsupportedPlatform, "select installer",
			"no installer for platform %q", p)
	}
}

// Install runs Prepare then Commit.
func Install(ctx context.Context, inst Installer, archivePath string, target Target, scratch string) error {
	plan, err := inst.Prepare(ctx, archivePath, target, scratch)
	if err != nil {
		return err
	}
	return inst.Commit(plan)
}

type baseInstaller struct {
	platform types.Platform
	backups  *backup.Manager
	engine   *Engine
}

func (b *baseInstaller) Platform() types.Platform {
	return b.platform
}

func (b *baseInstaller) prepare(ctx context.Context, archivePath string, target Target, scratch string, opts ...archive.Option) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, updateerr.New(updateerr.KindCancelled, "prepare", err)
	}

	inspector := archive.NewInspector(filepath.Join(scratch, backup.ExtractDirName), opts...)
	root, err := inspector.LocatePayload(archivePath, target.ExecutableName())
	if err != nil {
		return nil, err
	}
	log.Infof("payload root: %s", root)

	if err := ctx.Err(); err != nil {
		return nil, updateerr.New(updateerr.KindCancelled, "prepare", err)
	}

	backupDir := filepath.Join(scratch, backup.BackupDirName)
	if err := b.backups.Snapshot(target.Dir, backupDir); err != nil {
		return nil, err
	}

	// The routine must restore with the patterns the snapshot skipped.
	return &Plan{
		PayloadRoot: root,
		ExtractDir:  inspector.ExtractDir(),
		Target:      target,
		BackupDir:   backupDir,
		ScratchDir:  scratch,
		Excludes:    b.backups.Excludes(),
	}, nil
}

func (b *baseInstaller) Commit(plan *Plan) error {
	if plan == nil {
		return updateerr.Errorf(updateerr.KindHandoff, "commit", "no prepared plan")
	}
	return b.engine.Stage(plan)
}

type windowsInstaller struct {
	baseInstaller
}

// Prepare matches the executable name case-insensitively, as NTFS does.
func (w *windowsInstaller) Prepare(ctx context.Context, archivePath string, target Target, scratch string) (*Plan, error) {
	return w.prepare(ctx, archivePath, target, scratch, archive.WithCaseInsensitiveNames())
}

type macInstaller struct {
	baseInstaller
}

// Prepare restores the executable bit on the new binary; zip files built
// on other systems often drop it.
func (m *macInstaller) Prepare(ctx context.Context, archivePath string, target Target, scratch string) (*Plan, error) {
	plan, err := m.prepare(ctx, archivePath, target, scratch)
	if err != nil {
		return nil, err
	}

	exe := filepath.Join(plan.PayloadRoot, target.ExecutableName())
	info, err := os.Stat(exe)
	if err != nil {
		return nil, updateerr.New(updateerr.KindFilesystem, "prepare", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		if err := os.Chmod(exe, info.Mode().Perm()|0o755); err != nil {
			return nil, updateerr.New(updateerr.KindFilesystem, "prepare",
				fmt.Errorf("failed to mark %s executable: %w", exe, err))
		}
	}
	return plan, nil
}
