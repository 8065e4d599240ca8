// Package backup snapshots an install directory before it is replaced and
// restores it when the replacement fails.
package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/updateerr"
)

// DefaultExcludes are never copied into a snapshot and survive a restore.
var DefaultExcludes = []string{"*.tmp", "*.log"}

// Manager copies install trees, honoring a set of exclusion patterns
// matched against each entry's base name.
type Manager struct {
	excludes []string
}

// NewManager creates a backup manager. A nil excludes uses DefaultExcludes.
func NewManager(excludes []string) *Manager {
	if excludes == nil {
		excludes = DefaultExcludes
	}
	return &Manager{excludes: append([]string(nil), excludes...)}
}

// Excludes returns the exclusion patterns in use.
func (m *Manager) Excludes() []string {
	return append([]string(nil), m.excludes...)
}

// Excluded reports whether name matches an exclusion pattern.
func (m *Manager) Excluded(name string) bool {
	base := filepath.Base(name)
	for _, pattern := range m.excludes {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Snapshot replaces backupDir with a copy of sourceDir minus excluded entries.
func (m *Manager) Snapshot(sourceDir, backupDir string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return updateerr.New(updateerr.KindBackup, "snapshot", err)
	}
	if !info.IsDir() {
		return updateerr.Errorf(updateerr.KindBackup, "snapshot", "%s is not a directory", sourceDir)
	}

	if err := os.RemoveAll(backupDir); err != nil {
		return updateerr.Errorf(updateerr.KindBackup, "snapshot", "failed to clear old backup: %w", err)
	}

	if err := copyTree(sourceDir, backupDir, m.Excluded); err != nil {
		return updateerr.Errorf(updateerr.KindBackup, "snapshot", "%w", err)
	}
	log.Infof("backed up %s to %s", sourceDir, backupDir)
	return nil
}

// Restore makes targetDir match backupDir again. Entries in targetDir that
// are not in the backup are removed unless they are excluded.
func (m *Manager) Restore(backupDir, targetDir string) error {
	info, err := os.Stat(backupDir)
	if err != nil {
		return updateerr.Errorf(updateerr.KindBackup, "restore", "backup not found: %w", err)
	}
	if !info.IsDir() {
		return updateerr.Errorf(updateerr.KindBackup, "restore", "%s is not a directory", backupDir)
	}

	if err := copyTree(backupDir, targetDir, nil); err != nil {
		return updateerr.Errorf(updateerr.KindBackup, "restore", "%w", err)
	}

	err = filepath.WalkDir(targetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == targetDir {
			return nil
		}
		if m.Excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(targetDir, path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(filepath.Join(backupDir, rel)); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		log.Debugf("removing %s (not in backup)", rel)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return updateerr.Errorf(updateerr.KindBackup, "restore", "failed to prune target: %w", err)
	}

	log.Infof("restored %s from %s", targetDir, backupDir)
	return nil
}

// Rollback restores targetDir from backupDir after overlaidDir was copied
// over it. Excluded entries survive Restore, so excluded entries that came
// from overlaidDir and are not in the backup are removed as well.
func (m *Manager) Rollback(backupDir, targetDir, overlaidDir string) error {
	if err := m.Restore(backupDir, targetDir); err != nil {
		return err
	}
	if overlaidDir == "" {
		return nil
	}
	if _, err := os.Stat(overlaidDir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	err := filepath.WalkDir(overlaidDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == overlaidDir || !m.Excluded(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(overlaidDir, path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(filepath.Join(backupDir, rel)); err == nil {
			return skipIfDir(d)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		log.Debugf("removing %s (brought in by the update)", rel)
		if err := os.RemoveAll(filepath.Join(targetDir, rel)); err != nil {
			return err
		}
		return skipIfDir(d)
	})
	if err != nil {
		return updateerr.Errorf(updateerr.KindBackup, "rollback", "failed to remove update leftovers: %w", err)
	}
	return nil
}

func skipIfDir(d fs.DirEntry) error {
	if d.IsDir() {
		return filepath.SkipDir
	}
	return nil
}

// Overlay copies every entry of srcDir over dstDir without removing
// anything. Each file lands through a temporary file and a rename.
func (m *Manager) Overlay(srcDir, dstDir string) error {
	if err := copyTree(srcDir, dstDir, nil); err != nil {
		return updateerr.Errorf(updateerr.KindFilesystem, "overlay", "%w", err)
	}
	return nil
}

func copyTree(src, dst string, skip func(name string) bool) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dst && d.IsDir() {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && skip != nil && skip(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return ensureDir(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			return copySymlink(path, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			log.Debugf("skipping special file %s", path)
			return nil
		}
	})
}

func ensureDir(path string, perm fs.FileMode) error {
	if info, err := os.Lstat(path); err == nil {
		if info.IsDir() {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to replace file with directory %s: %w", path, err)
		}
	}
	if perm == 0 {
		perm = 0o755
	}
	if err := os.MkdirAll(path, perm|0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func clearForFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() || info.Mode()&fs.ModeSymlink != 0 {
		return os.RemoveAll(path)
	}
	return nil
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", src, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Symlink(link, dst); err != nil {
		return fmt.Errorf("failed to create link %s: %w", dst, err)
	}
	return nil
}

// copyFile writes src to dst through a temp file in dst's directory.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := clearForFile(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions on %s: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	return nil
}
