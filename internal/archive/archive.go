// Package archive extracts update packages and locates the payload root,
// the directory that holds the application executable.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/updateerr"
)

// MaxFileSize caps a single extracted file.
const MaxFileSize int64 = 2 << 30

// Format is a supported package format.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
	FormatBare  Format = "bare" // the package is the executable itself
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// Inspector extracts archives into a fixed directory.
type Inspector struct {
	extractDir    string
	maxFileSize   int64
	caseFoldNames bool
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithCaseInsensitiveNames matches the executable name without regard to
// case, as on windows file systems.
func WithCaseInsensitiveNames() Option {
	return func(i *Inspector) { i.caseFoldNames = true }
}

// WithMaxFileSize overrides MaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(i *Inspector) {
		if n > 0 {
			i.maxFileSize = n
		}
	}
}

// NewInspector returns an Inspector that extracts into extractDir.
func NewInspector(extractDir string, opts ...Option) *Inspector {
	i := &Inspector{extractDir: extractDir, maxFileSize: MaxFileSize}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ExtractDir returns the extraction directory.
func (i *Inspector) ExtractDir() string {
	return i.extractDir
}

// LocatePayload extracts archivePath and returns the shallowest directory
// that directly contains a regular file named expectedExecutable.
func (i *Inspector) LocatePayload(archivePath, expectedExecutable string) (string, error) {
	if expectedExecutable == "" {
		return "", updateerr.Errorf(updateerr.KindPayloadNotFound, "locate payload", "no executable name given")
	}

	if err := os.RemoveAll(i.extractDir); err != nil {
		return "", updateerr.New(updateerr.KindFilesystem, "clear extract dir", err)
	}
	if err := os.MkdirAll(i.extractDir, 0o755); err != nil {
		return "", updateerr.New(updateerr.KindFilesystem, "create extract dir", err)
	}

	format, err := i.detect(archivePath, expectedExecutable)
	if err != nil {
		return "", err
	}
	log.Debugf("extracting %s (%s) into %s", archivePath, format, i.extractDir)

	switch format {
	case FormatZip:
		err = i.extractZip(archivePath)
	case FormatTarGz:
		err = i.extractTarGz(archivePath)
	case FormatBare:
		err = i.stageBare(archivePath, filepath.Base(archivePath))
	}
	if err != nil {
		return "", err
	}

	return i.findPayloadRoot(expectedExecutable)
}

// detect picks the format by extension first, then by magic bytes.
func (i *Inspector) detect(archivePath, expectedExecutable string) (Format, error) {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case i.nameMatches(filepath.Base(archivePath), expectedExecutable):
		return FormatBare, nil
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", updateerr.New(updateerr.KindCorruptArchive, "open archive", err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", updateerr.Errorf(updateerr.KindCorruptArchive, "read archive header", "%w", err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGz, nil
	}
	return "", updateerr.Errorf(updateerr.KindCorruptArchive, "detect format",
		"unrecognized package format: %s", filepath.Base(archivePath))
}

func (i *Inspector) nameMatches(name, expected string) bool {
	if i.caseFoldNames {
		return strings.EqualFold(name, expected)
	}
	return name == expected
}

// entryTarget validates an archive entry name and returns its destination.
func (i *Inspector) entryTarget(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" {
		return "", fmt.Errorf("empty entry name")
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("absolute path in archive: %s", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal in archive: %s", name)
		}
	}

	target := filepath.Join(i.extractDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(i.extractDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry escapes extraction dir: %s", name)
	}
	return target, nil
}

func (i *Inspector) extractZip(archivePath string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return updateerr.New(updateerr.KindCorruptArchive, "open zip", err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		target, err := i.entryTarget(f.Name)
		if err != nil {
			return updateerr.New(updateerr.KindCorruptArchive, "extract zip", err)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return updateerr.New(updateerr.KindFilesystem, "extract zip", err)
			}
		case mode.IsRegular():
			if f.UncompressedSize64 > uint64(i.maxFileSize) {
				return updateerr.Errorf(updateerr.KindCorruptArchive, "extract zip",
					"entry %s exceeds size limit", f.Name)
			}
			rc, err := f.Open()
			if err != nil {
				return updateerr.New(updateerr.KindCorruptArchive, "extract zip", err)
			}
			err = i.writeFile(target, rc, mode.Perm())
			_ = rc.Close()
			if err != nil {
				return err
			}
		default:
			log.Debugf("skipping non-regular zip entry %s", f.Name)
		}
	}
	return nil
}

func (i *Inspector) extractTarGz(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return updateerr.New(updateerr.KindCorruptArchive, "open tar.gz", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return updateerr.New(updateerr.KindCorruptArchive, "open tar.gz", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return updateerr.New(updateerr.KindCorruptArchive, "read tar entry", err)
		}

		target, err := i.entryTarget(hdr.Name)
		if err != nil {
			return updateerr.New(updateerr.KindCorruptArchive, "extract tar.gz", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return updateerr.New(updateerr.KindFilesystem, "extract tar.gz", err)
			}
		case tar.TypeReg:
			if hdr.Size > i.maxFileSize {
				return updateerr.Errorf(updateerr.KindCorruptArchive, "extract tar.gz",
					"entry %s exceeds size limit", hdr.Name)
			}
			if err := i.writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			log.Debugf("skipping tar entry %s (type %c)", hdr.Name, hdr.Typeflag)
		}
	}
}

func (i *Inspector) stageBare(src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return updateerr.New(updateerr.KindCorruptArchive, "open package", err)
	}
	defer func() { _ = in.Close() }()

	return i.writeFile(filepath.Join(i.extractDir, name), in, 0o755)
}

func (i *Inspector) writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return updateerr.New(updateerr.KindFilesystem, "create parent dir", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return updateerr.New(updateerr.KindFilesystem, "create extracted file", err)
	}

	// Read one byte past the limit so an oversized stream is detected.
	n, err := io.Copy(out, io.LimitReader(r, i.maxFileSize+1))
	closeErr := out.Close()
	if err != nil {
		return updateerr.New(updateerr.KindCorruptArchive, "decompress entry", err)
	}
	if n > i.maxFileSize {
		return updateerr.Errorf(updateerr.KindCorruptArchive, "decompress entry",
			"%s exceeds size limit", filepath.Base(target))
	}
	if closeErr != nil {
		return updateerr.New(updateerr.KindFilesystem, "write extracted file", closeErr)
	}
	return nil
}

// findPayloadRoot walks the whole extraction tree and returns the
// shallowest matching directory, breaking ties lexically.
func (i *Inspector) findPayloadRoot(expectedExecutable string) (string, error) {
	var matches []string
	err := filepath.WalkDir(i.extractDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !i.nameMatches(d.Name(), expectedExecutable) {
			return nil
		}
		matches = append(matches, filepath.Dir(path))
		return nil
	})
	if err != nil {
		return "", updateerr.New(updateerr.KindFilesystem, "walk extract dir", err)
	}
	if len(matches) == 0 {
		return "", updateerr.Errorf(updateerr.KindPayloadNotFound, "locate payload",
			"%s not found in package", expectedExecutable)
	}

	sort.Slice(matches, func(a, b int) bool {
		da, db := depth(i.extractDir, matches[a]), depth(i.extractDir, matches[b])
		if da != db {
			return da < db
		}
		return matches[a] < matches[b]
	})
	if len(matches) > 1 {
		log.Debugf("found %d candidate payload roots, using %s", len(matches), matches[0])
	}
	return matches[0], nil
}

func depth(root, dir string) int {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}
