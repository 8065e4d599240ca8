// Package fetch streams an update package from a remote URL to local disk,
// reporting byte-level progress as it goes.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/updateerr"
)

const (
	// ChunkSize is the fixed read size; one progress event is emitted per chunk.
	ChunkSize = 8 * 1024

	// DefaultTimeout bounds connecting, waiting for response headers, and
	// each individual body read.
	DefaultTimeout = 30 * time.Second

	fallbackFileName = "package"
)

// Progress describes how far a transfer has come.
type Progress struct {
	Downloaded    int64
	Total         int64 // -1 when the server sent no Content-Length
	Percent       int
	Indeterminate bool
}

// ProgressFunc receives progress events on the fetching goroutine.
type ProgressFunc func(Progress)

// Fetcher downloads update packages over HTTP(S).
type Fetcher struct {
	client      *http.Client
	userAgent   string
	idleTimeout time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the dial, response-header and per-read idle timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d <= 0 {
			return
		}
		f.idleTimeout = d
		f.client = newHTTPClient(d)
	}
}

// WithHTTPClient replaces the HTTP client. The idle timeout still applies.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// New creates a Fetcher identifying itself with the given application version.
func New(version string, opts ...Option) *Fetcher {
	if version == "" {
		version = "dev"
	}
	f := &Fetcher{
		client:      newHTTPClient(DefaultTimeout),
		userAgent:   "buildtest-updater/" + version,
		idleTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
	// No overall client timeout: a large package on a slow link may take a
	// long time as long as bytes keep arriving.
	return &http.Client{Transport: transport}
}

// Fetch downloads rawURL into destDir and returns the path of the written file.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string, onProgress ProgressFunc) (string, error) {
	return f.FetchVerified(ctx, rawURL, destDir, "", onProgress)
}

// FetchVerified is Fetch with an optional hex SHA-256 the body must match.
func (f *Fetcher) FetchVerified(ctx context.Context, rawURL, destDir, expectedSHA256 string, onProgress ProgressFunc) (string, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	fileName, err := FileNameFromURL(rawURL)
	if err != nil {
		return "", err
	}

	// Cancel the request if the body stalls for longer than idleTimeout.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(f.idleTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	classify := func(op string, err error) error {
		switch {
		case ctx.Err() != nil:
			return updateerr.New(updateerr.KindCancelled, op, ctx.Err())
		case stalled.Load():
			return updateerr.Errorf(updateerr.KindNetwork, op, "no data received for %s: %w", f.idleTimeout, err)
		default:
			return updateerr.New(updateerr.KindNetwork, op, err)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", updateerr.New(updateerr.KindNetwork, "build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	log.Infof("downloading update package from %s", rawURL)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", classify("request package", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", updateerr.Errorf(updateerr.KindHTTPStatus, "request package",
			"unexpected HTTP status: %s", resp.Status)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", updateerr.New(updateerr.KindFilesystem, "create download dir", err)
	}
	dst := filepath.Join(destDir, fileName)
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", updateerr.New(updateerr.KindFilesystem, "create package file", err)
	}

	fail := func(err error) (string, error) {
		_ = out.Close()
		if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warnf("failed to remove partial download %s: %v", dst, rmErr)
		}
		return "", err
	}

	var hasher hash.Hash
	var sink io.Writer = out
	if expectedSHA256 != "" {
		hasher = sha256.New()
		sink = io.MultiWriter(out, hasher)
	} else {
		log.Warn("no sha256 configured for update source, skipping checksum verification")
	}

	total := resp.ContentLength
	if total <= 0 {
		total = -1
		onProgress(Progress{Total: -1, Indeterminate: true})
	}

	buf := make([]byte, ChunkSize)
	var downloaded int64
	for {
		watchdog.Reset(f.idleTimeout)
		n, readErr := readChunk(resp.Body, buf)
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return fail(updateerr.New(updateerr.KindFilesystem, "write package file", err))
			}
			downloaded += int64(n)
			if total > 0 {
				onProgress(Progress{
					Downloaded: downloaded,
					Total:      total,
					Percent:    percent(downloaded, total),
				})
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		return fail(classify("read package body", readErr))
	}

	if ctx.Err() != nil {
		return fail(updateerr.New(updateerr.KindCancelled, "read package body", ctx.Err()))
	}
	if total > 0 && downloaded != total {
		return fail(updateerr.Errorf(updateerr.KindNetwork, "read package body",
			"truncated download: got %d of %d bytes", downloaded, total))
	}

	if hasher != nil {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, strings.TrimSpace(expectedSHA256)) {
			return fail(updateerr.Errorf(updateerr.KindChecksum, "verify package",
				"checksum mismatch: expected %s, got %s", expectedSHA256, actual))
		}
	}

	if err := out.Sync(); err != nil {
		return fail(updateerr.New(updateerr.KindFilesystem, "sync package file", err))
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", updateerr.New(updateerr.KindFilesystem, "close package file", err)
	}

	log.Infof("downloaded %d bytes to %s", downloaded, dst)
	return dst, nil
}

// readChunk fills buf from r. Only a clean io.EOF ends the body; a reader
// cut off mid-stream reports io.ErrUnexpectedEOF, which is a network error.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func percent(downloaded, total int64) int {
	p := downloaded * 100 / total
	if p > 100 {
		p = 100
	}
	return int(p)
}

// FileNameFromURL derives the local file name from the final path segment
// of rawURL, falling back to "package" when there is none.
func FileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", updateerr.New(updateerr.KindNetwork, "parse url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", updateerr.Errorf(updateerr.KindNetwork, "parse url",
			"unsupported URL scheme %q", u.Scheme)
	}

	name := path.Base(u.Path)
	switch name {
	case "", ".", "/", "..":
		return fallbackFileName, nil
	}
	if strings.ContainsAny(name, `/\:`) {
		return fallbackFileName, nil
	}
	return name, nil
}

// SHA256File returns the hex SHA-256 digest of a file.
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
