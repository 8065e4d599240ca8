package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/adamancini/buildtest/internal/updateerr"
)

func payload(n int) []byte {
	return bytes.Repeat([]byte("b"), n)
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetch_ProgressEventCount(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantEvents int
	}{
		{"single partial chunk", 100, 1},
		{"exact chunk", ChunkSize, 1},
		{"two exact chunks", 2 * ChunkSize, 2},
		{"three chunks with remainder", 20000, 3},
		{"one million bytes", 1000000, 123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := serveBytes(t, payload(tt.size))

			var events []Progress
			path, err := New("1.0.0").Fetch(context.Background(), server.URL+"/app.zip", t.TempDir(), func(p Progress) {
				events = append(events, p)
			})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}

			if len(events) != tt.wantEvents {
				t.Fatalf("got %d progress events, want %d", len(events), tt.wantEvents)
			}
			last := -1
			for _, ev := range events {
				if ev.Indeterminate {
					t.Error("unexpected indeterminate event with known length")
				}
				if ev.Percent < last {
					t.Errorf("percent went backwards: %d after %d", ev.Percent, last)
				}
				last = ev.Percent
			}
			if last != 100 {
				t.Errorf("final percent = %d, want 100", last)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("downloaded file missing: %v", err)
			}
			if info.Size() != int64(tt.size) {
				t.Errorf("file size = %d, want %d", info.Size(), tt.size)
			}
		})
	}
}

func TestFetch_UnknownLength(t *testing.T) {
	body := payload(3 * ChunkSize)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before writing forces chunked encoding.
		w.(http.Flusher).Flush()
		_, _ = w.Write(body)
	}))
	defer server.Close()

	var events []Progress
	path, err := New("1.0.0").Fetch(context.Background(), server.URL+"/pkg.tar.gz", t.TempDir(), func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(events) != 1 || !events[0].Indeterminate {
		t.Fatalf("events = %+v, want a single indeterminate event", events)
	}
	if filepath.Base(path) != "pkg.tar.gz" {
		t.Errorf("file name = %s, want pkg.tar.gz", filepath.Base(path))
	}
}

func TestFetch_HTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := New("1.0.0").Fetch(context.Background(), server.URL+"/app.zip", dir, nil)
	if !updateerr.Is(err, updateerr.KindHTTPStatus) {
		t.Fatalf("Fetch() error = %v, want HTTPStatus", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "app.zip")); !os.IsNotExist(err) {
		t.Error("file should not be created for a non-2xx response")
	}
}

func TestFetch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/app.zip"
	server.Close()

	_, err := New("1.0.0").Fetch(context.Background(), url, t.TempDir(), nil)
	if !updateerr.Is(err, updateerr.KindNetwork) {
		t.Fatalf("Fetch() error = %v, want Network", err)
	}
}

func TestFetch_TruncatedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload(1000))
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := New("1.0.0").Fetch(context.Background(), server.URL+"/app.zip", dir, nil)
	if !updateerr.Is(err, updateerr.KindNetwork) {
		t.Fatalf("Fetch() error = %v, want Network", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "app.zip")); !os.IsNotExist(err) {
		t.Error("partial file should be removed")
	}
}

func TestFetch_ConnectionDroppedMidChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		_, _ = rw.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
		_, _ = fmt.Fprintf(rw, "%x\r\n", ChunkSize)
		_, _ = rw.Write(payload(ChunkSize))
		_, _ = rw.WriteString("\r\n")
		// Second chunk announced in full but cut off after 100 bytes.
		_, _ = fmt.Fprintf(rw, "%x\r\n", ChunkSize)
		_, _ = rw.Write(payload(100))
		_ = rw.Flush()
	}))
	defer server.Close()

	dir := t.TempDir()
	_, err := New("1.0.0").Fetch(context.Background(), server.URL+"/pkg.zip", dir, nil)
	if !updateerr.Is(err, updateerr.KindNetwork) {
		t.Fatalf("Fetch() error = %v, want Network", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pkg.zip")); !os.IsNotExist(err) {
		t.Error("partial file should be removed")
	}
}

func TestReadChunk(t *testing.T) {
	tests := []struct {
		name    string
		r       io.Reader
		wantN   int
		wantErr error
	}{
		{"full buffer", bytes.NewReader(payload(20)), 16, nil},
		{"short final chunk", bytes.NewReader(payload(10)), 10, io.EOF},
		{"cut off", io.MultiReader(bytes.NewReader(payload(5)), iotest.ErrReader(io.ErrUnexpectedEOF)), 5, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := readChunk(iotest.OneByteReader(tt.r), make([]byte, 16))
			if n != tt.wantN || err != tt.wantErr {
				t.Errorf("readChunk() = %d, %v, want %d, %v", n, err, tt.wantN, tt.wantErr)
			}
		})
	}
}

func TestFetch_StalledBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload(ChunkSize))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	start := time.Now()
	_, err := New("1.0.0", WithTimeout(200*time.Millisecond)).Fetch(context.Background(), server.URL+"/app.zip", dir, nil)
	if !updateerr.Is(err, updateerr.KindNetwork) {
		t.Fatalf("Fetch() error = %v, want Network", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stall detection took %s", elapsed)
	}
	if _, err := os.Stat(filepath.Join(dir, "app.zip")); !os.IsNotExist(err) {
		t.Error("partial file should be removed")
	}
}

func TestFetch_Cancelled(t *testing.T) {
	server := serveBytes(t, payload(64*ChunkSize))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := New("1.0.0").Fetch(ctx, server.URL+"/app.zip", t.TempDir(), func(p Progress) {
		cancel()
	})
	if !updateerr.Is(err, updateerr.KindCancelled) {
		t.Fatalf("Fetch() error = %v, want Cancelled", err)
	}
}

func TestFetch_FilesystemError(t *testing.T) {
	server := serveBytes(t, payload(10))

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := New("1.0.0").Fetch(context.Background(), server.URL+"/app.zip", filepath.Join(blocker, "sub"), nil)
	if !updateerr.Is(err, updateerr.KindFilesystem) {
		t.Fatalf("Fetch() error = %v, want Filesystem", err)
	}
}

func TestFetchVerified(t *testing.T) {
	body := payload(5000)
	sum := sha256.Sum256(body)
	good := hex.EncodeToString(sum[:])
	server := serveBytes(t, body)

	t.Run("match", func(t *testing.T) {
		_, err := New("1.0.0").FetchVerified(context.Background(), server.URL+"/app.zip", t.TempDir(), strings.ToUpper(good), nil)
		if err != nil {
			t.Fatalf("FetchVerified() error = %v", err)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		dir := t.TempDir()
		_, err := New("1.0.0").FetchVerified(context.Background(), server.URL+"/app.zip", dir, strings.Repeat("0", 64), nil)
		if !updateerr.Is(err, updateerr.KindChecksum) {
			t.Fatalf("FetchVerified() error = %v, want Checksum", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "app.zip")); !os.IsNotExist(err) {
			t.Error("file should be removed after checksum mismatch")
		}
	})
}

func TestFetch_UserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	if _, err := New("2.3.4").Fetch(context.Background(), server.URL+"/a.zip", t.TempDir(), nil); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got != "buildtest-updater/2.3.4" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestFileNameFromURL(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "https://bucket.s3.amazonaws.com/BuildTestSystem.exe", want: "BuildTestSystem.exe"},
		{url: "https://bucket.s3.amazonaws.com/releases/BuildTestSystem-mac.zip?sig=abc", want: "BuildTestSystem-mac.zip"},
		{url: "https://bucket.s3.amazonaws.com/", want: "package"},
		{url: "https://bucket.s3.amazonaws.com", want: "package"},
		{url: "ftp://example.com/app.zip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := FileNameFromURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FileNameFromURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FileNameFromURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSHA256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("SHA256File() = %s, want %s", got, want)
	}
}
