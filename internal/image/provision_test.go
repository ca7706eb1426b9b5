package image

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/xfeldman/deskvm/internal/logging"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// archiveServer serves data at the Ubuntu archive path with Range support
// and records every request's Range header.
type archiveServer struct {
	mu     sync.Mutex
	data   []byte
	ranges []string
	// failFirst aborts the first response halfway through.
	failFirst bool
}

func (s *archiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/ubuntu_osworld/resolve/main/Ubuntu.qcow2.zip") {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	s.ranges = append(s.ranges, r.Header.Get("Range"))
	first := len(s.ranges) == 1
	s.mu.Unlock()

	if first && s.failFirst {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusOK)
		w.Write(s.data[:len(s.data)/2])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	http.ServeContent(w, r, "Ubuntu.qcow2.zip", time.Time{}, bytes.NewReader(s.data))
}

func (s *archiveServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func newTestProvisioner(dir, url string) *Provisioner {
	return NewProvisioner(dir, url,
		WithRetry(3, 10*time.Millisecond),
		WithLogger(logging.Discard()),
		WithGetenv(func(string) string { return "" }),
	)
}

func TestEnsureImage_DownloadsAndExtracts(t *testing.T) {
	srv := &archiveServer{data: makeZip(t, map[string]string{"Ubuntu.qcow2": "disk-bytes"})}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	dir := t.TempDir()

	p := newTestProvisioner(dir, ts.URL)
	got, err := p.EnsureImage(context.Background(), "Ubuntu")
	if err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	if want := filepath.Join(dir, "Ubuntu.qcow2"); got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	data, err := os.ReadFile(got)
	if err != nil || string(data) != "disk-bytes" {
		t.Errorf("image content = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Ubuntu.qcow2.zip")); !os.IsNotExist(err) {
		t.Error("archive left behind after extraction")
	}

	// Second call is served from disk.
	if _, err := p.EnsureImage(context.Background(), "Ubuntu"); err != nil {
		t.Fatal(err)
	}
	if n := len(srv.requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestEnsureImage_ResumesInterruptedDownload(t *testing.T) {
	srv := &archiveServer{
		data:      makeZip(t, map[string]string{"Ubuntu.qcow2": strings.Repeat("x", 64<<10)}),
		failFirst: true,
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := newTestProvisioner(t.TempDir(), ts.URL)
	path, err := p.EnsureImage(context.Background(), "Ubuntu")
	if err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() != 64<<10 {
		t.Fatalf("image stat = %v, %v", fi, err)
	}

	ranges := srv.requests()
	if len(ranges) != 2 {
		t.Fatalf("requests = %d, want 2", len(ranges))
	}
	if ranges[0] != "" {
		t.Errorf("first request Range = %q, want none", ranges[0])
	}
	if !strings.HasPrefix(ranges[1], "bytes=") || ranges[1] == "bytes=0-" {
		t.Errorf("resume Range = %q, want a non-zero offset", ranges[1])
	}
}

func TestEnsureImage_ReplacesCorruptArchive(t *testing.T) {
	srv := &archiveServer{data: makeZip(t, map[string]string{"Ubuntu.qcow2": "fresh"})}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "Ubuntu.qcow2.zip"), []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}

	p := newTestProvisioner(dir, ts.URL)
	path, err := p.EnsureImage(context.Background(), "Ubuntu")
	if err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "fresh" {
		t.Errorf("content = %q, want fresh download", data)
	}
	if ranges := srv.requests(); len(ranges) != 1 || ranges[0] != "" {
		t.Errorf("ranges = %q, want one full download", ranges)
	}
}

func TestEnsureImage_UsesExistingArchive(t *testing.T) {
	dir := t.TempDir()
	archive := makeZip(t, map[string]string{"Ubuntu.qcow2": "cached"})
	if err := os.WriteFile(filepath.Join(dir, "Ubuntu.qcow2.zip"), archive, 0644); err != nil {
		t.Fatal(err)
	}

	// No server: any download attempt fails.
	p := newTestProvisioner(dir, "http://127.0.0.1:1")
	path, err := p.EnsureImage(context.Background(), "Ubuntu")
	if err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "cached" {
		t.Errorf("content = %q", data)
	}
}

func TestEnsureImage_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	p := newTestProvisioner(t.TempDir(), ts.URL)
	if _, err := p.EnsureImage(context.Background(), "Ubuntu"); err == nil {
		t.Fatal("expected error for 404")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestEnsureImage_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p := newTestProvisioner(t.TempDir(), ts.URL)
	if _, err := p.EnsureImage(context.Background(), "Ubuntu"); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", n)
	}
}

func TestEnsureImage_UnknownOS(t *testing.T) {
	p := newTestProvisioner(t.TempDir(), "http://example.invalid")
	if _, err := p.EnsureImage(context.Background(), "Plan9"); err == nil {
		t.Fatal("expected error for unknown os type")
	}
}

func TestArchiveURL_Mirror(t *testing.T) {
	p := NewProvisioner(t.TempDir(), "https://huggingface.co/datasets/xlangai",
		WithGetenv(func(k string) string {
			if k == "HF_ENDPOINT" {
				return "https://hf-mirror.com"
			}
			return ""
		}))

	got, err := p.ArchiveURL("Windows")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://hf-mirror.com/datasets/xlangai/windows_osworld/resolve/main/Windows-10-x64.qcow2.zip"
	if got != want {
		t.Errorf("ArchiveURL = %q, want %q", got, want)
	}
}

func TestUnzip_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	if err := os.WriteFile(archive, makeZip(t, map[string]string{"../escape": "x"}), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Unzip(archive, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "Ubuntu.qcow2", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	w.Write(bytes.Repeat([]byte("abc"), 1000))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	// Flip a byte inside the stored entry data, past the 42-byte local header.
	data[100] ^= 0xff
	path := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err == nil {
		t.Fatal("Verify accepted a corrupted archive")
	}
}
