package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/strato-vm/hyperagent/internal/protocol"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestGetImagePathDownloadsAndVerifies(t *testing.T) {
	content := []byte("hello image bytes")
	checksum := sha256Hex(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir)

	info := protocol.ImageInfo{
		ProjectID:   "proj",
		ImageID:     "img1",
		Filename:    "disk.qcow2",
		Checksum:    checksum,
		DownloadURL: srv.URL,
	}

	path, err := c.GetImagePath(info)
	if err != nil {
		t.Fatalf("GetImagePath failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("cached content mismatch: got %q want %q", got, content)
	}
}

func TestGetImagePathChecksumMismatch(t *testing.T) {
	content := []byte("corrupt me")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir)

	info := protocol.ImageInfo{
		ProjectID:   "proj",
		ImageID:     "img2",
		Filename:    "disk.qcow2",
		Checksum:    "0000000000000000000000000000000000000000000000000000000000000",
		DownloadURL: srv.URL,
	}

	if _, err := c.GetImagePath(info); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

func TestIsCachedRemovesMismatchedFile(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	path := c.path("proj", "img3", "disk.qcow2")
	os.MkdirAll(dir+"/proj/img3", 0o755)
	os.WriteFile(path, []byte("stale"), 0o644)

	info := protocol.ImageInfo{ProjectID: "proj", ImageID: "img3", Filename: "disk.qcow2", Checksum: sha256Hex([]byte("fresh"))}

	ok, err := c.IsCached(info)
	if err != nil {
		t.Fatalf("IsCached: %v", err)
	}
	if ok {
		t.Fatal("expected IsCached to report false for mismatched content")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected mismatched file to be removed")
	}
}

// TestGetImagePathConcurrentDedup exercises the singleflight path: many
// concurrent callers for the same key should see exactly one download.
func TestGetImagePathConcurrentDedup(t *testing.T) {
	content := []byte("shared payload")
	checksum := sha256Hex(content)

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(dir)

	info := protocol.ImageInfo{
		ProjectID:   "proj",
		ImageID:     "shared",
		Filename:    "disk.qcow2",
		Checksum:    checksum,
		DownloadURL: srv.URL,
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetImagePath(info); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent GetImagePath failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("expected exactly one download, got %d", hits)
	}
}
