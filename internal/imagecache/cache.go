// Package imagecache implements C3: a content-addressed, integrity-checked
// local cache of image payloads downloaded from the control plane.
package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

var (
	ErrInvalidDownloadURL = errors.New("imagecache: invalid download url")
	ErrDownloadFailed     = errors.New("imagecache: download failed")
	ErrChecksumMismatch   = errors.New("imagecache: checksum mismatch")
	ErrFileNotFound       = errors.New("imagecache: file not found")
	ErrStorageFailed      = errors.New("imagecache: storage failed")
)

const hashBlockSize = 1 << 20 // 1 MiB

// Cache is a content-addressed disk cache keyed by (projectID, imageID,
// filename). Reads are safe under concurrent writers: the final path is
// only ever populated by an atomic rename from a temp file.
type Cache struct {
	root   string
	client *http.Client
	group  singleflight.Group
}

// New creates a Cache rooted at root. It does not create root; per-image
// directories are created on first download.
func New(root string) *Cache {
	return &Cache{
		root:   root,
		client: &http.Client{},
	}
}

func (c *Cache) path(projectID, imageID, filename string) string {
	return filepath.Join(c.root, projectID, imageID, filename)
}

// GetImagePath returns the local path to the image described by info,
// downloading it if absent or if the existing file fails checksum.
// Concurrent calls for the same (projectID, imageID, filename) key are
// deduplicated onto a single download via singleflight.
func (c *Cache) GetImagePath(info protocol.ImageInfo) (string, error) {
	key := info.ProjectID + "/" + info.ImageID + "/" + info.Filename

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.getImagePath(info)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) getImagePath(info protocol.ImageInfo) (string, error) {
	path := c.path(info.ProjectID, info.ImageID, info.Filename)

	if ok, err := c.verify(path, info.Checksum); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	if err := c.download(path, info); err != nil {
		return "", err
	}

	ok, err := c.verify(path, info.Checksum)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: expected %s", ErrChecksumMismatch, info.Checksum)
	}
	return path, nil
}

// IsCached reports whether a verified copy of the image already exists,
// deleting the file if present but checksum-mismatched.
func (c *Cache) IsCached(info protocol.ImageInfo) (bool, error) {
	path := c.path(info.ProjectID, info.ImageID, info.Filename)
	return c.verify(path, info.Checksum)
}

// verify reports whether path exists and its streamed SHA-256 equals
// wantChecksum. A mismatched file is unlinked as a side effect.
func (c *Cache) verify(path, wantChecksum string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	defer f.Close()

	actual, err := streamSHA256(f)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}

	if actual != wantChecksum {
		log.Warn("imagecache: checksum mismatch for %v: want %v got %v", path, wantChecksum, actual)
		os.Remove(path)
		return false, nil
	}
	return true, nil
}

func streamSHA256(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// download fetches info.DownloadURL into a temp file alongside the final
// path, then atomically renames it into place.
func (c *Cache) download(finalPath string, info protocol.ImageInfo) error {
	if info.DownloadURL == "" {
		return ErrInvalidDownloadURL
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}

	resp, err := c.client.Get(info.DownloadURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.CopyBuffer(tmp, resp.Body, make([]byte, hashBlockSize)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return nil
}

// DeleteImage removes an image's entire directory tree.
func (c *Cache) DeleteImage(projectID, imageID string) error {
	dir := filepath.Join(c.root, projectID, imageID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	return nil
}

// Cleanup deletes cached files (never directories) whose mtime is older
// than maxAge. Empty directories are left in place.
func (c *Cache) Cleanup(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	return filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warn("imagecache: cleanup: %v", rmErr)
			}
		}
		return nil
	})
}

// Size returns the sum of regular-file sizes under the cache root.
func (c *Cache) Size() (int64, error) {
	var total int64
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
