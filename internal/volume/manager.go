// Package volume implements C4: disk image lifecycle (create, clone,
// snapshot, resize, info) backed by the qemu-img tool, grounded on the
// teacher's own qemu-img invocation idiom (minimega/disk.go).
package volume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/strato-vm/hyperagent/internal/imagecache"
	"github.com/strato-vm/hyperagent/internal/protocol"
)

var (
	ErrCreateFailed   = errors.New("volume: create failed")
	ErrDeleteFailed   = errors.New("volume: delete failed")
	ErrResizeFailed   = errors.New("volume: resize failed")
	ErrSnapshotFailed = errors.New("volume: snapshot failed")
	ErrCloneFailed    = errors.New("volume: clone failed")
	ErrInfoFailed     = errors.New("volume: info failed")
	ErrNotFound       = errors.New("volume: not found")
)

const defaultFormat = "qcow2"

// Info is the parsed result of `qemu-img info --output=json`.
type Info struct {
	ActualSizeBytes  int64  `json:"actual-size"`
	VirtualSizeBytes int64  `json:"virtual-size"`
	Format           string `json:"format"`
	Dirty            bool   `json:"dirty-flag"`
	Encrypted        bool   `json:"encrypted"`
	BackingFilename  string `json:"backing-filename"`
}

// Manager manages disk volumes rooted at <volRoot>/<volume_id>/volume.<fmt>.
type Manager struct {
	root      string
	cache     *imagecache.Cache
	imageTool string
}

// New creates a Manager rooted at volRoot, using the cache to resolve image
// payloads for create-from-image and the given qemu-img binary name/path.
func New(volRoot string, cache *imagecache.Cache, imageTool string) *Manager {
	if imageTool == "" {
		imageTool = "qemu-img"
	}
	return &Manager{root: volRoot, cache: cache, imageTool: imageTool}
}

func (m *Manager) volumeDir(volumeID string) string {
	return filepath.Join(m.root, volumeID)
}

func (m *Manager) volumePath(volumeID, format string) string {
	return filepath.Join(m.volumeDir(volumeID), "volume."+format)
}

func (m *Manager) run(args ...string) (string, error) {
	cmd := exec.Command(m.imageTool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%v: %v", err, string(out))
	}
	return string(out), nil
}

// Create makes a new empty volume of size bytes in format (default qcow2).
func (m *Manager) Create(volumeID string, size int64, format string) (string, error) {
	if format == "" {
		format = defaultFormat
	}
	if err := os.MkdirAll(m.volumeDir(volumeID), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	path := m.volumePath(volumeID, format)
	if _, err := m.run("create", "-f", format, path, fmt.Sprintf("%d", size)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return path, nil
}

// CreateFromImage copies a cached image into a new volume.qcow2.
func (m *Manager) CreateFromImage(volumeID string, image protocol.ImageInfo) (string, error) {
	srcPath, err := m.cache.GetImagePath(image)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	if err := os.MkdirAll(m.volumeDir(volumeID), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	dstPath := m.volumePath(volumeID, defaultFormat)
	if err := copyFile(srcPath, dstPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return dstPath, nil
}

// Resize grows or shrinks the volume at path to newSize bytes.
func (m *Manager) Resize(path string, newSize int64) error {
	if _, err := m.run("resize", path, fmt.Sprintf("%d", newSize)); err != nil {
		return fmt.Errorf("%w: %v", ErrResizeFailed, err)
	}
	return nil
}

// Snapshot creates <vol_root>/<volume_id>/snapshots/<snapshot_id>.qcow2
// backed by parentPath.
func (m *Manager) Snapshot(volumeID, snapshotID, parentPath string) (string, error) {
	dir := filepath.Join(m.volumeDir(volumeID), "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	snapPath := filepath.Join(dir, snapshotID+".qcow2")
	if _, err := m.run("create", "-f", "qcow2", "-b", parentPath, "-F", "qcow2", snapPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return snapPath, nil
}

// Clone makes a full, backing-file-free copy of srcPath as the volume
// targetID.
func (m *Manager) Clone(srcID, srcPath, targetID string) (string, error) {
	if err := os.MkdirAll(m.volumeDir(targetID), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}

	dstPath := m.volumePath(targetID, defaultFormat)
	if _, err := m.run("convert", "-f", "qcow2", "-O", "qcow2", srcPath, dstPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	return dstPath, nil
}

// Info parses `qemu-img info --output=json` for path.
func (m *Manager) Info(path string) (Info, error) {
	out, err := m.run("info", "--output=json", path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInfoFailed, err)
	}

	var info Info
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInfoFailed, err)
	}
	return info, nil
}

// Delete removes the volume's entire directory.
func (m *Manager) Delete(volumeID string) error {
	if err := os.RemoveAll(m.volumeDir(volumeID)); err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}
