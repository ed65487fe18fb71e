package volume

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeQemuImg is a stand-in qemu-img that records its arguments and writes a
// plausible `info --output=json` response, so these tests exercise Manager's
// path/argument plumbing without requiring the real binary.
const fakeQemuImgScript = `#!/bin/sh
echo "$@" >> "$FAKE_QEMU_IMG_LOG"
case "$1" in
  info)
    echo '{"actual-size": 1048576, "virtual-size": 10737418240, "format": "qcow2", "dirty-flag": false, "encrypted": false, "backing-filename": ""}'
    ;;
  create|resize|convert)
    # no-op: the fake only logs its arguments and creates no file
    for a in "$@"; do :; done
    ;;
esac
exit 0
`

func installFakeQemuImg(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "qemu-img")
	if err := os.WriteFile(script, []byte(fakeQemuImgScript), 0o755); err != nil {
		t.Fatalf("write fake qemu-img: %v", err)
	}
	logPath := filepath.Join(dir, "log")
	os.Setenv("FAKE_QEMU_IMG_LOG", logPath)
	return script, logPath
}

func TestManagerCreateVolumePath(t *testing.T) {
	tool, _ := installFakeQemuImg(t)
	root := t.TempDir()
	m := New(root, nil, tool)

	path, err := m.Create("vol1", 10<<30, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := filepath.Join(root, "vol1", "volume.qcow2")
	if path != want {
		t.Errorf("got path %q want %q", path, want)
	}
}

func TestManagerSnapshotUnderVolumeDir(t *testing.T) {
	tool, _ := installFakeQemuImg(t)
	root := t.TempDir()
	m := New(root, nil, tool)

	parent, err := m.Create("vol2", 5<<30, "qcow2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snapPath, err := m.Snapshot("vol2", "snap1", parent)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := filepath.Join(root, "vol2", "snapshots", "snap1.qcow2")
	if snapPath != want {
		t.Errorf("got snapshot path %q want %q", snapPath, want)
	}
}

func TestManagerInfoParsesJSON(t *testing.T) {
	tool, _ := installFakeQemuImg(t)
	root := t.TempDir()
	m := New(root, nil, tool)

	info, err := m.Info(filepath.Join(root, "whatever.qcow2"))
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Format != "qcow2" {
		t.Errorf("got format %q want qcow2", info.Format)
	}
	if info.VirtualSizeBytes != 10737418240 {
		t.Errorf("got virtual size %d want 10737418240", info.VirtualSizeBytes)
	}
}

func TestManagerDeleteRemovesVolumeDir(t *testing.T) {
	tool, _ := installFakeQemuImg(t)
	root := t.TempDir()
	m := New(root, nil, tool)

	if _, err := m.Create("vol3", 1<<30, "qcow2"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete("vol3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "vol3")); !os.IsNotExist(err) {
		t.Fatal("expected volume directory to be removed")
	}
}
