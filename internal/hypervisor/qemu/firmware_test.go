package qemu

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveFirmwarePrefersExplicit(t *testing.T) {
	dir := t.TempDir()
	explicit := touch(t, dir, "explicit.fd")
	configured := touch(t, dir, "configured.fd")

	got := resolveFirmware(explicit, configured, []string{touch(t, dir, "default.fd")})
	if got != explicit {
		t.Errorf("got %q want explicit path %q", got, explicit)
	}
}

func TestResolveFirmwareFallsBackToConfigured(t *testing.T) {
	dir := t.TempDir()
	configured := touch(t, dir, "configured.fd")
	missingExplicit := filepath.Join(dir, "does-not-exist.fd")

	got := resolveFirmware(missingExplicit, configured, []string{touch(t, dir, "default.fd")})
	if got != configured {
		t.Errorf("got %q want configured path %q", got, configured)
	}
}

func TestResolveFirmwareFallsBackToPlatformDefault(t *testing.T) {
	dir := t.TempDir()
	def := touch(t, dir, "default.fd")

	got := resolveFirmware(filepath.Join(dir, "nope1"), filepath.Join(dir, "nope2"), []string{filepath.Join(dir, "also-nope"), def})
	if got != def {
		t.Errorf("got %q want platform default %q", got, def)
	}
}

func TestResolveFirmwareReturnsEmptyWhenNothingExists(t *testing.T) {
	dir := t.TempDir()
	got := resolveFirmware(filepath.Join(dir, "a"), filepath.Join(dir, "b"), []string{filepath.Join(dir, "c")})
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestFirmwareDefaultsForArch(t *testing.T) {
	if got := firmwareDefaultsForArch("arm64"); len(got) != len(arm64FirmwareDefaults) {
		t.Errorf("expected arm64 defaults, got %v", got)
	}
	if got := firmwareDefaultsForArch("x86_64"); len(got) != len(x86FirmwareDefaults) {
		t.Errorf("expected x86_64 defaults, got %v", got)
	}
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("fake firmware"), 0o644); err != nil {
		t.Fatalf("write %v: %v", path, err)
	}
	return path
}
