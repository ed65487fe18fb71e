package qemu

import "os"

// arm64FirmwareDefaults and x86FirmwareDefaults are the platform default
// UEFI firmware search paths, tried in order.
var arm64FirmwareDefaults = []string{
	"edk2-aarch64-code.fd",
	"AAVMF_CODE.fd",
	"QEMU_EFI.fd",
}

var x86FirmwareDefaults = []string{
	"edk2-x86_64-code.fd",
	"OVMF_CODE.fd",
}

// resolveFirmware returns the first existing path among explicit, configured,
// and the platform defaults, in that order, or "" if none exists.
func resolveFirmware(explicit, configured string, platformDefaults []string) string {
	candidates := make([]string, 0, 2+len(platformDefaults))
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if configured != "" {
		candidates = append(candidates, configured)
	}
	candidates = append(candidates, platformDefaults...)

	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firmwareDefaultsForArch(arch string) []string {
	if arch == "arm64" {
		return arm64FirmwareDefaults
	}
	return x86FirmwareDefaults
}
