package qemu

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/strato-vm/hyperagent/internal/network"
	"github.com/strato-vm/hyperagent/internal/protocol"
)

// buildArgs constructs the qemu argv for vmID given its config, working
// directory, disk paths (already provisioned), and network attachment (nil
// if the VM has no network). Modeled on minimega's
// minimega/kvm.go:qemuArgs.
func buildArgs(vmID string, cfg protocol.VMConfig, vmDir string, diskPaths []string, cloudInitISO string, net_ *network.VMNetworkInfo, fw firmwareConfig) []string {
	arch := runtime.GOARCH

	var args []string
	args = append(args, qemuBinary(arch))

	direct := cfg.Payload.Kernel != ""

	if arch == "arm64" {
		machine := "virt"
		if !direct {
			machine = "virt,gic-version=3"
		}
		args = append(args, "-machine", machine)
	} else {
		args = append(args, "-machine", "q35")
	}
	args = append(args, "-cpu", "host")

	memMiB := cfg.Memory.Size / (1 << 20)
	args = append(args, "-m", fmt.Sprintf("%d", memMiB))
	args = append(args, "-smp", fmt.Sprintf("%d", cfg.CPUs.BootVCPUs))

	args = append(args, "-accel", accelerator())

	args = append(args, "-nographic")

	qmpPath := filepath.Join(vmDir, "qmp")
	args = append(args, "-qmp", "unix:"+qmpPath+",server,nowait")

	// Two character devices are always present: virtio-console and serial.
	consolePath := filepath.Join(vmDir, "console.sock")
	serialPath := filepath.Join(vmDir, "serial.sock")
	args = append(args,
		"-chardev", "socket,id=charconsole0,path="+consolePath+",server=on,wait=off",
		"-device", "virtconsole,chardev=charconsole0,id=console0",
		"-chardev", "socket,id=charserial0,path="+serialPath+",server=on,wait=off",
		"-serial", "chardev:charserial0",
	)

	for i, d := range diskPaths {
		driveArg := fmt.Sprintf("file=%s,if=virtio,index=%d,media=disk", d, i)
		if i < len(cfg.Disks) && cfg.Disks[i].Readonly {
			driveArg += ",readonly=on"
		}
		args = append(args, "-drive", driveArg)
	}

	if cloudInitISO != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,media=cdrom,readonly=on", cloudInitISO))
	}

	args = append(args, networkArgs(vmID, cfg, net_)...)

	if direct {
		args = append(args, "-kernel", cfg.Payload.Kernel)
		if cfg.Payload.Initramfs != "" {
			args = append(args, "-initrd", cfg.Payload.Initramfs)
		}
		args = append(args, "-append", buildCmdline(cfg.Payload.Cmdline))
	} else if fw.path != "" {
		args = append(args, "-bios", fw.path)
	}

	return args
}

type firmwareConfig struct {
	path string
}

// resolveFirmwareForVM applies the priority order from SPEC_FULL.md §4.6.1:
// explicit per-VM firmware, then agent config, then platform default.
func resolveFirmwareForVM(explicit, configured string) firmwareConfig {
	defaults := firmwareDefaultsForArch(runtime.GOARCH)
	return firmwareConfig{path: resolveFirmware(explicit, configured, defaults)}
}

func qemuBinary(arch string) string {
	if arch == "arm64" {
		return "qemu-system-aarch64"
	}
	return "qemu-system-x86_64"
}

func accelerator() string {
	switch runtime.GOOS {
	case "linux":
		return "kvm"
	case "darwin":
		return "hvf"
	default:
		return "tcg"
	}
}

// buildCmdline appends any of the four known console parameters that aren't
// already present in the caller-supplied cmdline.
func buildCmdline(cmdline string) string {
	defaults := []string{"console=tty0", "console=ttyS0,115200", "console=ttyAMA0,115200", "console=hvc0"}

	present := make(map[string]bool)
	for _, tok := range strings.Fields(cmdline) {
		present[tok] = true
	}

	for _, d := range defaults {
		if !present[d] {
			if cmdline != "" {
				cmdline += " "
			}
			cmdline += d
		}
	}
	return cmdline
}

// networkArgs builds the -netdev/-device pair for the VM's first declared
// network, preferring a real tap, falling back to user-mode networking, and
// finally the per-interface MAC from config alone.
func networkArgs(vmID string, cfg protocol.VMConfig, info *network.VMNetworkInfo) []string {
	mac := ""
	if len(cfg.Networks) > 0 {
		mac = cfg.Networks[0].MAC
	}

	if info != nil && info.TapInterface != "" && info.TapInterface != "n/a" {
		if info.MAC != "" {
			mac = info.MAC
		}
		return []string{
			"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", info.TapInterface),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", mac),
		}
	}

	if info != nil {
		if info.MAC != "" {
			mac = info.MAC
		}
		return []string{
			"-netdev", "user,id=net0",
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", mac),
		}
	}

	if mac == "" {
		return nil
	}
	return []string{
		"-netdev", "user,id=net0",
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", mac),
	}
}
