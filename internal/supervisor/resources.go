package supervisor

import (
	"runtime"
	"syscall"

	proc "github.com/c9s/goprocinfo/linux"

	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

// probeResources reads host compute capacity the same way the teacher's own
// per-process stat collection does (src/minimega/proc.go): through
// c9s/goprocinfo's /proc readers rather than hand-rolled parsing. On
// non-Linux platforms it reports runtime.NumCPU() with fixed placeholder
// memory and disk figures, matching the
// teacher's own documented stub behavior for unsupported platforms (see
// DESIGN.md's Open Question (a) resolution).
func probeResources(storageRoot string) protocol.AgentResources {
	if runtime.GOOS != "linux" {
		log.Warn("supervisor: resource probing not implemented on %v, reporting placeholder figures", runtime.GOOS)
		return protocol.AgentResources{
			CPUCount:      runtime.NumCPU(),
			MemoryBytes:   4 << 30,
			DiskFreeBytes: 20 << 30,
		}
	}

	return protocol.AgentResources{
		CPUCount:      cpuCountFromProc(),
		MemoryBytes:   memTotalFromProc(),
		DiskFreeBytes: diskFreeBytes(storageRoot),
	}
}

func cpuCountFromProc() int {
	info, err := proc.ReadCPUInfo("/proc/cpuinfo")
	if err != nil || len(info.Processors) == 0 {
		return runtime.NumCPU()
	}
	return len(info.Processors)
}

func memTotalFromProc() uint64 {
	info, err := proc.ReadMemInfo("/proc/meminfo")
	if err != nil {
		return 0
	}
	return info.MemTotal * 1024
}

func diskFreeBytes(path string) uint64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		log.Warn("supervisor: statfs %v: %v", path, err)
		return 0
	}
	return stat.Bavail * uint64(stat.Bsize)
}
