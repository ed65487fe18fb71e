// Package hypervisor implements C7, the dispatcher that routes VM
// operations to the driver (C6) responsible for a given vm_id, plus the
// shared Driver contract every hypervisor backend implements.
package hypervisor

import (
	"errors"

	"github.com/strato-vm/hyperagent/internal/imagecache"
	"github.com/strato-vm/hyperagent/internal/protocol"
)

// VMState is the lifecycle state the dispatcher/driver reports for a VM.
type VMState string

const (
	StatePending  VMState = "pending"
	StateCreated  VMState = "created"
	StateRunning  VMState = "running"
	StatePaused   VMState = "paused"
	StateShutdown VMState = "shutdown"
	StateFailed   VMState = "failed"
)

// VMStatus is the status payload returned by get_status.
type VMStatus struct {
	VMID  string  `json:"vmId"`
	State VMState `json:"state"`
}

// VmInfo is the detailed info payload returned by get_info.
type VmInfo struct {
	VMID           string                   `json:"vmId"`
	HypervisorType protocol.HypervisorType  `json:"hypervisorType"`
	State          VMState                  `json:"state"`
	Config         protocol.VMConfig        `json:"config"`
}

var (
	ErrVMNotFound            = errors.New("hypervisor: vm not found")
	ErrVMAlreadyRunning      = errors.New("hypervisor: vm already running")
	ErrVMNotRunning          = errors.New("hypervisor: vm not running")
	ErrInvalidConfiguration  = errors.New("hypervisor: invalid configuration")
	ErrDiskError             = errors.New("hypervisor: disk error")
	ErrDiskCreationFailed    = errors.New("hypervisor: disk creation failed")
	ErrNetworkError          = errors.New("hypervisor: network error")
	ErrHypervisorNotInstalled = errors.New("hypervisor: hypervisor not installed")
	ErrTimeout               = errors.New("hypervisor: timeout")
	ErrNotSupported          = errors.New("hypervisor: not supported")
	ErrHotplugFailed         = errors.New("hypervisor: hotplug failed")
)

// ErrInvalidState reports a VM operation attempted from the wrong state.
type ErrInvalidState struct {
	Current, Expected VMState
}

func (e *ErrInvalidState) Error() string {
	return "hypervisor: invalid state: have " + string(e.Current) + ", want " + string(e.Expected)
}

// Driver is the capability set every hypervisor backend implements, keyed by
// vm_id. The dispatcher picks the driver; the driver owns per-VM resources
// thereafter.
type Driver interface {
	Create(vmID string, config protocol.VMConfig, image *protocol.ImageInfo) error
	Boot(vmID string) error
	Shutdown(vmID string) error
	Reboot(vmID string) error
	Pause(vmID string) error
	Resume(vmID string) error
	Delete(vmID string) error
	GetInfo(vmID string) (VmInfo, error)
	GetStatus(vmID string) (VMStatus, error)
	List() ([]string, error)

	AttachDisk(vmID, volumeID, path, deviceName string, readonly bool) error
	DetachDisk(vmID, volumeID, deviceName string) error
}

// ImageResolver resolves cached image payloads; satisfied by
// *imagecache.Cache.
type ImageResolver interface {
	GetImagePath(info protocol.ImageInfo) (string, error)
}

var _ ImageResolver = (*imagecache.Cache)(nil)
