package protocol

// HypervisorType identifies which driver owns a VM.
type HypervisorType string

const (
	HypervisorQEMU        HypervisorType = "qemu"
	HypervisorFirecracker HypervisorType = "firecracker"
)

// CPUConfig carries the boot and max vCPU counts for a VM.
type CPUConfig struct {
	BootVCPUs int `json:"bootVcpus"`
	MaxVCPUs  int `json:"maxVcpus"`
}

// MemoryConfig carries the VM's memory size in bytes.
type MemoryConfig struct {
	Size uint64 `json:"size"`
}

// PayloadConfig describes how the VM boots: a direct kernel, or firmware
// (UEFI) that boots from disk.
type PayloadConfig struct {
	Kernel     string `json:"kernel,omitempty"`
	Initramfs  string `json:"initramfs,omitempty"`
	Cmdline    string `json:"cmdline,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
}

// DiskConfig describes one disk attached to a VM.
type DiskConfig struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly,omitempty"`
	Direct   bool   `json:"direct,omitempty"`
	ID       string `json:"id,omitempty"`
}

// NetworkConfig describes one network interface requested for a VM.
type NetworkConfig struct {
	ID  string `json:"id,omitempty"`
	MAC string `json:"mac,omitempty"`
	IP  string `json:"ip,omitempty"`
}

// VMConfig is the full configuration carried by a vm_create message.
type VMConfig struct {
	CPUs     CPUConfig       `json:"cpus"`
	Memory   MemoryConfig    `json:"memory"`
	Payload  PayloadConfig   `json:"payload"`
	Disks    []DiskConfig    `json:"disks,omitempty"`
	Networks []NetworkConfig `json:"networks,omitempty"`

	Serial  *bool `json:"serial,omitempty"`
	Console *bool `json:"console,omitempty"`
	IOMMU   *bool `json:"iommu,omitempty"`
	Watchdog *bool `json:"watchdog,omitempty"`
	PVPanic *bool `json:"pvpanic,omitempty"`
	RNG     *bool `json:"rng,omitempty"`
}

// NetworkCreateRequest is the payload of a network_create message.
type NetworkCreateRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Subnet string `json:"subnet,omitempty"`
}

// NetworkTargetRequest is the payload of network_delete/network_info.
type NetworkTargetRequest struct {
	ID string `json:"id"`
}

// NetworkAttachRequest is the payload of network_attach/network_detach.
type NetworkAttachRequest struct {
	VMID string `json:"vmId"`
	ID   string `json:"networkId"`
}

// NetworkListResponse is the payload of a network_list reply.
type NetworkListResponse struct {
	Networks []LogicalNetworkInfo `json:"networks"`
}

// LogicalNetworkInfo mirrors network.LogicalNetwork without importing that
// package from protocol.
type LogicalNetworkInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Subnet string `json:"subnet,omitempty"`
}

// VolumeCreateRequest is the payload of a volume_create message.
type VolumeCreateRequest struct {
	VolumeID string     `json:"volumeId"`
	Size     int64      `json:"size,omitempty"`
	Format   string      `json:"format,omitempty"`
	Image    *ImageInfo `json:"image,omitempty"`
}

// VolumeTargetRequest is the payload of volume_delete/volume_info.
type VolumeTargetRequest struct {
	VolumeID string `json:"volumeId"`
}

// VolumeAttachRequest is the payload of volume_attach/volume_detach.
type VolumeAttachRequest struct {
	VMID       string `json:"vmId"`
	VolumeID   string `json:"volumeId"`
	DeviceName string `json:"deviceName"`
	Readonly   bool   `json:"readonly,omitempty"`
}

// VolumeResizeRequest is the payload of a volume_resize message.
type VolumeResizeRequest struct {
	VolumeID string `json:"volumeId"`
	NewSize  int64  `json:"newSize"`
}

// VolumeSnapshotRequest is the payload of a volume_snapshot message.
type VolumeSnapshotRequest struct {
	VolumeID   string `json:"volumeId"`
	SnapshotID string `json:"snapshotId"`
}

// VolumeCloneRequest is the payload of a volume_clone message.
type VolumeCloneRequest struct {
	VolumeID string `json:"volumeId"`
	TargetID string `json:"targetId"`
}

// VolumeInfoResponse is the payload of a volume_info reply.
type VolumeInfoResponse struct {
	VolumeID        string `json:"volumeId"`
	Path            string `json:"path"`
	Format          string `json:"format"`
	ActualSizeBytes int64  `json:"actualSizeBytes"`
	VirtualSizeBytes int64 `json:"virtualSizeBytes"`
	BackingFilename string `json:"backingFilename,omitempty"`
}

// ImageInfo identifies a cacheable image payload and where to fetch it.
type ImageInfo struct {
	ImageID     string `json:"imageId"`
	ProjectID   string `json:"projectId"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"` // hex sha256
	DownloadURL string `json:"downloadUrl"`
}

// VMCreateRequest is the payload of a vm_create message.
type VMCreateRequest struct {
	VMID string `json:"vmId"`
	VMData struct {
		HypervisorType HypervisorType `json:"hypervisorType"`
		Config         VMConfig       `json:"config"`
		Image          *ImageInfo     `json:"image,omitempty"`
	} `json:"vmData"`
}

// VMTargetRequest is the payload of any per-VM message that only needs a
// vm_id (boot, shutdown, reboot, pause, resume, delete, info, status).
type VMTargetRequest struct {
	VMID string `json:"vmId"`
}

// StatusUpdate is an outbound notification of a VM state transition.
type StatusUpdate struct {
	VMID   string `json:"vmId"`
	Status string `json:"status"`
}

// VMLog is an outbound structured log event tied to a VM lifecycle action.
type VMLog struct {
	VMID            string `json:"vmId"`
	Level           string `json:"level"`
	EventType       string `json:"eventType"`
	Message         string `json:"message"`
	Operation       string `json:"operation,omitempty"`
	PreviousStatus  string `json:"previousStatus,omitempty"`
	NewStatus       string `json:"newStatus,omitempty"`
}

// ConsoleConnectRequest is the payload of a console_connect message.
type ConsoleConnectRequest struct {
	VMID      string `json:"vmId"`
	SessionID string `json:"sessionId"`
}

// ConsoleDisconnectRequest is the payload of a console_disconnect message.
type ConsoleDisconnectRequest struct {
	SessionID string `json:"sessionId"`
}

// ConsoleData carries base64-encoded console bytes in either direction.
type ConsoleData struct {
	VMID      string `json:"vmId"`
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"` // json marshals []byte as base64
}

// AgentRegister is the payload of the agent_register message.
type AgentRegister struct {
	InitialID    string            `json:"initialId"`
	Hostname     string            `json:"hostname"`
	Version      string            `json:"version"`
	Capabilities []string          `json:"capabilities"`
	Resources    AgentResources    `json:"resources"`
}

// AgentResources describes the host's compute resources.
type AgentResources struct {
	CPUCount      int    `json:"cpuCount"`
	MemoryBytes   uint64 `json:"memoryBytes"`
	DiskFreeBytes uint64 `json:"diskFreeBytes"`
}

// AgentRegisterResponse is the payload of agent_register_response.
type AgentRegisterResponse struct {
	AssignedID string `json:"assignedId"`
}

// AgentHeartbeat is the payload of the periodic resource heartbeat.
type AgentHeartbeat struct {
	EffectiveID string   `json:"effectiveId"`
	Resources   AgentResources `json:"resources"`
	RunningVMs  []string `json:"runningVms"`
}

// AgentUnregister is the payload sent best-effort on shutdown.
type AgentUnregister struct {
	EffectiveID string `json:"effectiveId"`
	Reason      string `json:"reason"`
}
