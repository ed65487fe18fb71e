package firecracker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/strato-vm/hyperagent/internal/hypervisor"
	"github.com/strato-vm/hyperagent/internal/network"
	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

const (
	socketWaitTimeout = 5 * time.Second
	defaultBootArgs   = "console=ttyS0 reboot=k panic=1 pci=off"
)

type vmState string

const (
	stateNotStarted vmState = "not_started"
	stateRunning    vmState = "running"
	statePaused     vmState = "paused"
)

type vmHandle struct {
	mu sync.Mutex

	id     string
	dir    string
	socket string
	config protocol.VMConfig

	cmd   *exec.Cmd
	state vmState

	networkInfo *network.VMNetworkInfo
}

// Driver implements hypervisor.Driver for Firecracker microVMs. Linux-only;
// every method short-circuits with hypervisor.ErrNotSupported elsewhere.
type Driver struct {
	storageRoot  string
	binaryPath   string
	kernelPath   string

	cache hypervisor.ImageResolver
	net   network.Service

	mu  sync.Mutex
	vms map[string]*vmHandle
}

func New(storageRoot, binaryPath, kernelPath string, cache hypervisor.ImageResolver, net network.Service) *Driver {
	return &Driver{
		storageRoot: storageRoot,
		binaryPath:  binaryPath,
		kernelPath:  kernelPath,
		cache:       cache,
		net:         net,
		vms:         make(map[string]*vmHandle),
	}
}

func supported() bool {
	return runtime.GOOS == "linux"
}

func (d *Driver) vmDir(vmID string) string {
	return filepath.Join(d.storageRoot, vmID)
}

func (d *Driver) Create(vmID string, config protocol.VMConfig, image *protocol.ImageInfo) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}

	d.mu.Lock()
	if _, exists := d.vms[vmID]; exists {
		d.mu.Unlock()
		return hypervisor.ErrVMAlreadyRunning
	}
	d.mu.Unlock()

	dir := d.vmDir(vmID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrDiskError, err)
	}

	rootfs := filepath.Join(dir, "rootfs.ext4")
	if image != nil {
		src, err := d.cache.GetImagePath(*image)
		if err != nil {
			return fmt.Errorf("%w: %v", hypervisor.ErrDiskError, err)
		}
		if err := copyFile(src, rootfs); err != nil {
			return fmt.Errorf("%w: %v", hypervisor.ErrDiskError, err)
		}
	} else if len(config.Disks) > 0 && config.Disks[0].Path != "" {
		rootfs = config.Disks[0].Path
	} else {
		return hypervisor.ErrDiskCreationFailed
	}

	var netInfo *network.VMNetworkInfo
	if len(config.Networks) > 0 && d.net != nil {
		n := config.Networks[0]
		info, err := d.net.CreateVMNetwork(vmID, n.ID, n.MAC, n.IP)
		if err != nil {
			return fmt.Errorf("%w: %v", hypervisor.ErrNetworkError, err)
		}
		netInfo = &info
	}

	socket := filepath.Join(dir, "firecracker.sock")
	os.Remove(socket)

	cmd := exec.Command(d.binaryPath, "--api-sock", socket)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start firecracker: %v", hypervisor.ErrHypervisorNotInstalled, err)
	}

	if err := waitForSocket(socket, socketWaitTimeout); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}

	handle := &vmHandle{
		id:          vmID,
		dir:         dir,
		socket:      socket,
		config:      config,
		cmd:         cmd,
		state:       stateNotStarted,
		networkInfo: netInfo,
	}

	if err := d.configure(handle, rootfs); err != nil {
		cmd.Process.Kill()
		return err
	}

	d.mu.Lock()
	d.vms[vmID] = handle
	d.mu.Unlock()

	return nil
}

func (d *Driver) configure(h *vmHandle, rootfs string) error {
	bootArgs := defaultBootArgs
	if h.config.Payload.Cmdline != "" {
		bootArgs = h.config.Payload.Cmdline
	}
	kernel := d.kernelPath
	if h.config.Payload.Kernel != "" {
		kernel = h.config.Payload.Kernel
	}

	if err := apiCall(h.socket, "PUT", "/boot-source", map[string]interface{}{
		"kernel_image_path": kernel,
		"boot_args":         bootArgs,
	}); err != nil {
		return fmt.Errorf("%w: boot-source: %v", hypervisor.ErrDiskError, err)
	}

	if err := apiCall(h.socket, "PUT", "/drives/rootfs", map[string]interface{}{
		"drive_id":       "rootfs",
		"path_on_host":   rootfs,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return fmt.Errorf("%w: drive: %v", hypervisor.ErrDiskError, err)
	}

	if h.networkInfo != nil && h.networkInfo.TapInterface != "" && h.networkInfo.TapInterface != "n/a" {
		iface := map[string]interface{}{
			"iface_id":      "eth0",
			"host_dev_name": h.networkInfo.TapInterface,
		}
		if h.networkInfo.MAC != "" {
			iface["guest_mac"] = h.networkInfo.MAC
		}
		if err := apiCall(h.socket, "PUT", "/network-interfaces/eth0", iface); err != nil {
			return fmt.Errorf("%w: network-interfaces: %v", hypervisor.ErrNetworkError, err)
		}
	}

	vcpus := h.config.CPUs.BootVCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	memMiB := h.config.Memory.Size / (1 << 20)
	if memMiB == 0 {
		memMiB = 128
	}
	if err := apiCall(h.socket, "PUT", "/machine-config", map[string]interface{}{
		"vcpu_count":   vcpus,
		"mem_size_mib": memMiB,
	}); err != nil {
		return fmt.Errorf("%w: machine-config: %v", hypervisor.ErrDiskError, err)
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
	_, err = out.ReadFrom(in)
	return err
}

func (d *Driver) get(vmID string) (*vmHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.vms[vmID]
	if !ok {
		return nil, hypervisor.ErrVMNotFound
	}
	return h, nil
}

func (d *Driver) Boot(vmID string) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateNotStarted {
		return &hypervisor.ErrInvalidState{Current: hypervisor.VMState(h.state), Expected: hypervisor.StateCreated}
	}
	if err := apiCall(h.socket, "PUT", "/actions", map[string]interface{}{"action_type": "InstanceStart"}); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = stateRunning
	return nil
}

func (d *Driver) Shutdown(vmID string) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := apiCall(h.socket, "PUT", "/actions", map[string]interface{}{"action_type": "SendCtrlAltDel"}); err != nil {
		log.Warn("firecracker: send-ctrl-alt-del %v: %v, killing process", vmID, err)
		if h.cmd != nil && h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
	}
	h.state = stateNotStarted
	return nil
}

func (d *Driver) Reboot(vmID string) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := apiCall(h.socket, "PUT", "/actions", map[string]interface{}{"action_type": "SendCtrlAltDel"}); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	return nil
}

func (d *Driver) Pause(vmID string) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateRunning {
		return &hypervisor.ErrInvalidState{Current: hypervisor.VMState(h.state), Expected: hypervisor.StateRunning}
	}
	if err := apiCall(h.socket, "PATCH", "/vm", map[string]interface{}{"state": "Paused"}); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = statePaused
	return nil
}

func (d *Driver) Resume(vmID string) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != statePaused {
		return &hypervisor.ErrInvalidState{Current: hypervisor.VMState(h.state), Expected: hypervisor.StatePaused}
	}
	if err := apiCall(h.socket, "PATCH", "/vm", map[string]interface{}{"state": "Resumed"}); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = stateRunning
	return nil
}

func (d *Driver) Delete(vmID string) error {
	if !supported() {
		return hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.networkInfo != nil && d.net != nil {
		if err := d.net.DetachVM(vmID, h.networkInfo.NetworkID); err != nil {
			log.Warn("firecracker: detach network for %v: %v", vmID, err)
		}
	}
	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	os.Remove(h.socket)
	h.mu.Unlock()

	d.mu.Lock()
	delete(d.vms, vmID)
	d.mu.Unlock()

	return nil
}

func (d *Driver) GetInfo(vmID string) (hypervisor.VmInfo, error) {
	if !supported() {
		return hypervisor.VmInfo{}, hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return hypervisor.VmInfo{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return hypervisor.VmInfo{
		VMID:           vmID,
		HypervisorType: protocol.HypervisorFirecracker,
		State:          mapState(h.state),
		Config:         h.config,
	}, nil
}

func (d *Driver) GetStatus(vmID string) (hypervisor.VMStatus, error) {
	if !supported() {
		return hypervisor.VMStatus{}, hypervisor.ErrNotSupported
	}
	h, err := d.get(vmID)
	if err != nil {
		return hypervisor.VMStatus{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return hypervisor.VMStatus{VMID: vmID, State: mapState(h.state)}, nil
}

func mapState(s vmState) hypervisor.VMState {
	switch s {
	case stateRunning:
		return hypervisor.StateRunning
	case statePaused:
		return hypervisor.StatePaused
	default:
		return hypervisor.StateCreated
	}
}

func (d *Driver) List() ([]string, error) {
	if !supported() {
		return nil, hypervisor.ErrNotSupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.vms))
	for id := range d.vms {
		ids = append(ids, id)
	}
	return ids, nil
}

// AttachDisk and DetachDisk are unsupported: Firecracker's drive API has no
// stable hotplug path comparable to QMP's blockdev-add/device_add.
func (d *Driver) AttachDisk(vmID, volumeID, path, deviceName string, readonly bool) error {
	return hypervisor.ErrNotSupported
}

func (d *Driver) DetachDisk(vmID, volumeID, deviceName string) error {
	return hypervisor.ErrNotSupported
}

var _ hypervisor.Driver = (*Driver)(nil)
