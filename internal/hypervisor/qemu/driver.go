package qemu

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/strato-vm/hyperagent/internal/hypervisor"
	"github.com/strato-vm/hyperagent/internal/network"
	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

const (
	createTimeout      = 30 * time.Second
	qmpConnectRetry    = 60
	qmpConnectDelay    = 500 * time.Millisecond
	pendingWaitRetries = 120
	pendingWaitDelay   = 500 * time.Millisecond
)

// vmHandle is the per-VM state the QEMU driver owns after a successful
// Create.
type vmHandle struct {
	mu sync.Mutex

	id     string
	dir    string
	config protocol.VMConfig

	cmd *exec.Cmd
	qmp *qmpConn

	state       hypervisor.VMState
	networkInfo *network.VMNetworkInfo

	consoleSocket string
	serialSocket  string
}

// Driver implements hypervisor.Driver for QEMU-managed VMs.
type Driver struct {
	storageRoot      string
	configuredFirmware string

	cache hypervisor.ImageResolver
	net   network.Service

	mu      sync.Mutex
	vms     map[string]*vmHandle
	pending map[string]chan struct{}
}

// New creates a QEMU driver rooted at storageRoot (vm working directories
// live at storageRoot/<vm_id>/).
func New(storageRoot, configuredFirmware string, cache hypervisor.ImageResolver, net network.Service) *Driver {
	return &Driver{
		storageRoot:        storageRoot,
		configuredFirmware: configuredFirmware,
		cache:              cache,
		net:                net,
		vms:                make(map[string]*vmHandle),
		pending:             make(map[string]chan struct{}),
	}
}

func (d *Driver) vmDir(vmID string) string {
	return filepath.Join(d.storageRoot, vmID)
}

// Create provisions disks, networking, and launches the QEMU process,
// connecting to its QMP socket before returning. Guarded by a 30s timeout;
// on timeout the spawned process is destroyed.
func (d *Driver) Create(vmID string, config protocol.VMConfig, image *protocol.ImageInfo) error {
	d.mu.Lock()
	if _, exists := d.vms[vmID]; exists {
		d.mu.Unlock()
		return hypervisor.ErrVMAlreadyRunning
	}
	marker := make(chan struct{})
	d.pending[vmID] = marker
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- d.create(vmID, config, image) }()

	select {
	case err := <-done:
		d.mu.Lock()
		delete(d.pending, vmID)
		d.mu.Unlock()
		close(marker)
		return err
	case <-time.After(createTimeout):
		d.mu.Lock()
		delete(d.pending, vmID)
		d.mu.Unlock()
		close(marker)
		// best-effort: kill whatever got spawned in the background goroutine
		go func() {
			if err := <-done; err != nil {
				log.Error("qemu: create %v timed out and also failed: %v", vmID, err)
				return
			}
			log.Warn("qemu: create %v finished after timing out, destroying it", vmID)
			if err := d.Delete(vmID); err != nil {
				log.Error("qemu: destroy late-created %v: %v", vmID, err)
			}
		}()
		return hypervisor.ErrTimeout
	}
}

func (d *Driver) create(vmID string, config protocol.VMConfig, image *protocol.ImageInfo) (err error) {
	dir := d.vmDir(vmID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrDiskError, err)
	}

	handle := &vmHandle{
		id:            vmID,
		dir:           dir,
		config:        config,
		state:         hypervisor.StatePending,
		consoleSocket: filepath.Join(dir, "console.sock"),
		serialSocket:  filepath.Join(dir, "serial.sock"),
	}

	defer func() {
		if err != nil && handle.cmd != nil && handle.cmd.Process != nil {
			handle.cmd.Process.Kill()
		}
	}()

	diskPaths, err := d.provisionDisks(dir, config, image)
	if err != nil {
		return err
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
	handle.networkInfo = netInfo

	var cloudInitISO string
	if config.Payload.Kernel == "" {
		cloudInitISO, err = writeCloudInitISO(dir, vmID, vmID)
		if err != nil {
			log.Warn("qemu: cloud-init iso build failed for %v: %v", vmID, err)
			cloudInitISO = ""
		}
	}

	fw := firmwareConfig{}
	if config.Payload.Kernel == "" {
		fw = resolveFirmwareForVM(config.Payload.Firmware, d.configuredFirmware)
		if fw.path == "" {
			log.Warn("qemu: no firmware found for %v, attempting boot without one", vmID)
		}
	}

	args := buildArgs(vmID, config, dir, diskPaths, cloudInitISO, netInfo, fw)

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start qemu: %v", hypervisor.ErrHypervisorNotInstalled, err)
	}
	handle.cmd = cmd

	go func() {
		if waitErr := cmd.Wait(); waitErr != nil {
			log.Info("qemu: vm %v process exited: %v", vmID, waitErr)
		} else {
			log.Info("qemu: vm %v process exited", vmID)
		}
	}()

	qmp, err := d.connectQMP(filepath.Join(dir, "qmp"))
	if err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	handle.qmp = qmp
	handle.state = hypervisor.StateRunning // launched unpaused, no cont on boot path

	d.mu.Lock()
	d.vms[vmID] = handle
	d.mu.Unlock()

	return nil
}

func (d *Driver) connectQMP(path string) (*qmpConn, error) {
	var lastErr error
	for i := 0; i < qmpConnectRetry; i++ {
		q, err := dialQMP(path)
		if err == nil {
			return q, nil
		}
		lastErr = err
		time.Sleep(qmpConnectDelay)
	}
	return nil, fmt.Errorf("failed to connect to qmp: %v", lastErr)
}

// provisionDisks copies the cached image (if supplied) to disk.qcow2, and
// copies any additional configured disk from the first disk's template if
// its file is absent.
func (d *Driver) provisionDisks(dir string, config protocol.VMConfig, image *protocol.ImageInfo) ([]string, error) {
	var paths []string

	primary := filepath.Join(dir, "disk.qcow2")
	if image != nil {
		if _, err := os.Stat(primary); err != nil {
			src, err := d.cache.GetImagePath(*image)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", hypervisor.ErrDiskError, err)
			}
			if err := copyFile(src, primary); err != nil {
				return nil, fmt.Errorf("%w: %v", hypervisor.ErrDiskError, err)
			}
		}
		paths = append(paths, primary)
	}

	for _, disk := range config.Disks {
		if disk.Path == "" {
			continue
		}
		if _, err := os.Stat(disk.Path); err == nil {
			paths = append(paths, disk.Path)
			continue
		}
		if len(paths) == 0 {
			return nil, hypervisor.ErrDiskCreationFailed
		}
		if err := copyFile(paths[0], disk.Path); err != nil {
			return nil, fmt.Errorf("%w: %v", hypervisor.ErrDiskCreationFailed, err)
		}
		paths = append(paths, disk.Path)
	}

	return paths, nil
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

// waitPending blocks until vmID is no longer pending, up to 60s (120 *
// 0.5s), matching SPEC_FULL.md's boot-vs-create race rule.
func (d *Driver) waitPending(vmID string) {
	d.mu.Lock()
	marker, ok := d.pending[vmID]
	d.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-marker:
	case <-time.After(time.Duration(pendingWaitRetries) * pendingWaitDelay):
	}
}

func (d *Driver) get(vmID string) (*vmHandle, error) {
	d.waitPending(vmID)

	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.vms[vmID]
	if !ok {
		return nil, hypervisor.ErrVMNotFound
	}
	return h, nil
}

// Boot is idempotent: QEMU VMs are launched unpaused by Create, so Boot
// only waits out any in-flight create and confirms the VM reached a
// runnable state.
func (d *Driver) Boot(vmID string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == hypervisor.StateFailed {
		return &hypervisor.ErrInvalidState{Current: h.state, Expected: hypervisor.StateRunning}
	}
	return nil
}

func (d *Driver) Shutdown(vmID string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.qmp.quit(); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = hypervisor.StateShutdown
	return nil
}

func (d *Driver) Reboot(vmID string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.qmp.systemReset(); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = hypervisor.StateRunning
	return nil
}

func (d *Driver) Pause(vmID string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != hypervisor.StateRunning {
		return &hypervisor.ErrInvalidState{Current: h.state, Expected: hypervisor.StateRunning}
	}
	if err := h.qmp.stop(); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = hypervisor.StatePaused
	return nil
}

func (d *Driver) Resume(vmID string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != hypervisor.StatePaused {
		return &hypervisor.ErrInvalidState{Current: h.state, Expected: hypervisor.StatePaused}
	}
	if err := h.qmp.cont(); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrTimeout, err)
	}
	h.state = hypervisor.StateRunning
	return nil
}

// Delete releases the network (best-effort), unlinks sockets, kills the
// process, and drops the in-memory record.
func (d *Driver) Delete(vmID string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.networkInfo != nil && d.net != nil {
		if err := d.net.DetachVM(vmID, h.networkInfo.NetworkID); err != nil {
			log.Warn("qemu: detach network for %v: %v", vmID, err)
		}
	}
	if h.qmp != nil {
		h.qmp.quit()
		h.qmp.close()
	}
	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	os.Remove(h.consoleSocket)
	os.Remove(h.serialSocket)
	h.mu.Unlock()

	d.mu.Lock()
	delete(d.vms, vmID)
	d.mu.Unlock()

	return nil
}

func (d *Driver) GetInfo(vmID string) (hypervisor.VmInfo, error) {
	h, err := d.get(vmID)
	if err != nil {
		return hypervisor.VmInfo{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return hypervisor.VmInfo{
		VMID:           vmID,
		HypervisorType: protocol.HypervisorQEMU,
		State:          h.state,
		Config:         h.config,
	}, nil
}

func (d *Driver) GetStatus(vmID string) (hypervisor.VMStatus, error) {
	h, err := d.get(vmID)
	if err != nil {
		return hypervisor.VMStatus{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	status, err := h.qmp.queryStatus()
	if err != nil {
		h.state = hypervisor.StateShutdown
		return hypervisor.VMStatus{VMID: vmID, State: h.state}, nil
	}

	h.state = mapQMPStatus(status)
	return hypervisor.VMStatus{VMID: vmID, State: h.state}, nil
}

func mapQMPStatus(status string) hypervisor.VMState {
	switch status {
	case "running":
		return hypervisor.StateRunning
	case "paused":
		return hypervisor.StatePaused
	case "shutdown", "suspended", "internal-error":
		return hypervisor.StateShutdown
	case "inmigrate", "postmigrate", "finish-migrate":
		return hypervisor.StateCreated
	default:
		return hypervisor.StateCreated
	}
}

func (d *Driver) List() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.vms))
	for id := range d.vms {
		ids = append(ids, id)
	}
	return ids, nil
}

// AttachDisk hot-plugs a block device: backend first (blockdev-add), then
// the frontend device (device_add).
func (d *Driver) AttachDisk(vmID, volumeID, path, deviceName string, readonly bool) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	nodeName := "vol-" + volumeID
	if err := h.qmp.blockdevAdd(nodeName, path, readonly); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrHotplugFailed, err)
	}
	if err := h.qmp.deviceAdd("virtio-blk-pci", deviceName, nodeName); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrHotplugFailed, err)
	}
	return nil
}

// DetachDisk hot-unplugs a block device: device first (device_del), then
// the backend (blockdev-del).
func (d *Driver) DetachDisk(vmID, volumeID, deviceName string) error {
	h, err := d.get(vmID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	nodeName := "vol-" + volumeID
	if err := h.qmp.deviceDel(deviceName); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrHotplugFailed, err)
	}
	if err := h.qmp.blockdevDel(nodeName); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrHotplugFailed, err)
	}
	return nil
}

// ConsoleSocketPath and SerialSocketPath expose the paths the console
// multiplexer (C8) connects to.
func (d *Driver) ConsoleSocketPath(vmID string) (string, error) {
	h, err := d.get(vmID)
	if err != nil {
		return "", err
	}
	return h.consoleSocket, nil
}

func (d *Driver) SerialSocketPath(vmID string) (string, error) {
	h, err := d.get(vmID)
	if err != nil {
		return "", err
	}
	return h.serialSocket, nil
}

var _ hypervisor.Driver = (*Driver)(nil)
