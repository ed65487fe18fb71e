package hypervisor

import (
	"runtime"
	"sync"

	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

// Dispatcher holds the vm_id -> hypervisor_type routing table populated on
// create and consulted on every other operation (C7). Per-vm_id operations
// are serialized here so two requests racing for the same VM never overlap
// in a driver.
type Dispatcher struct {
	mu       sync.Mutex
	routes   map[string]protocol.HypervisorType
	vmLocks  map[string]*sync.Mutex

	qemu        Driver
	firecracker Driver // nil if unsupported on this platform
}

// NewDispatcher creates a dispatcher over the given drivers. firecracker may
// be nil if the platform doesn't support it.
func NewDispatcher(qemu, firecracker Driver) *Dispatcher {
	return &Dispatcher{
		routes:      make(map[string]protocol.HypervisorType),
		vmLocks:     make(map[string]*sync.Mutex),
		qemu:        qemu,
		firecracker: firecracker,
	}
}

// lockFor returns the per-vm_id mutex, creating it if necessary.
func (d *Dispatcher) lockFor(vmID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.vmLocks[vmID]
	if !ok {
		l = &sync.Mutex{}
		d.vmLocks[vmID] = l
	}
	return l
}

// driverFor applies the routing rule from SPEC_FULL.md §4.7: an explicit
// qemu route goes to QEMU; firecracker goes to the firecracker driver if the
// platform supports it, otherwise it's downgraded to QEMU with a logged
// warning. A vm_id with no recorded route defaults to QEMU (crash-recovery
// heuristic, not a contract).
func (d *Dispatcher) driverFor(vmID string) Driver {
	d.mu.Lock()
	t, ok := d.routes[vmID]
	d.mu.Unlock()

	if !ok {
		log.Warn("hypervisor: no route recorded for %v, defaulting to qemu", vmID)
		return d.qemu
	}

	switch t {
	case protocol.HypervisorFirecracker:
		if d.firecracker != nil {
			return d.firecracker
		}
		log.Warn("hypervisor: firecracker unsupported on this platform, downgrading %v to qemu", vmID)
		return d.qemu
	default:
		return d.qemu
	}
}

// Create routes to the driver for config's hypervisor_type and records the
// route on success.
func (d *Dispatcher) Create(vmID string, hvType protocol.HypervisorType, config protocol.VMConfig, image *protocol.ImageInfo) error {
	lock := d.lockFor(vmID)
	lock.Lock()
	defer lock.Unlock()

	driver := d.qemu
	if hvType == protocol.HypervisorFirecracker && d.firecracker != nil {
		driver = d.firecracker
	} else if hvType == protocol.HypervisorFirecracker {
		log.Warn("hypervisor: firecracker unsupported on this platform, downgrading %v to qemu", vmID)
	}

	if err := driver.Create(vmID, config, image); err != nil {
		return err
	}

	d.mu.Lock()
	d.routes[vmID] = hvType
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) withVM(vmID string, fn func(Driver) error) error {
	lock := d.lockFor(vmID)
	lock.Lock()
	defer lock.Unlock()

	return fn(d.driverFor(vmID))
}

func (d *Dispatcher) Boot(vmID string) error    { return d.withVM(vmID, func(drv Driver) error { return drv.Boot(vmID) }) }
func (d *Dispatcher) Shutdown(vmID string) error { return d.withVM(vmID, func(drv Driver) error { return drv.Shutdown(vmID) }) }
func (d *Dispatcher) Reboot(vmID string) error   { return d.withVM(vmID, func(drv Driver) error { return drv.Reboot(vmID) }) }
func (d *Dispatcher) Pause(vmID string) error    { return d.withVM(vmID, func(drv Driver) error { return drv.Pause(vmID) }) }
func (d *Dispatcher) Resume(vmID string) error   { return d.withVM(vmID, func(drv Driver) error { return drv.Resume(vmID) }) }

// Delete forgets the vm_id -> type mapping unconditionally once the driver
// reports success.
func (d *Dispatcher) Delete(vmID string) error {
	err := d.withVM(vmID, func(drv Driver) error { return drv.Delete(vmID) })
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.routes, vmID)
	delete(d.vmLocks, vmID)
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) GetInfo(vmID string) (VmInfo, error) {
	var info VmInfo
	err := d.withVM(vmID, func(drv Driver) error {
		var err error
		info, err = drv.GetInfo(vmID)
		return err
	})
	return info, err
}

func (d *Dispatcher) GetStatus(vmID string) (VMStatus, error) {
	var status VMStatus
	err := d.withVM(vmID, func(drv Driver) error {
		var err error
		status, err = drv.GetStatus(vmID)
		return err
	})
	return status, err
}

func (d *Dispatcher) AttachDisk(vmID, volumeID, path, deviceName string, readonly bool) error {
	return d.withVM(vmID, func(drv Driver) error { return drv.AttachDisk(vmID, volumeID, path, deviceName, readonly) })
}

func (d *Dispatcher) DetachDisk(vmID, volumeID, deviceName string) error {
	return d.withVM(vmID, func(drv Driver) error { return drv.DetachDisk(vmID, volumeID, deviceName) })
}

// consoleSocketer is satisfied by drivers that expose a virtio-console
// socket for the console multiplexer (C8) to dial; currently only QEMU.
type consoleSocketer interface {
	ConsoleSocketPath(vmID string) (string, error)
}

// serialSocketer is satisfied by drivers that additionally expose a serial
// socket, tried before the virtio-console fallback.
type serialSocketer interface {
	SerialSocketPath(vmID string) (string, error)
}

// GetConsoleSocket returns the unix socket path the console multiplexer
// should dial for vmID: the serial socket if the driver exposes one,
// otherwise the virtio-console socket, otherwise ErrNotSupported.
func (d *Dispatcher) GetConsoleSocket(vmID string) (string, error) {
	var path string
	err := d.withVM(vmID, func(drv Driver) error {
		if ss, ok := drv.(serialSocketer); ok {
			p, err := ss.SerialSocketPath(vmID)
			if err == nil {
				path = p
				return nil
			}
			log.Debug("hypervisor: serial socket unavailable for %v, falling back to virtio-console: %v", vmID, err)
		}

		cs, ok := drv.(consoleSocketer)
		if !ok {
			return ErrNotSupported
		}
		var err error
		path, err = cs.ConsoleSocketPath(vmID)
		return err
	})
	return path, err
}

// RunningVMs lists every vm_id currently routed, across both drivers.
func (d *Dispatcher) RunningVMs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	vms := make([]string, 0, len(d.routes))
	for id := range d.routes {
		vms = append(vms, id)
	}
	return vms
}

// Capabilities lists what this host can advertise to the control plane at
// registration.
func Capabilities() []string {
	caps := []string{"vm_management", "qemu"}
	switch runtime.GOOS {
	case "linux":
		caps = append(caps, "kvm", "ovn_networking", "firecracker")
	case "darwin":
		caps = append(caps, "hvf", "user_networking")
	}
	return caps
}
