package hypervisor

import (
	"sync"
	"testing"

	"github.com/strato-vm/hyperagent/internal/protocol"
)

// fakeDriver is an in-memory Driver used to exercise the dispatcher's
// routing and serialization without a real qemu/firecracker process.
type fakeDriver struct {
	name string

	mu      sync.Mutex
	created map[string]bool
	calls   []string
}

func newFakeDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, created: make(map[string]bool)}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) Create(vmID string, config protocol.VMConfig, image *protocol.ImageInfo) error {
	f.record("create:" + vmID)
	f.mu.Lock()
	f.created[vmID] = true
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) Boot(vmID string) error     { f.record("boot:" + vmID); return nil }
func (f *fakeDriver) Shutdown(vmID string) error { f.record("shutdown:" + vmID); return nil }
func (f *fakeDriver) Reboot(vmID string) error    { f.record("reboot:" + vmID); return nil }
func (f *fakeDriver) Pause(vmID string) error    { f.record("pause:" + vmID); return nil }
func (f *fakeDriver) Resume(vmID string) error   { f.record("resume:" + vmID); return nil }
func (f *fakeDriver) Delete(vmID string) error {
	f.record("delete:" + vmID)
	f.mu.Lock()
	delete(f.created, vmID)
	f.mu.Unlock()
	return nil
}
func (f *fakeDriver) GetInfo(vmID string) (VmInfo, error) {
	if !f.exists(vmID) {
		return VmInfo{}, ErrVMNotFound
	}
	return VmInfo{VMID: vmID, State: StateRunning}, nil
}
func (f *fakeDriver) GetStatus(vmID string) (VMStatus, error) {
	if !f.exists(vmID) {
		return VMStatus{}, ErrVMNotFound
	}
	return VMStatus{VMID: vmID, State: StateRunning}, nil
}
func (f *fakeDriver) List() ([]string, error) { return nil, nil }
func (f *fakeDriver) AttachDisk(vmID, volumeID, path, deviceName string, readonly bool) error {
	return nil
}
func (f *fakeDriver) DetachDisk(vmID, volumeID, deviceName string) error { return nil }

func (f *fakeDriver) exists(vmID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[vmID]
}

func TestDispatcherRoutesByHypervisorType(t *testing.T) {
	qemu := newFakeDriver("qemu")
	fc := newFakeDriver("firecracker")
	d := NewDispatcher(qemu, fc)

	if err := d.Create("vm-q", protocol.HypervisorQEMU, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create (qemu): %v", err)
	}
	if err := d.Create("vm-f", protocol.HypervisorFirecracker, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create (firecracker): %v", err)
	}

	if !qemu.exists("vm-q") {
		t.Error("expected vm-q routed to qemu driver")
	}
	if !fc.exists("vm-f") {
		t.Error("expected vm-f routed to firecracker driver")
	}

	if err := d.Boot("vm-q"); err != nil {
		t.Fatalf("Boot vm-q: %v", err)
	}
	if err := d.Boot("vm-f"); err != nil {
		t.Fatalf("Boot vm-f: %v", err)
	}
}

func TestDispatcherDowngradesFirecrackerWhenUnsupported(t *testing.T) {
	qemu := newFakeDriver("qemu")
	d := NewDispatcher(qemu, nil)

	if err := d.Create("vm-1", protocol.HypervisorFirecracker, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !qemu.exists("vm-1") {
		t.Error("expected firecracker request to be downgraded onto the qemu driver")
	}
}

func TestDispatcherDeleteForgetsRoute(t *testing.T) {
	qemu := newFakeDriver("qemu")
	d := NewDispatcher(qemu, nil)

	if err := d.Create("vm-2", protocol.HypervisorQEMU, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Delete("vm-2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// A fresh operation on an unknown vm_id defaults back to qemu and the
	// fake driver correctly reports not-found since Delete removed it there.
	if _, err := d.GetStatus("vm-2"); err != ErrVMNotFound {
		t.Errorf("expected ErrVMNotFound after delete, got %v", err)
	}
}

func TestDispatcherSerializesPerVM(t *testing.T) {
	qemu := newFakeDriver("qemu")
	d := NewDispatcher(qemu, nil)

	if err := d.Create("vm-3", protocol.HypervisorQEMU, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Boot("vm-3")
		}()
	}
	wg.Wait()

	qemu.mu.Lock()
	defer qemu.mu.Unlock()
	count := 0
	for _, c := range qemu.calls {
		if c == "boot:vm-3" {
			count++
		}
	}
	if count != 20 {
		t.Errorf("expected all 20 concurrent boots to be recorded, got %d", count)
	}
}

func TestGetConsoleSocketNotSupportedForPlainDriver(t *testing.T) {
	qemu := newFakeDriver("qemu")
	d := NewDispatcher(qemu, nil)

	if err := d.Create("vm-4", protocol.HypervisorQEMU, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := d.GetConsoleSocket("vm-4"); err != ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}
