package network

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

// integrationBridge is the OVS bridge onto which every VM tap is attached.
const integrationBridge = "br-int"

// OVNService drives VM networking through a connected OVN northbound
// database and the local OVS integration bridge. It shells out to
// ovn-nbctl/ovs-vsctl/ip exactly as minimega's internal/bridge package
// shells out to ovs-vsctl/ovs-ofctl -- no Go OVN/OVS client library exists
// in the wider ecosystem either.
type OVNService struct {
	nbctl string // path/name of ovn-nbctl
	vsctl string // path/name of ovs-vsctl

	mu              sync.Mutex
	bridgeReady     bool
	logical         map[string]LogicalNetwork
	attached        map[string]VMNetworkInfo
}

// NewOVNService creates an OVN-backed network service. Connect must be
// called before use.
func NewOVNService() *OVNService {
	return &OVNService{
		nbctl:    "ovn-nbctl",
		vsctl:    "ovs-vsctl",
		logical:  make(map[string]LogicalNetwork),
		attached: make(map[string]VMNetworkInfo),
	}
}

func (s *OVNService) run(tool string, args ...string) (string, error) {
	full := append([]string{tool}, args...)

	start := time.Now()
	out, err := exec.Command(full[0], full[1:]...).CombinedOutput()
	log.Debug("network: cmd %q completed in %v: %v", strings.Join(full, " "), time.Since(start), string(out))
	return string(out), err
}

// Connect ensures the integration bridge exists in fail-mode=secure with
// OpenFlow 1.3, creating it if missing.
func (s *OVNService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bridgeReady {
		return nil
	}

	if _, err := s.run(s.vsctl, "br-exists", integrationBridge); err != nil {
		if _, err := s.run(s.vsctl, "add-br", integrationBridge); err != nil {
			return fmt.Errorf("%w: create %v: %v", ErrAttachFailed, integrationBridge, err)
		}
		if _, err := s.run(s.vsctl, "set-fail-mode", integrationBridge, "secure"); err != nil {
			return fmt.Errorf("%w: set fail-mode: %v", ErrAttachFailed, err)
		}
		if _, err := s.run(s.vsctl, "set", "bridge", integrationBridge, "protocols=OpenFlow13"); err != nil {
			return fmt.Errorf("%w: set protocols: %v", ErrAttachFailed, err)
		}
	}

	s.bridgeReady = true
	return nil
}

func (s *OVNService) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeReady = false
	return nil
}

func (s *OVNService) CreateLogicalNetwork(id, name, subnet string) (LogicalNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logical[id]; ok {
		return LogicalNetwork{}, ErrAlreadyExists
	}

	if _, err := s.run(s.nbctl, "ls-add", "ls-"+id); err != nil {
		return LogicalNetwork{}, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	net := LogicalNetwork{ID: id, Name: name, Subnet: subnet}
	s.logical[id] = net
	return net, nil
}

func (s *OVNService) DeleteLogicalNetwork(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logical[id]; !ok {
		return ErrNotFound
	}

	if _, err := s.run(s.nbctl, "ls-del", "ls-"+id); err != nil {
		return fmt.Errorf("%w: %v", ErrDetachFailed, err)
	}
	delete(s.logical, id)
	return nil
}

func (s *OVNService) ListLogicalNetworks() ([]LogicalNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LogicalNetwork, 0, len(s.logical))
	for _, n := range s.logical {
		out = append(out, n)
	}
	return out, nil
}

// CreateVMNetwork creates a logical switch port named vm-<vm_id>, allocates
// a MAC/IP if not supplied, creates a tap device tap-<vm_id> and attaches it
// to the integration bridge.
func (s *OVNService) CreateVMNetwork(vmID, networkID, mac, ip string) (VMNetworkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	portName := "vm-" + vmID
	tapName := "tap-" + vmID

	if mac == "" {
		generated, err := generateMAC()
		if err != nil {
			return VMNetworkInfo{}, err
		}
		mac = generated
	}

	if _, err := s.run(s.nbctl, "lsp-add", "ls-"+networkID, portName); err != nil {
		return VMNetworkInfo{}, fmt.Errorf("%w: lsp-add: %v", ErrAttachFailed, err)
	}

	addresses := mac
	if ip != "" {
		addresses = mac + " " + ip
	} else {
		addresses = mac + " dynamic"
	}
	if _, err := s.run(s.nbctl, "lsp-set-addresses", portName, addresses); err != nil {
		return VMNetworkInfo{}, fmt.Errorf("%w: lsp-set-addresses: %v", ErrAttachFailed, err)
	}

	if err := createTap(tapName); err != nil {
		return VMNetworkInfo{}, fmt.Errorf("%w: create tap: %v", ErrAttachFailed, err)
	}

	if _, err := s.run(s.vsctl, "add-port", integrationBridge, tapName,
		"--", "set", "interface", tapName, "external-ids:iface-id="+portName); err != nil {
		return VMNetworkInfo{}, fmt.Errorf("%w: attach tap: %v", ErrAttachFailed, err)
	}

	info := VMNetworkInfo{
		VMID:         vmID,
		NetworkID:    networkID,
		MAC:          mac,
		IP:           ip,
		TapInterface: tapName,
	}
	s.attached[vmID] = info
	return info, nil
}

func (s *OVNService) AttachVM(vmID, networkID string) (VMNetworkInfo, error) {
	return s.CreateVMNetwork(vmID, networkID, "", "")
}

// DetachVM is idempotent: removing a tap/port that is already gone is not an
// error.
func (s *OVNService) DetachVM(vmID, networkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.attached[vmID]
	if !ok {
		return nil
	}

	s.run(s.vsctl, "del-port", integrationBridge, info.TapInterface)
	destroyTap(info.TapInterface)
	s.run(s.nbctl, "lsp-del", "vm-"+vmID)

	delete(s.attached, vmID)
	return nil
}

func (s *OVNService) GetVMNetwork(vmID string) (VMNetworkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.attached[vmID]
	if !ok {
		return VMNetworkInfo{}, ErrNotFound
	}
	return info, nil
}

// createTap allocates a TAP device via `ip tuntap`, mirroring minimega's
// internal/bridge tap-creation idiom.
func createTap(name string) error {
	if _, err := exec.Command("ip", "tuntap", "add", "mode", "tap", name).CombinedOutput(); err != nil {
		return err
	}
	if _, err := exec.Command("ip", "link", "set", name, "up").CombinedOutput(); err != nil {
		return err
	}
	return nil
}

// destroyTap removes a TAP device. Errors are logged, not returned: callers
// treat tap teardown as best-effort.
func destroyTap(name string) {
	if _, err := exec.Command("ip", "link", "delete", name).CombinedOutput(); err != nil {
		log.Warn("network: destroy tap %v: %v", name, err)
	}
}
