package network

import "sync"

// UserModeService is the macOS / no-external-daemon fallback: it allocates
// addresses in memory and never touches the host's network stack. The
// guest-visible IP is always the QEMU user-mode default, 10.0.2.15.
type UserModeService struct {
	mu        sync.Mutex
	logical   map[string]LogicalNetwork
	attached  map[string]VMNetworkInfo // vmID -> info
}

// NewUserModeService creates a user-mode network service.
func NewUserModeService() *UserModeService {
	return &UserModeService{
		logical:  make(map[string]LogicalNetwork),
		attached: make(map[string]VMNetworkInfo),
	}
}

func (s *UserModeService) Connect() error    { return nil }
func (s *UserModeService) Disconnect() error { return nil }

func (s *UserModeService) CreateLogicalNetwork(id, name, subnet string) (LogicalNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logical[id]; ok {
		return LogicalNetwork{}, ErrAlreadyExists
	}
	net := LogicalNetwork{ID: id, Name: name, Subnet: subnet}
	s.logical[id] = net
	return net, nil
}

func (s *UserModeService) DeleteLogicalNetwork(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logical[id]; !ok {
		return ErrNotFound
	}
	delete(s.logical, id)
	return nil
}

func (s *UserModeService) ListLogicalNetworks() ([]LogicalNetwork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LogicalNetwork, 0, len(s.logical))
	for _, n := range s.logical {
		out = append(out, n)
	}
	return out, nil
}

func (s *UserModeService) CreateVMNetwork(vmID, networkID, mac, ip string) (VMNetworkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mac == "" {
		generated, err := generateMAC()
		if err != nil {
			return VMNetworkInfo{}, err
		}
		mac = generated
	}

	info := VMNetworkInfo{
		VMID:         vmID,
		NetworkID:    networkID,
		MAC:          mac,
		IP:           "10.0.2.15",
		TapInterface: "n/a",
	}
	s.attached[vmID] = info
	return info, nil
}

func (s *UserModeService) AttachVM(vmID, networkID string) (VMNetworkInfo, error) {
	return s.CreateVMNetwork(vmID, networkID, "", "")
}

// DetachVM is idempotent: detaching a VM with no attachment is not an error.
func (s *UserModeService) DetachVM(vmID, networkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, vmID)
	return nil
}

func (s *UserModeService) GetVMNetwork(vmID string) (VMNetworkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.attached[vmID]
	if !ok {
		return VMNetworkInfo{}, ErrNotFound
	}
	return info, nil
}
