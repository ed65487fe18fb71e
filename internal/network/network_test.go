package network

import (
	"net"
	"testing"
)

func TestUserModeServiceCreateAndList(t *testing.T) {
	s := NewUserModeService()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ln, err := s.CreateLogicalNetwork("net1", "tenant-a", "10.1.0.0/24")
	if err != nil {
		t.Fatalf("CreateLogicalNetwork: %v", err)
	}
	if ln.ID != "net1" {
		t.Errorf("got id %q want net1", ln.ID)
	}

	if _, err := s.CreateLogicalNetwork("net1", "dup", ""); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	nets, err := s.ListLogicalNetworks()
	if err != nil {
		t.Fatalf("ListLogicalNetworks: %v", err)
	}
	if len(nets) != 1 {
		t.Errorf("got %d networks, want 1", len(nets))
	}
}

func TestUserModeServiceAttachGeneratesMAC(t *testing.T) {
	s := NewUserModeService()

	info, err := s.CreateVMNetwork("vm1", "net1", "", "")
	if err != nil {
		t.Fatalf("CreateVMNetwork: %v", err)
	}
	if info.MAC == "" {
		t.Error("expected a generated MAC address")
	}
	if info.IP != "10.0.2.15" {
		t.Errorf("got ip %q want the qemu user-mode default", info.IP)
	}

	got, err := s.GetVMNetwork("vm1")
	if err != nil {
		t.Fatalf("GetVMNetwork: %v", err)
	}
	if got.MAC != info.MAC {
		t.Errorf("GetVMNetwork returned different info than CreateVMNetwork")
	}
}

func TestUserModeServiceDetachIsIdempotent(t *testing.T) {
	s := NewUserModeService()

	if err := s.DetachVM("nonexistent", "net1"); err != nil {
		t.Errorf("expected idempotent detach to succeed, got %v", err)
	}

	if _, err := s.CreateVMNetwork("vm2", "net1", "", ""); err != nil {
		t.Fatalf("CreateVMNetwork: %v", err)
	}
	if err := s.DetachVM("vm2", "net1"); err != nil {
		t.Fatalf("DetachVM: %v", err)
	}
	if err := s.DetachVM("vm2", "net1"); err != nil {
		t.Errorf("expected second detach to also succeed, got %v", err)
	}

	if _, err := s.GetVMNetwork("vm2"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after detach, got %v", err)
	}
}

func TestGenerateMACIsLocallyAdministeredUnicast(t *testing.T) {
	mac, err := generateMAC()
	if err != nil {
		t.Fatalf("generateMAC: %v", err)
	}

	hw, err := net.ParseMAC(mac)
	if err != nil {
		t.Fatalf("parse mac %q: %v", mac, err)
	}
	b0 := hw[0]
	if b0&0x01 != 0 {
		t.Errorf("expected unicast bit clear, got first byte %08b", b0)
	}
	if b0&0x02 == 0 {
		t.Errorf("expected locally-administered bit set, got first byte %08b", b0)
	}
}
