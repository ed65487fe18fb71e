package supervisor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/strato-vm/hyperagent/internal/console"
	"github.com/strato-vm/hyperagent/internal/hypervisor"
	"github.com/strato-vm/hyperagent/internal/protocol"
)

// consoleFakeDriver exposes a console socket so handleConsoleConnect has
// somewhere to dial, without a real qemu process behind it.
type consoleFakeDriver struct {
	noopDriver
	socketPath string
}

func (d consoleFakeDriver) ConsoleSocketPath(vmID string) (string, error) {
	return d.socketPath, nil
}

func listenUnixEcho(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "console.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return socketPath
}

// TestHandleConsoleConnectDisconnectsStaleSession covers scenario S4:
// connecting a second session to a VM that already holds one must tear
// down the first before the new session takes over.
func TestHandleConsoleConnectDisconnectsStaleSession(t *testing.T) {
	cp := &recordingControlPlane{}
	a, wsURL := newTestAgent(t, cp)

	socketPath := listenUnixEcho(t)
	a.disp = hypervisor.NewDispatcher(consoleFakeDriver{socketPath: socketPath}, nil)
	if err := a.disp.Create("vm-1", protocol.HypervisorQEMU, protocol.VMConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.console = console.NewMultiplexer(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.ch.Connect(ctx, wsURL, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.ch.Disconnect()

	env1, _ := protocol.Success("req-1", protocol.ConsoleConnectRequest{VMID: "vm-1", SessionID: "sess-1"})
	env1.Type = protocol.TypeConsoleConnect
	a.handleConsoleConnect(env1)

	if !a.console.HasSession("sess-1") {
		t.Fatal("expected sess-1 to be connected")
	}

	env2, _ := protocol.Success("req-2", protocol.ConsoleConnectRequest{VMID: "vm-1", SessionID: "sess-2"})
	env2.Type = protocol.TypeConsoleConnect
	a.handleConsoleConnect(env2)

	if a.console.HasSession("sess-1") {
		t.Error("expected sess-1 to be disconnected once sess-2 connected to the same vm")
	}
	if !a.console.HasSession("sess-2") {
		t.Error("expected sess-2 to be connected")
	}
}
