package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strato-vm/hyperagent/internal/channel"
	"github.com/strato-vm/hyperagent/internal/hypervisor"
	"github.com/strato-vm/hyperagent/internal/protocol"
)

// recordingControlPlane is a minimal control-plane stand-in that decodes
// every inbound frame and appends the envelope to received, under mu.
type recordingControlPlane struct {
	mu       sync.Mutex
	received []protocol.Envelope
}

func (r *recordingControlPlane) handler(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		r.mu.Lock()
		r.received = append(r.received, env)
		r.mu.Unlock()
	}
}

func (r *recordingControlPlane) countOfType(t protocol.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.received {
		if e.Type == t {
			n++
		}
	}
	return n
}

// noopDriver satisfies hypervisor.Driver without touching any real process;
// it is only ever asked for RunningVMs via the dispatcher in this test.
type noopDriver struct{}

func (noopDriver) Create(string, protocol.VMConfig, *protocol.ImageInfo) error { return nil }
func (noopDriver) Boot(string) error                                          { return nil }
func (noopDriver) Shutdown(string) error                                      { return nil }
func (noopDriver) Reboot(string) error                                        { return nil }
func (noopDriver) Pause(string) error                                         { return nil }
func (noopDriver) Resume(string) error                                        { return nil }
func (noopDriver) Delete(string) error                                        { return nil }
func (noopDriver) GetInfo(string) (hypervisor.VmInfo, error)                  { return hypervisor.VmInfo{}, nil }
func (noopDriver) GetStatus(string) (hypervisor.VMStatus, error)              { return hypervisor.VMStatus{}, nil }
func (noopDriver) List() ([]string, error)                                    { return nil, nil }
func (noopDriver) AttachDisk(string, string, string, string, bool) error      { return nil }
func (noopDriver) DetachDisk(string, string, string) error                    { return nil }

func newTestAgent(t *testing.T, cp *recordingControlPlane) (*Agent, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(cp.handler))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	a := &Agent{
		cfg: Config{
			HeartbeatInterval: 40 * time.Millisecond,
			HeartbeatBackoff:  40 * time.Millisecond,
		},
		disp:        hypervisor.NewDispatcher(noopDriver{}, nil),
		volumePaths: make(map[string]string),
		ch:          channel.New(nil),
	}
	return a, wsURL
}

// TestHeartbeatGatedOnAssignedID verifies property 1: the resource
// heartbeat never fires before an assigned_id has been recorded, and starts
// firing on the next tick once one is.
func TestHeartbeatGatedOnAssignedID(t *testing.T) {
	cp := &recordingControlPlane{}
	a, wsURL := newTestAgent(t, cp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.ch.Connect(ctx, wsURL, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.ch.Disconnect()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	done := make(chan struct{})
	go func() { defer close(done); a.heartbeatLoop(loopCtx) }()

	time.Sleep(150 * time.Millisecond)
	if n := cp.countOfType(protocol.TypeAgentHeartbeat); n != 0 {
		t.Fatalf("expected no heartbeats before registration, got %d", n)
	}

	a.mu.Lock()
	a.assignedID = "agent-123"
	a.mu.Unlock()

	deadline := time.After(1 * time.Second)
	for {
		if cp.countOfType(protocol.TypeAgentHeartbeat) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a heartbeat after assignedID was set")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stopLoop()
	<-done
}
