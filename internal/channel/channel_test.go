package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strato-vm/hyperagent/internal/protocol"
)

// newEchoServer upgrades every connection and echoes every frame back
// unchanged, so tests can exercise Send/Inbound without a real control plane.
func newEchoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestChannelConnectSendReceive(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	c := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx, wsURL, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	msg := protocol.Envelope{Type: protocol.TypeVMCreate, RequestID: "req-1"}
	if err := c.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-c.Inbound:
		if got.RequestID != "req-1" {
			t.Errorf("got request id %q want req-1", got.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}

func TestChannelSendBeforeConnectFails(t *testing.T) {
	c := New(nil)
	err := c.Send(protocol.Envelope{Type: protocol.TypeVMBoot})
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannelRejectsUnsupportedScheme(t *testing.T) {
	c := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Connect(ctx, "http://example.com", nil)
	if err == nil {
		t.Fatal("expected an error for a non-ws/wss scheme")
	}
}

func TestChannelHeartbeatDoesNotFireBeforeInterval(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	var hits int32
	c := New(func() { atomic.AddInt32(&hits, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, wsURL, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// heartbeatInterval is 20s in production; this test only checks that
	// the heartbeat has not fired right after connect, not its cadence.
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("heartbeat fired before any interval elapsed")
	}
}

func TestChannelDisconnectIsIdempotent(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	c := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, wsURL, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got: %v", err)
	}
}
