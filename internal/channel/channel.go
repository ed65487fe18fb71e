// Package channel implements C2: the persistent, JSON-over-WebSocket
// control channel to the remote control plane.
package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

var (
	ErrInvalidURL      = errors.New("channel: invalid url")
	ErrConnectionFailed = errors.New("channel: connection failed")
	ErrNotConnected    = errors.New("channel: not connected")
	ErrEncoding        = errors.New("channel: encoding error")
)

const (
	// heartbeatInterval is the channel's own liveness cadence: a WS ping
	// frame written by the single writer goroutine, distinct from the
	// supervisor's 30s resource heartbeat (see internal/supervisor).
	heartbeatInterval = 20 * time.Second
	pongWait          = 25 * time.Second
	writeWait         = 10 * time.Second
)

// HeartbeatFunc is invoked on the channel's own 20s liveness timer, after
// the WS ping frame has been written. This is distinct from the
// supervisor's 30s resource heartbeat (see internal/supervisor).
type HeartbeatFunc func()

// Channel is a single bidirectional WebSocket connection carrying
// protocol.Envelope frames. Outbound sends are totally ordered (one writer
// goroutine, one in-flight frame); inbound frames are pushed onto Inbound so
// that decoding never blocks the I/O goroutine.
type Channel struct {
	Inbound chan protocol.Envelope

	onHeartbeat HeartbeatFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	tlsConfig *tls.Config
	outbound  chan outboundFrame
	closed    chan struct{}
	connected bool
}

type outboundFrame struct {
	data []byte
	err  chan error
}

// New creates a disconnected Channel. Call Connect to establish the
// WebSocket handshake.
func New(onHeartbeat HeartbeatFunc) *Channel {
	return &Channel{
		Inbound:     make(chan protocol.Envelope, 256),
		onHeartbeat: onHeartbeat,
		outbound:    make(chan outboundFrame, 64),
	}
}

// Connect performs the WebSocket handshake. scheme must be ws or wss; wss
// requires tlsConfig to be non-nil.
func (c *Channel) Connect(ctx context.Context, rawURL string, tlsConfig *tls.Config) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws":
		// no TLS required
	case "wss":
		if tlsConfig == nil {
			return fmt.Errorf("%w: wss:// requires a tls config", ErrInvalidURL)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 30 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.tlsConfig = tlsConfig
	c.connected = true
	c.closed = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()
	go c.writeLoop()

	return nil
}

// UpdateTLS records a new TLS config to use on the next (re)connect. It does
// not tear down an established connection.
func (c *Channel) UpdateTLS(cfg *tls.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsConfig = cfg
}

// Send serializes msg and enqueues it for the single writer goroutine.
func (c *Channel) Send(msg protocol.Envelope) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	errCh := make(chan error, 1)
	select {
	case c.outbound <- outboundFrame{data: data, err: errCh}:
	case <-c.closed:
		return ErrNotConnected
	}

	select {
	case err := <-errCh:
		return err
	case <-c.closed:
		return ErrNotConnected
	}
}

// writeLoop is the single writer goroutine: every outbound frame and the
// periodic liveness ping go through this one select so gorilla's
// one-writer-at-a-time requirement is never violated.
func (c *Channel) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			var err error
			if conn == nil {
				err = ErrNotConnected
			} else {
				err = conn.WriteMessage(websocket.TextMessage, frame.data)
			}
			frame.err <- err
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn("channel: ping write failed, closing: %v", err)
				c.teardown()
				return
			}
			if c.onHeartbeat != nil {
				c.onHeartbeat()
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn("channel: read error, closing: %v", err)
			c.teardown()
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("channel: dropping undecodable frame: %v", err)
			continue
		}
		if !knownType(env.Type) {
			log.Warn("channel: dropping unknown message type %q", env.Type)
			continue
		}

		c.Inbound <- env
	}
}

// Disconnect cancels the heartbeat loop and closes the socket.
func (c *Channel) Disconnect() error {
	c.teardown()
	return nil
}

func (c *Channel) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.closed)
}

func knownType(t protocol.Type) bool {
	switch t {
	case protocol.TypeAgentRegisterResponse,
		protocol.TypeVMCreate, protocol.TypeVMBoot, protocol.TypeVMShutdown,
		protocol.TypeVMReboot, protocol.TypeVMPause, protocol.TypeVMResume,
		protocol.TypeVMDelete, protocol.TypeVMInfo, protocol.TypeVMStatus,
		protocol.TypeNetworkCreate, protocol.TypeNetworkDelete, protocol.TypeNetworkList,
		protocol.TypeNetworkInfo, protocol.TypeNetworkAttach, protocol.TypeNetworkDetach,
		protocol.TypeConsoleConnect, protocol.TypeConsoleDisconnect, protocol.TypeConsoleData,
		protocol.TypeVolumeCreate, protocol.TypeVolumeDelete, protocol.TypeVolumeAttach,
		protocol.TypeVolumeDetach, protocol.TypeVolumeResize, protocol.TypeVolumeSnapshot,
		protocol.TypeVolumeClone, protocol.TypeVolumeInfo:
		return true
	}
	return false
}
