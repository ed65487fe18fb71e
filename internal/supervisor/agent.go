package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strato-vm/hyperagent/internal/channel"
	"github.com/strato-vm/hyperagent/internal/console"
	"github.com/strato-vm/hyperagent/internal/hypervisor"
	"github.com/strato-vm/hyperagent/internal/hypervisor/firecracker"
	"github.com/strato-vm/hyperagent/internal/hypervisor/qemu"
	"github.com/strato-vm/hyperagent/internal/identity"
	"github.com/strato-vm/hyperagent/internal/imagecache"
	"github.com/strato-vm/hyperagent/internal/network"
	"github.com/strato-vm/hyperagent/internal/protocol"
	"github.com/strato-vm/hyperagent/internal/volume"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

// Agent wires up every component (C1-C8) and runs the dispatch loop that
// turns inbound control-channel envelopes into component calls.
type Agent struct {
	cfg Config

	idMgr   *identity.Manager
	cache   *imagecache.Cache
	volumes *volume.Manager
	net     network.Service
	disp    *hypervisor.Dispatcher
	console *console.Multiplexer
	ch      *channel.Channel

	mu          sync.Mutex
	assignedID  string
	volumePaths map[string]string // volume_id -> current backing file path

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Agent, performing the C5->C3->C4->C6->C8->C1->C2
// bring-up order. It does not yet connect or register -- call Run for
// that.
func New(cfg Config) (*Agent, error) {
	cfg = cfg.withDefaults()

	a := &Agent{
		cfg:         cfg,
		volumePaths: make(map[string]string),
	}

	// C5: networking
	a.net = network.NewService()
	if err := a.net.Connect(); err != nil {
		log.Warn("supervisor: network service connect: %v, continuing degraded", err)
	}

	// C3: image cache
	a.cache = imagecache.New(cfg.StorageRoot + "/images")

	// C4: volumes
	a.volumes = volume.New(cfg.StorageRoot+"/volumes", a.cache, "qemu-img")

	// C6: hypervisor drivers + dispatcher
	qemuDriver := qemu.New(cfg.StorageRoot+"/vms", cfg.FirmwarePath, a.cache, a.net)
	var fcDriver hypervisor.Driver
	if cfg.FirecrackerBinary != "" {
		fc := firecracker.New(cfg.StorageRoot+"/vms-fc", cfg.FirecrackerBinary, cfg.FirecrackerKernel, a.cache, a.net)
		fcDriver = fc
	}
	a.disp = hypervisor.NewDispatcher(qemuDriver, fcDriver)

	// C8: console multiplexer, wired to emit console_data outbound
	a.console = console.NewMultiplexer(a.onConsoleData)

	// C1: identity manager
	idMgr, err := identity.NewManager(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity manager: %w", err)
	}
	a.idMgr = idMgr

	// C2: control channel
	a.ch = channel.New(a.onLivenessHeartbeat)

	return a, nil
}

// Run starts identity rotation, connects the control channel, registers,
// and runs the dispatch loop until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.idMgr.Start(ctx); err != nil {
		return fmt.Errorf("identity start: %w", err)
	}
	a.idMgr.OnRotation(func(identity.SVID) {
		a.ch.UpdateTLS(a.idMgr.GetTLSConfig())
	})

	if err := a.ch.Connect(ctx, a.cfg.ControlPlaneURL, a.idMgr.GetTLSConfig()); err != nil {
		return fmt.Errorf("channel connect: %w", err)
	}

	if err := a.register(ctx); err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	a.wg.Add(2)
	go func() { defer a.wg.Done(); a.dispatchLoop(ctx) }()
	go func() { defer a.wg.Done(); a.heartbeatLoop(ctx) }()

	<-ctx.Done()
	return nil
}

// Stop cancels background loops, unregisters best-effort, and tears down
// the channel and identity manager.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	id := a.assignedID
	a.mu.Unlock()

	if id != "" {
		payload := protocol.AgentUnregister{EffectiveID: id, Reason: "shutdown"}
		env, _ := buildEnvelope(protocol.TypeAgentUnregister, uuid.NewString(), payload)
		if err := a.ch.Send(env); err != nil {
			log.Warn("supervisor: best-effort unregister failed: %v", err)
		}
	}

	a.ch.Disconnect()
	a.idMgr.Stop()
}

func buildEnvelope(t protocol.Type, requestID string, payload interface{}) (protocol.Envelope, error) {
	env, err := protocol.Success(requestID, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env.Type = t
	return env, nil
}

// register sends agent_register and waits up to RegistrationTimeout for
// agent_register_response.
func (a *Agent) register(ctx context.Context) error {
	initialID := uuid.NewString()
	resources := probeResources(a.cfg.StorageRoot)

	payload := protocol.AgentRegister{
		InitialID:    initialID,
		Hostname:     a.cfg.Hostname,
		Version:      a.cfg.Version,
		Capabilities: hypervisor.Capabilities(),
		Resources:    resources,
	}
	env, err := buildEnvelope(protocol.TypeAgentRegister, initialID, payload)
	if err != nil {
		return err
	}
	if err := a.ch.Send(env); err != nil {
		return err
	}

	timeout := time.NewTimer(a.cfg.RegistrationTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("supervisor: registration timed out")
		case in := <-a.ch.Inbound:
			if in.Type != protocol.TypeAgentRegisterResponse {
				continue // dropped: registration hasn't completed yet
			}
			var resp protocol.AgentRegisterResponse
			if err := in.Decode(&resp); err != nil {
				return fmt.Errorf("decode register response: %w", err)
			}
			a.mu.Lock()
			a.assignedID = resp.AssignedID
			a.mu.Unlock()
			log.Info("supervisor: registered with assigned id %v", resp.AssignedID)
			return nil
		}
	}
}

// heartbeatLoop sends AgentHeartbeat every HeartbeatInterval once an
// assigned ID is present (registration gating, property 1), backing off by
// HeartbeatBackoff on send failure.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			id := a.assignedID
			a.mu.Unlock()
			if id == "" {
				continue
			}

			payload := protocol.AgentHeartbeat{
				EffectiveID: id,
				Resources:   probeResources(a.cfg.StorageRoot),
				RunningVMs:  a.disp.RunningVMs(),
			}
			env, err := buildEnvelope(protocol.TypeAgentHeartbeat, uuid.NewString(), payload)
			if err == nil {
				err = a.ch.Send(env)
			}
			if err != nil {
				log.Error("supervisor: heartbeat send failed: %v, backing off %v", err, a.cfg.HeartbeatBackoff)
				ticker.Reset(a.cfg.HeartbeatBackoff)
			} else {
				ticker.Reset(a.cfg.HeartbeatInterval)
			}
		}
	}
}

// onLivenessHeartbeat fires after the channel has already written its own
// WS ping frame for this tick (see internal/channel's writeLoop); the agent
// has no additional wire action to take here, since the ping itself is what
// keeps the connection's liveness observable to the control plane.
func (a *Agent) onLivenessHeartbeat() {}

func (a *Agent) onConsoleData(vmID, sessionID string, data []byte) {
	payload := protocol.ConsoleData{VMID: vmID, SessionID: sessionID, Data: data}
	env, err := buildEnvelope(protocol.TypeConsoleData, uuid.NewString(), payload)
	if err != nil {
		log.Error("supervisor: encode console_data: %v", err)
		return
	}
	if err := a.ch.Send(env); err != nil {
		log.Warn("supervisor: send console_data for session %v: %v", sessionID, err)
	}
}
