// Package supervisor implements C9, the agent process: startup ordering,
// control-channel registration, the periodic resource heartbeat, and the
// dispatch table that routes every inbound envelope to the component that
// owns it. Bring-up ordering follows minimega's own top-level daemon
// wiring (cmd/minimega's bring-up sequence), generalized to this agent's
// component set.
package supervisor

import (
	"time"

	"github.com/strato-vm/hyperagent/internal/identity"
)

// Config configures a single Agent instance. Constructed by cmd/stratoagent
// from flags and environment, never from a config file.
type Config struct {
	ControlPlaneURL string
	Hostname        string
	Version         string

	StorageRoot  string // root for image cache, volumes, and per-VM work dirs
	QEMUBinary   string
	FirmwarePath string

	FirecrackerBinary string
	FirecrackerKernel string

	Identity identity.Config

	RegistrationTimeout time.Duration // default 30s
	HeartbeatInterval   time.Duration // default 30s
	HeartbeatBackoff    time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.RegistrationTimeout == 0 {
		c.RegistrationTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatBackoff == 0 {
		c.HeartbeatBackoff = 10 * time.Second
	}
	return c
}
