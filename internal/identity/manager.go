package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

// SourceKind selects which identity source backs a Manager.
type SourceKind string

const (
	SourceFiles      SourceKind = "files"
	SourceWorkloadAPI SourceKind = "workload_api"
)

// Config configures the identity manager. It is an enumerated set: exactly
// the fields relevant to Source are meaningful.
type Config struct {
	Enabled     bool
	TrustDomain string
	Source      SourceKind

	CertPath   string
	KeyPath    string
	BundlePath string

	WorkloadAPISocket string

	// RotationMargin is how far ahead of expiry the current SVID is reported
	// as due for rotation. Defaults to 5 minutes when zero. Reaching the
	// margin only logs a warning; rotation callbacks run only when the source
	// delivers a replacement SVID.
	RotationMargin time.Duration
}

// RotationFunc is invoked with the new SVID whenever the current identity is
// replaced.
type RotationFunc func(SVID)

// Manager fetches and rotates the agent's workload identity, maintaining a
// live TLS configuration that callbacks and get_tls_config observe
// atomically -- a reader never sees a mix of old and new cert/key/bundle.
type Manager struct {
	cfg    Config
	source Source

	current atomic.Pointer[state]

	mu        sync.Mutex
	callbacks []RotationFunc

	cancel context.CancelFunc
}

type state struct {
	svid SVID
	tls  *tls.Config
}

// NewManager constructs a Manager from cfg without contacting the source;
// call Start to perform the initial fetch.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RotationMargin == 0 {
		cfg.RotationMargin = 5 * time.Minute
	}
	return &Manager{cfg: cfg}, nil
}

// Start fetches the initial SVID, derives a TLS config, and begins watching
// for rotations. If the source cannot be initialized, Start fails -- callers
// that require TLS (wss:// control planes) must treat this as fatal.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	var src Source
	var err error
	switch m.cfg.Source {
	case SourceFiles:
		src = newFilesSource(m.cfg.CertPath, m.cfg.KeyPath, m.cfg.BundlePath, m.cfg.TrustDomain)
	case SourceWorkloadAPI:
		src, err = newWorkloadAPISource(ctx, m.cfg.WorkloadAPISocket)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSPIFFEConfig, err)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrSPIFFEConfig, m.cfg.Source)
	}
	m.source = src

	svid, err := src.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := m.replace(svid); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	updates := make(chan SVID, 4)
	go src.Watch(watchCtx, updates)
	go m.rotationLoop(watchCtx, updates)

	return nil
}

func (m *Manager) rotationLoop(ctx context.Context, updates <-chan SVID) {
	margin := m.cfg.RotationMargin
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case svid := <-updates:
			if err := m.replace(svid); err != nil {
				log.Error("identity: rejecting rotated svid: %v", err)
				continue
			}
			log.Info("identity: rotated svid %v, expires %v", svid.SPIFFEID, svid.ExpiresAt)
		case <-ticker.C:
			cur := m.GetSVIDUnchecked()
			if cur != nil && cur.NeedsRotation(margin) {
				log.Warn("identity: svid for %v is within rotation margin but no replacement arrived yet", cur.SPIFFEID)
			}
		}
	}
}

// replace atomically swaps in a new SVID and derived TLS config, then
// notifies rotation callbacks.
func (m *Manager) replace(svid SVID) error {
	cfg, err := tlsConfigFromSVID(svid)
	if err != nil {
		return err
	}

	m.current.Store(&state{svid: svid, tls: cfg})

	m.mu.Lock()
	cbs := append([]RotationFunc(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(svid)
	}
	return nil
}

// GetSVID returns the current SVID, failing if absent or expired.
func (m *Manager) GetSVID() (SVID, error) {
	s := m.current.Load()
	if s == nil {
		return SVID{}, ErrNoSVID
	}
	if s.svid.Expired() {
		return SVID{}, ErrSVIDExpired
	}
	return s.svid, nil
}

// GetSVIDUnchecked returns the current SVID without checking expiry, or nil
// if none has been fetched yet.
func (m *Manager) GetSVIDUnchecked() *SVID {
	s := m.current.Load()
	if s == nil {
		return nil
	}
	svid := s.svid
	return &svid
}

// GetTLSConfig returns the current TLS configuration, or nil if no SVID has
// been fetched.
func (m *Manager) GetTLSConfig() *tls.Config {
	s := m.current.Load()
	if s == nil {
		return nil
	}
	return s.tls.Clone()
}

// OnRotation registers a callback invoked with every new SVID.
func (m *Manager) OnRotation(cb RotationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Stop cancels the background watcher and closes the underlying source.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.source != nil {
		return m.source.Close()
	}
	return nil
}
