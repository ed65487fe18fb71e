// stratoagent is the per-host hypervisor agent: it registers with a
// control plane over a persistent control channel and carries out VM,
// network, volume, and console operations on its behalf.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strato-vm/hyperagent/internal/identity"
	"github.com/strato-vm/hyperagent/internal/supervisor"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

var (
	fControlPlaneURL   = flag.String("control-plane", envOr("STRATOAGENT_CONTROL_PLANE", "wss://localhost:9443/agent"), "control plane websocket URL")
	fHostname          = flag.String("hostname", envOr("STRATOAGENT_HOSTNAME", hostnameOrUnknown()), "hostname to report at registration")
	fStorageRoot       = flag.String("storage-root", envOr("STRATOAGENT_STORAGE_ROOT", "/var/lib/stratoagent"), "root directory for images, volumes, and vm working directories")
	fFirmwarePath      = flag.String("firmware", envOr("STRATOAGENT_FIRMWARE", ""), "explicit UEFI firmware path, overriding platform defaults")
	fFirecrackerBinary = flag.String("firecracker-binary", envOr("STRATOAGENT_FIRECRACKER_BINARY", ""), "path to the firecracker binary; empty disables the firecracker driver")
	fFirecrackerKernel = flag.String("firecracker-kernel", envOr("STRATOAGENT_FIRECRACKER_KERNEL", ""), "default kernel image for firecracker VMs")

	fIdentityEnabled    = flag.Bool("identity-enabled", envOr("STRATOAGENT_IDENTITY_ENABLED", "false") == "true", "fetch a SPIFFE SVID for mTLS to the control plane")
	fIdentitySource     = flag.String("identity-source", envOr("STRATOAGENT_IDENTITY_SOURCE", "workload_api"), "identity source: workload_api or files")
	fIdentityTrustDomain = flag.String("identity-trust-domain", envOr("STRATOAGENT_TRUST_DOMAIN", ""), "SPIFFE trust domain")
	fWorkloadAPISocket  = flag.String("workload-api-socket", envOr("STRATOAGENT_WORKLOAD_API_SOCKET", "/run/spire/sockets/agent.sock"), "SPIFFE Workload API unix socket")
	fCertPath           = flag.String("cert-path", envOr("STRATOAGENT_CERT_PATH", ""), "SVID cert path (files source)")
	fKeyPath            = flag.String("key-path", envOr("STRATOAGENT_KEY_PATH", ""), "SVID key path (files source)")
	fBundlePath         = flag.String("bundle-path", envOr("STRATOAGENT_BUNDLE_PATH", ""), "SVID trust bundle path (files source)")

	fLogLevel = flag.String("log-level", envOr("STRATOAGENT_LOG_LEVEL", "info"), "debug, info, warn, error, or fatal")
)

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

const version = "0.1.0"

func main() {
	flag.Parse()

	level, err := log.LevelFromString(*fLogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.AddLogger("stderr", os.Stderr, level)

	cfg := supervisor.Config{
		ControlPlaneURL:   *fControlPlaneURL,
		Hostname:          *fHostname,
		Version:           version,
		StorageRoot:       *fStorageRoot,
		FirmwarePath:      *fFirmwarePath,
		FirecrackerBinary: *fFirecrackerBinary,
		FirecrackerKernel: *fFirecrackerKernel,
		Identity: identity.Config{
			Enabled:           *fIdentityEnabled,
			TrustDomain:       *fIdentityTrustDomain,
			Source:            identity.SourceKind(*fIdentitySource),
			CertPath:          *fCertPath,
			KeyPath:           *fKeyPath,
			BundlePath:        *fBundlePath,
			WorkloadAPISocket: *fWorkloadAPISocket,
		},
	}

	agent, err := supervisor.New(cfg)
	if err != nil {
		log.Fatal("stratoagent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Info("stratoagent: received %v, shutting down", s)
		cancel()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			log.Error("stratoagent: agent exited: %v", err)
		}
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() { agent.Stop(); close(stopped) }()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		log.Warn("stratoagent: shutdown timed out, exiting anyway")
	}
}
