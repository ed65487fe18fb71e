package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/strato-vm/hyperagent/internal/console"
	"github.com/strato-vm/hyperagent/internal/hypervisor"
	"github.com/strato-vm/hyperagent/internal/imagecache"
	"github.com/strato-vm/hyperagent/internal/network"
	"github.com/strato-vm/hyperagent/internal/protocol"
	"github.com/strato-vm/hyperagent/internal/volume"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

// dispatchLoop pulls inbound envelopes and routes them; a panic in any one
// handler is recovered so it can never take down the whole agent.
func (a *Agent) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-a.ch.Inbound:
			a.handle(env)
		}
	}
}

func (a *Agent) handle(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("supervisor: recovered panic handling %v: %v", env.Type, r)
			a.reply(env.RequestID, errors.New("internal error"))
		}
	}()

	switch env.Type {
	case protocol.TypeVMCreate:
		a.handleVMCreate(env)
	case protocol.TypeVMBoot:
		a.handleVMTarget(env, a.disp.Boot, "boot")
	case protocol.TypeVMShutdown:
		a.handleVMTarget(env, a.disp.Shutdown, "shutdown")
	case protocol.TypeVMReboot:
		a.handleVMTarget(env, a.disp.Reboot, "reboot")
	case protocol.TypeVMPause:
		a.handleVMTarget(env, a.disp.Pause, "pause")
	case protocol.TypeVMResume:
		a.handleVMTarget(env, a.disp.Resume, "resume")
	case protocol.TypeVMDelete:
		a.handleVMDelete(env)
	case protocol.TypeVMInfo:
		a.handleVMInfo(env)
	case protocol.TypeVMStatus:
		a.handleVMStatus(env)

	case protocol.TypeNetworkCreate:
		a.handleNetworkCreate(env)
	case protocol.TypeNetworkDelete:
		a.handleNetworkDelete(env)
	case protocol.TypeNetworkList:
		a.handleNetworkList(env)
	case protocol.TypeNetworkInfo:
		a.handleNetworkInfo(env)
	case protocol.TypeNetworkAttach:
		a.handleNetworkAttach(env)
	case protocol.TypeNetworkDetach:
		a.handleNetworkDetach(env)

	case protocol.TypeConsoleConnect:
		a.handleConsoleConnect(env)
	case protocol.TypeConsoleDisconnect:
		a.handleConsoleDisconnect(env)
	case protocol.TypeConsoleData:
		a.handleConsoleDataIn(env)

	case protocol.TypeVolumeCreate:
		a.handleVolumeCreate(env)
	case protocol.TypeVolumeDelete:
		a.handleVolumeDelete(env)
	case protocol.TypeVolumeAttach:
		a.handleVolumeAttach(env)
	case protocol.TypeVolumeDetach:
		a.handleVolumeDetach(env)
	case protocol.TypeVolumeResize:
		a.handleVolumeResize(env)
	case protocol.TypeVolumeSnapshot:
		a.handleVolumeSnapshot(env)
	case protocol.TypeVolumeClone:
		a.handleVolumeClone(env)
	case protocol.TypeVolumeInfo:
		a.handleVolumeInfo(env)

	default:
		log.Warn("supervisor: ignoring unhandled message type %v", env.Type)
	}
}

func (a *Agent) reply(requestID string, err error) {
	var env protocol.Envelope
	if err != nil {
		env = protocol.Failure(requestID, reasonFor(err))
	} else {
		var buildErr error
		env, buildErr = protocol.Success(requestID, nil)
		if buildErr != nil {
			log.Error("supervisor: build success envelope: %v", buildErr)
			return
		}
	}
	if sendErr := a.ch.Send(env); sendErr != nil {
		log.Warn("supervisor: reply send failed for %v: %v", requestID, sendErr)
	}
}

func (a *Agent) replyData(requestID string, data interface{}, err error) {
	if err != nil {
		a.reply(requestID, err)
		return
	}
	env, buildErr := protocol.Success(requestID, data)
	if buildErr != nil {
		log.Error("supervisor: build success envelope: %v", buildErr)
		return
	}
	if sendErr := a.ch.Send(env); sendErr != nil {
		log.Warn("supervisor: reply send failed for %v: %v", requestID, sendErr)
	}
}

// reasonFor maps a component sentinel error to the machine-readable reason
// string carried in error{} replies, per SPEC_FULL.md §7.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, hypervisor.ErrVMNotFound):
		return "vm_not_found"
	case errors.Is(err, hypervisor.ErrVMAlreadyRunning):
		return "vm_already_running"
	case errors.Is(err, hypervisor.ErrDiskCreationFailed):
		return "disk_creation_failed"
	case errors.Is(err, hypervisor.ErrDiskError):
		return "disk_error"
	case errors.Is(err, hypervisor.ErrNetworkError):
		return "network_error"
	case errors.Is(err, hypervisor.ErrHypervisorNotInstalled):
		return "hypervisor_not_installed"
	case errors.Is(err, hypervisor.ErrTimeout):
		return "timeout"
	case errors.Is(err, hypervisor.ErrNotSupported):
		return "not_supported"
	case errors.Is(err, hypervisor.ErrHotplugFailed):
		return "hotplug_failed"
	case errors.Is(err, imagecache.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, imagecache.ErrDownloadFailed):
		return "download_failed"
	case errors.Is(err, network.ErrNotFound):
		return "network_not_found"
	case errors.Is(err, network.ErrAlreadyExists):
		return "network_already_exists"
	case errors.Is(err, console.ErrSessionNotFound):
		return "console_session_not_found"
	case errors.Is(err, console.ErrConnectionFailed):
		return "console_connection_failed"
	case errors.Is(err, volume.ErrNotFound):
		return "volume_not_found"
	default:
		var invalidState *hypervisor.ErrInvalidState
		if errors.As(err, &invalidState) {
			return "invalid_state"
		}
		return fmt.Sprintf("internal_error: %v", err)
	}
}
