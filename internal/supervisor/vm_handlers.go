package supervisor

import (
	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

func (a *Agent) emitVMLog(vmID, level, eventType, message, operation, prevStatus, newStatus string) {
	payload := protocol.VMLog{
		VMID:           vmID,
		Level:          level,
		EventType:      eventType,
		Message:        message,
		Operation:      operation,
		PreviousStatus: prevStatus,
		NewStatus:      newStatus,
	}
	env, err := buildEnvelope(protocol.TypeVMLog, "", payload)
	if err != nil {
		log.Error("supervisor: encode vm_log: %v", err)
		return
	}
	if err := a.ch.Send(env); err != nil {
		log.Warn("supervisor: send vm_log for %v: %v", vmID, err)
	}
}

func (a *Agent) emitStatus(vmID, status string) {
	payload := protocol.StatusUpdate{VMID: vmID, Status: status}
	env, err := buildEnvelope(protocol.TypeStatusUpdate, "", payload)
	if err != nil {
		log.Error("supervisor: encode status_update: %v", err)
		return
	}
	if err := a.ch.Send(env); err != nil {
		log.Warn("supervisor: send status_update for %v: %v", vmID, err)
	}
}

func (a *Agent) handleVMCreate(env protocol.Envelope) {
	var req protocol.VMCreateRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	err := a.disp.Create(req.VMID, req.VMData.HypervisorType, req.VMData.Config, req.VMData.Image)
	if err != nil {
		a.emitVMLog(req.VMID, "error", "create_failed", err.Error(), "create", "", "failed")
		a.reply(env.RequestID, err)
		return
	}

	a.emitVMLog(req.VMID, "info", "created", "vm created", "create", "", "created")
	a.emitStatus(req.VMID, "created")
	a.reply(env.RequestID, nil)
}

// handleVMTarget covers boot/shutdown/reboot/pause/resume: decode a
// vm_id-only request, call op, and emit status + log on success.
func (a *Agent) handleVMTarget(env protocol.Envelope, op func(string) error, name string) {
	var req protocol.VMTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	if err := op(req.VMID); err != nil {
		a.emitVMLog(req.VMID, "error", name+"_failed", err.Error(), name, "", "")
		a.reply(env.RequestID, err)
		return
	}

	status, _ := a.disp.GetStatus(req.VMID)
	a.emitVMLog(req.VMID, "info", name+"ed", name+" succeeded", name, "", string(status.State))
	a.emitStatus(req.VMID, string(status.State))
	a.reply(env.RequestID, nil)
}

func (a *Agent) handleVMDelete(env protocol.Envelope) {
	var req protocol.VMTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	a.console.DisconnectAllForVM(req.VMID)

	if err := a.disp.Delete(req.VMID); err != nil {
		a.emitVMLog(req.VMID, "error", "delete_failed", err.Error(), "delete", "", "")
		a.reply(env.RequestID, err)
		return
	}

	a.emitVMLog(req.VMID, "info", "deleted", "vm deleted", "delete", "", "deleted")
	a.emitStatus(req.VMID, "deleted")
	a.reply(env.RequestID, nil)
}

func (a *Agent) handleVMInfo(env protocol.Envelope) {
	var req protocol.VMTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	info, err := a.disp.GetInfo(req.VMID)
	a.replyData(env.RequestID, info, err)
}

func (a *Agent) handleVMStatus(env protocol.Envelope) {
	var req protocol.VMTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	status, err := a.disp.GetStatus(req.VMID)
	a.replyData(env.RequestID, status, err)
}
