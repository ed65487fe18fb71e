package supervisor

import (
	"github.com/strato-vm/hyperagent/internal/protocol"
	log "github.com/strato-vm/hyperagent/pkg/minilog"
)

func (a *Agent) handleConsoleConnect(env protocol.Envelope) {
	var req protocol.ConsoleConnectRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	socket, err := a.disp.GetConsoleSocket(req.VMID)
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}

	a.console.DisconnectAllForVM(req.VMID)

	if err := a.console.Connect(req.VMID, req.SessionID, socket); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	log.Info("supervisor: console session %v connected for vm %v", req.SessionID, req.VMID)
	a.reply(env.RequestID, nil)
}

func (a *Agent) handleConsoleDisconnect(env protocol.Envelope) {
	var req protocol.ConsoleDisconnectRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	a.console.Disconnect(req.SessionID)
	a.reply(env.RequestID, nil)
}

// handleConsoleDataIn writes inbound console_data (keystrokes from the
// control plane) into the matching session's socket.
func (a *Agent) handleConsoleDataIn(env protocol.Envelope) {
	var req protocol.ConsoleData
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	if err := a.console.Write(req.SessionID, req.Data); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	a.reply(env.RequestID, nil)
}
