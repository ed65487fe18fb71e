package supervisor

import (
	"github.com/strato-vm/hyperagent/internal/network"
	"github.com/strato-vm/hyperagent/internal/protocol"
)

func (a *Agent) handleNetworkCreate(env protocol.Envelope) {
	var req protocol.NetworkCreateRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	ln, err := a.net.CreateLogicalNetwork(req.ID, req.Name, req.Subnet)
	a.replyData(env.RequestID, protocol.LogicalNetworkInfo{ID: ln.ID, Name: ln.Name, Subnet: ln.Subnet}, err)
}

func (a *Agent) handleNetworkDelete(env protocol.Envelope) {
	var req protocol.NetworkTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	err := a.net.DeleteLogicalNetwork(req.ID)
	a.reply(env.RequestID, err)
}

func (a *Agent) handleNetworkList(env protocol.Envelope) {
	nets, err := a.net.ListLogicalNetworks()
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}
	resp := protocol.NetworkListResponse{}
	for _, n := range nets {
		resp.Networks = append(resp.Networks, protocol.LogicalNetworkInfo{ID: n.ID, Name: n.Name, Subnet: n.Subnet})
	}
	a.replyData(env.RequestID, resp, nil)
}

func (a *Agent) handleNetworkInfo(env protocol.Envelope) {
	var req protocol.NetworkTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	nets, err := a.net.ListLogicalNetworks()
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}
	for _, n := range nets {
		if n.ID == req.ID {
			a.replyData(env.RequestID, protocol.LogicalNetworkInfo{ID: n.ID, Name: n.Name, Subnet: n.Subnet}, nil)
			return
		}
	}
	a.reply(env.RequestID, network.ErrNotFound)
}

func (a *Agent) handleNetworkAttach(env protocol.Envelope) {
	var req protocol.NetworkAttachRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	info, err := a.net.AttachVM(req.VMID, req.ID)
	a.replyData(env.RequestID, info, err)
}

func (a *Agent) handleNetworkDetach(env protocol.Envelope) {
	var req protocol.NetworkAttachRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	err := a.net.DetachVM(req.VMID, req.ID)
	a.reply(env.RequestID, err)
}
