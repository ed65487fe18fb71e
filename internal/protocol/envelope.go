// Package protocol defines the wire messages exchanged between the agent
// and the control plane over the control channel (see internal/channel).
package protocol

import "encoding/json"

// Type enumerates every message type recognized on the control channel.
type Type string

const (
	// Inbound (control plane -> agent)
	TypeAgentRegisterResponse Type = "agent_register_response"
	TypeVMCreate              Type = "vm_create"
	TypeVMBoot                Type = "vm_boot"
	TypeVMShutdown            Type = "vm_shutdown"
	TypeVMReboot              Type = "vm_reboot"
	TypeVMPause               Type = "vm_pause"
	TypeVMResume              Type = "vm_resume"
	TypeVMDelete              Type = "vm_delete"
	TypeVMInfo                Type = "vm_info"
	TypeVMStatus              Type = "vm_status"
	TypeNetworkCreate         Type = "network_create"
	TypeNetworkDelete         Type = "network_delete"
	TypeNetworkList           Type = "network_list"
	TypeNetworkInfo           Type = "network_info"
	TypeNetworkAttach         Type = "network_attach"
	TypeNetworkDetach         Type = "network_detach"
	TypeConsoleConnect        Type = "console_connect"
	TypeConsoleDisconnect     Type = "console_disconnect"
	TypeConsoleData           Type = "console_data"
	TypeVolumeCreate          Type = "volume_create"
	TypeVolumeDelete          Type = "volume_delete"
	TypeVolumeAttach          Type = "volume_attach"
	TypeVolumeDetach          Type = "volume_detach"
	TypeVolumeResize          Type = "volume_resize"
	TypeVolumeSnapshot        Type = "volume_snapshot"
	TypeVolumeClone           Type = "volume_clone"
	TypeVolumeInfo            Type = "volume_info"

	// Outbound (agent -> control plane)
	TypeAgentRegister        Type = "agent_register"
	TypeAgentUnregister      Type = "agent_unregister"
	TypeAgentHeartbeat       Type = "agent_heartbeat"
	TypeSuccess              Type = "success"
	TypeError                Type = "error"
	TypeStatusUpdate         Type = "status_update"
	TypeVMLog                Type = "vm_log"
	TypeConsoleConnected     Type = "console_connected"
	TypeConsoleDisconnected  Type = "console_disconnected"
)

// Envelope is the outer shell of every control-channel message. Payload
// fields vary by Type and are carried as raw JSON so that the channel layer
// never needs to know the full payload schema to decode and route a frame.
type Envelope struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Success builds a success response envelope for the given request.
func Success(requestID string, data interface{}) (Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: TypeSuccess, RequestID: requestID, Payload: raw}, nil
}

// Failure builds an error response envelope carrying a machine-readable
// reason string.
func Failure(requestID, reason string) Envelope {
	b, _ := json.Marshal(map[string]string{"reason": reason})
	return Envelope{Type: TypeError, RequestID: requestID, Payload: b}
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
