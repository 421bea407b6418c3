// Package protocol defines the wire contract between the vessel CLI and the
// vesseld daemon, and the guest-facing command tokens. Frames in both
// directions are length-prefixed JSON; guest replies stay opaque bytes.
package protocol

import "github.com/vesselvm/vessel/internal/model"

// Method names a lifecycle RPC operation.
type Method string

// RPC methods.
const (
	MethodCreate  Method = "create"
	MethodDelete  Method = "delete"
	MethodKill    Method = "kill"
	MethodStart   Method = "start"
	MethodState   Method = "state"
	MethodConnect Method = "connect"
	MethodEvents  Method = "events"
)

// Request is one framed RPC request from client to daemon.
type Request struct {
	ID          string         `json:"id"`
	Method      Method         `json:"method"`
	ContainerID string         `json:"container_id"`
	Create      *CreateRequest `json:"create,omitempty"`
	Port        uint32         `json:"port,omitempty"`
}

// CreateRequest carries the create-operation payload. The bundle path is
// opaque to the daemon and passed through to the guest.
type CreateRequest struct {
	Bundle string `json:"bundle"`
}

// StateResponse is the payload of a successful state query. Pid is null until
// the backend grows a PID-reporting capability.
type StateResponse struct {
	ContainerID string       `json:"container_id"`
	Status      model.Status `json:"status"`
	Pid         *int32       `json:"pid,omitempty"`
	Bundle      string       `json:"bundle"`
}

// Response is one framed RPC response from daemon to client. Exactly one of
// Error, State, or Events is set for state/events methods; lifecycle methods
// respond with both fields empty on success.
type Response struct {
	ID     string         `json:"id"`
	Error  *WireError     `json:"error,omitempty"`
	State  *StateResponse `json:"state,omitempty"`
	Events []model.Event  `json:"events,omitempty"`
}

// Guest command tokens, sent as raw framed bytes on the per-container
// vsock-addressed channel.
const (
	GuestCmdStart  = "start"
	GuestCmdKill   = "kill"
	GuestCmdState  = "state"
	GuestCmdDelete = "delete"
)

// GuestCreateRequest is the structured JSON payload sent to the guest on the
// create path, instead of a fixed token.
type GuestCreateRequest struct {
	ContainerID string `json:"container_id"`
	Bundle      string `json:"bundle"`
}
