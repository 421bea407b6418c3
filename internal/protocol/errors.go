package protocol

import (
	"errors"
	"fmt"

	"github.com/vesselvm/vessel/internal/model"
)

// Sentinel errors surfaced by the lifecycle service. They cross the wire as
// WireError codes and are reconstructed on the client side, so errors.Is works
// on both ends.
var (
	ErrContainerAlreadyExists = errors.New("container already exists")
	ErrContainerNotFound      = errors.New("container not found")
	ErrVMCommandFailed        = errors.New("vm command failed")
	ErrBackendUnavailable     = errors.New("vm backend unavailable")
	ErrGuestAckTimeout        = errors.New("timed out waiting for guest acknowledgement")
	ErrInvalidRequest         = errors.New("invalid request")
)

// UnexpectedStatusError reports an operation invoked from a container status
// it is not valid in. It carries the status observed at validation time.
type UnexpectedStatusError struct {
	Status model.Status
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected container status %q", e.Status)
}

// Wire error codes.
const (
	CodeContainerAlreadyExists = "container_already_exists"
	CodeContainerNotFound      = "container_not_found"
	CodeUnexpectedStatus       = "unexpected_container_status"
	CodeVMCommandFailed        = "vm_command_failed"
	CodeBackendUnavailable     = "backend_unavailable"
	CodeGuestAckTimeout        = "guest_ack_timeout"
	CodeInvalidRequest         = "invalid_request"
	CodeInternal               = "internal"
)

// WireError is the JSON form of a service error. Status is set only for
// unexpected-status errors.
type WireError struct {
	Code    string       `json:"code"`
	Message string       `json:"message,omitempty"`
	Status  model.Status `json:"status,omitempty"`
}

func (e *WireError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// ToWireError converts a service error into its wire form.
func ToWireError(err error) *WireError {
	var statusErr *UnexpectedStatusError
	switch {
	case errors.As(err, &statusErr):
		return &WireError{Code: CodeUnexpectedStatus, Message: statusErr.Error(), Status: statusErr.Status}
	case errors.Is(err, ErrContainerAlreadyExists):
		return &WireError{Code: CodeContainerAlreadyExists, Message: err.Error()}
	case errors.Is(err, ErrContainerNotFound):
		return &WireError{Code: CodeContainerNotFound, Message: err.Error()}
	case errors.Is(err, ErrBackendUnavailable):
		return &WireError{Code: CodeBackendUnavailable, Message: err.Error()}
	case errors.Is(err, ErrGuestAckTimeout):
		return &WireError{Code: CodeGuestAckTimeout, Message: err.Error()}
	case errors.Is(err, ErrVMCommandFailed):
		return &WireError{Code: CodeVMCommandFailed, Message: err.Error()}
	case errors.Is(err, ErrInvalidRequest):
		return &WireError{Code: CodeInvalidRequest, Message: err.Error()}
	default:
		return &WireError{Code: CodeInternal, Message: err.Error()}
	}
}

// Err reconstructs the typed service error from its wire form.
func (e *WireError) Err() error {
	switch e.Code {
	case CodeContainerAlreadyExists:
		return ErrContainerAlreadyExists
	case CodeContainerNotFound:
		return ErrContainerNotFound
	case CodeUnexpectedStatus:
		return &UnexpectedStatusError{Status: e.Status}
	case CodeVMCommandFailed:
		return ErrVMCommandFailed
	case CodeBackendUnavailable:
		return ErrBackendUnavailable
	case CodeGuestAckTimeout:
		return ErrGuestAckTimeout
	case CodeInvalidRequest:
		return ErrInvalidRequest
	default:
		return errors.New(e.Error())
	}
}
