// Package api implements the lifecycle RPC surface: the service answering
// lifecycle requests, the Unix-socket acceptor serving framed JSON, the Go
// client used by the vessel CLI, and the optional debug HTTP listener.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vesselvm/vessel/internal/engine"
	"github.com/vesselvm/vessel/internal/model"
	"github.com/vesselvm/vessel/internal/protocol"
	"github.com/vesselvm/vessel/internal/registry"
	"github.com/vesselvm/vessel/internal/store"
)

// PidFunc reports the VM process ID when the backend knows it.
type PidFunc func() (int32, bool)

// Service validates lifecycle state transitions against the registry and
// issues guest commands through the dispatcher. One Service is shared by all
// connections.
type Service struct {
	reg        *registry.Registry
	disp       *engine.Dispatcher
	journal    store.Journal // nil disables the lifecycle journal
	pid        PidFunc       // nil when the backend cannot report a PID
	logger     *slog.Logger
	ackTimeout time.Duration
}

// NewService creates the lifecycle service. journal and pid may be nil.
func NewService(reg *registry.Registry, disp *engine.Dispatcher, journal store.Journal, pid PidFunc, logger *slog.Logger, ackTimeout time.Duration) *Service {
	return &Service{
		reg:        reg,
		disp:       disp,
		journal:    journal,
		pid:        pid,
		logger:     logger,
		ackTimeout: ackTimeout,
	}
}

// Create registers a new container, connects its vsock channel, sends the
// creation payload, and waits for the guest acknowledgement before the entry
// becomes created. The port reservation is visible to concurrent creates, so
// the registry lock is not held across the guest round-trip.
func (s *Service) Create(ctx context.Context, containerID string, req protocol.CreateRequest) error {
	if containerID == "" {
		return fmt.Errorf("%w: container id is required", protocol.ErrInvalidRequest)
	}

	port, err := s.reg.Reserve(containerID, req.Bundle)
	if err != nil {
		return err
	}

	if err := s.connectAndAwaitAck(ctx, containerID, port, req); err != nil {
		s.reg.Abort(containerID)
		return err
	}

	if err := s.reg.Commit(containerID); err != nil {
		return err
	}

	s.recordEvent(ctx, containerID, "create", model.StatusCreating, model.StatusCreated)
	activeContainers.Set(float64(s.reg.Len()))
	return nil
}

// connectAndAwaitAck issues the create-path command sequence and blocks until
// the guest acknowledges on this container's port, the dispatcher dies, or the
// ack timeout fires. The waiter is registered before any command goes out so a
// fast guest cannot race the registration.
func (s *Service) connectAndAwaitAck(ctx context.Context, containerID string, port uint32, req protocol.CreateRequest) error {
	payload, err := json.Marshal(protocol.GuestCreateRequest{
		ContainerID: containerID,
		Bundle:      req.Bundle,
	})
	if err != nil {
		return fmt.Errorf("marshal guest create request: %w", err)
	}

	reply, cancel := s.disp.Expect(port)
	defer cancel()

	cmds := []engine.Command{
		{Op: engine.OpConnect, Port: port},
		{Op: engine.OpVsockSend, Port: port, Data: payload},
		{Op: engine.OpVsockRecv, Port: port},
	}
	connectIssued := false
	for _, cmd := range cmds {
		if err := s.disp.Send(ctx, cmd); err != nil {
			if connectIssued {
				s.teardownPort(port)
			}
			return err
		}
		connectIssued = true
	}

	start := time.Now()
	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case <-reply:
		guestAckDuration.Observe(time.Since(start).Seconds())
		return nil
	case <-s.disp.Done():
		return protocol.ErrBackendUnavailable
	case <-timer.C:
		s.teardownPort(port)
		return protocol.ErrGuestAckTimeout
	case <-ctx.Done():
		s.teardownPort(port)
		return fmt.Errorf("%w: %v", protocol.ErrVMCommandFailed, ctx.Err())
	}
}

// teardownPort releases the guest channel of a create that failed after its
// connect command went out. Aborting the reservation frees the port number
// for reuse, so the backend connection must be torn down too: the disconnect
// queues behind the create's outstanding commands and frees the port before
// any later create can reconnect it. Best-effort: with a dead dispatch loop
// there is nothing left to tear down.
func (s *Service) teardownPort(port uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	defer cancel()

	if err := s.disp.Send(ctx, engine.Command{Op: engine.OpDisconnect, Port: port}); err != nil {
		s.logger.Warn("disconnect after failed create", "port", port, "error", err)
	}
}

// Start transitions created → running and tells the guest to start the
// container.
func (s *Service) Start(ctx context.Context, containerID string) error {
	err := s.reg.Update(containerID, func(c *model.Container) error {
		if c.Status != model.StatusCreated {
			return &protocol.UnexpectedStatusError{Status: c.Status}
		}
		if err := s.sendToken(ctx, c.VsockPort, protocol.GuestCmdStart); err != nil {
			return err
		}
		c.Status = model.StatusRunning
		return nil
	})
	if err != nil {
		return err
	}

	s.recordEvent(ctx, containerID, "start", model.StatusCreated, model.StatusRunning)
	return nil
}

// Kill transitions created or running → stopped and tells the guest to kill
// the container.
func (s *Service) Kill(ctx context.Context, containerID string) error {
	var from model.Status
	err := s.reg.Update(containerID, func(c *model.Container) error {
		if c.Status != model.StatusCreated && c.Status != model.StatusRunning {
			return &protocol.UnexpectedStatusError{Status: c.Status}
		}
		if err := s.sendToken(ctx, c.VsockPort, protocol.GuestCmdKill); err != nil {
			return err
		}
		from = c.Status
		c.Status = model.StatusStopped
		return nil
	})
	if err != nil {
		return err
	}

	s.recordEvent(ctx, containerID, "kill", from, model.StatusStopped)
	return nil
}

// Delete removes a created or stopped container from the registry after
// telling the guest and tearing down the vsock channel.
func (s *Service) Delete(ctx context.Context, containerID string) error {
	var from model.Status
	err := s.reg.Remove(containerID, func(c *model.Container) error {
		if !model.Deletable(c.Status) {
			return &protocol.UnexpectedStatusError{Status: c.Status}
		}
		if err := s.sendToken(ctx, c.VsockPort, protocol.GuestCmdDelete); err != nil {
			return err
		}
		if err := s.disp.Send(ctx, engine.Command{Op: engine.OpDisconnect, Port: c.VsockPort}); err != nil {
			return err
		}
		from = c.Status
		return nil
	})
	if err != nil {
		return err
	}

	s.recordEvent(ctx, containerID, "delete", from, "")
	activeContainers.Set(float64(s.reg.Len()))
	return nil
}

// State reports the registry view of a container. The guest is notified with a
// state token but the reply does not gate the response; the registry is
// authoritative for status.
func (s *Service) State(ctx context.Context, containerID string) (*protocol.StateResponse, error) {
	var resp *protocol.StateResponse
	err := s.reg.View(containerID, func(c model.Container) error {
		// A creating entry has no guest channel yet: its connect command
		// may not have executed, and a send on an unconnected port is a
		// fatal backend error. The registry alone answers for it.
		if c.Status != model.StatusCreating {
			if err := s.sendToken(ctx, c.VsockPort, protocol.GuestCmdState); err != nil {
				return err
			}
		}
		resp = &protocol.StateResponse{
			ContainerID: c.ID,
			Status:      c.Status,
			Bundle:      c.Bundle,
		}
		if s.pid != nil {
			if pid, ok := s.pid(); ok {
				resp.Pid = &pid
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Connect validates a guest session handoff request. The handoff itself is a
// backend capability that does not exist yet, so a valid request is a no-op.
func (s *Service) Connect(ctx context.Context, containerID string, port uint32) error {
	return s.reg.Update(containerID, func(c *model.Container) error {
		if c.Status != model.StatusRunning {
			return &protocol.UnexpectedStatusError{Status: c.Status}
		}
		return nil
	})
}

// Events replays the lifecycle journal for a container.
func (s *Service) Events(ctx context.Context, containerID string) ([]model.Event, error) {
	if s.journal == nil {
		return nil, store.ErrNoEvents
	}
	return s.journal.EventsFor(ctx, containerID)
}

func (s *Service) sendToken(ctx context.Context, port uint32, token string) error {
	return s.disp.Send(ctx, engine.Command{
		Op:   engine.OpVsockSend,
		Port: port,
		Data: []byte(token),
	})
}

// recordEvent appends to the lifecycle journal. Journal failures are logged
// and swallowed; the transition already happened.
func (s *Service) recordEvent(ctx context.Context, containerID, op string, from, to model.Status) {
	if s.journal == nil {
		return
	}
	e := &model.Event{
		ContainerID: containerID,
		Operation:   op,
		FromStatus:  from,
		ToStatus:    to,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.journal.Append(ctx, e); err != nil {
		s.logger.Error("journal append failed", "container_id", containerID, "operation", op, "error", err)
	}
}
