// Package guest implements the in-VM agent answering lifecycle commands from
// the daemon. Each accepted vsock connection is one container's command
// channel: the first frame carries the JSON create payload, every later frame
// is a fixed command token.
package guest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vesselvm/vessel/internal/model"
	"github.com/vesselvm/vessel/internal/protocol"
)

// AckOK is the payload the agent frames back once a container is registered.
// The daemon treats the ack as opaque bytes; the value is for humans reading
// traces.
const AckOK = "ok"

// Runtime starts and stops container workloads inside the VM. The agent keeps
// lifecycle bookkeeping itself and delegates the actual process work here.
type Runtime interface {
	Create(containerID, bundle string) error
	Start(containerID string) error
	Kill(containerID string) error
	Delete(containerID string) error
}

// NopRuntime acknowledges every operation without running anything. Used on
// images that have no container runtime installed yet, and in tests.
type NopRuntime struct{}

func (NopRuntime) Create(string, string) error { return nil }
func (NopRuntime) Start(string) error          { return nil }
func (NopRuntime) Kill(string) error           { return nil }
func (NopRuntime) Delete(string) error         { return nil }

type containerState struct {
	bundle string
	status model.Status
}

// Agent serves container command channels. One Agent handles all containers
// of the VM it runs in; the daemon reaches each container on its own vsock
// port, so the agent serves any number of listeners.
type Agent struct {
	runtime Runtime
	logger  *slog.Logger

	mu         sync.Mutex
	containers map[string]*containerState
}

// New creates an agent. A nil runtime gets NopRuntime.
func New(runtime Runtime, logger *slog.Logger) *Agent {
	if runtime == nil {
		runtime = NopRuntime{}
	}
	return &Agent{
		runtime:    runtime,
		logger:     logger,
		containers: make(map[string]*containerState),
	}
}

// Serve accepts command channels on l until it is closed. It may be called
// concurrently with different listeners.
func (a *Agent) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleChannel(conn)
	}
}

// handleChannel binds one connection to one container and serves its command
// stream. A create that cannot be honored is answered with silence: the
// daemon's ack timeout aborts the reservation on its side.
func (a *Agent) handleChannel(conn net.Conn) {
	defer conn.Close()

	containerID, err := a.handleCreate(conn)
	if err != nil {
		a.logger.Error("create failed", "error", err)
		return
	}
	log := a.logger.With("container_id", containerID)
	log.Info("container registered")

	for {
		token, err := protocol.ReadRawFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read command frame", "error", err)
			}
			return
		}

		done, err := a.handleToken(containerID, string(token))
		if err != nil {
			log.Warn("command failed", "command", string(token), "error", err)
			continue
		}
		log.Info("command handled", "command", string(token))
		if done {
			return
		}
	}
}

// handleCreate reads the first frame, registers the container, and acks.
func (a *Agent) handleCreate(conn net.Conn) (string, error) {
	frame, err := protocol.ReadRawFrame(conn)
	if err != nil {
		return "", fmt.Errorf("read create frame: %w", err)
	}

	var req protocol.GuestCreateRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return "", fmt.Errorf("decode create payload: %w", err)
	}
	if req.ContainerID == "" {
		return "", errors.New("create payload without container id")
	}

	a.mu.Lock()
	if _, exists := a.containers[req.ContainerID]; exists {
		a.mu.Unlock()
		return "", fmt.Errorf("container %s already registered", req.ContainerID)
	}
	a.containers[req.ContainerID] = &containerState{
		bundle: req.Bundle,
		status: model.StatusCreated,
	}
	a.mu.Unlock()

	if err := a.runtime.Create(req.ContainerID, req.Bundle); err != nil {
		a.forget(req.ContainerID)
		return "", fmt.Errorf("runtime create: %w", err)
	}

	if err := protocol.WriteRawFrame(conn, []byte(AckOK)); err != nil {
		a.forget(req.ContainerID)
		return "", fmt.Errorf("write ack: %w", err)
	}
	return req.ContainerID, nil
}

// handleToken applies one command token. The returned bool reports that the
// channel is finished (after delete).
func (a *Agent) handleToken(containerID, token string) (bool, error) {
	switch token {
	case protocol.GuestCmdStart:
		if err := a.transition(containerID, model.StatusRunning); err != nil {
			return false, err
		}
		return false, a.runtime.Start(containerID)
	case protocol.GuestCmdKill:
		if err := a.transition(containerID, model.StatusStopped); err != nil {
			return false, err
		}
		return false, a.runtime.Kill(containerID)
	case protocol.GuestCmdDelete:
		a.mu.Lock()
		c, ok := a.containers[containerID]
		if ok && !model.Deletable(c.status) {
			status := c.status
			a.mu.Unlock()
			return false, fmt.Errorf("container %s not deletable in status %q", containerID, status)
		}
		delete(a.containers, containerID)
		a.mu.Unlock()
		return true, a.runtime.Delete(containerID)
	case protocol.GuestCmdState:
		// Notification only. The daemon registry is authoritative for
		// status and never reads a reply; answering would leave unread
		// bytes on the channel.
		status, ok := a.Status(containerID)
		if !ok {
			return false, fmt.Errorf("container %s not registered", containerID)
		}
		a.logger.Info("state requested", "container_id", containerID, "status", string(status))
		return false, nil
	default:
		return false, fmt.Errorf("unknown command token %q", token)
	}
}

// transition moves the container through the status table.
func (a *Agent) transition(containerID string, to model.Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s not registered", containerID)
	}
	if !model.ValidTransition(c.status, to) {
		return fmt.Errorf("invalid transition %q -> %q", c.status, to)
	}
	c.status = to
	return nil
}

func (a *Agent) forget(containerID string) {
	a.mu.Lock()
	delete(a.containers, containerID)
	a.mu.Unlock()
}

// Status reports the agent's view of a container, for tests and diagnostics.
func (a *Agent) Status(containerID string) (model.Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.containers[containerID]
	if !ok {
		return "", false
	}
	return c.status, true
}
