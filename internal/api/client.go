package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vesselvm/vessel/internal/model"
	"github.com/vesselvm/vessel/internal/protocol"
)

// defaultCallTimeout bounds one request/response exchange on the socket.
const defaultCallTimeout = 60 * time.Second

// Client is the Go client for the vesseld rendezvous socket, used by the
// vessel CLI. One request is in flight at a time per client.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the daemon at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, timeout: defaultCallTimeout}, nil
}

// SetTimeout configures the per-call deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.ID = model.NewRequestID()
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := protocol.WriteFrame(c.conn, &req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	return &resp, nil
}

// Create registers and connects a new container.
func (c *Client) Create(containerID, bundle string) error {
	_, err := c.call(protocol.Request{
		Method:      protocol.MethodCreate,
		ContainerID: containerID,
		Create:      &protocol.CreateRequest{Bundle: bundle},
	})
	return err
}

// Start starts a created container.
func (c *Client) Start(containerID string) error {
	_, err := c.call(protocol.Request{Method: protocol.MethodStart, ContainerID: containerID})
	return err
}

// Kill stops a created or running container.
func (c *Client) Kill(containerID string) error {
	_, err := c.call(protocol.Request{Method: protocol.MethodKill, ContainerID: containerID})
	return err
}

// Delete removes a created or stopped container.
func (c *Client) Delete(containerID string) error {
	_, err := c.call(protocol.Request{Method: protocol.MethodDelete, ContainerID: containerID})
	return err
}

// State queries a container's current state.
func (c *Client) State(containerID string) (*protocol.StateResponse, error) {
	resp, err := c.call(protocol.Request{Method: protocol.MethodState, ContainerID: containerID})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

// Connect requests a guest session handoff on port.
func (c *Client) Connect(containerID string, port uint32) error {
	_, err := c.call(protocol.Request{
		Method:      protocol.MethodConnect,
		ContainerID: containerID,
		Port:        port,
	})
	return err
}

// Events fetches the lifecycle journal for a container.
func (c *Client) Events(containerID string) ([]model.Event, error) {
	resp, err := c.call(protocol.Request{Method: protocol.MethodEvents, ContainerID: containerID})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}
