// Package loopback implements an in-process backend for development and
// end-to-end tests: no hypervisor, no vsock. Each Connect hands one end of a
// net.Pipe to an embedded guest agent, so the full daemon stack runs against
// the real guest wire contract.
package loopback

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/vesselvm/vessel/internal/guest"
	"github.com/vesselvm/vessel/internal/protocol"
)

// BackendName selects this backend in daemon configuration.
const BackendName = "loopback"

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "loopback" }

// pipeListener feeds agent-side pipe ends to the embedded agent.
type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

// Backend is the loopback guest control backend.
type Backend struct {
	listener *pipeListener
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[uint32]net.Conn
	started bool
}

// New creates a loopback backend with its embedded agent already serving.
func New(logger *slog.Logger) (*Backend, error) {
	l := newPipeListener()
	agent := guest.New(guest.NopRuntime{}, logger)
	go agent.Serve(l)

	return &Backend{
		listener: l,
		logger:   logger,
		conns:    make(map[uint32]net.Conn),
	}, nil
}

// Start marks the fake VM booted.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Kill tears down all container channels.
func (b *Backend) Kill() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for port, conn := range b.conns {
		conn.Close()
		delete(b.conns, port)
	}
	b.started = false
	return nil
}

// Connect opens a new container channel to the embedded agent.
func (b *Backend) Connect(port uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.conns[port]; exists {
		return fmt.Errorf("port %d already connected", port)
	}

	hostEnd, agentEnd := net.Pipe()
	select {
	case b.listener.conns <- agentEnd:
	case <-b.listener.done:
		hostEnd.Close()
		return net.ErrClosed
	}
	b.conns[port] = hostEnd
	return nil
}

// Disconnect closes the channel for port.
func (b *Backend) Disconnect(port uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, ok := b.conns[port]
	if !ok {
		return fmt.Errorf("port %d not connected", port)
	}
	conn.Close()
	delete(b.conns, port)
	return nil
}

// VsockSend frames data onto the channel for port.
func (b *Backend) VsockSend(port uint32, data []byte) error {
	conn, err := b.conn(port)
	if err != nil {
		return err
	}
	return protocol.WriteRawFrame(conn, data)
}

// VsockRecv reads one frame from the channel for port.
func (b *Backend) VsockRecv(port uint32) ([]byte, error) {
	conn, err := b.conn(port)
	if err != nil {
		return nil, err
	}
	return protocol.ReadRawFrame(conn)
}

func (b *Backend) conn(port uint32) (net.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.conns[port]
	if !ok {
		return nil, fmt.Errorf("port %d not connected", port)
	}
	return conn, nil
}

// Close shuts the agent listener and every channel.
func (b *Backend) Close() error {
	b.Kill()
	return b.listener.Close()
}
