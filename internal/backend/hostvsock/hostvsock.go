// Package hostvsock implements the guest control backend for hypervisors that
// expose guest vsock through the host AF_VSOCK address family (cloud-hypervisor
// or QEMU with vhost-vsock). The hypervisor process itself is launched from a
// configured command line; connections to container ports use vsock.Dial.
package hostvsock

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/vesselvm/vessel/internal/backend"
	"github.com/vesselvm/vessel/internal/protocol"
)

// BackendName is the name used when registering with the backend registry.
const BackendName = "vsock"

// Environment variable names for host-vsock configuration.
const (
	envCID     = "VESSELD_VSOCK_CID"
	envVMCmd   = "VESSELD_VSOCK_VM_CMD"
	envTimeout = "VESSELD_VSOCK_IO_TIMEOUT"
)

// defaultIOTimeout bounds a single vsock send or receive.
const defaultIOTimeout = 30 * time.Second

// Config holds configuration for the host-vsock backend.
type Config struct {
	// CID is the guest context ID assigned by the hypervisor.
	CID uint32

	// VMCommand is the hypervisor command line that boots the VM. When empty,
	// Start and Kill are no-ops and the VM lifecycle is managed externally.
	VMCommand []string

	// IOTimeout bounds each vsock send/receive.
	IOTimeout time.Duration
}

// LoadConfig reads host-vsock configuration from environment variables.
func LoadConfig() Config {
	cfg := Config{IOTimeout: defaultIOTimeout}

	if v := os.Getenv(envCID); v != "" {
		if cid, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.CID = uint32(cid)
		}
	}
	if v := os.Getenv(envVMCmd); v != "" {
		cfg.VMCommand = strings.Fields(v)
	}
	if v := os.Getenv(envTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.IOTimeout = d
		}
	}

	return cfg
}

// Compile-time interface satisfaction checks.
var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.PidReporter = (*Backend)(nil)
)

// Backend talks to a guest over host AF_VSOCK, one connection per container
// port. The engine's dispatch loop is the only caller of the lifecycle and
// vsock methods; the mutex protects the table against Close on shutdown.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	conns map[uint32]*vsock.Conn
}

// New creates the backend. The VM is not started until Start.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.CID < 3 {
		return nil, fmt.Errorf("hostvsock backend: guest CID not configured (%s)", envCID)
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[uint32]*vsock.Conn),
	}, nil
}

// Start launches the configured hypervisor command, or does nothing when the
// VM lifecycle is managed externally.
func (b *Backend) Start() error {
	if len(b.cfg.VMCommand) == 0 {
		b.logger.Info("no VM command configured, assuming externally managed VM", "cid", b.cfg.CID)
		return nil
	}

	cmd := exec.Command(b.cfg.VMCommand[0], b.cfg.VMCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start hypervisor: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	b.logger.Info("hypervisor started", "cid", b.cfg.CID, "pid", cmd.Process.Pid)
	return nil
}

// Kill stops the hypervisor process.
func (b *Backend) Kill() error {
	b.mu.Lock()
	cmd := b.cmd
	b.cmd = nil
	b.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill hypervisor: %w", err)
	}
	// Reap the process so it does not linger as a zombie.
	go cmd.Wait()
	return nil
}

// Connect dials the guest vsock port.
func (b *Backend) Connect(port uint32) error {
	b.mu.Lock()
	if _, ok := b.conns[port]; ok {
		b.mu.Unlock()
		return fmt.Errorf("port %d already connected", port)
	}
	b.mu.Unlock()

	conn, err := vsock.Dial(b.cfg.CID, port, nil)
	if err != nil {
		return fmt.Errorf("vsock dial cid=%d port=%d: %w", b.cfg.CID, port, err)
	}

	b.mu.Lock()
	b.conns[port] = conn
	b.mu.Unlock()
	return nil
}

// Disconnect closes the connection for the given port.
func (b *Backend) Disconnect(port uint32) error {
	b.mu.Lock()
	conn, ok := b.conns[port]
	delete(b.conns, port)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("port %d is not connected", port)
	}
	return conn.Close()
}

// VsockSend writes one framed payload to the guest endpoint behind port.
func (b *Backend) VsockSend(port uint32, data []byte) error {
	conn, err := b.conn(port)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(b.cfg.IOTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return protocol.WriteRawFrame(conn, data)
}

// VsockRecv reads one framed payload from the guest endpoint behind port.
func (b *Backend) VsockRecv(port uint32) ([]byte, error) {
	conn, err := b.conn(port)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(b.cfg.IOTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	return protocol.ReadRawFrame(conn)
}

func (b *Backend) conn(port uint32) (*vsock.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.conns[port]
	if !ok {
		return nil, fmt.Errorf("port %d is not connected", port)
	}
	return conn, nil
}

// Pid reports the hypervisor process ID when this backend launched it.
func (b *Backend) Pid() (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0, false
	}
	return int32(b.cmd.Process.Pid), true
}

// Close closes all guest connections and stops the hypervisor.
func (b *Backend) Close() error {
	b.mu.Lock()
	for port, conn := range b.conns {
		conn.Close()
		delete(b.conns, port)
	}
	b.mu.Unlock()
	return b.Kill()
}
