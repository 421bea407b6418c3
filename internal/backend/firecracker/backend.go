// Package firecracker implements the guest control backend on a Firecracker
// microVM. The VM is configured with a vsock device only; there are no network
// interfaces, the control link is the whole data plane.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/vesselvm/vessel/internal/backend"
)

// connectTimeout bounds one Connect call, including dial retries.
const connectTimeout = 10 * time.Second

// gracefulShutdownTimeout is the time allowed for VM shutdown in Close.
const gracefulShutdownTimeout = 3 * time.Second

// Compile-time interface satisfaction checks.
var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.PidReporter = (*Backend)(nil)
)

// Backend drives one Firecracker microVM. The engine's dispatch loop is the
// only caller of the lifecycle and vsock methods; the mutex protects the
// connection table against a concurrent Close from the shutdown path.
type Backend struct {
	cfg       Config
	logger    *slog.Logger
	machine   *fcsdk.Machine
	vsockPath string
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	conns   map[uint32]*GuestConn
	pid     int32
	started bool
}

// New creates the backend and configures (but does not boot) the microVM.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.KernelPath == "" {
		return nil, fmt.Errorf("firecracker backend: kernel path not configured (%s)", envKernelPath)
	}
	if cfg.RootfsPath == "" {
		return nil, fmt.Errorf("firecracker backend: rootfs path not configured (%s)", envRootfsPath)
	}

	socketDir := cfg.SocketDir
	if socketDir == "" {
		dir, err := os.MkdirTemp("", "vesseld-fc-")
		if err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		socketDir = dir
	}

	socketPath := filepath.Join(socketDir, vmSocketName)
	vsockPath := filepath.Join(socketDir, vsockSocketName)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(cfg.RootfsPath),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cfg.CID,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(cfg.VCPUs),
			MemSizeMib: fcsdk.Int64(cfg.MemMB),
			Smt:        fcsdk.Bool(false),
		},
	}

	// The SDK wants a logrus logger; route it to discard, slog carries our logs.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create machine: %w", err)
	}

	return &Backend{
		cfg:       cfg,
		logger:    logger,
		machine:   machine,
		vsockPath: vsockPath,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[uint32]*GuestConn),
	}, nil
}

// Start boots the microVM.
func (b *Backend) Start() error {
	bootStart := time.Now()
	if err := b.machine.Start(b.ctx); err != nil {
		return fmt.Errorf("start VM: %w", err)
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())

	pid, err := b.machine.PID()
	if err != nil {
		b.logger.Warn("failed to read VM pid", "error", err)
	}

	b.mu.Lock()
	b.started = true
	b.pid = int32(pid)
	b.mu.Unlock()

	b.logger.Info("VM started",
		"cid", b.cfg.CID,
		"vcpus", b.cfg.VCPUs,
		"mem_mb", b.cfg.MemMB,
		"pid", pid,
	)
	return nil
}

// Kill forcibly stops the VMM process.
func (b *Backend) Kill() error {
	if err := b.machine.StopVMM(); err != nil {
		return fmt.Errorf("stop VMM: %w", err)
	}
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	return nil
}

// Connect opens the guest channel for the given vsock port.
func (b *Backend) Connect(port uint32) error {
	b.mu.Lock()
	if _, ok := b.conns[port]; ok {
		b.mu.Unlock()
		return fmt.Errorf("port %d already connected", port)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(b.ctx, connectTimeout)
	defer cancel()

	gc, err := DialGuest(ctx, b.vsockPath, port)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conns[port] = gc
	b.mu.Unlock()
	guestConnections.Inc()
	return nil
}

// Disconnect closes the guest channel for the given vsock port.
func (b *Backend) Disconnect(port uint32) error {
	b.mu.Lock()
	gc, ok := b.conns[port]
	delete(b.conns, port)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("port %d is not connected", port)
	}
	guestConnections.Dec()
	return gc.Close()
}

// VsockSend writes one payload to the guest endpoint behind port.
func (b *Backend) VsockSend(port uint32, data []byte) error {
	gc, err := b.conn(port)
	if err != nil {
		return err
	}
	return gc.Send(data)
}

// VsockRecv reads one payload from the guest endpoint behind port.
func (b *Backend) VsockRecv(port uint32) ([]byte, error) {
	gc, err := b.conn(port)
	if err != nil {
		return nil, err
	}
	return gc.Recv()
}

func (b *Backend) conn(port uint32) (*GuestConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gc, ok := b.conns[port]
	if !ok {
		return nil, fmt.Errorf("port %d is not connected", port)
	}
	return gc, nil
}

// Pid reports the VMM process ID once the VM has started.
func (b *Backend) Pid() (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.pid == 0 {
		return 0, false
	}
	return b.pid, true
}

// Close tears down all guest connections and shuts the VM down.
func (b *Backend) Close() error {
	b.mu.Lock()
	for port, gc := range b.conns {
		gc.Close()
		delete(b.conns, port)
		guestConnections.Dec()
	}
	started := b.started
	b.started = false
	b.mu.Unlock()

	var shutdownErr error
	if started {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := b.machine.Shutdown(ctx); err != nil {
			shutdownErr = b.machine.StopVMM()
		}
		cancel()
	}

	b.cancel()
	return shutdownErr
}
