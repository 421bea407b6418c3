// Command vesseld is the container control-plane daemon. It boots one VM,
// then serves container lifecycle RPCs on a Unix socket, relaying commands to
// the in-VM agent over per-container vsock ports.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vesselvm/vessel/internal/api"
	"github.com/vesselvm/vessel/internal/backend"
	"github.com/vesselvm/vessel/internal/backend/firecracker"
	"github.com/vesselvm/vessel/internal/backend/hostvsock"
	"github.com/vesselvm/vessel/internal/backend/loopback"
	"github.com/vesselvm/vessel/internal/config"
	"github.com/vesselvm/vessel/internal/engine"
	"github.com/vesselvm/vessel/internal/registry"
	"github.com/vesselvm/vessel/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vesseld: starting",
		"socket", cfg.SocketPath,
		"backend", cfg.Backend,
		"journal", cfg.JournalPath,
	)

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		log.Fatalf("create root dir: %v", err)
	}

	// vm.json is optional; when present it overrides the backend's
	// environment-derived machine shape.
	var vmCfg *config.VMConfig
	if _, err := os.Stat(cfg.VMConfigPath); err == nil {
		vmCfg, err = config.LoadVMConfig(cfg.VMConfigPath)
		if err != nil {
			log.Fatalf("load vm config: %v", err)
		}
	}

	backends := backend.NewRegistry()
	backends.Register(firecracker.BackendName, func(l *slog.Logger) (backend.Backend, error) {
		fcCfg := firecracker.LoadConfig()
		applyVMConfig(&fcCfg, vmCfg)
		return firecracker.New(fcCfg, l)
	})
	backends.Register(hostvsock.BackendName, func(l *slog.Logger) (backend.Backend, error) {
		return hostvsock.New(hostvsock.LoadConfig(), l)
	})
	backends.Register(loopback.BackendName, func(l *slog.Logger) (backend.Backend, error) {
		return loopback.New(l)
	})

	be, err := backends.Resolve(cfg.Backend, logger)
	if err != nil {
		log.Fatalf("resolve backend: %v", err)
	}

	// Boot before the dispatch loop takes sole ownership of the backend.
	if err := be.Start(); err != nil {
		log.Fatalf("boot vm: %v", err)
	}
	logger.Info("vm booted")

	disp := engine.NewDispatcher(be, logger)
	go disp.Run()

	journal, err := store.NewSQLiteJournal(cfg.JournalPath)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}

	reg := registry.New()

	var pidFn api.PidFunc
	if pr, ok := be.(backend.PidReporter); ok {
		pidFn = pr.Pid
	}
	svc := api.NewService(reg, disp, journal, pidFn, logger, cfg.AckTimeout)

	if err := config.PrepareSocketPath(cfg.SocketPath); err != nil {
		log.Fatalf("prepare socket path: %v", err)
	}
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SocketPath, err)
	}
	srv := api.NewServer(listener, svc, logger)

	var debugSrv *http.Server
	if cfg.HTTPAddr != "" {
		debugSrv = api.NewDebugServer(cfg.HTTPAddr, reg, logger)
		go func() {
			logger.Info("debug http listening", "addr", cfg.HTTPAddr)
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug http server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	logger.Info("serving", "socket", cfg.SocketPath)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("accept loop failed", "error", err)
			exitCode = 1
		}
	case <-disp.Done():
		// Backend failure is fatal: nothing useful survives a dead VM.
		logger.Error("dispatch loop terminated", "error", disp.Err())
		exitCode = 1
	}

	srv.Close()
	if debugSrv != nil {
		debugSrv.Shutdown(context.Background())
	}
	disp.Stop()
	<-disp.Done()
	if err := be.Close(); err != nil {
		logger.Warn("backend close", "error", err)
	}
	journal.Close()
	os.Remove(cfg.SocketPath)

	logger.Info("vesseld: stopped")
	os.Exit(exitCode)
}

// applyVMConfig overlays the vm.json machine shape onto the Firecracker
// configuration.
func applyVMConfig(fcCfg *firecracker.Config, vmCfg *config.VMConfig) {
	if vmCfg == nil {
		return
	}
	if vmCfg.CPUs > 0 {
		fcCfg.VCPUs = int64(vmCfg.CPUs)
	}
	if vmCfg.MemoryMB > 0 {
		fcCfg.MemMB = int64(vmCfg.MemoryMB)
	}
	if vmCfg.Kernel != "" {
		fcCfg.KernelPath = vmCfg.Kernel
	}
	for _, s := range vmCfg.Storage {
		if s.Type == "rootfs" || s.Type == "disk" {
			fcCfg.RootfsPath = s.File
			break
		}
	}
}
