package hostvsock

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testNopLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(envCID, "5")
	t.Setenv(envVMCmd, "cloud-hypervisor --kernel /images/vmlinux")
	t.Setenv(envTimeout, "10s")

	cfg := LoadConfig()

	if cfg.CID != 5 {
		t.Errorf("CID = %d, want 5", cfg.CID)
	}
	want := []string{"cloud-hypervisor", "--kernel", "/images/vmlinux"}
	if len(cfg.VMCommand) != len(want) {
		t.Fatalf("VMCommand = %v, want %v", cfg.VMCommand, want)
	}
	for i := range want {
		if cfg.VMCommand[i] != want[i] {
			t.Errorf("VMCommand[%d] = %q, want %q", i, cfg.VMCommand[i], want[i])
		}
	}
	if cfg.IOTimeout != 10*time.Second {
		t.Errorf("IOTimeout = %v, want 10s", cfg.IOTimeout)
	}
}

func TestNewRequiresCID(t *testing.T) {
	if _, err := New(Config{}, testNopLogger()); err == nil {
		t.Fatal("New without CID succeeded, want error")
	}
	if _, err := New(Config{CID: 2}, testNopLogger()); err == nil {
		t.Fatal("New with reserved CID succeeded, want error")
	}
}

func TestLifecycleWithoutVMCommand(t *testing.T) {
	b, err := New(Config{CID: 5}, testNopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Externally managed VM: Start and Kill are no-ops.
	if err := b.Start(); err != nil {
		t.Errorf("Start: %v", err)
	}
	if _, ok := b.Pid(); ok {
		t.Error("Pid reported without a launched hypervisor")
	}
	if err := b.Kill(); err != nil {
		t.Errorf("Kill: %v", err)
	}
}

func TestUnknownPortErrors(t *testing.T) {
	b, err := New(Config{CID: 5}, testNopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := b.VsockSend(1234, []byte("x")); err == nil {
		t.Error("VsockSend on unconnected port succeeded")
	}
	if _, err := b.VsockRecv(1234); err == nil {
		t.Error("VsockRecv on unconnected port succeeded")
	}
	if err := b.Disconnect(1234); err == nil {
		t.Error("Disconnect on unconnected port succeeded")
	}
}
