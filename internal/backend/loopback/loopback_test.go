package loopback

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/vesselvm/vessel/internal/protocol"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func createContainer(t *testing.T, b *Backend, port uint32, containerID string) {
	t.Helper()
	if err := b.Connect(port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	payload, err := json.Marshal(protocol.GuestCreateRequest{ContainerID: containerID, Bundle: "/tmp/b"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// The pipe is unbuffered, so send and recv must not share a goroutine.
	sendErr := make(chan error, 1)
	go func() { sendErr <- b.VsockSend(port, payload) }()

	ack, err := b.VsockRecv(port)
	if err != nil {
		t.Fatalf("VsockRecv: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("VsockSend: %v", err)
	}
	if string(ack) != "ok" {
		t.Fatalf("ack = %q, want ok", ack)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	createContainer(t, b, 1234, "c1")
}

func TestConnectTwiceSamePort(t *testing.T) {
	b := newTestBackend(t)
	if err := b.Connect(1234); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Connect(1234); err == nil {
		t.Fatal("second Connect on same port succeeded")
	}
}

func TestUnknownPort(t *testing.T) {
	b := newTestBackend(t)
	if err := b.VsockSend(999, []byte("x")); err == nil {
		t.Error("VsockSend on unknown port succeeded")
	}
	if _, err := b.VsockRecv(999); err == nil {
		t.Error("VsockRecv on unknown port succeeded")
	}
	if err := b.Disconnect(999); err == nil {
		t.Error("Disconnect on unknown port succeeded")
	}
}

func TestDisconnectFreesPort(t *testing.T) {
	b := newTestBackend(t)
	createContainer(t, b, 1234, "c1")
	if err := b.Disconnect(1234); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := b.Connect(1234); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
}
