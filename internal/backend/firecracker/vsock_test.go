package firecracker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vesselvm/vessel/internal/protocol"
)

// fakeVsockBridge accepts one UDS connection and performs the Firecracker
// CONNECT handshake, then echoes back every frame it receives.
func fakeVsockBridge(t *testing.T, accept bool) string {
	t.Helper()

	udsPath := filepath.Join(t.TempDir(), "vsock.sock")
	l, err := net.Listen("unix", udsPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if !strings.HasPrefix(line, "CONNECT ") {
			fmt.Fprintf(conn, "KO\n")
			return
		}
		if !accept {
			fmt.Fprintf(conn, "KO\n")
			return
		}
		fmt.Fprintf(conn, "OK 1073741824\n")

		for {
			data, err := protocol.ReadRawFrame(reader)
			if err != nil {
				return
			}
			if err := protocol.WriteRawFrame(conn, data); err != nil {
				return
			}
		}
	}()

	return udsPath
}

func TestDialGuestHandshakeAndEcho(t *testing.T) {
	udsPath := fakeVsockBridge(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gc, err := DialGuest(ctx, udsPath, 1234)
	if err != nil {
		t.Fatalf("DialGuest: %v", err)
	}
	defer gc.Close()

	payload := []byte(`{"container_id":"c1","bundle":"/tmp/b1"}`)
	if err := gc.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := gc.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed payload = %q, want %q", got, payload)
	}
}

func TestDialGuestRejectedHandshake(t *testing.T) {
	udsPath := fakeVsockBridge(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := DialGuest(ctx, udsPath, 1234)
	if err == nil {
		t.Fatal("DialGuest succeeded, want handshake rejection")
	}
	if !strings.Contains(err.Error(), "CONNECT failed") {
		t.Errorf("error = %v, want CONNECT failure", err)
	}
}

func TestDialGuestMissingSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DialGuest(ctx, filepath.Join(t.TempDir(), "absent.sock"), 1234)
	if err == nil {
		t.Fatal("DialGuest succeeded against missing socket")
	}
}

func TestGuestConnRawFrames(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	gc := &GuestConn{conn: client, reader: client}

	go func() {
		data, err := protocol.ReadRawFrame(server)
		if err != nil {
			t.Errorf("bridge read: %v", err)
			return
		}
		if string(data) != protocol.GuestCmdStart {
			t.Errorf("bridge got %q, want %q", data, protocol.GuestCmdStart)
		}
		protocol.WriteRawFrame(server, []byte("ok"))
	}()

	if err := gc.Send([]byte(protocol.GuestCmdStart)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := gc.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(resp) != "ok" {
		t.Errorf("response = %q, want ok", resp)
	}
}
