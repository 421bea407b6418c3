package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/vesselvm/vessel/internal/protocol"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is one host-side connection to a guest vsock port, bridged through
// Firecracker's vsock UDS. Payloads are length-prefixed byte frames; their
// content is opaque here.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// DialGuest connects to the guest endpoint listening on port via Firecracker's
// vsock UDS bridge. Retries with exponential backoff on connection failure.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return gc, nil
	}

	return nil, fmt.Errorf("dial guest port %d after %d attempts: %w", port, dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Firecracker bridges the UDS connection to the guest's vsock listener.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
// Returns a GuestConn with a buffered reader to prevent protocol desynchronization.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Use a buffered reader and keep it for all subsequent reads to avoid
	// losing bytes that the buffer may have read ahead.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Send writes one framed payload to the guest.
func (gc *GuestConn) Send(data []byte) error {
	return protocol.WriteRawFrame(gc.conn, data)
}

// Recv reads one framed payload from the guest. Blocks until the guest writes.
func (gc *GuestConn) Recv() ([]byte, error) {
	return protocol.ReadRawFrame(gc.reader)
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
